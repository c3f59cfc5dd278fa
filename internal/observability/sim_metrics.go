package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SimCollector exposes simulation loop metrics. It satisfies the metrics
// recorder interfaces of the world, lifecycle queue and message router, so a
// single instance can be handed to world.WithMetricsRecorder.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Ticks        *prometheus.CounterVec
	TickDuration prometheus.Histogram

	Models prometheus.Gauge
	Bodies prometheus.Gauge
	Geoms  prometheus.Gauge

	SimTime prometheus.Gauge
	Paused  prometheus.Gauge

	HistorySnapshots prometheus.Gauge
	HistoryEvictions prometheus.Counter
	ScheduledEvents  prometheus.Gauge

	LifecycleOps *prometheus.CounterVec
	Messages     *prometheus.CounterVec

	mu            sync.Mutex
	lastEvictions uint64
}

// NewSimCollector registers simulation metrics against the provided registerer.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &SimCollector{gatherer: gatherer}

	var err error
	if c.Ticks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worldsim_ticks_total",
		Help: "Simulation loop iterations, labeled by whether sim time advanced.",
	}, []string{"advanced"}), "worldsim_ticks_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "worldsim_tick_duration_seconds",
		Help:    "Wall-clock duration of one simulation loop iteration.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}), "worldsim_tick_duration_seconds"); err != nil {
		return nil, err
	}

	gauges := []struct {
		dst        *prometheus.Gauge
		name, help string
	}{
		{&c.Models, "worldsim_models", "Registered models."},
		{&c.Bodies, "worldsim_bodies", "Registered bodies."},
		{&c.Geoms, "worldsim_geoms", "Registered geoms."},
		{&c.SimTime, "worldsim_sim_time_seconds", "Accumulated simulation time."},
		{&c.Paused, "worldsim_paused", "1 while the simulation is paused."},
		{&c.HistorySnapshots, "worldsim_history_snapshots", "Snapshots held by the history buffer."},
		{&c.ScheduledEvents, "worldsim_scheduled_events", "Sim-time callbacks waiting to run."},
	}
	for _, g := range gauges {
		if *g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}), g.name); err != nil {
			return nil, err
		}
	}

	if c.HistoryEvictions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worldsim_history_evictions_total",
		Help: "Snapshots evicted from the history buffer.",
	}), "worldsim_history_evictions_total"); err != nil {
		return nil, err
	}
	if c.LifecycleOps, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worldsim_lifecycle_ops_total",
		Help: "Applied entity lifecycle requests, labeled by operation and outcome.",
	}, []string{"op", "outcome"}), "worldsim_lifecycle_ops_total"); err != nil {
		return nil, err
	}
	if c.Messages, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worldsim_messages_total",
		Help: "Inbound messages, labeled by kind and dispatch outcome.",
	}, []string{"kind", "outcome"}), "worldsim_messages_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// ObserveTick records one loop iteration.
func (c *SimCollector) ObserveTick(d time.Duration, advanced bool) {
	if c == nil {
		return
	}
	c.Ticks.WithLabelValues(strconv.FormatBool(advanced)).Inc()
	c.TickDuration.Observe(d.Seconds())
}

// SetEntityCounts updates the registry gauges.
func (c *SimCollector) SetEntityCounts(models, bodies, geoms int) {
	if c == nil {
		return
	}
	c.Models.Set(float64(models))
	c.Bodies.Set(float64(bodies))
	c.Geoms.Set(float64(geoms))
}

// SetClock updates the sim time and pause gauges.
func (c *SimCollector) SetClock(simTime time.Duration, paused bool) {
	if c == nil {
		return
	}
	c.SimTime.Set(simTime.Seconds())
	if paused {
		c.Paused.Set(1)
	} else {
		c.Paused.Set(0)
	}
}

// SetHistory updates the history size gauge and adds new evictions to the
// eviction counter.
func (c *SimCollector) SetHistory(size int, evictions uint64) {
	if c == nil {
		return
	}
	c.HistorySnapshots.Set(float64(size))
	c.mu.Lock()
	defer c.mu.Unlock()
	if evictions > c.lastEvictions {
		c.HistoryEvictions.Add(float64(evictions - c.lastEvictions))
	}
	c.lastEvictions = evictions
}

// SetScheduled updates the pending scheduled callbacks gauge.
func (c *SimCollector) SetScheduled(pending int) {
	if c == nil {
		return
	}
	c.ScheduledEvents.Set(float64(pending))
}

// ObserveLifecycle counts one applied lifecycle request.
func (c *SimCollector) ObserveLifecycle(op, outcome string) {
	if c == nil {
		return
	}
	c.LifecycleOps.WithLabelValues(op, outcome).Inc()
}

// ObserveMessage counts one inbound message outcome.
func (c *SimCollector) ObserveMessage(kind, outcome string) {
	if c == nil {
		return
	}
	c.Messages.WithLabelValues(kind, outcome).Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
