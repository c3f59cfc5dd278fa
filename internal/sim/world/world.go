// Package world runs the simulation loop: it owns the entity registry and
// reconciles it every tick with the requests queued by other goroutines.
package world

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/sim/history"
	"github.com/signalsfoundry/worldsim/internal/sim/lifecycle"
	"github.com/signalsfoundry/worldsim/internal/sim/router"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
	"github.com/signalsfoundry/worldsim/physics"
	"github.com/signalsfoundry/worldsim/timectrl"
)

const tracerName = "github.com/signalsfoundry/worldsim/internal/sim/world"

var (
	// ErrLoopRunning is returned by operations reserved for a stopped loop.
	ErrLoopRunning = errors.New("simulation loop is running")
	// ErrStopTimeout is returned by Stop when the loop did not exit in time.
	ErrStopTimeout = errors.New("simulation loop did not stop in time")
	// ErrLoopPanic wraps a panic recovered from the simulation loop.
	ErrLoopPanic = errors.New("simulation loop panicked")
	// ErrFinalized is returned after Fini.
	ErrFinalized = errors.New("world finalized")
)

// Config holds the world parameters.
type Config struct {
	Name string

	Tick        time.Duration
	Mode        timectrl.Mode
	StartPaused bool

	HistorySize      int
	HistoryWindow    time.Duration
	SnapshotInterval time.Duration

	SceneBuffer   int
	QueueCapacity int
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		Name:             "default",
		Tick:             10 * time.Millisecond,
		Mode:             timectrl.RealTime,
		HistorySize:      history.DefaultMaxCount,
		SnapshotInterval: 100 * time.Millisecond,
		SceneBuffer:      16,
	}
}

// Param is one named world parameter.
type Param struct {
	Name  string
	Value string
}

// MetricsRecorder receives loop-level measurements.
type MetricsRecorder interface {
	ObserveTick(d time.Duration, advanced bool)
	SetEntityCounts(models, bodies, geoms int)
	SetClock(simTime time.Duration, paused bool)
	SetHistory(size int, evictions uint64)
	SetScheduled(pending int)
}

// Option configures a World.
type Option func(*World)

// WithLogger sets the world logger.
func WithLogger(l logging.Logger) Option {
	return func(w *World) {
		if l != nil {
			w.log = l
		}
	}
}

// WithPhysics sets the physics engine.
func WithPhysics(e physics.Engine) Option {
	return func(w *World) {
		if e != nil {
			w.physics = e
		}
	}
}

// WithParser sets the description parser used for text inserts.
func WithParser(p lifecycle.Parser) Option {
	return func(w *World) { w.parser = p }
}

// WithMetricsRecorder attaches an optional metrics recorder. If it also
// implements the lifecycle or router recorder interfaces it is handed to
// those components.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(w *World) { w.metrics = m }
}

// WithTracerProvider overrides the global tracer provider for tick spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *World) {
		if tp != nil {
			w.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithWallClock injects the wall clock used by the time controller.
func WithWallClock(now func() time.Time) Option {
	return func(w *World) { w.wallClock = now }
}

// World is the simulation kernel. Registry structure, history writes and
// controller tick transitions happen only on the loop goroutine (or on the
// caller's goroutine while the loop is stopped). Every other method is safe
// from any goroutine.
type World struct {
	cfg     Config
	log     logging.Logger
	tracer  trace.Tracer
	metrics MetricsRecorder

	wallClock func() time.Time
	parser    lifecycle.Parser
	physics   physics.Engine

	registry  *kb.KnowledgeBase
	ctrl      *timectrl.TimeController
	scheduler *timectrl.Scheduler
	history   *history.Buffer
	lifecycle *lifecycle.Queue
	router    *router.Router

	nameMu sync.RWMutex
	name   string

	selMu    sync.RWMutex
	selected string

	scene chan SceneUpdate

	opsMu sync.Mutex
	ops   []loopOp

	// Loop-owned state.
	pendingScene SceneUpdate
	sceneBacklog int
	lastSnapshot time.Duration
	stateDirty   bool
	statsMu      sync.Mutex
	lastStats    TickStats

	runMu     sync.Mutex
	running   bool
	finalized bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	loopErr   error
}

// TickStats summarizes the work done by one tick.
type TickStats struct {
	Messages  router.Result
	Inserts   lifecycle.DrainResult
	Deletes   lifecycle.DrainResult
	Advanced  bool
	SimTime   time.Duration
	Snapshot  bool
	SceneSent bool
}

type loopOp struct {
	fn   func(ctx context.Context) error
	done chan error
}

// New constructs a stopped world.
func New(cfg Config, opts ...Option) *World {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SceneBuffer <= 0 {
		cfg.SceneBuffer = def.SceneBuffer
	}
	if cfg.SnapshotInterval < 0 {
		cfg.SnapshotInterval = 0
	}

	w := &World{
		cfg:      cfg,
		name:     cfg.Name,
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
		physics:  physics.NewKinematicEngine(time.Now().UTC()),
		registry: kb.NewKnowledgeBase(),
		scene:    make(chan SceneUpdate, cfg.SceneBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With(logging.String("component", "world"))

	ctrlOpts := []timectrl.Option{timectrl.WithMode(cfg.Mode), timectrl.WithStartPaused(cfg.StartPaused)}
	if w.wallClock != nil {
		ctrlOpts = append(ctrlOpts, timectrl.WithWallClock(w.wallClock))
	}
	w.ctrl = timectrl.NewTimeController(cfg.Tick, ctrlOpts...)
	w.scheduler = timectrl.NewScheduler(w.ctrl)
	w.history = history.NewBuffer(cfg.HistorySize, history.WithWindow(cfg.HistoryWindow))

	lcOpts := []lifecycle.Option{
		lifecycle.WithParser(w.parser),
		lifecycle.WithLogger(w.log),
		lifecycle.WithHooks(lifecycle.Hooks{
			Initialize: w.physics.InitModel,
			Inserted:   w.onInserted,
			Removed:    w.onRemoved,
		}),
	}
	if m, ok := w.metrics.(lifecycle.MetricsRecorder); ok {
		lcOpts = append(lcOpts, lifecycle.WithMetricsRecorder(m))
	}
	w.lifecycle = lifecycle.NewQueue(w.registry, lcOpts...)

	rOpts := []router.Option{router.WithCapacity(cfg.QueueCapacity), router.WithLogger(w.log)}
	if m, ok := w.metrics.(router.MetricsRecorder); ok {
		rOpts = append(rOpts, router.WithMetricsRecorder(m))
	}
	w.router = router.New(rOpts...)
	w.registerHandlers()
	return w
}

// Name returns the world name.
func (w *World) Name() string {
	w.nameMu.RLock()
	defer w.nameMu.RUnlock()
	return w.name
}

// Params lists the world parameters.
func (w *World) Params() []Param {
	return []Param{
		{Name: "name", Value: w.Name()},
		{Name: "tick", Value: w.cfg.Tick.String()},
		{Name: "mode", Value: modeString(w.cfg.Mode)},
		{Name: "history_size", Value: strconv.Itoa(w.cfg.HistorySize)},
		{Name: "history_window", Value: w.cfg.HistoryWindow.String()},
		{Name: "snapshot_interval", Value: w.cfg.SnapshotInterval.String()},
		{Name: "scene_buffer", Value: strconv.Itoa(w.cfg.SceneBuffer)},
		{Name: "queue_capacity", Value: strconv.Itoa(w.cfg.QueueCapacity)},
	}
}

func modeString(m timectrl.Mode) string {
	if m == timectrl.Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// Load queues every model of desc for insertion and adopts its name. Models
// are registered by Init or the first tick.
func (w *World) Load(desc *model.WorldDescription) error {
	if desc == nil {
		return fmt.Errorf("load world: nil description")
	}
	if desc.Name != "" {
		w.nameMu.Lock()
		w.name = desc.Name
		w.nameMu.Unlock()
	}
	for _, m := range desc.Models {
		w.lifecycle.RequestInsertDescription(m, false, true)
	}
	w.log.Info(context.Background(), "world loaded",
		logging.String("world", w.Name()), logging.Int("models", len(desc.Models)))
	return nil
}

// Init applies queued lifecycle requests and records the initial state as the
// first history snapshot. It must run while the loop is stopped.
func (w *World) Init(ctx context.Context) error {
	if err := w.requireStopped(); err != nil {
		return err
	}
	ins := w.lifecycle.DrainInserts(ctx)
	del := w.lifecycle.DrainDeletes(ctx)
	w.history.Reset(w.registry.Capture(w.ctrl.SimTime()))
	w.lastSnapshot = w.ctrl.SimTime()
	w.updateGauges()
	w.log.Info(ctx, "world initialized",
		logging.Int("inserted", ins.Inserted),
		logging.Int("malformed", ins.Malformed),
		logging.Int("deleted", del.Deleted))
	return nil
}

// Start launches the simulation loop. The controller is started on first use;
// a loop stopped with Stop can be started again.
func (w *World) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	if w.running {
		return ErrLoopRunning
	}
	if w.ctrl.State() == timectrl.Stopped {
		if err := w.ctrl.Start(); err != nil {
			return err
		}
	}

	w.running = true
	w.loopErr = nil
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(context.WithoutCancel(ctx), w.stopCh, w.doneCh)

	w.log.Info(ctx, "simulation loop started",
		logging.String("world", w.Name()),
		logging.Duration("tick", w.cfg.Tick),
		logging.Bool("paused", w.ctrl.IsPaused()))
	return nil
}

// Stop asks the loop to exit after its current tick and waits for it, leaving
// the controller Stopped. It returns ErrStopTimeout if ctx ends first, or the
// recovered panic if the loop crashed. After a timeout the loop still exits
// on its own once its tick returns; until then the world reports running and
// a later Stop waits again. Stopping a stopped world is a no-op.
func (w *World) Stop(ctx context.Context) error {
	w.runMu.Lock()
	if !w.running {
		err := w.loopErr
		w.loopErr = nil
		w.runMu.Unlock()
		return err
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	w.runMu.Unlock()

	select {
	case <-doneCh:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStopTimeout, ctx.Err())
	}

	w.runMu.Lock()
	defer w.runMu.Unlock()
	err := w.loopErr
	w.loopErr = nil
	return err
}

// Fini stops the loop, removes every model, stops the controller and closes
// the scene channel. The world cannot be started again.
func (w *World) Fini(ctx context.Context) error {
	stopErr := w.Stop(ctx)
	if errors.Is(stopErr, ErrStopTimeout) {
		return stopErr
	}

	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.finalized {
		return stopErr
	}
	w.finalized = true

	w.router.Discard()
	w.lifecycle.Discard()
	w.scheduler.Clear()
	for _, m := range w.registry.Clear() {
		w.physics.RemoveModel(m)
	}
	w.ctrl.Stop()
	close(w.scene)
	return stopErr
}

// Clear requests removal of every registered model; the deletes are applied
// on the next tick.
func (w *World) Clear() {
	for _, m := range w.registry.Models() {
		w.lifecycle.RequestDelete(m.Name())
	}
}

// Reset requests a world reset on the next tick: models return to the poses
// they were constructed with, physics is reset and history is reseeded.
// Simulation time is not rewound.
func (w *World) Reset(ctx context.Context) error {
	return w.do(ctx, w.reset)
}

func (w *World) reset(ctx context.Context) error {
	w.registry.ResetPoses()
	w.physics.Reset()
	simTime := w.ctrl.SimTime()
	w.history.Reset(w.registry.Capture(simTime))
	w.lastSnapshot = simTime
	w.log.Info(ctx, "world reset", logging.Duration("sim_time", simTime))
	return nil
}

// IsRunning reports whether the loop goroutine is active.
func (w *World) IsRunning() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.running
}

func (w *World) requireStopped() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	if w.running {
		return ErrLoopRunning
	}
	return nil
}

// do runs fn on the loop goroutine and waits for its result. With the loop
// stopped, fn runs on the caller's goroutine.
func (w *World) do(ctx context.Context, fn func(context.Context) error) error {
	w.runMu.Lock()
	if w.finalized {
		w.runMu.Unlock()
		return ErrFinalized
	}
	if !w.running {
		defer w.runMu.Unlock()
		return fn(ctx)
	}
	op := loopOp{fn: fn, done: make(chan error, 1)}
	w.opsMu.Lock()
	w.ops = append(w.ops, op)
	w.opsMu.Unlock()
	w.runMu.Unlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *World) runOps(ctx context.Context) {
	w.opsMu.Lock()
	ops := w.ops
	w.ops = nil
	w.opsMu.Unlock()
	for _, op := range ops {
		op.done <- op.fn(ctx)
	}
}

