package world

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/timectrl"
)

// Tick runs a single loop iteration on the caller's goroutine, starting the
// controller on first use. It is meant for tests and headless stepping and
// fails with ErrLoopRunning while the loop goroutine is active.
func (w *World) Tick(ctx context.Context) (TickStats, error) {
	if err := w.requireStopped(); err != nil {
		return TickStats{}, err
	}
	if w.ctrl.State() == timectrl.Stopped {
		if err := w.ctrl.Start(); err != nil {
			return TickStats{}, err
		}
	}
	w.runOps(ctx)
	return w.tick(ctx), nil
}

// LastTick returns the stats of the most recent tick.
func (w *World) LastTick() TickStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.lastStats
}

func (w *World) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer w.finishLoop(ctx)
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", ErrLoopPanic, p)
			w.log.Error(ctx, "simulation loop crashed", logging.Err(err))
			w.runMu.Lock()
			w.loopErr = err
			w.runMu.Unlock()
		}
	}()

	tick := w.ctrl.Tick()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		w.runOps(ctx)
		stats := w.tick(ctx)

		select {
		case <-stop:
			return
		default:
		}

		// Accelerated mode runs back to back while advancing; an idle
		// (paused) loop always waits a tick.
		if w.ctrl.Mode() == timectrl.Accelerated && stats.Advanced {
			continue
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// finishLoop runs on the loop goroutine as it exits, whether or not a Stop
// caller is still waiting. Ops queued after the last tick run here; later
// ops run inline on the caller since running is false.
func (w *World) finishLoop(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	w.running = false
	w.ctrl.Stop()
	w.runOps(ctx)
	w.log.Info(ctx, "simulation loop stopped", logging.Duration("sim_time", w.ctrl.SimTime()))
}

// tick performs one iteration: messages, inserts, deletes, physics and time,
// history, scene hand-off.
func (w *World) tick(ctx context.Context) TickStats {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "world.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var stats TickStats
	stats.Messages = w.router.ProcessAll(ctx)
	stats.Inserts = w.lifecycle.DrainInserts(ctx)
	stats.Deletes = w.lifecycle.DrainDeletes(ctx)
	changed := stats.Inserts.Changed() || stats.Deletes.Changed()

	if w.ctrl.BeginTick() {
		dt := w.ctrl.Tick()
		next := w.ctrl.SimTime() + dt
		if err := w.physics.UpdatePhysics(ctx, next, dt); err != nil {
			span.RecordError(err)
			w.log.Warn(ctx, "physics update failed", logging.Err(err))
		}
		w.ctrl.Advance()
		w.scheduler.RunDue()
		stats.Advanced = true
	}
	w.ctrl.EndTick()
	stats.SimTime = w.ctrl.SimTime()

	if w.shouldSnapshot(stats, changed) {
		w.history.Snapshot(w.registry, stats.SimTime)
		w.lastSnapshot = stats.SimTime
		w.stateDirty = false
		stats.Snapshot = true
	}

	stats.SceneSent = w.flushScene(stats.SimTime)

	span.SetAttributes(
		attribute.Bool("advanced", stats.Advanced),
		attribute.Int64("sim_time_ns", int64(stats.SimTime)),
		attribute.Int("messages", stats.Messages.Handled+stats.Messages.Failed+stats.Messages.Unknown),
		attribute.Int("inserted", stats.Inserts.Inserted),
		attribute.Int("deleted", stats.Inserts.Deleted+stats.Deletes.Deleted),
	)

	if w.metrics != nil {
		w.metrics.ObserveTick(time.Since(start), stats.Advanced)
	}
	w.updateGauges()

	w.statsMu.Lock()
	w.lastStats = stats
	w.statsMu.Unlock()
	return stats
}

// shouldSnapshot applies the snapshot interval policy: after membership
// changes or explicit pose edits, and otherwise once sim time has advanced
// by the configured interval since the last snapshot.
func (w *World) shouldSnapshot(stats TickStats, changed bool) bool {
	if changed || w.stateDirty || w.history.Len() == 0 {
		return true
	}
	if !stats.Advanced {
		return false
	}
	return stats.SimTime-w.lastSnapshot >= w.cfg.SnapshotInterval
}

func (w *World) updateGauges() {
	if w.metrics == nil {
		return
	}
	models, bodies, geoms := w.registry.Counts()
	w.metrics.SetEntityCounts(models, bodies, geoms)
	w.metrics.SetClock(w.ctrl.SimTime(), w.ctrl.IsPaused())
	w.metrics.SetHistory(w.history.Len(), w.history.Evictions())
	w.metrics.SetScheduled(w.scheduler.Pending())
}
