package world

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
	"github.com/signalsfoundry/worldsim/timectrl"
)

// InsertEntity queues a model description for insertion on the next tick.
func (w *World) InsertEntity(description string, replace, initialize bool) {
	w.lifecycle.RequestInsert(description, replace, initialize)
}

// InsertModel queues an already parsed model for insertion on the next tick.
func (w *World) InsertModel(desc *model.ModelDescription, replace, initialize bool) {
	w.lifecycle.RequestInsertDescription(desc, replace, initialize)
}

// DeleteEntity queues removal of a model; unknown names are ignored.
func (w *World) DeleteEntity(name string) {
	w.lifecycle.RequestDelete(name)
}

// ReceiveMessage queues an inbound message for dispatch on the next tick.
func (w *World) ReceiveMessage(m msgs.Message) error {
	return w.router.Enqueue(m)
}

// SetPaused pauses or resumes the simulation.
func (w *World) SetPaused(paused bool) error {
	return w.ctrl.SetPaused(paused)
}

// Step authorizes n ticks while paused; n must be in [1, msgs.MaxSteps].
func (w *World) Step(n int) error {
	if n < 1 || n > msgs.MaxSteps {
		return fmt.Errorf("step count %d: %w", n, msgs.ErrMalformedMessage)
	}
	return w.ctrl.StepN(n)
}

func (w *World) SimTime() time.Duration   { return w.ctrl.SimTime() }
func (w *World) PauseTime() time.Duration { return w.ctrl.PauseTime() }
func (w *World) StartTime() time.Time     { return w.ctrl.StartTime() }
func (w *World) RealTime() time.Duration  { return w.ctrl.RealTime() }
func (w *World) IsPaused() bool           { return w.ctrl.IsPaused() }
func (w *World) State() timectrl.State    { return w.ctrl.State() }

// PendingSteps returns the number of authorized steps not yet executed.
func (w *World) PendingSteps() int { return w.ctrl.PendingSteps() }

func (w *World) ModelCount() int                     { return w.registry.ModelCount() }
func (w *World) ModelAt(i int) *kb.Entity            { return w.registry.ModelAt(i) }
func (w *World) Models() []*kb.Entity                { return w.registry.Models() }
func (w *World) GetByName(name string) *kb.Entity    { return w.registry.GetByName(name) }
func (w *World) PrintEntityTree(out io.Writer) error { return w.registry.PrintTree(out) }

// Registry exposes the entity registry for read access and subscriptions.
// Structural changes must go through the lifecycle requests.
func (w *World) Registry() *kb.KnowledgeBase { return w.registry }

// Scheduler returns the sim-time scheduler. Callbacks run on the loop
// goroutine after simulation time advances.
func (w *World) Scheduler() *timectrl.Scheduler { return w.scheduler }

// AddUpdateListener registers a callback run on the loop goroutine after
// every sim-time advance.
func (w *World) AddUpdateListener(fn func(simTime time.Duration)) {
	w.ctrl.AddListener(fn)
}

// SelectedEntity returns the selected entity, or nil when nothing is
// selected or the selection no longer resolves.
func (w *World) SelectedEntity() *kb.Entity {
	name := w.SelectedName()
	if name == "" {
		return nil
	}
	return w.registry.GetByName(name)
}

// SelectedName returns the selected scoped name, empty when none.
func (w *World) SelectedName() string {
	w.selMu.RLock()
	defer w.selMu.RUnlock()
	return w.selected
}

// SetSelectedEntity selects an entity by scoped name. An empty name clears
// the selection.
func (w *World) SetSelectedEntity(name string) error {
	if name != "" && w.registry.GetByName(name) == nil {
		return fmt.Errorf("select %q: %w", name, kb.ErrEntityNotFound)
	}
	w.selMu.Lock()
	w.selected = name
	w.selMu.Unlock()
	return nil
}

// HistoryInfo describes the playback window.
type HistoryInfo struct {
	Len          int
	Cap          int
	CurrentIndex int
	Oldest       time.Duration
	Newest       time.Duration
	Current      time.Duration
	Window       time.Duration
	Evictions    uint64
	Following    bool // cursor tracks the newest snapshot
}

// HistoryWindow reports the sim-time span covered by the history buffer.
func (w *World) HistoryWindow() HistoryInfo {
	info := HistoryInfo{
		Len:          w.history.Len(),
		Cap:          w.history.Cap(),
		CurrentIndex: w.history.CurrentIndex(),
		Window:       w.history.Window(),
		Evictions:    w.history.Evictions(),
		Following:    w.history.Following(),
	}
	if ws := w.history.Oldest(); ws != nil {
		info.Oldest = ws.SimTime
	}
	if ws := w.history.Newest(); ws != nil {
		info.Newest = ws.SimTime
	}
	if ws := w.history.Current(); ws != nil {
		info.Current = ws.SimTime
	}
	return info
}

// SeekTime moves the playback cursor to the snapshot nearest to t.
func (w *World) SeekTime(t time.Duration) (*model.WorldState, error) {
	return w.history.SeekTime(t)
}

// SeekIndex moves the playback cursor to index i (0 is the oldest).
func (w *World) SeekIndex(i int) (*model.WorldState, error) {
	return w.history.SeekIndex(i)
}

// FollowHistory returns the playback cursor to the newest snapshot and
// keeps it there as the loop records new ones.
func (w *World) FollowHistory() *model.WorldState {
	return w.history.Follow()
}

// CurrentState returns the snapshot under the playback cursor, or nil.
func (w *World) CurrentState() *model.WorldState {
	return w.history.Current()
}

// RestoreCurrent applies the poses of the current snapshot to the live
// registry. Entities whose name no longer resolves to the captured entity
// are skipped.
func (w *World) RestoreCurrent(ctx context.Context) (applied, skipped int, err error) {
	return w.restore(ctx, "history restored", false)
}

// Rewind restores the current snapshot and discards every newer snapshot
// once the loop records the next one.
func (w *World) Rewind(ctx context.Context) (applied, skipped int, err error) {
	return w.restore(ctx, "history rewound", true)
}

func (w *World) restore(ctx context.Context, msg string, rewind bool) (int, int, error) {
	type counts struct{ applied, skipped int }
	res := make(chan counts, 1)
	err := w.do(ctx, func(ctx context.Context) error {
		var (
			c   counts
			err error
		)
		if rewind {
			c.applied, c.skipped, err = w.history.Rewind(w.registry)
		} else {
			c.applied, c.skipped, err = w.history.Restore(w.registry)
		}
		if err != nil {
			return err
		}
		if rewind {
			w.stateDirty = true
		}
		res <- c
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	c := <-res
	w.log.Info(ctx, msg, logging.Int("applied", c.applied), logging.Int("skipped", c.skipped))
	return c.applied, c.skipped, nil
}
