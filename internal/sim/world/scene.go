package world

import (
	"context"
	"strings"
	"time"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/kb"
)

// SceneUpdate is the batch of registry membership changes handed to the
// rendering consumer. An entity created and removed before a batch is
// delivered appears in neither list. Consumers apply Removed before Created,
// so a replaced model shows up as its old instance in Removed and its new
// instance in Created.
type SceneUpdate struct {
	SimTime time.Duration
	Created []*kb.Entity
	Removed []*kb.Entity
}

// Empty reports whether the update carries no changes.
func (u SceneUpdate) Empty() bool {
	return len(u.Created) == 0 && len(u.Removed) == 0
}

// SceneUpdates returns the channel the loop delivers scene batches on. The
// loop never blocks on it: when the consumer falls behind, changes accumulate
// into the next batch. The channel is closed by Fini.
func (w *World) SceneUpdates() <-chan SceneUpdate {
	return w.scene
}

// SceneBacklog returns the number of consecutive ticks whose batch could not
// be delivered.
func (w *World) SceneBacklog() int {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.sceneBacklog
}

func (w *World) onInserted(m *kb.Entity) {
	w.pendingScene.Created = append(w.pendingScene.Created, m)
}

func (w *World) onRemoved(m *kb.Entity) {
	pending := false
	for i, c := range w.pendingScene.Created {
		if c == m {
			w.pendingScene.Created = append(w.pendingScene.Created[:i], w.pendingScene.Created[i+1:]...)
			pending = true
			break
		}
	}
	if !pending {
		w.pendingScene.Removed = append(w.pendingScene.Removed, m)
	}
	w.physics.RemoveModel(m)

	w.selMu.Lock()
	if w.selected == m.Name() || strings.HasPrefix(w.selected, m.Name()+"::") {
		w.selected = ""
	}
	w.selMu.Unlock()
}

// flushScene tries to hand the accumulated batch to the consumer.
func (w *World) flushScene(simTime time.Duration) bool {
	if w.pendingScene.Empty() {
		return false
	}
	w.pendingScene.SimTime = simTime
	select {
	case w.scene <- w.pendingScene:
		w.pendingScene = SceneUpdate{}
		w.statsMu.Lock()
		w.sceneBacklog = 0
		w.statsMu.Unlock()
		return true
	default:
		w.statsMu.Lock()
		w.sceneBacklog++
		backlog := w.sceneBacklog
		w.statsMu.Unlock()
		if backlog == 1 {
			w.log.Debug(context.Background(), "scene consumer behind, accumulating",
				logging.Int("created", len(w.pendingScene.Created)),
				logging.Int("removed", len(w.pendingScene.Removed)))
		}
		return false
	}
}
