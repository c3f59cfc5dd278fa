package kb

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/worldsim/model"
)

var (
	// ErrEntityExists indicates a model with the same name is registered.
	ErrEntityExists = errors.New("entity already exists")
	// ErrEntityNotFound indicates no entity is registered under a name.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidEntity indicates an entity that cannot be registered.
	ErrInvalidEntity = errors.New("invalid entity")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventEntityAdded EventType = iota
	EventEntityRemoved
)

// Event is emitted to subscribers when a model subtree joins or leaves the KB.
type Event struct {
	Type   EventType
	Entity *Entity
}

// KnowledgeBase is the live entity tree: models registered under a single
// synthetic root, with every model, body and geom indexed by scoped name.
//
// Structural mutation (AddModel, RemoveModel, Clear) is reserved for the
// simulation loop goroutine. Lookups and enumeration are safe from any
// goroutine; callers outside the loop should re-resolve names on each use
// instead of keeping entity pointers.
type KnowledgeBase struct {
	mu sync.RWMutex

	root   *Entity
	models []*Entity
	byName map[string]*Entity

	bodies int
	geoms  int

	subs []func(Event)
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		root:   newRoot(),
		byName: make(map[string]*Entity),
	}
}

// Root returns the synthetic root of the tree.
func (kb *KnowledgeBase) Root() *Entity {
	return kb.root
}

// AddModel registers a detached model subtree built by NewModel.
func (kb *KnowledgeBase) AddModel(m *Entity) error {
	if m == nil || m.kind != model.KindModel {
		return fmt.Errorf("%w: expected a model", ErrInvalidEntity)
	}
	if m.Alive() {
		return fmt.Errorf("%w: model %q is already registered", ErrInvalidEntity, m.name)
	}

	kb.mu.Lock()
	if _, exists := kb.byName[m.scopedName]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrEntityExists, m.scopedName)
	}
	m.Walk(func(e *Entity) {
		kb.byName[e.scopedName] = e
		e.alive.Store(true)
		switch e.kind {
		case model.KindBody:
			kb.bodies++
		case model.KindGeom:
			kb.geoms++
		}
	})
	kb.models = append(kb.models, m)
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	notify(subs, Event{Type: EventEntityAdded, Entity: m})
	return nil
}

// RemoveModel detaches the named model and its subtree. The returned entity
// reports Alive() == false.
func (kb *KnowledgeBase) RemoveModel(name string) (*Entity, error) {
	kb.mu.Lock()
	m, ok := kb.byName[name]
	if !ok || m.kind != model.KindModel {
		kb.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrEntityNotFound, name)
	}
	kb.detachLocked(m)
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	notify(subs, Event{Type: EventEntityRemoved, Entity: m})
	return m, nil
}

// Clear removes every model and returns them in registration order.
func (kb *KnowledgeBase) Clear() []*Entity {
	kb.mu.Lock()
	removed := append([]*Entity(nil), kb.models...)
	for _, m := range removed {
		kb.detachLocked(m)
	}
	subs := append([]func(Event){}, kb.subs...)
	kb.mu.Unlock()

	for _, m := range removed {
		notify(subs, Event{Type: EventEntityRemoved, Entity: m})
	}
	return removed
}

// detachLocked unindexes m's subtree. Caller must hold kb.mu.
func (kb *KnowledgeBase) detachLocked(m *Entity) {
	m.Walk(func(e *Entity) {
		delete(kb.byName, e.scopedName)
		e.alive.Store(false)
		switch e.kind {
		case model.KindBody:
			kb.bodies--
		case model.KindGeom:
			kb.geoms--
		}
	})
	for i, existing := range kb.models {
		if existing == m {
			kb.models = append(kb.models[:i], kb.models[i+1:]...)
			break
		}
	}
}

// GetByName resolves a scoped name (model, model::body or model::body::geom).
// It returns nil when nothing is registered under the name.
func (kb *KnowledgeBase) GetByName(name string) *Entity {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.byName[name]
}

// Model returns the top-level model with the given name, or nil.
func (kb *KnowledgeBase) Model(name string) *Entity {
	e := kb.GetByName(name)
	if e == nil || e.kind != model.KindModel {
		return nil
	}
	return e
}

// ModelCount returns the number of registered models.
func (kb *KnowledgeBase) ModelCount() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.models)
}

// ModelAt returns the model at index i in registration order, or nil when i
// is out of range.
func (kb *KnowledgeBase) ModelAt(i int) *Entity {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if i < 0 || i >= len(kb.models) {
		return nil
	}
	return kb.models[i]
}

// Models returns a snapshot slice of all models in registration order.
func (kb *KnowledgeBase) Models() []*Entity {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return append([]*Entity(nil), kb.models...)
}

// Counts returns the number of registered models, bodies and geoms.
func (kb *KnowledgeBase) Counts() (models, bodies, geoms int) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.models), kb.bodies, kb.geoms
}

// Capture records the pose of every registered entity.
func (kb *KnowledgeBase) Capture(simTime time.Duration) *model.WorldState {
	ws := model.NewWorldState(simTime)

	kb.mu.RLock()
	defer kb.mu.RUnlock()
	for _, m := range kb.models {
		m.Walk(func(e *Entity) {
			if ns := ws.Poses(e.kind); ns != nil {
				ns[e.scopedName] = model.PoseRecord{ID: e.id, Pose: e.Pose()}
			}
		})
	}
	return ws
}

// ApplyState writes the poses recorded in ws back onto registered entities.
// Records whose name is no longer registered, or is now held by a different
// entity, are skipped.
func (kb *KnowledgeBase) ApplyState(ws *model.WorldState) (applied, skipped int) {
	if ws == nil {
		return 0, 0
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()
	for _, kind := range []model.EntityKind{model.KindModel, model.KindBody, model.KindGeom} {
		for name, rec := range ws.Poses(kind) {
			e, ok := kb.byName[name]
			if !ok || e.kind != kind || e.id != rec.ID {
				skipped++
				continue
			}
			e.SetPose(rec.Pose)
			applied++
		}
	}
	return applied, skipped
}

// ResetPoses moves every entity back to the pose it was constructed with.
func (kb *KnowledgeBase) ResetPoses() {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	for _, m := range kb.models {
		m.Walk(func(e *Entity) {
			e.SetPose(e.initialPose)
		})
	}
}

// PrintTree writes an indented listing of the entity tree.
func (kb *KnowledgeBase) PrintTree(w io.Writer) error {
	models := kb.Models()
	if _, err := fmt.Fprintf(w, "root (%d models)\n", len(models)); err != nil {
		return err
	}
	for _, m := range models {
		var werr error
		var visit func(e *Entity, depth int)
		visit = func(e *Entity, depth int) {
			if werr != nil {
				return
			}
			p := e.Pose().Position
			_, werr = fmt.Fprintf(w, "%s%s %s [%.3f %.3f %.3f]\n",
				strings.Repeat("  ", depth), e.kind, e.name, p.X, p.Y, p.Z)
			for _, c := range e.children {
				visit(c, depth+1)
			}
		}
		visit(m, 1)
		if werr != nil {
			return werr
		}
	}
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.subs = append(kb.subs, fn)
	idx := len(kb.subs) - 1

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		if idx < 0 || idx >= len(kb.subs) {
			return
		}
		kb.subs = append(kb.subs[:idx], kb.subs[idx+1:]...)
		idx = -1
	}
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
