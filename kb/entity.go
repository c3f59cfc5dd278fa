package kb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/signalsfoundry/worldsim/model"
)

// Entity is a node of the scene tree: a model, a body or a geom.
//
// Identity, names, kind and the child list are fixed at construction. The
// pose is guarded by its own lock so the physics step and snapshot capture can
// touch it without holding the KnowledgeBase lock.
type Entity struct {
	id         uuid.UUID
	name       string
	scopedName string
	kind       model.EntityKind

	parent   *Entity
	children []*Entity

	static bool
	shape  model.Shape
	size   model.Vector3
	mass   float64
	motion model.MotionSpec
	desc   *model.ModelDescription

	initialPose model.Pose

	alive atomic.Bool

	mu   sync.RWMutex
	pose model.Pose
}

// NewModel constructs a detached model subtree from a parsed description.
// Every entity of the subtree receives a fresh identity.
func NewModel(desc *model.ModelDescription) (*Entity, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	m := &Entity{
		id:          uuid.New(),
		name:        desc.Name,
		scopedName:  desc.Name,
		kind:        model.KindModel,
		static:      desc.Static,
		motion:      desc.Motion,
		desc:        desc,
		initialPose: normalizePose(desc.Pose),
	}
	m.pose = m.initialPose

	for _, bd := range desc.Bodies {
		b := &Entity{
			id:          uuid.New(),
			name:        bd.Name,
			scopedName:  model.ScopedName(desc.Name, bd.Name),
			kind:        model.KindBody,
			parent:      m,
			static:      desc.Static,
			mass:        bd.Mass,
			initialPose: normalizePose(bd.Pose),
		}
		b.pose = b.initialPose

		for _, gd := range bd.Geoms {
			g := &Entity{
				id:          uuid.New(),
				name:        gd.Name,
				scopedName:  model.ScopedName(desc.Name, bd.Name, gd.Name),
				kind:        model.KindGeom,
				parent:      b,
				static:      desc.Static,
				shape:       gd.Shape,
				size:        gd.Size,
				initialPose: normalizePose(gd.Pose),
			}
			g.pose = g.initialPose
			b.children = append(b.children, g)
		}
		m.children = append(m.children, b)
	}
	return m, nil
}

func newRoot() *Entity {
	r := &Entity{id: uuid.New(), kind: model.KindRoot, initialPose: model.IdentityPose()}
	r.pose = r.initialPose
	r.alive.Store(true)
	return r
}

// normalizePose replaces a zero rotation (omitted in descriptions) by identity.
func normalizePose(p model.Pose) model.Pose {
	if p.Rotation == (model.Quaternion{}) {
		p.Rotation = model.IdentityQuaternion()
	}
	return p
}

func (e *Entity) ID() uuid.UUID            { return e.id }
func (e *Entity) Name() string             { return e.name }
func (e *Entity) ScopedName() string       { return e.scopedName }
func (e *Entity) Kind() model.EntityKind   { return e.kind }
func (e *Entity) Static() bool             { return e.static }
func (e *Entity) Shape() model.Shape       { return e.shape }
func (e *Entity) Size() model.Vector3      { return e.size }
func (e *Entity) Mass() float64            { return e.mass }
func (e *Entity) Motion() model.MotionSpec { return e.motion }
func (e *Entity) InitialPose() model.Pose  { return e.initialPose }

// Description returns the description a model was built from; nil for
// bodies and geoms.
func (e *Entity) Description() *model.ModelDescription { return e.desc }

// Alive reports whether the entity is still registered. Holders of an entity
// pointer obtained before a removal see false afterwards.
func (e *Entity) Alive() bool { return e.alive.Load() }

// Parent returns the parent entity; nil for models, whose parent is the
// synthetic root owned by the KnowledgeBase.
func (e *Entity) Parent() *Entity { return e.parent }

// Children returns a copy of the child list. The root's children are the
// registered models and must be enumerated through the KnowledgeBase instead.
func (e *Entity) Children() []*Entity {
	if e.kind == model.KindRoot {
		return nil
	}
	out := make([]*Entity, len(e.children))
	copy(out, e.children)
	return out
}

// Pose returns the pose relative to the parent.
func (e *Entity) Pose() model.Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pose
}

// SetPose replaces the pose relative to the parent.
func (e *Entity) SetPose(p model.Pose) {
	e.mu.Lock()
	e.pose = normalizePose(p)
	e.mu.Unlock()
}

// WorldPose composes the poses from the root down to e.
func (e *Entity) WorldPose() model.Pose {
	pose := e.Pose()
	for p := e.parent; p != nil; p = p.parent {
		pose = p.Pose().Compose(pose)
	}
	return pose
}

// Walk visits e and its descendants depth-first.
func (e *Entity) Walk(fn func(*Entity)) {
	fn(e)
	for _, c := range e.children {
		c.Walk(fn)
	}
}

// String implements fmt.Stringer.
func (e *Entity) String() string {
	if e.kind == model.KindRoot {
		return "root"
	}
	return fmt.Sprintf("%s %q", e.kind, e.scopedName)
}
