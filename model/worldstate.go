package model

import (
	"time"

	"github.com/google/uuid"
)

// PoseRecord is one entity's pose inside a WorldState, tagged with the
// identity of the entity it was captured from.
type PoseRecord struct {
	ID   uuid.UUID
	Pose Pose
}

// WorldState is an immutable capture of all entity poses at one simulated
// instant. Poses are relative to the entity's parent.
//
// Callers MUST treat a WorldState handed out by the history buffer as
// read-only; it is shared between the simulation loop and readers.
type WorldState struct {
	Seq      uint64
	SimTime  time.Duration
	WallTime time.Time

	ModelPoses map[string]PoseRecord
	BodyPoses  map[string]PoseRecord
	GeomPoses  map[string]PoseRecord
}

// NewWorldState returns an empty state for the given sim time.
func NewWorldState(simTime time.Duration) *WorldState {
	return &WorldState{
		SimTime:    simTime,
		WallTime:   time.Now(),
		ModelPoses: make(map[string]PoseRecord),
		BodyPoses:  make(map[string]PoseRecord),
		GeomPoses:  make(map[string]PoseRecord),
	}
}

// Poses returns the namespace map for kind, or nil for kinds without poses.
func (ws *WorldState) Poses(kind EntityKind) map[string]PoseRecord {
	if ws == nil {
		return nil
	}
	switch kind {
	case KindModel:
		return ws.ModelPoses
	case KindBody:
		return ws.BodyPoses
	case KindGeom:
		return ws.GeomPoses
	default:
		return nil
	}
}

// Lookup returns the record for a scoped name in the given namespace.
func (ws *WorldState) Lookup(kind EntityKind, name string) (PoseRecord, bool) {
	rec, ok := ws.Poses(kind)[name]
	return rec, ok
}

// Len returns the total number of recorded entities across namespaces.
func (ws *WorldState) Len() int {
	if ws == nil {
		return 0
	}
	return len(ws.ModelPoses) + len(ws.BodyPoses) + len(ws.GeomPoses)
}
