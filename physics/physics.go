// Package physics defines the engine interface the simulation loop steps and
// a reference kinematic engine.
package physics

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
)

// Engine is the physics collaborator of the simulation loop. All methods are
// called on the loop goroutine.
type Engine interface {
	// InitModel prepares physics state for a model before it is registered.
	InitModel(ctx context.Context, m *kb.Entity) error
	// RemoveModel drops physics state for a detached model.
	RemoveModel(m *kb.Entity)
	// UpdatePhysics advances the simulation from simTime-dt to simTime.
	UpdatePhysics(ctx context.Context, simTime, dt time.Duration) error
	// Reset returns engine-internal state to load time.
	Reset()
}

// MotionModel moves a model for a given simulation instant.
type MotionModel interface {
	Update(at time.Time, dt time.Duration, m *kb.Entity)
}

// StaticMotionModel leaves the model where it is.
type StaticMotionModel struct{}

// Update does nothing.
func (StaticMotionModel) Update(time.Time, time.Duration, *kb.Entity) {}

// VelocityMotionModel integrates constant linear and angular velocity,
// both expressed in the parent frame.
type VelocityMotionModel struct {
	Linear  model.Vector3
	Angular model.Vector3
}

// Update advances the pose by dt.
func (v VelocityMotionModel) Update(_ time.Time, dt time.Duration, m *kb.Entity) {
	secs := dt.Seconds()
	pose := m.Pose()
	pose.Position = pose.Position.Add(v.Linear.Scale(secs))
	pose.Rotation = rotationFromVector(v.Angular.Scale(secs)).Mul(pose.Rotation).Normalize()
	m.SetPose(pose)
}

// OrbitalSGP4MotionModel uses a TLE and SGP4 to place a model in ECEF
// coordinates (metres).
type OrbitalSGP4MotionModel struct {
	sat satellite.Satellite
}

// NewOrbitalModelFromTLE constructs an orbital model from TLE lines.
func NewOrbitalModelFromTLE(line1, line2 string) *OrbitalSGP4MotionModel {
	return &OrbitalSGP4MotionModel{sat: satellite.TLEToSat(line1, line2, satellite.GravityWGS72)}
}

// Update propagates the orbit to at and writes the position.
// go-satellite works in kilometres; poses are in metres.
func (o *OrbitalSGP4MotionModel) Update(at time.Time, _ time.Duration, m *kb.Entity) {
	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	posECI, _ := satellite.Propagate(o.sat, year, int(month), day, hour, min, sec)
	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	posECEF := satellite.ECIToECEF(posECI, satellite.ThetaG_JD(jd))

	const kmToM = 1000.0
	pose := m.Pose()
	pose.Position = model.Vector3{X: posECEF.X * kmToM, Y: posECEF.Y * kmToM, Z: posECEF.Z * kmToM}
	m.SetPose(pose)
}

// NewMotionModel chooses a motion model for a model's motion spec.
func NewMotionModel(spec model.MotionSpec) MotionModel {
	switch {
	case spec.HasOrbit():
		return NewOrbitalModelFromTLE(spec.TLE1, spec.TLE2)
	case spec.LinearVelocity != (model.Vector3{}) || spec.AngularVelocity != (model.Vector3{}):
		return VelocityMotionModel{Linear: spec.LinearVelocity, Angular: spec.AngularVelocity}
	default:
		return StaticMotionModel{}
	}
}

type tracked struct {
	entity *kb.Entity
	motion MotionModel
}

// KinematicEngine moves initialized, non-static models according to their
// motion spec. It performs no collision handling.
type KinematicEngine struct {
	epoch time.Time

	mu     sync.Mutex
	models map[uuid.UUID]tracked
	order  []uuid.UUID
}

// NewKinematicEngine creates an engine whose simulation time zero maps to
// epoch for orbital propagation.
func NewKinematicEngine(epoch time.Time) *KinematicEngine {
	return &KinematicEngine{
		epoch:  epoch,
		models: make(map[uuid.UUID]tracked),
	}
}

// Epoch returns the wall-clock instant of simulation time zero.
func (k *KinematicEngine) Epoch() time.Time { return k.epoch }

// InitModel implements Engine.
func (k *KinematicEngine) InitModel(_ context.Context, m *kb.Entity) error {
	if m.Static() {
		return nil
	}
	mm := NewMotionModel(m.Motion())
	if _, ok := mm.(StaticMotionModel); ok {
		return nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.models[m.ID()]; !exists {
		k.order = append(k.order, m.ID())
	}
	k.models[m.ID()] = tracked{entity: m, motion: mm}
	return nil
}

// RemoveModel implements Engine.
func (k *KinematicEngine) RemoveModel(m *kb.Entity) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.models[m.ID()]; !ok {
		return
	}
	delete(k.models, m.ID())
	for i, id := range k.order {
		if id == m.ID() {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
}

// Tracked returns the number of models the engine moves.
func (k *KinematicEngine) Tracked() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.models)
}

// UpdatePhysics implements Engine.
func (k *KinematicEngine) UpdatePhysics(ctx context.Context, simTime, dt time.Duration) error {
	k.mu.Lock()
	batch := make([]tracked, 0, len(k.order))
	for _, id := range k.order {
		batch = append(batch, k.models[id])
	}
	k.mu.Unlock()

	at := k.epoch.Add(simTime)
	for _, t := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.entity.Alive() {
			continue
		}
		t.motion.Update(at, dt, t.entity)
	}
	return nil
}

// Reset implements Engine. Motion models are stateless; poses are reset by
// the registry.
func (k *KinematicEngine) Reset() {}

// rotationFromVector converts a rotation vector (axis * angle) to a quaternion.
func rotationFromVector(v model.Vector3) model.Quaternion {
	angle := v.Norm()
	if angle == 0 {
		return model.IdentityQuaternion()
	}
	s := math.Sin(angle/2) / angle
	return model.Quaternion{W: math.Cos(angle / 2), X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// NopEngine leaves every pose untouched. It backs worlds that are driven
// only by set_pose messages and plugins.
type NopEngine struct{}

func (NopEngine) InitModel(context.Context, *kb.Entity) error                       { return nil }
func (NopEngine) RemoveModel(*kb.Entity)                                            {}
func (NopEngine) UpdatePhysics(context.Context, time.Duration, time.Duration) error { return nil }
func (NopEngine) Reset()                                                            {}
