package physics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
)

// ISS sample TLE.
const (
	issTLE1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issTLE2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

func newEntity(t *testing.T, desc *model.ModelDescription) *kb.Entity {
	t.Helper()
	m, err := kb.NewModel(desc)
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	return m
}

func TestVelocityMotionIntegrates(t *testing.T) {
	eng := NewKinematicEngine(time.Time{})
	m := newEntity(t, &model.ModelDescription{
		Name:   "cart",
		Motion: model.MotionSpec{LinearVelocity: model.Vector3{X: 2}, AngularVelocity: model.Vector3{Z: math.Pi}},
	})
	if err := eng.InitModel(context.Background(), m); err != nil {
		t.Fatalf("InitModel error: %v", err)
	}

	dt := 100 * time.Millisecond
	for i := 1; i <= 5; i++ {
		if err := eng.UpdatePhysics(context.Background(), time.Duration(i)*dt, dt); err != nil {
			t.Fatalf("UpdatePhysics error: %v", err)
		}
	}
	want := model.NewPose(1, 0, 0, 0, 0, math.Pi/2)
	if !m.Pose().ApproxEqual(want, 1e-9) {
		t.Fatalf("pose = %+v, want %+v", m.Pose(), want)
	}
}

func TestStaticAndMotionlessModelsNotTracked(t *testing.T) {
	eng := NewKinematicEngine(time.Time{})
	static := newEntity(t, &model.ModelDescription{
		Name:   "wall",
		Static: true,
		Motion: model.MotionSpec{LinearVelocity: model.Vector3{X: 1}},
	})
	still := newEntity(t, &model.ModelDescription{Name: "rock"})
	for _, m := range []*kb.Entity{static, still} {
		if err := eng.InitModel(context.Background(), m); err != nil {
			t.Fatalf("InitModel error: %v", err)
		}
	}
	if eng.Tracked() != 0 {
		t.Fatalf("Tracked = %d, want 0", eng.Tracked())
	}
}

func TestRemoveModelStopsMotion(t *testing.T) {
	eng := NewKinematicEngine(time.Time{})
	m := newEntity(t, &model.ModelDescription{
		Name:   "cart",
		Motion: model.MotionSpec{LinearVelocity: model.Vector3{X: 1}},
	})
	_ = eng.InitModel(context.Background(), m)
	eng.RemoveModel(m)
	eng.RemoveModel(m)
	_ = eng.UpdatePhysics(context.Background(), time.Second, time.Second)
	if m.Pose().Position.X != 0 {
		t.Fatalf("removed model moved to %v", m.Pose().Position)
	}
}

// Exact orbital values belong to go-satellite; only check the propagation
// is wired and time-dependent.
func TestOrbitalMotionChangesOverTime(t *testing.T) {
	epoch := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	eng := NewKinematicEngine(epoch)
	m := newEntity(t, &model.ModelDescription{
		Name:   "iss",
		Motion: model.MotionSpec{TLE1: issTLE1, TLE2: issTLE2},
	})
	if err := eng.InitModel(context.Background(), m); err != nil {
		t.Fatalf("InitModel error: %v", err)
	}

	_ = eng.UpdatePhysics(context.Background(), 0, 0)
	p1 := m.Pose().Position
	_ = eng.UpdatePhysics(context.Background(), 10*time.Minute, 10*time.Minute)
	p2 := m.Pose().Position

	if p1 == p2 {
		t.Fatalf("orbital position did not change: %+v", p1)
	}
	// Low Earth orbit radius is roughly 6,700-6,800 km.
	if r := p1.Norm(); r < 6.5e6 || r > 7.0e6 {
		t.Fatalf("orbital radius = %.0f m, want LEO", r)
	}
}

func TestUpdatePhysicsHonoursContext(t *testing.T) {
	eng := NewKinematicEngine(time.Time{})
	m := newEntity(t, &model.ModelDescription{
		Name:   "cart",
		Motion: model.MotionSpec{LinearVelocity: model.Vector3{X: 1}},
	})
	_ = eng.InitModel(context.Background(), m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := eng.UpdatePhysics(ctx, time.Second, time.Second); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNopEngineKeepsPoses(t *testing.T) {
	var eng Engine = NopEngine{}
	m := newEntity(t, &model.ModelDescription{
		Name:   "cart",
		Motion: model.MotionSpec{LinearVelocity: model.Vector3{X: 1}},
	})
	before := m.Pose()
	if err := eng.InitModel(context.Background(), m); err != nil {
		t.Fatalf("InitModel error: %v", err)
	}
	if err := eng.UpdatePhysics(context.Background(), time.Second, time.Second); err != nil {
		t.Fatalf("UpdatePhysics error: %v", err)
	}
	if m.Pose() != before {
		t.Fatalf("pose changed: %+v", m.Pose())
	}
}
