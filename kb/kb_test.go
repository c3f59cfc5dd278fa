package kb

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/signalsfoundry/worldsim/model"
)

func boxModel(name string, x float64) *model.ModelDescription {
	return &model.ModelDescription{
		Name: name,
		Pose: model.NewPose(x, 0, 0, 0, 0, 0),
		Bodies: []model.BodyDescription{{
			Name: "link",
			Mass: 1,
			Pose: model.NewPose(0, 0, 0.5, 0, 0, 0),
			Geoms: []model.GeomDescription{{
				Name:  "collision",
				Shape: model.ShapeBox,
				Size:  model.Vector3{X: 1, Y: 1, Z: 1},
			}},
		}},
	}
}

func mustModel(t *testing.T, desc *model.ModelDescription) *Entity {
	t.Helper()
	m, err := NewModel(desc)
	if err != nil {
		t.Fatalf("NewModel(%q) error: %v", desc.Name, err)
	}
	return m
}

func TestAddModelIndexesScopedNames(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddModel(mustModel(t, boxModel("box", 1))); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}

	for _, name := range []string{"box", "box::link", "box::link::collision"} {
		if store.GetByName(name) == nil {
			t.Fatalf("GetByName(%q) = nil", name)
		}
	}
	if got := store.GetByName("box::link").Parent(); got == nil || got.Name() != "box" {
		t.Fatalf("body parent = %v, want model box", got)
	}
	if store.Model("box::link") != nil {
		t.Fatalf("Model() returned a body")
	}

	models, bodies, geoms := store.Counts()
	if models != 1 || bodies != 1 || geoms != 1 {
		t.Fatalf("Counts() = %d/%d/%d, want 1/1/1", models, bodies, geoms)
	}
}

func TestAddModelDuplicate(t *testing.T) {
	store := NewKnowledgeBase()
	first := mustModel(t, boxModel("box", 1))
	if err := store.AddModel(first); err != nil {
		t.Fatalf("first AddModel error: %v", err)
	}
	err := store.AddModel(mustModel(t, boxModel("box", 5)))
	if !errors.Is(err, ErrEntityExists) {
		t.Fatalf("duplicate AddModel error = %v, want ErrEntityExists", err)
	}
	if got := store.Model("box"); got != first {
		t.Fatalf("existing model replaced by rejected duplicate")
	}
}

func TestNewModelRejectsInvalidDescription(t *testing.T) {
	desc := boxModel("a::b", 0)
	if _, err := NewModel(desc); !errors.Is(err, model.ErrInvalidDescription) {
		t.Fatalf("NewModel error = %v, want ErrInvalidDescription", err)
	}
}

func TestRemoveModelMarksSubtreeDead(t *testing.T) {
	store := NewKnowledgeBase()
	m := mustModel(t, boxModel("box", 1))
	if err := store.AddModel(m); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}
	geom := store.GetByName("box::link::collision")

	removed, err := store.RemoveModel("box")
	if err != nil {
		t.Fatalf("RemoveModel error: %v", err)
	}
	if removed != m || m.Alive() || geom.Alive() {
		t.Fatalf("removed subtree still alive")
	}
	if store.GetByName("box::link::collision") != nil {
		t.Fatalf("geom still indexed after removal")
	}
	if _, err := store.RemoveModel("box"); !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("second RemoveModel error = %v, want ErrEntityNotFound", err)
	}
	if models, bodies, geoms := store.Counts(); models+bodies+geoms != 0 {
		t.Fatalf("Counts() = %d/%d/%d after removal, want zero", models, bodies, geoms)
	}
}

func TestModelAtKeepsRegistrationOrder(t *testing.T) {
	store := NewKnowledgeBase()
	for i := range 3 {
		if err := store.AddModel(mustModel(t, boxModel(fmt.Sprintf("m%d", i), float64(i)))); err != nil {
			t.Fatalf("AddModel error: %v", err)
		}
	}
	if _, err := store.RemoveModel("m1"); err != nil {
		t.Fatalf("RemoveModel error: %v", err)
	}

	if got := store.ModelCount(); got != 2 {
		t.Fatalf("ModelCount() = %d, want 2", got)
	}
	if store.ModelAt(0).Name() != "m0" || store.ModelAt(1).Name() != "m2" {
		t.Fatalf("ModelAt order = %s,%s, want m0,m2", store.ModelAt(0).Name(), store.ModelAt(1).Name())
	}
	if store.ModelAt(2) != nil || store.ModelAt(-1) != nil {
		t.Fatalf("ModelAt out of range returned non-nil")
	}
}

func TestCaptureAndApplyState(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddModel(mustModel(t, boxModel("box", 1))); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}

	ws := store.Capture(0)
	if ws.Len() != 3 {
		t.Fatalf("Capture recorded %d entities, want 3", ws.Len())
	}

	box := store.Model("box")
	box.SetPose(model.NewPose(10, 0, 0, 0, 0, 0))

	applied, skipped := store.ApplyState(ws)
	if applied != 3 || skipped != 0 {
		t.Fatalf("ApplyState = %d applied, %d skipped; want 3, 0", applied, skipped)
	}
	if got := box.Pose().Position.X; got != 1 {
		t.Fatalf("box x = %v after restore, want 1", got)
	}
}

func TestApplyStateSkipsReplacedIdentity(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddModel(mustModel(t, boxModel("box", 1))); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}
	ws := store.Capture(0)

	if _, err := store.RemoveModel("box"); err != nil {
		t.Fatalf("RemoveModel error: %v", err)
	}
	replacement := mustModel(t, boxModel("box", 7))
	if err := store.AddModel(replacement); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}

	applied, skipped := store.ApplyState(ws)
	if applied != 0 || skipped != 3 {
		t.Fatalf("ApplyState = %d applied, %d skipped; want 0, 3", applied, skipped)
	}
	if got := replacement.Pose().Position.X; got != 7 {
		t.Fatalf("replacement moved by stale state: x = %v", got)
	}
}

func TestResetPoses(t *testing.T) {
	store := NewKnowledgeBase()
	m := mustModel(t, boxModel("box", 2))
	if err := store.AddModel(m); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}
	m.SetPose(model.NewPose(9, 9, 9, 0, 0, 0))
	store.ResetPoses()
	if !m.Pose().ApproxEqual(model.NewPose(2, 0, 0, 0, 0, 0), 1e-9) {
		t.Fatalf("ResetPoses pose = %+v", m.Pose())
	}
}

func TestWorldPoseComposesParents(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddModel(mustModel(t, boxModel("box", 3))); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}
	got := store.GetByName("box::link::collision").WorldPose().Position
	if got.X != 3 || got.Z != 0.5 {
		t.Fatalf("geom world position = %+v, want {3 0 0.5}", got)
	}
}

func TestClearAndSubscribe(t *testing.T) {
	store := NewKnowledgeBase()

	var mu sync.Mutex
	var events []Event
	unsubscribe := store.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	for _, name := range []string{"a", "b"} {
		if err := store.AddModel(mustModel(t, boxModel(name, 0))); err != nil {
			t.Fatalf("AddModel error: %v", err)
		}
	}
	removed := store.Clear()
	if len(removed) != 2 || store.ModelCount() != 0 {
		t.Fatalf("Clear removed %d, ModelCount=%d", len(removed), store.ModelCount())
	}

	unsubscribe()
	if err := store.AddModel(mustModel(t, boxModel("c", 0))); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Type != EventEntityAdded || events[3].Type != EventEntityRemoved {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestPrintTree(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddModel(mustModel(t, boxModel("box", 0))); err != nil {
		t.Fatalf("AddModel error: %v", err)
	}
	var sb strings.Builder
	if err := store.PrintTree(&sb); err != nil {
		t.Fatalf("PrintTree error: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"root (1 models)", "  model box", "    body link", "      geom collision"} {
		if !strings.Contains(out, want) {
			t.Fatalf("PrintTree output missing %q:\n%s", want, out)
		}
	}
}

func TestConcurrentReadsDuringMutation(t *testing.T) {
	store := NewKnowledgeBase()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, m := range store.Models() {
					_ = m.WorldPose()
				}
				_ = store.Capture(0)
				_ = store.GetByName("m1::link")
			}
		}()
	}

	for i := range 50 {
		name := fmt.Sprintf("m%d", i%5)
		if store.Model(name) != nil {
			if _, err := store.RemoveModel(name); err != nil {
				t.Fatalf("RemoveModel error: %v", err)
			}
			continue
		}
		if err := store.AddModel(mustModel(t, boxModel(name, float64(i)))); err != nil {
			t.Fatalf("AddModel error: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
