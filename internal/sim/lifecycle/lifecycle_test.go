package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/worldsim/internal/loader"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
)

func modelText(name string, x float64) string {
	return fmt.Sprintf("name: %s\npose: {x: %g}\nbodies:\n  - name: link\n", name, x)
}

type hookLog struct {
	mu     sync.Mutex
	events []string
}

func (h *hookLog) add(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *kb.KnowledgeBase, *hookLog) {
	t.Helper()
	store := kb.NewKnowledgeBase()
	log := &hookLog{}
	q := NewQueue(store,
		WithParser(loader.Parser{}),
		WithHooks(Hooks{
			Initialize: func(_ context.Context, m *kb.Entity) error {
				log.add("init " + m.Name())
				return nil
			},
			Inserted: func(m *kb.Entity) { log.add("inserted " + m.Name()) },
			Removed:  func(m *kb.Entity) { log.add("removed " + m.Name()) },
		}),
	)
	return q, store, log
}

func drain(q *Queue) DrainResult {
	ctx := context.Background()
	res := q.DrainInserts(ctx)
	res.add(q.DrainDeletes(ctx))
	return res
}

func TestInsertThenDelete(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RequestInsert(modelText("box", 1), false, true)
	if store.ModelCount() != 0 {
		t.Fatalf("request mutated registry before drain")
	}

	res := drain(q)
	if res.Inserted != 1 || store.Model("box") == nil {
		t.Fatalf("insert not applied: %+v", res)
	}

	q.RequestDelete("box")
	res = drain(q)
	if res.Deleted != 1 || store.Model("box") != nil {
		t.Fatalf("delete not applied: %+v", res)
	}
}

func TestDuplicateInsertWithoutReplaceRejected(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RequestInsert(modelText("box", 1), false, false)
	drain(q)
	original := store.Model("box")

	q.RequestInsert(modelText("box", 5), false, false)
	res := drain(q)
	if res.Rejected != 1 || len(res.Errors) != 1 || !errors.Is(res.Errors[0], ErrEntityExists) {
		t.Fatalf("duplicate not rejected: %+v", res)
	}
	if store.Model("box") != original || original.Pose().Position.X != 1 {
		t.Fatalf("existing entity modified by rejected insert")
	}
}

func TestReplaceDestroysOldFirst(t *testing.T) {
	q, store, log := newTestQueue(t)
	q.RequestInsert(modelText("box", 1), false, false)
	drain(q)
	old := store.Model("box")

	q.RequestInsert(modelText("box", 5), true, true)
	res := drain(q)
	if res.Replaced != 1 || res.Inserted != 1 {
		t.Fatalf("replace tally: %+v", res)
	}
	if old.Alive() {
		t.Fatalf("replaced entity still alive")
	}
	cur := store.Model("box")
	if cur == old || cur.ID() == old.ID() || cur.Pose().Position.X != 5 {
		t.Fatalf("replacement not registered")
	}

	want := []string{"inserted box", "removed box", "init box", "inserted box"}
	if fmt.Sprint(log.events) != fmt.Sprint(want) {
		t.Fatalf("hook order = %v, want %v", log.events, want)
	}
}

func TestMalformedDescriptionIsolated(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RequestInsert(modelText("a", 0), false, false)
	q.RequestInsert("name: [broken", false, false)
	q.RequestInsert(modelText("b", 0), false, false)

	res := drain(q)
	if res.Malformed != 1 || res.Inserted != 2 {
		t.Fatalf("tally = %+v, want 1 malformed, 2 inserted", res)
	}
	if !errors.Is(res.Errors[0], loader.ErrMalformedDescription) {
		t.Fatalf("error = %v, want ErrMalformedDescription", res.Errors[0])
	}
	if store.ModelCount() != 2 {
		t.Fatalf("ModelCount = %d, want 2", store.ModelCount())
	}
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RequestInsert(modelText("a", 0), false, false)
	drain(q)

	q.RequestDelete("ghost")
	res := drain(q)
	if res.Missing != 1 || res.Deleted != 0 || store.ModelCount() != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestInitializeFailureSkipsRegistration(t *testing.T) {
	store := kb.NewKnowledgeBase()
	q := NewQueue(store, WithHooks(Hooks{
		Initialize: func(context.Context, *kb.Entity) error { return errors.New("no physics") },
	}))
	q.RequestInsertDescription(&model.ModelDescription{Name: "a"}, false, true)
	q.RequestInsertDescription(&model.ModelDescription{Name: "b"}, false, false)

	res := drain(q)
	if res.Failed != 1 || res.Inserted != 1 || store.Model("a") != nil || store.Model("b") == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTextInsertWithoutParser(t *testing.T) {
	q := NewQueue(kb.NewKnowledgeBase())
	q.RequestInsert(modelText("a", 0), false, false)
	res := drain(q)
	if res.Malformed != 1 || !errors.Is(res.Errors[0], ErrNoParser) {
		t.Fatalf("unexpected result %+v", res)
	}
}

// Requests for one name take effect in enqueue order within a tick.
func TestSameNameRequestsApplyInEnqueueOrder(t *testing.T) {
	t.Run("delete then insert", func(t *testing.T) {
		q, store, _ := newTestQueue(t)
		q.RequestInsert(modelText("box", 1), false, false)
		drain(q)
		old := store.Model("box")

		q.RequestDelete("box")
		q.RequestInsert(modelText("box", 2), false, false)
		res := drain(q)

		cur := store.Model("box")
		if cur == nil || cur == old || cur.Pose().Position.X != 2 {
			t.Fatalf("expected fresh box at x=2, result %+v", res)
		}
		if res.Deleted != 1 || res.Inserted != 1 || res.Rejected != 0 {
			t.Fatalf("tally = %+v", res)
		}
	})

	t.Run("insert then delete", func(t *testing.T) {
		q, store, _ := newTestQueue(t)
		q.RequestInsert(modelText("box", 1), false, false)
		q.RequestDelete("box")
		res := drain(q)
		if store.Model("box") != nil {
			t.Fatalf("box survived a later delete: %+v", res)
		}
	})

	t.Run("insert delete insert", func(t *testing.T) {
		q, store, _ := newTestQueue(t)
		q.RequestInsert(modelText("box", 1), false, false)
		q.RequestDelete("box")
		q.RequestInsert(modelText("box", 3), false, false)
		res := drain(q)
		if m := store.Model("box"); m == nil || m.Pose().Position.X != 3 {
			t.Fatalf("expected box at x=3, result %+v", res)
		}
		if res.Inserted != 2 || res.Deleted != 1 {
			t.Fatalf("tally = %+v", res)
		}
	})
}

// Requests made while a drain is running keep their relative order even
// though they straddle the insert and delete phases.
func TestRequestsDuringDrainKeepEnqueueOrder(t *testing.T) {
	store := kb.NewKnowledgeBase()
	var q *Queue
	q = NewQueue(store,
		WithParser(loader.Parser{}),
		WithHooks(Hooks{
			Initialize: func(_ context.Context, m *kb.Entity) error {
				if m.Name() == "first" {
					q.RequestInsert(modelText("late", 0), false, false)
					q.RequestDelete("late")
				}
				return nil
			},
		}),
	)
	q.RequestInsert(modelText("first", 0), false, true)

	res := drain(q)
	if res.Inserted != 1 || res.Deleted != 0 || res.Missing != 0 {
		t.Fatalf("first drain = %+v", res)
	}
	if i, d := q.Pending(); i != 1 || d != 1 {
		t.Fatalf("Pending = %d/%d, want 1/1", i, d)
	}

	res = drain(q)
	if res.Inserted != 1 || res.Deleted != 1 {
		t.Fatalf("second drain = %+v", res)
	}
	if store.Model("late") != nil {
		t.Fatalf("late survived a delete requested after its insert")
	}
}

func TestDrainDeletesAloneAppliesEverything(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RequestInsert(modelText("a", 0), false, false)
	drain(q)
	q.RequestDelete("a")
	if res := q.DrainDeletes(context.Background()); res.Deleted != 1 || store.Model("a") != nil {
		t.Fatalf("DrainDeletes = %+v", res)
	}
}

func TestConcurrentRequestsDuringDrain(t *testing.T) {
	q, store, _ := newTestQueue(t)
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				q.RequestInsert(modelText(fmt.Sprintf("p%d_%d", p, i), 0), false, false)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	total := 0
	for {
		select {
		case <-done:
			total += drain(q).Inserted
			if total != producers*perProducer || store.ModelCount() != total {
				t.Fatalf("inserted %d, ModelCount %d, want %d", total, store.ModelCount(), producers*perProducer)
			}
			return
		default:
			total += drain(q).Inserted
		}
	}
}

type countingMetrics struct {
	counts map[string]int
}

func (c *countingMetrics) ObserveLifecycle(op, outcome string) {
	c.counts[op+"/"+outcome]++
}

func TestMetricsRecorder(t *testing.T) {
	rec := &countingMetrics{counts: map[string]int{}}
	q := NewQueue(kb.NewKnowledgeBase(), WithParser(loader.Parser{}), WithMetricsRecorder(rec))
	q.RequestInsert(modelText("a", 0), false, false)
	q.RequestInsert(modelText("a", 0), false, false)
	q.RequestDelete("a")
	q.RequestDelete("a")
	drain(q)

	want := map[string]int{"insert/inserted": 1, "insert/rejected": 1, "delete/deleted": 1, "delete/missing": 1}
	for k, v := range want {
		if rec.counts[k] != v {
			t.Fatalf("counts = %v, want %v", rec.counts, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.RequestInsert(modelText("a", 0), false, false)
	q.RequestDelete("a")
	q.Discard()
	if i, d := q.Pending(); i != 0 || d != 0 {
		t.Fatalf("Pending = %d/%d after Discard", i, d)
	}
}
