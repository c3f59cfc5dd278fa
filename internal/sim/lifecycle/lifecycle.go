// Package lifecycle queues entity insertion and deletion requests from any
// goroutine and applies them to the registry on the simulation loop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
)

var (
	// ErrEntityExists is reported for an insert of an existing name without replace.
	ErrEntityExists = kb.ErrEntityExists
	// ErrNoParser is reported for a text insert when no parser is configured.
	ErrNoParser = errors.New("no description parser configured")
)

// Parser turns description text into a model description.
type Parser interface {
	Parse(text string) (*model.ModelDescription, error)
}

// Registry is the subset of the knowledge base the queue mutates.
type Registry interface {
	Model(name string) *kb.Entity
	AddModel(m *kb.Entity) error
	RemoveModel(name string) (*kb.Entity, error)
}

// Hooks notify dependents of lifecycle changes. All hooks run on the
// simulation loop goroutine; nil hooks are skipped.
type Hooks struct {
	// Initialize prepares a constructed model before registration, e.g.
	// creating its physics state. An error aborts the insert.
	Initialize func(ctx context.Context, m *kb.Entity) error
	// Inserted runs after a model is registered.
	Inserted func(m *kb.Entity)
	// Removed runs after a model is detached, including replacement.
	Removed func(m *kb.Entity)
}

// MetricsRecorder receives per-request outcomes.
type MetricsRecorder interface {
	ObserveLifecycle(op, outcome string)
}

// Outcome labels reported to the metrics recorder.
const (
	OutcomeInserted  = "inserted"
	OutcomeReplaced  = "replaced"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
	OutcomeDeleted   = "deleted"
	OutcomeMissing   = "missing"
)

// DrainResult tallies one drain.
type DrainResult struct {
	Inserted  int // new models registered, including replacements
	Replaced  int // existing models destroyed by a replacing insert
	Rejected  int // inserts of an existing name without replace
	Malformed int // descriptions that failed to parse or build
	Failed    int // inserts whose initialization failed
	Deleted   int
	Missing   int // deletes of names that were not registered

	Errors []error
}

// Changed reports whether the drain altered registry membership.
func (r DrainResult) Changed() bool {
	return r.Inserted > 0 || r.Deleted > 0 || r.Replaced > 0
}

func (r *DrainResult) add(other DrainResult) {
	r.Inserted += other.Inserted
	r.Replaced += other.Replaced
	r.Rejected += other.Rejected
	r.Malformed += other.Malformed
	r.Failed += other.Failed
	r.Deleted += other.Deleted
	r.Missing += other.Missing
	r.Errors = append(r.Errors, other.Errors...)
}

type insertOp struct {
	seq        uint64
	text       string
	desc       *model.ModelDescription
	replace    bool
	initialize bool
}

type deleteOp struct {
	seq  uint64
	name string
}

// Option configures a Queue.
type Option func(*Queue)

// WithParser sets the parser used for text inserts.
func WithParser(p Parser) Option {
	return func(q *Queue) { q.parser = p }
}

// WithHooks sets the lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(q *Queue) { q.hooks = h }
}

// WithLogger sets the logger for per-request diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue holds pending insert and delete requests. Request* methods are safe
// from any goroutine and never touch the registry; Drain* methods belong to
// the simulation loop goroutine.
type Queue struct {
	registry Registry
	parser   Parser
	hooks    Hooks
	log      logging.Logger
	metrics  MetricsRecorder

	mu      sync.Mutex
	seq     uint64
	inserts []insertOp
	deletes []deleteOp
	// cutoff is the last sequence number visible to the current
	// DrainInserts; DrainDeletes leaves later deletes for the next tick.
	cutoff    uint64
	hasCutoff bool
}

// NewQueue creates a queue applying requests to registry.
func NewQueue(registry Registry, opts ...Option) *Queue {
	q := &Queue{
		registry: registry,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RequestInsert queues an insert from description text. Parsing happens at
// drain time.
func (q *Queue) RequestInsert(description string, replace, initialize bool) {
	q.mu.Lock()
	q.seq++
	q.inserts = append(q.inserts, insertOp{seq: q.seq, text: description, replace: replace, initialize: initialize})
	q.mu.Unlock()
}

// RequestInsertDescription queues an insert of an already parsed description.
func (q *Queue) RequestInsertDescription(desc *model.ModelDescription, replace, initialize bool) {
	q.mu.Lock()
	q.seq++
	q.inserts = append(q.inserts, insertOp{seq: q.seq, desc: desc, replace: replace, initialize: initialize})
	q.mu.Unlock()
}

// RequestDelete queues a delete by model name.
func (q *Queue) RequestDelete(name string) {
	q.mu.Lock()
	q.seq++
	q.deletes = append(q.deletes, deleteOp{seq: q.seq, name: name})
	q.mu.Unlock()
}

// Pending returns the number of queued inserts and deletes.
func (q *Queue) Pending() (inserts, deletes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inserts), len(q.deletes)
}

// Discard drops every queued request.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.inserts, q.deletes = nil, nil
	q.mu.Unlock()
}

type parsedInsert struct {
	op   insertOp
	desc *model.ModelDescription
}

// DrainInserts applies all queued inserts. A queued delete of a name that was
// requested before an insert of the same name is applied first, so requests
// for one name take effect in enqueue order.
func (q *Queue) DrainInserts(ctx context.Context) DrainResult {
	q.mu.Lock()
	ops := q.inserts
	q.inserts = nil
	q.cutoff, q.hasCutoff = q.seq, true
	q.mu.Unlock()

	var res DrainResult
	if len(ops) == 0 {
		return res
	}

	// Parse outside the lock.
	parsed := make([]parsedInsert, 0, len(ops))
	lastInsert := make(map[string]uint64, len(ops))
	for _, op := range ops {
		desc, err := q.parse(op)
		if err != nil {
			res.Malformed++
			res.Errors = append(res.Errors, err)
			q.log.Warn(ctx, "dropping malformed entity description", logging.Err(err))
			q.observe("insert", OutcomeMalformed)
			continue
		}
		parsed = append(parsed, parsedInsert{op: op, desc: desc})
		if op.seq > lastInsert[desc.Name] {
			lastInsert[desc.Name] = op.seq
		}
	}

	// Claim deletes that must run before a later insert of the same name.
	var early []deleteOp
	q.mu.Lock()
	kept := q.deletes[:0]
	for _, d := range q.deletes {
		if seq, ok := lastInsert[d.name]; ok && d.seq < seq {
			early = append(early, d)
			continue
		}
		kept = append(kept, d)
	}
	q.deletes = kept
	q.mu.Unlock()

	// Apply in global enqueue order. Parsed inserts are already ordered.
	type step struct {
		seq    uint64
		insert *parsedInsert
		del    *deleteOp
	}
	steps := make([]step, 0, len(parsed)+len(early))
	for i := range parsed {
		steps = append(steps, step{seq: parsed[i].op.seq, insert: &parsed[i]})
	}
	for i := range early {
		steps = append(steps, step{seq: early[i].seq, del: &early[i]})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].seq < steps[j].seq })

	for _, s := range steps {
		if s.del != nil {
			res.add(q.applyDelete(ctx, s.del.name))
			continue
		}
		res.add(q.applyInsert(ctx, s.insert))
	}
	return res
}

// DrainDeletes applies the remaining deletes requested before the preceding
// DrainInserts started. Deletes requested after that point may follow an
// insert of the same name still waiting in the queue, so they wait for the
// next tick. Without a preceding DrainInserts every queued delete is applied.
func (q *Queue) DrainDeletes(ctx context.Context) DrainResult {
	q.mu.Lock()
	ops := q.deletes
	q.deletes = nil
	if q.hasCutoff {
		var later []deleteOp
		n := 0
		for _, d := range ops {
			if d.seq > q.cutoff {
				later = append(later, d)
				continue
			}
			ops[n] = d
			n++
		}
		ops = ops[:n]
		q.deletes = later
		q.hasCutoff = false
	}
	q.mu.Unlock()

	var res DrainResult
	for _, op := range ops {
		res.add(q.applyDelete(ctx, op.name))
	}
	return res
}

func (q *Queue) parse(op insertOp) (*model.ModelDescription, error) {
	if op.desc != nil {
		if err := op.desc.Validate(); err != nil {
			return nil, err
		}
		return op.desc, nil
	}
	if q.parser == nil {
		return nil, ErrNoParser
	}
	desc, err := q.parser.Parse(op.text)
	if err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	return desc, nil
}

func (q *Queue) applyInsert(ctx context.Context, p *parsedInsert) DrainResult {
	var res DrainResult
	name := p.desc.Name
	log := q.log.With(logging.String("entity", name))

	if q.registry.Model(name) != nil {
		if !p.op.replace {
			err := fmt.Errorf("insert %q: %w", name, ErrEntityExists)
			res.Rejected++
			res.Errors = append(res.Errors, err)
			log.Warn(ctx, "rejecting insert of existing entity without replace")
			q.observe("insert", OutcomeRejected)
			return res
		}
		old, err := q.registry.RemoveModel(name)
		if err == nil {
			q.notifyRemoved(old)
			res.Replaced++
			q.observe("insert", OutcomeReplaced)
			log.Debug(ctx, "replaced existing entity")
		}
	}

	m, err := kb.NewModel(p.desc)
	if err != nil {
		res.Malformed++
		res.Errors = append(res.Errors, err)
		log.Warn(ctx, "cannot construct entity", logging.Err(err))
		q.observe("insert", OutcomeMalformed)
		return res
	}

	if p.op.initialize && q.hooks.Initialize != nil {
		if err := q.hooks.Initialize(ctx, m); err != nil {
			err = fmt.Errorf("initialize %q: %w", name, err)
			res.Failed++
			res.Errors = append(res.Errors, err)
			log.Warn(ctx, "entity initialization failed", logging.Err(err))
			q.observe("insert", OutcomeFailed)
			return res
		}
	}

	if err := q.registry.AddModel(m); err != nil {
		res.Rejected++
		res.Errors = append(res.Errors, err)
		log.Warn(ctx, "registry rejected entity", logging.Err(err))
		q.observe("insert", OutcomeRejected)
		return res
	}
	if q.hooks.Inserted != nil {
		q.hooks.Inserted(m)
	}
	res.Inserted++
	q.observe("insert", OutcomeInserted)
	log.Debug(ctx, "inserted entity", logging.String("id", m.ID().String()))
	return res
}

func (q *Queue) applyDelete(ctx context.Context, name string) DrainResult {
	var res DrainResult
	m, err := q.registry.RemoveModel(name)
	if err != nil {
		res.Missing++
		q.observe("delete", OutcomeMissing)
		q.log.Debug(ctx, "delete of unknown entity ignored", logging.String("entity", name))
		return res
	}
	q.notifyRemoved(m)
	res.Deleted++
	q.observe("delete", OutcomeDeleted)
	q.log.Debug(ctx, "deleted entity", logging.String("entity", name))
	return res
}

func (q *Queue) notifyRemoved(m *kb.Entity) {
	if q.hooks.Removed != nil {
		q.hooks.Removed(m)
	}
}

func (q *Queue) observe(op, outcome string) {
	if q.metrics != nil {
		q.metrics.ObserveLifecycle(op, outcome)
	}
}
