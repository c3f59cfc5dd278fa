// Package history keeps a bounded, time-ordered buffer of world snapshots
// with a playback cursor for rewind and replay.
package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/worldsim/model"
)

var (
	// ErrEmpty is returned by operations that need at least one snapshot.
	ErrEmpty = errors.New("history is empty")
	// ErrIndexOutOfRange is returned by SeekIndex for an index outside [0, Len).
	ErrIndexOutOfRange = errors.New("history index out of range")
)

// DefaultMaxCount bounds the buffer when no positive count is configured.
const DefaultMaxCount = 1000

// Source captures the current world state.
type Source interface {
	Capture(simTime time.Duration) *model.WorldState
}

// Target accepts a restored world state. Names that no longer resolve to the
// captured entity are skipped.
type Target interface {
	ApplyState(ws *model.WorldState) (applied, skipped int)
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithWindow additionally evicts snapshots older than newest.SimTime - d.
// Zero disables the window.
func WithWindow(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.window = d
		}
	}
}

// Buffer is a ring of immutable snapshots addressed by index (0 = oldest)
// and tagged with increasing sequence numbers.
//
// Writers (Append, Snapshot, Rewind, Reset) belong to the simulation loop
// goroutine. Readers and cursor moves are safe from any goroutine.
type Buffer struct {
	mu sync.RWMutex

	window time.Duration

	ring []*model.WorldState
	head int // ring index of the oldest snapshot
	n    int

	nextSeq uint64
	current uint64 // seq of the current snapshot
	follow  bool   // current tracks the newest snapshot
	branch  bool   // next append discards snapshots newer than current

	evictions uint64
}

// NewBuffer creates a buffer holding at most maxCount snapshots.
func NewBuffer(maxCount int, opts ...Option) *Buffer {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	b := &Buffer{
		ring:    make([]*model.WorldState, maxCount),
		nextSeq: 1,
		follow:  true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Cap returns the maximum number of snapshots.
func (b *Buffer) Cap() int { return len(b.ring) }

// Window returns the sim-time retention window; zero when unbounded.
func (b *Buffer) Window() time.Duration { return b.window }

// Len returns the number of stored snapshots.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

// Evictions returns how many snapshots were dropped for capacity or window.
func (b *Buffer) Evictions() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evictions
}

// Snapshot captures src at simTime and appends it.
func (b *Buffer) Snapshot(src Source, simTime time.Duration) *model.WorldState {
	ws := src.Capture(simTime)
	b.Append(ws)
	return ws
}

// Append adds ws as the newest snapshot. The cursor moves to it only while
// following; after a seek it stays on the sought snapshot, clamped to the
// oldest one if that is evicted. The buffer takes ownership of ws and
// assigns its sequence number; callers must not modify it afterwards.
func (b *Buffer) Append(ws *model.WorldState) {
	if ws == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.branch {
		if idx, ok := b.indexOfLocked(b.current); ok {
			b.truncateAfterLocked(idx)
		}
		b.branch = false
	}

	ws.Seq = b.nextSeq
	b.nextSeq++

	if b.n == len(b.ring) {
		b.evictOldestLocked()
	}
	b.ring[(b.head+b.n)%len(b.ring)] = ws
	b.n++

	if b.window > 0 {
		limit := ws.SimTime - b.window
		for b.n > 1 && b.atLocked(0).SimTime < limit {
			b.evictOldestLocked()
		}
	}
	if b.follow || b.n == 1 {
		b.current = ws.Seq
	}
}

// At returns the snapshot at index i (0 = oldest), or nil when out of range.
func (b *Buffer) At(i int) *model.WorldState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= b.n {
		return nil
	}
	return b.atLocked(i)
}

// Oldest returns the playback end, or nil when empty.
func (b *Buffer) Oldest() *model.WorldState { return b.At(0) }

// Newest returns the insertion end, or nil when empty.
func (b *Buffer) Newest() *model.WorldState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.n == 0 {
		return nil
	}
	return b.atLocked(b.n - 1)
}

// Current returns the snapshot under the playback cursor, or nil when empty.
func (b *Buffer) Current() *model.WorldState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indexOfLocked(b.current)
	if !ok {
		return nil
	}
	return b.atLocked(idx)
}

// CurrentIndex returns the index of the current snapshot, or -1 when empty.
func (b *Buffer) CurrentIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.indexOfLocked(b.current)
	if !ok {
		return -1
	}
	return idx
}

// SeekTime moves the cursor to the snapshot whose sim time is nearest to t.
// On a tie the earlier snapshot wins. Stored snapshots are not modified.
func (b *Buffer) SeekTime(t time.Duration) (*model.WorldState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return nil, ErrEmpty
	}

	// First snapshot at or after t.
	i := sort.Search(b.n, func(i int) bool { return b.atLocked(i).SimTime >= t })
	switch {
	case i == b.n:
		i = b.n - 1
	case i > 0:
		before, after := b.atLocked(i-1), b.atLocked(i)
		if t-before.SimTime <= after.SimTime-t {
			i--
		}
	}
	ws := b.atLocked(i)
	b.current = ws.Seq
	b.follow = false
	return ws, nil
}

// SeekIndex moves the cursor to index i.
func (b *Buffer) SeekIndex(i int) (*model.WorldState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return nil, ErrEmpty
	}
	if i < 0 || i >= b.n {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, b.n)
	}
	ws := b.atLocked(i)
	b.current = ws.Seq
	b.follow = false
	return ws, nil
}

// Follow moves the cursor to the newest snapshot and keeps it there as
// snapshots are appended. It returns nil when the buffer is empty.
func (b *Buffer) Follow() *model.WorldState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.follow = true
	if b.n == 0 {
		return nil
	}
	ws := b.atLocked(b.n - 1)
	b.current = ws.Seq
	return ws
}

// Following reports whether the cursor tracks the newest snapshot.
func (b *Buffer) Following() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.follow
}

// Restore applies the current snapshot to target.
func (b *Buffer) Restore(target Target) (applied, skipped int, err error) {
	ws := b.Current()
	if ws == nil {
		return 0, 0, ErrEmpty
	}
	applied, skipped = target.ApplyState(ws)
	return applied, skipped, nil
}

// Rewind restores the current snapshot and marks a branch: the next append
// discards every snapshot newer than the restored one and the cursor follows
// the new branch.
func (b *Buffer) Rewind(target Target) (applied, skipped int, err error) {
	applied, skipped, err = b.Restore(target)
	if err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	b.branch = true
	b.follow = true
	b.mu.Unlock()
	return applied, skipped, nil
}

// Reset discards all snapshots and seeds the buffer with initial, if any.
func (b *Buffer) Reset(initial *model.WorldState) {
	b.mu.Lock()
	for i := range b.ring {
		b.ring[i] = nil
	}
	b.head, b.n = 0, 0
	b.current = 0
	b.follow = true
	b.branch = false
	b.mu.Unlock()

	b.Append(initial)
}

func (b *Buffer) atLocked(i int) *model.WorldState {
	return b.ring[(b.head+i)%len(b.ring)]
}

// indexOfLocked maps a sequence number to its index. Sequence numbers
// increase from oldest to newest, so a cursor whose snapshot was evicted
// clamps to the oldest remaining one.
func (b *Buffer) indexOfLocked(seq uint64) (int, bool) {
	if b.n == 0 {
		return 0, false
	}
	i := sort.Search(b.n, func(i int) bool { return b.atLocked(i).Seq >= seq })
	if i == b.n {
		i = b.n - 1
	}
	return i, true
}

func (b *Buffer) evictOldestLocked() {
	b.ring[b.head] = nil
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	b.evictions++
}

func (b *Buffer) truncateAfterLocked(idx int) {
	for j := idx + 1; j < b.n; j++ {
		b.ring[(b.head+j)%len(b.ring)] = nil
	}
	b.n = idx + 1
}
