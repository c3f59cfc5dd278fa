package timectrl

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotPaused is returned by Step when the controller is not paused.
	ErrNotPaused = errors.New("simulation is not paused")
	// ErrNotRunning is returned when a transition needs a started controller.
	ErrNotRunning = errors.New("simulation is not running")
	// ErrAlreadyStarted is returned by Start on a started controller.
	ErrAlreadyStarted = errors.New("simulation already started")
	// ErrInvalidStepCount is returned by StepN for a count below one.
	ErrInvalidStepCount = errors.New("step count must be positive")
)

// SimClock exposes the current simulation time. The scheduler and plugins
// depend on this rather than on the concrete controller.
type SimClock interface {
	SimTime() time.Duration
}

// Mode describes how the simulation loop paces ticks.
type Mode int

const (
	// RealTime paces ticks against the wall clock.
	RealTime Mode = iota
	// Accelerated runs ticks back to back while still stepping by Tick.
	Accelerated
)

// State is the run state of the controller.
type State int

const (
	Stopped State = iota
	Running
	Paused
	// SteppingOnce is the transient state of a single authorized tick taken
	// while paused.
	SteppingOnce
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case SteppingOnce:
		return "stepping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a TimeController.
type Option func(*TimeController)

// WithMode selects the pacing mode.
func WithMode(m Mode) Option {
	return func(tc *TimeController) { tc.mode = m }
}

// WithWallClock injects the wall-clock source used for start, real and pause
// times.
func WithWallClock(now func() time.Time) Option {
	return func(tc *TimeController) {
		if now != nil {
			tc.now = now
		}
	}
}

// WithStartPaused makes Start enter Paused instead of Running.
func WithStartPaused(paused bool) Option {
	return func(tc *TimeController) { tc.startPaused = paused }
}

// TimeController is the pause/step/run state machine of the simulation.
//
// Queries and SetPaused/Step requests may come from any goroutine.
// BeginTick, Advance and EndTick belong to the simulation loop goroutine.
type TimeController struct {
	mu sync.RWMutex

	tick        time.Duration
	mode        Mode
	now         func() time.Time
	startPaused bool

	state        State
	simTime      time.Duration
	startTime    time.Time
	stoppedAt    time.Time
	pauseTime    time.Duration
	pausedAt     time.Time
	pendingSteps int

	listeners []func(time.Duration)
}

// NewTimeController constructs a stopped controller advancing simTime by tick
// per executed tick.
func NewTimeController(tick time.Duration, opts ...Option) *TimeController {
	tc := &TimeController{
		tick: tick,
		mode: RealTime,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Tick returns the fixed step size.
func (tc *TimeController) Tick() time.Duration { return tc.tick }

// Mode returns the pacing mode.
func (tc *TimeController) Mode() Mode { return tc.mode }

// AddListener registers a callback invoked after every sim-time advance.
func (tc *TimeController) AddListener(fn func(simTime time.Duration)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start records startTime and leaves the Stopped state.
func (tc *TimeController) Start() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != Stopped {
		return ErrAlreadyStarted
	}
	now := tc.now()
	tc.startTime = now
	tc.stoppedAt = time.Time{}
	tc.pauseTime = 0
	tc.pendingSteps = 0
	if tc.startPaused {
		tc.state = Paused
		tc.pausedAt = now
	} else {
		tc.state = Running
	}
	return nil
}

// Stop returns the controller to Stopped. simTime is kept.
func (tc *TimeController) Stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state == Stopped {
		return
	}
	now := tc.now()
	if tc.state == Paused || tc.state == SteppingOnce {
		tc.pauseTime += now.Sub(tc.pausedAt)
	}
	tc.state = Stopped
	tc.stoppedAt = now
	tc.pendingSteps = 0
}

// SetPaused pauses or resumes the simulation. Pausing an already paused
// controller (or resuming a running one) is a no-op. Resuming discards
// queued steps.
func (tc *TimeController) SetPaused(paused bool) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	switch tc.state {
	case Stopped:
		return ErrNotRunning
	case Running:
		if paused {
			tc.state = Paused
			tc.pausedAt = tc.now()
		}
	case Paused, SteppingOnce:
		if !paused {
			tc.pauseTime += tc.now().Sub(tc.pausedAt)
			tc.state = Running
			tc.pendingSteps = 0
		}
	}
	return nil
}

// Step authorizes exactly one tick of simulation while paused. Calls made
// before the loop consumes the step queue further steps.
func (tc *TimeController) Step() error { return tc.StepN(1) }

// StepN authorizes n ticks while paused, in one critical section.
func (tc *TimeController) StepN(n int) error {
	if n < 1 {
		return ErrInvalidStepCount
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != Paused && tc.state != SteppingOnce {
		return ErrNotPaused
	}
	tc.pendingSteps += n
	return nil
}

// BeginTick reports whether this tick advances simulation time. A queued step
// moves the controller into SteppingOnce until EndTick.
func (tc *TimeController) BeginTick() (advance bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	switch tc.state {
	case Running:
		return true
	case Paused:
		if tc.pendingSteps > 0 {
			tc.pendingSteps--
			tc.state = SteppingOnce
			return true
		}
	}
	return false
}

// Advance adds one tick to simTime, notifies listeners and returns the new
// simTime.
func (tc *TimeController) Advance() time.Duration {
	tc.mu.Lock()
	tc.simTime += tc.tick
	simTime := tc.simTime
	listeners := append([]func(time.Duration){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(simTime)
	}
	return simTime
}

// EndTick finishes the tick begun by BeginTick; a single step returns to Paused.
func (tc *TimeController) EndTick() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state == SteppingOnce {
		tc.state = Paused
	}
}

// SimTime returns the accumulated simulation time. Implements SimClock.
func (tc *TimeController) SimTime() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.simTime
}

// State returns the current run state.
func (tc *TimeController) State() State {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.state
}

// IsPaused reports whether the simulation is paused, including while a
// single step is executing.
func (tc *TimeController) IsPaused() bool {
	s := tc.State()
	return s == Paused || s == SteppingOnce
}

// PendingSteps returns the number of queued, not yet executed steps.
func (tc *TimeController) PendingSteps() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.pendingSteps
}

// StartTime returns the wall-clock instant of Start; zero before Start.
func (tc *TimeController) StartTime() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.startTime
}

// PauseTime returns the wall-clock time spent paused, including an ongoing pause.
func (tc *TimeController) PauseTime() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	d := tc.pauseTime
	if tc.state == Paused || tc.state == SteppingOnce {
		d += tc.now().Sub(tc.pausedAt)
	}
	return d
}

// RealTime returns the wall-clock time elapsed since Start, frozen once the
// controller is stopped.
func (tc *TimeController) RealTime() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if tc.startTime.IsZero() {
		return 0
	}
	if tc.state == Stopped {
		return tc.stoppedAt.Sub(tc.startTime)
	}
	return tc.now().Sub(tc.startTime)
}
