package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State of a breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Settings configures a breaker. Zero fields take defaults in New.
type Settings struct {
	// MaxRequests caps trial calls while half-open, and is also the number
	// of consecutive successes that closes the circuit again
	MaxRequests uint32
	// Interval resets the closed-state counts
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// ReadyToTrip decides, after a closed-state failure, whether to open
	ReadyToTrip func(counts Counts) bool
	// IsFailure classifies call errors; nil errors are always successes
	IsFailure func(err error) bool
	// OnStateChange runs under the breaker lock; keep it short
	OnStateChange func(name string, from State, to State)
}

func (s Settings) withDefaults() Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	if s.ReadyToTrip == nil {
		s.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return err != nil }
	}
	return s
}

// Counts tracks outcomes since the last state change or interval reset
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) success() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a three-state circuit breaker.
//
// Each state change or closed-state reset starts a new epoch. A call
// that finishes in a later epoch than it started in is not counted, so a
// slow call cannot reopen a circuit that has already moved on.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	epoch    uint64
	deadline time.Time // closed: next reset; open: end of cool-down
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	b := &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		now:      time.Now,
	}
	b.deadline = b.now().Add(b.settings.Interval)
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// State reports the state, applying any pending timed transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Counts returns a snapshot of the current epoch's counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the circuit admits it and records the outcome. A panic in
// fn counts as a failure and is re-raised.
func Do[T any](b *Breaker, fn func() (T, error)) (result T, err error) {
	epoch, err := b.admit()
	if err != nil {
		return result, err
	}

	ok := false
	defer func() {
		if !ok {
			b.record(epoch, false)
		}
	}()

	result, err = fn()
	ok = true
	b.record(epoch, !b.settings.IsFailure(err))
	return result, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	switch {
	case b.state == StateOpen:
		return 0, ErrCircuitOpen
	case b.state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		return 0, ErrTooManyRequests
	}
	b.counts.Requests++
	return b.epoch, nil
}

func (b *Breaker) record(epoch uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if epoch != b.epoch {
		return
	}

	if success {
		b.counts.success()
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.transition(StateClosed, now)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.counts.failure()
		if b.settings.ReadyToTrip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// advance applies deadline-driven changes: the closed-state reset and the
// open-to-half-open trial
func (b *Breaker) advance(now time.Time) {
	if b.deadline.IsZero() || now.Before(b.deadline) {
		return
	}
	switch b.state {
	case StateClosed:
		b.counts = Counts{}
		b.epoch++
		b.deadline = now.Add(b.settings.Interval)
	case StateOpen:
		b.transition(StateHalfOpen, now)
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts = Counts{}
	b.epoch++

	switch to {
	case StateClosed:
		b.deadline = now.Add(b.settings.Interval)
	case StateOpen:
		b.deadline = now.Add(b.settings.Timeout)
	default:
		b.deadline = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
