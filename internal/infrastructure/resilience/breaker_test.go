package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTimeout = errors.New("timed out")

func call(b *Breaker, err error) error {
	_, got := Do(b, func() (string, error) {
		if err != nil {
			return "", err
		}
		return "ok", nil
	})
	return got
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		requests      []error
		expectedState State
	}{
		{
			name:          "stays closed on successes",
			settings:      Settings{Interval: time.Minute, Timeout: time.Minute},
			requests:      []error{nil, nil, nil},
			expectedState: StateClosed,
		},
		{
			name: "opens after consecutive failures",
			settings: Settings{
				Interval:    time.Minute,
				Timeout:     time.Minute,
				ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
			},
			requests:      []error{errTimeout, errTimeout, errTimeout},
			expectedState: StateOpen,
		},
		{
			name: "ignored errors do not trip",
			settings: Settings{
				Interval:    time.Minute,
				Timeout:     time.Minute,
				ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
				IsFailure:   func(err error) bool { return errors.Is(err, errTimeout) },
			},
			requests:      []error{errors.New("remote said no"), errors.New("remote said no"), errors.New("again")},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New("test", tt.settings)
			for _, err := range tt.requests {
				_ = call(breaker, err)
			}
			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	breaker := New("network", Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	require.ErrorIs(t, call(breaker, errTimeout), errTimeout)
	assert.ErrorIs(t, call(breaker, nil), ErrCircuitOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	var transitions []string
	breaker := New("storage", Settings{
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = call(breaker, errTimeout)
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, breaker.State())

	require.NoError(t, call(breaker, nil))
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerCounts(t *testing.T) {
	breaker := New("test", Settings{Interval: time.Minute})

	_ = call(breaker, nil)
	_ = call(breaker, errTimeout)

	counts := breaker.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestGroupIsolatesKeys(t *testing.T) {
	group := NewGroup(Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_ = call(group.Get("network"), errTimeout)

	assert.Same(t, group.Get("network"), group.Get("network"))
	assert.Equal(t, StateOpen, group.Get("network").State())
	assert.Equal(t, StateClosed, group.Get("storage").State())

	states := group.States()
	assert.Equal(t, StateOpen, states["network"])
	assert.Equal(t, StateClosed, states["storage"])
}

func TestBreakerCountsPanicAsFailure(t *testing.T) {
	breaker := New("panicky", Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	assert.Panics(t, func() {
		_, _ = Do(breaker, func() (int, error) { panic("boom") })
	})
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerIgnoresStaleOutcome(t *testing.T) {
	clock := time.Unix(0, 0)
	breaker := New("slow", Settings{
		Interval:    time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	breaker.now = func() time.Time { return clock }
	breaker.deadline = clock.Add(time.Second)

	_, err := Do(breaker, func() (int, error) {
		clock = clock.Add(2 * time.Second)
		return 0, errTimeout
	})
	require.ErrorIs(t, err, errTimeout)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
