// Package resilience implements the circuit breaker the IPC bridge wraps
// around capability calls.
//
// Each capability namespace (storage, network, window...) gets its own
// breaker from a Group. When the privileged side stops answering one
// namespace, calls into it fail with ErrCircuitOpen instead of each
// waiting out its own timeout, while other namespaces keep working.
//
// The circuit moves closed -> open when ReadyToTrip approves the counts,
// open -> half-open once Timeout elapses, and half-open -> closed after
// MaxRequests consecutive successes. Any half-open failure reopens it.
//
//	group := resilience.NewGroup(resilience.Settings{
//		Timeout:     30 * time.Second,
//		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 5 },
//		IsFailure:   func(err error) bool { return errors.Is(err, ErrTimeout) },
//	})
//	out, err := resilience.Do(group.Get("storage"), call)
package resilience
