package ipc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a capability call with no response
const DefaultCallTimeout = 30 * time.Second

// RemoteError is a capability failure reported by the privileged process
type RemoteError struct {
	API     string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.API + "." + e.Method + ": " + e.Message
}

type callResult struct {
	value interface{}
	err   error
}

type pendingCall struct {
	api    string
	method string
	timer  *time.Timer
	done   chan callResult // buffered, written exactly once
}

// Bridge correlates outbound capability calls with their responses and
// wraps a Transport for everything else
type Bridge struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall // Protected by mu
	closed  bool                    // Protected by mu

	breakers *resilience.Group
	metrics  *monitoring.Metrics
	logger   *logging.Logger
}

// Option configures a Bridge
type Option func(*Bridge)

// WithCallTimeout sets the per-call timeout
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBreakerSettings overrides the per-namespace circuit breaker settings
func WithBreakerSettings(settings resilience.Settings) Option {
	return func(b *Bridge) { b.breakers = resilience.NewGroup(withTimeoutFailures(settings)) }
}

// WithMetrics adds metrics tracking to the bridge
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(b *Bridge) { b.metrics = metrics }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// NewBridge creates a bridge over transport
func NewBridge(transport Transport, opts ...Option) *Bridge {
	b := &Bridge{
		transport: transport,
		timeout:   DefaultCallTimeout,
		pending:   make(map[string]*pendingCall),
		breakers: resilience.NewGroup(withTimeoutFailures(resilience.Settings{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Only unanswered calls count against a namespace; errors the privileged
// side reports are ordinary results.
func withTimeoutFailures(settings resilience.Settings) resilience.Settings {
	settings.IsFailure = func(err error) bool {
		var timeout *types.IPCTimeoutError
		return errors.As(err, &timeout)
	}
	return settings
}

// CallAPI sends an api:call and waits for the matching api:result or
// api:error, the call timeout, ctx or Cleanup, whichever comes first
func (b *Bridge) CallAPI(ctx context.Context, extensionID, api, method string, args []interface{}) (interface{}, error) {
	return resilience.Do(b.breakers.Get(api), func() (interface{}, error) {
		return b.call(ctx, extensionID, api, method, args)
	})
}

func (b *Bridge) call(ctx context.Context, extensionID, api, method string, args []interface{}) (interface{}, error) {
	callID := id.NewCallID().String()
	p := &pendingCall{
		api:    api,
		method: method,
		done:   make(chan callResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.ErrBridgeClosed
	}
	b.pending[callID] = p
	timeout := b.timeout
	p.timer = time.AfterFunc(timeout, func() {
		b.settle(callID, callResult{err: &types.IPCTimeoutError{
			CallID:  callID,
			API:     api,
			Method:  method,
			Timeout: timeout,
		}})
	})
	n := len(b.pending)
	b.mu.Unlock()
	b.metrics.SetPendingCalls(n)

	msg := NewMessage(TypeAPICall, extensionID)
	msg.CallID = callID
	msg.API = api
	msg.Method = method
	msg.Args = args
	if err := b.Send(ctx, msg); err != nil {
		b.settle(callID, callResult{err: err})
	}

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
		b.settle(callID, callResult{err: ctx.Err()})
		r := <-p.done
		return r.value, r.err
	}
}

// settle resolves a pending call once. Later attempts for the same id are no-ops.
func (b *Bridge) settle(callID string, r callResult) bool {
	b.mu.Lock()
	p, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	n := len(b.pending)
	b.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.done <- r
	b.metrics.SetPendingCalls(n)
	return true
}

// HandleAPIResult resolves the pending call callID. A non-empty errMsg
// rejects it. It reports whether the call was still pending.
func (b *Bridge) HandleAPIResult(callID string, result interface{}, errMsg string) bool {
	b.mu.Lock()
	p, ok := b.pending[callID]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("Response for unknown or settled call", zap.String("call_id", callID))
		return false
	}

	r := callResult{value: result}
	if errMsg != "" {
		r = callResult{err: &RemoteError{API: p.api, Method: p.method, Message: errMsg}}
	}
	return b.settle(callID, r)
}

// HandleResponse resolves a pending call from an inbound response message
func (b *Bridge) HandleResponse(msg *Message) bool {
	errMsg := msg.Error
	if msg.Type == TypeAPIError && errMsg == "" {
		errMsg = "unknown error"
	}
	return b.HandleAPIResult(msg.CallID, msg.Result, errMsg)
}

// Cleanup rejects every pending call with ErrBridgeClosed and refuses new ones
func (b *Bridge) Cleanup() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.pending))
	for callID := range b.pending {
		ids = append(ids, callID)
	}
	b.mu.Unlock()

	for _, callID := range ids {
		b.settle(callID, callResult{err: types.ErrBridgeClosed})
	}
	if len(ids) > 0 {
		b.logger.Info("Rejected pending calls", zap.Int("count", len(ids)))
	}
}

// PendingCount returns the number of unanswered calls
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// BreakerStates returns the circuit state per capability namespace
func (b *Bridge) BreakerStates() map[string]string {
	states := b.breakers.States()
	out := make(map[string]string, len(states))
	for api, state := range states {
		out[api] = state.String()
	}
	return out
}

// Send stamps and transmits msg
func (b *Bridge) Send(ctx context.Context, msg *Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if err := b.transport.Send(ctx, msg); err != nil {
		return err
	}
	b.metrics.RecordIPCMessage("out", string(msg.Type))
	return nil
}

// Receive returns the next inbound message
func (b *Bridge) Receive(ctx context.Context) (*Message, error) {
	msg, err := b.transport.Receive(ctx)
	if err != nil {
		return nil, err
	}
	b.metrics.RecordIPCMessage("in", string(msg.Type))
	return msg, nil
}

// Close closes the underlying transport
func (b *Bridge) Close() error {
	return b.transport.Close()
}
