package ipc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve answers every api:call arriving on peer with reply, feeding the
// answer straight back into the bridge the way the host's reader loop does
func serve(t *testing.T, b *Bridge, peer Transport, reply func(call *Message) *Message) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			call, err := peer.Receive(ctx)
			if err != nil {
				return
			}
			if call.Type != TypeAPICall {
				continue
			}
			if resp := reply(call); resp != nil {
				resp.CallID = call.CallID
				b.HandleResponse(resp)
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestCallAPIResolves(t *testing.T) {
	local, peer := Pipe()
	b := NewBridge(local)

	serve(t, b, peer, func(call *Message) *Message {
		assert.Equal(t, "ext.a", call.ExtensionID)
		assert.Equal(t, "storage", call.API)
		assert.Equal(t, "get", call.Method)
		assert.Equal(t, []interface{}{"k"}, call.Args)
		return &Message{Type: TypeAPIResult, Result: "v"}
	})

	got, err := b.CallAPI(context.Background(), "ext.a", "storage", "get", []interface{}{"k"})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, 0, b.PendingCount())
}

func TestCallAPIRemoteError(t *testing.T) {
	local, peer := Pipe()
	b := NewBridge(local)

	serve(t, b, peer, func(*Message) *Message {
		return &Message{Type: TypeAPIError, Error: "denied"}
	})

	_, err := b.CallAPI(context.Background(), "ext.a", "storage", "set", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "denied", remote.Message)
	assert.Equal(t, "storage", remote.API)
}

func TestCallAPITimeout(t *testing.T) {
	local, peer := Pipe()
	defer peer.Close()
	b := NewBridge(local, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := b.CallAPI(context.Background(), "ext.d", "ui", "showInformationMessage", []interface{}{"hi"})

	var timeout *types.IPCTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "ui", timeout.API)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())

	// The response arrives after the timeout
	call, err := peer.Receive(context.Background())
	require.NoError(t, err)
	assert.False(t, b.HandleAPIResult(call.CallID, "late", ""))
}

func TestLateDuplicateIsNoop(t *testing.T) {
	local, peer := Pipe()
	b := NewBridge(local)

	done := make(chan error, 1)
	go func() {
		_, err := b.CallAPI(context.Background(), "ext.a", "storage", "keys", nil)
		done <- err
	}()

	call, err := peer.Receive(context.Background())
	require.NoError(t, err)

	assert.True(t, b.HandleAPIResult(call.CallID, []interface{}{}, ""))
	assert.False(t, b.HandleAPIResult(call.CallID, nil, "second answer"))
	assert.False(t, b.HandleAPIResult("call_unknown", nil, ""))

	require.NoError(t, <-done)
}

func TestCleanupRejectsPending(t *testing.T) {
	local, peer := Pipe()
	defer peer.Close()
	b := NewBridge(local)

	const calls = 3
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := b.CallAPI(context.Background(), "ext.a", "network", "fetch", []interface{}{"https://example.com"})
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return b.PendingCount() == calls }, time.Second, 5*time.Millisecond)
	b.Cleanup()

	for i := 0; i < calls; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, types.ErrBridgeClosed)
		case <-time.After(time.Second):
			t.Fatal("pending call was not rejected")
		}
	}

	_, err := b.CallAPI(context.Background(), "ext.a", "network", "fetch", nil)
	assert.ErrorIs(t, err, types.ErrBridgeClosed)
}

func TestCallAPIContextCancel(t *testing.T) {
	local, peer := Pipe()
	defer peer.Close()
	b := NewBridge(local)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.CallAPI(ctx, "ext.a", "storage", "get", []interface{}{"k"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBreakerTripsOnTimeoutsOnly(t *testing.T) {
	local, peer := Pipe()
	defer peer.Close()

	b := NewBridge(local,
		WithCallTimeout(10*time.Millisecond),
		WithBreakerSettings(resilience.Settings{
			Interval: time.Minute,
			Timeout:  time.Minute,
			ReadyToTrip: func(c resilience.Counts) bool {
				return c.ConsecutiveFailures >= 2
			},
		}))

	// Drain calls so sends never block
	go func() {
		for {
			if _, err := peer.Receive(context.Background()); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		_, err := b.CallAPI(context.Background(), "ext.a", "ui", "showQuickPick", nil)
		var timeout *types.IPCTimeoutError
		require.ErrorAs(t, err, &timeout)
	}

	_, err := b.CallAPI(context.Background(), "ext.a", "ui", "showQuickPick", nil)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, "open", b.BreakerStates()["ui"])

	// Other namespaces are unaffected
	_, err = b.CallAPI(context.Background(), "ext.a", "storage", "get", nil)
	assert.False(t, errors.Is(err, resilience.ErrCircuitOpen))
}

func TestRemoteErrorsDoNotTrip(t *testing.T) {
	local, peer := Pipe()
	b := NewBridge(local, WithBreakerSettings(resilience.Settings{
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 1 },
	}))

	serve(t, b, peer, func(*Message) *Message {
		return &Message{Type: TypeAPIError, Error: "nope"}
	})

	for i := 0; i < 5; i++ {
		_, err := b.CallAPI(context.Background(), "ext.a", "storage", "get", nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
	}
	assert.Equal(t, "closed", b.BreakerStates()["storage"])
}

func TestIsResponse(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{name: "result", msg: Message{Type: TypeAPIResult, CallID: "call_1"}, want: true},
		{name: "error", msg: Message{Type: TypeAPIError, CallID: "call_1", Error: "x"}, want: true},
		{name: "legacy api:call answer", msg: Message{Type: TypeAPICall, CallID: "call_1", Result: 1}, want: true},
		{name: "inbound request", msg: Message{Type: TypeAPICall, RequestID: "req_1", Method: "x"}, want: false},
		{name: "result without call id", msg: Message{Type: TypeAPIResult, RequestID: "req_1"}, want: false},
		{name: "lifecycle", msg: Message{Type: TypeExtensionLoad, CallID: "call_1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.IsResponse())
		})
	}
}
