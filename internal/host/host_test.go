package host

import (
	"context"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer plays the privileged process on the far side of a pipe
type peer struct {
	t  *testing.T
	tr ipc.Transport
}

func (p *peer) send(msg *ipc.Message) {
	p.t.Helper()
	require.NoError(p.t, p.tr.Send(context.Background(), msg))
}

// expect reads until a message of type want arrives, answering capability
// calls with a nil result and skipping stats along the way
func (p *peer) expect(want ipc.MessageType) *ipc.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		msg, err := p.tr.Receive(ctx)
		require.NoError(p.t, err, "waiting for %s", want)
		if msg.Type == want {
			return msg
		}
		switch msg.Type {
		case ipc.TypeAPICall:
			reply := ipc.NewMessage(ipc.TypeAPIResult, msg.ExtensionID)
			reply.CallID = msg.CallID
			p.send(reply)
		case ipc.TypeHostStats:
		default:
			p.t.Fatalf("expected %s, got %s (%s)", want, msg.Type, msg.Error)
		}
	}
}

// expectAll collects one message of each wanted type in any order
func (p *peer) expectAll(want ...ipc.MessageType) map[ipc.MessageType]*ipc.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(map[ipc.MessageType]*ipc.Message)
	for len(got) < len(want) {
		msg, err := p.tr.Receive(ctx)
		require.NoError(p.t, err, "waiting for %v", want)
		for _, w := range want {
			if msg.Type == w {
				got[w] = msg
			}
		}
	}
	return got
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Host.StatsInterval = time.Hour
	cfg.Host.ShutdownTimeout = 2 * time.Second
	cfg.IPC.CallTimeout = 2 * time.Second
	return cfg
}

// startHost runs a host until the test ends and returns the peer side
func startHost(t *testing.T) (*Host, *peer) {
	t.Helper()
	local, remote := ipc.Pipe()
	h := New(testConfig(), local)
	p := &peer{t: t, tr: remote}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	})

	ready := p.expect(ipc.TypeHostReady)
	require.NotNil(t, ready.Info)
	assert.Equal(t, h.ID(), ready.Info.HostID)
	assert.Equal(t, Version, ready.Info.Version)
	return h, p
}

func loadMsg(t *testing.T, id, code string) *ipc.Message {
	m := testutil.CreateTestManifest(t, id)
	msg := ipc.NewMessage(ipc.TypeExtensionLoad, id)
	msg.Manifest = &m
	msg.Code = code
	msg.RequestID = "req-load-" + id
	return msg
}

func TestLifecycleOverIPC(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.a", testutil.NoopBundle))
	loaded := p.expect(ipc.TypeExtensionLoaded)
	assert.Equal(t, "ext.a", loaded.ExtensionID)
	assert.Equal(t, "req-load-ext.a", loaded.RequestID)

	p.send(ipc.NewMessage(ipc.TypeExtensionActivate, "ext.a"))
	p.expect(ipc.TypeExtensionActivated)

	ext, ok := h.Loader().GetExtension("ext.a")
	require.True(t, ok)
	assert.Equal(t, types.StateActive, ext.State)

	p.send(ipc.NewMessage(ipc.TypeExtensionDeactivate, "ext.a"))
	p.expect(ipc.TypeExtensionDeactivated)

	p.send(ipc.NewMessage(ipc.TypeExtensionUnload, "ext.a"))
	p.expect(ipc.TypeExtensionUnloaded)

	_, ok = h.Loader().GetExtension("ext.a")
	assert.False(t, ok)
}

func TestLoadFailureReported(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.b", "throw new Error('bad')"))
	msg := p.expect(ipc.TypeExtensionError)
	assert.Contains(t, msg.Error, "bad")
	assert.Equal(t, "req-load-ext.b", msg.RequestID)

	ext, ok := h.Loader().GetExtension("ext.b")
	require.True(t, ok)
	assert.Equal(t, types.StateError, ext.State)
	assert.Equal(t, 0, h.Sandboxes().Count())
}

func TestActivateUnknownExtension(t *testing.T) {
	_, p := startHost(t)

	p.send(ipc.NewMessage(ipc.TypeExtensionActivate, "ext.c"))
	msg := p.expect(ipc.TypeExtensionError)
	assert.Equal(t, "not found", msg.Error)
}

func TestKillPreemptsRunningActivation(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.spin", testutil.SpinningActivateBundle))
	p.expect(ipc.TypeExtensionLoaded)
	p.send(ipc.NewMessage(ipc.TypeExtensionActivate, "ext.spin"))

	// Let activate enter its loop; the kill must not wait behind it
	time.Sleep(50 * time.Millisecond)
	kill := ipc.NewMessage(ipc.TypeExtensionKill, "ext.spin")
	kill.Reason = "operator"
	p.send(kill)

	// The interrupted activation and the kill report independently
	got := p.expectAll(ipc.TypeExtensionKilled, ipc.TypeExtensionError)
	assert.Equal(t, "operator", got[ipc.TypeExtensionKilled].Reason)

	ext, _ := h.Loader().GetExtension("ext.spin")
	assert.Equal(t, types.StateKilled, ext.State)
}

func TestKillAfterQueuedLoad(t *testing.T) {
	for i := 0; i < 20; i++ {
		h, p := startHost(t)

		p.send(loadMsg(t, "ext.k", testutil.NoopBundle))
		kill := ipc.NewMessage(ipc.TypeExtensionKill, "ext.k")
		kill.Reason = "manual"
		kill.RequestID = "req-kill"
		p.send(kill)

		// Whatever the load reports, the kill is answered last and never
		// as an unknown extension
		var seen []ipc.MessageType
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for {
			msg, err := p.tr.Receive(ctx)
			require.NoError(t, err, "waiting for extension:killed after %v", seen)
			if msg.Type == ipc.TypeHostStats {
				continue
			}
			seen = append(seen, msg.Type)
			if msg.Type == ipc.TypeExtensionError {
				assert.NotContains(t, msg.Error, "not found")
			}
			if msg.Type == ipc.TypeExtensionKilled {
				assert.Equal(t, "manual", msg.Reason)
				assert.Equal(t, "req-kill", msg.RequestID)
				break
			}
		}
		cancel()

		if ext, ok := h.Loader().GetExtension("ext.k"); ok {
			assert.Equal(t, types.StateKilled, ext.State, "sequence %v", seen)
		}
		assert.Eventually(t, func() bool { return h.Sandboxes().Count() == 0 }, time.Second, 10*time.Millisecond)
	}
}

func TestKillUnknownExtension(t *testing.T) {
	_, p := startHost(t)

	p.send(ipc.NewMessage(ipc.TypeExtensionKill, "ext.none"))
	msg := p.expect(ipc.TypeExtensionError)
	assert.Contains(t, msg.Error, "not found")
}

func TestOperatorKillGoesThroughWatchdog(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.op", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)

	require.True(t, h.KillExtension(context.Background(), "ext.op", "admin"))

	violation := p.expect(ipc.TypeWatchdogViolation)
	require.NotNil(t, violation.Violation)
	assert.Equal(t, types.ViolationError, violation.Violation.Type)
	assert.Equal(t, "admin", violation.Violation.Details.Message)

	killed := p.expect(ipc.TypeExtensionKilled)
	assert.Equal(t, "admin", killed.Reason)

	ext, _ := h.Loader().GetExtension("ext.op")
	assert.Equal(t, types.StateKilled, ext.State)
	assert.False(t, h.KillExtension(context.Background(), "ext.none", "admin"))
}

func TestViolationKillsExtension(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.e", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)
	p.send(ipc.NewMessage(ipc.TypeExtensionActivate, "ext.e"))
	p.expect(ipc.TypeExtensionActivated)

	h.Watchdog().ReportMemoryUsage("ext.e", 80)
	h.Watchdog().Scan()

	violation := p.expect(ipc.TypeWatchdogViolation)
	require.NotNil(t, violation.Violation)
	assert.Equal(t, types.ViolationMemoryExceeded, violation.Violation.Type)
	assert.Equal(t, 50.0, *violation.Violation.Details.Limit)
	assert.Equal(t, 80.0, *violation.Violation.Details.Actual)

	killed := p.expect(ipc.TypeExtensionKilled)
	assert.Contains(t, killed.Reason, "memory_exceeded")

	ext, _ := h.Loader().GetExtension("ext.e")
	assert.Equal(t, types.StateKilled, ext.State)
	assert.Equal(t, 0, h.Sandboxes().Count())

	// The entry is no longer watched, so a second scan stays quiet
	_, watched := h.Watchdog().GetStats("ext.e")
	assert.False(t, watched)
}

func TestCommandInvoke(t *testing.T) {
	_, p := startHost(t)

	p.send(loadMsg(t, "ext.cmd", testutil.CommandBundle))
	p.expect(ipc.TypeExtensionLoaded)
	p.send(ipc.NewMessage(ipc.TypeExtensionActivate, "ext.cmd"))
	p.expect(ipc.TypeExtensionActivated)

	invoke := ipc.NewMessage(ipc.TypeCommandInvoke, "ext.cmd")
	invoke.Method = "greet"
	invoke.Args = []interface{}{"bob"}
	invoke.RequestID = "req-1"
	p.send(invoke)

	result := p.expect(ipc.TypeAPIResult)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, "hello bob", result.Result)

	invoke = ipc.NewMessage(ipc.TypeCommandInvoke, "ext.cmd")
	invoke.Method = "missing"
	p.send(invoke)
	failed := p.expect(ipc.TypeAPIError)
	assert.Contains(t, failed.Error, "not found")
}

func TestExecuteRequest(t *testing.T) {
	_, p := startHost(t)

	p.send(loadMsg(t, "ext.x", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)

	exec := ipc.NewMessage(ipc.TypeExtensionExecute, "ext.x")
	exec.Code = "return arguments[0] * 2;"
	exec.Args = []interface{}{21}
	exec.RequestID = "req-exec"
	p.send(exec)

	result := p.expect(ipc.TypeAPIResult)
	assert.Equal(t, "req-exec", result.RequestID)
	assert.Equal(t, int64(42), result.Result)
}

func TestUnknownMessageDropped(t *testing.T) {
	h, p := startHost(t)

	p.send(&ipc.Message{Type: "bogus:type"})
	p.send(&ipc.Message{Type: ipc.TypeExtensionActivate})

	p.send(loadMsg(t, "ext.after", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)
	assert.NoError(t, h.Crashed())
}

func TestActivationEvent(t *testing.T) {
	h, p := startHost(t)

	onCommand := loadMsg(t, "ext.cmdonly", testutil.NoopBundle)
	onCommand.Manifest.ActivationEvents = []string{"onCommand:other"}
	p.send(onCommand)
	p.expect(ipc.TypeExtensionLoaded)

	onGo := loadMsg(t, "ext.golang", testutil.NoopBundle)
	onGo.Manifest.ActivationEvents = []string{"workspaceContains:**/go.mod"}
	p.send(onGo)
	p.expect(ipc.TypeExtensionLoaded)

	event := ipc.NewMessage(ipc.TypeActivationEvent, "")
	event.Event = "workspaceContains"
	event.Files = []string{"README.md", "svc/go.mod"}
	p.send(event)

	activated := p.expect(ipc.TypeExtensionActivated)
	assert.Equal(t, "ext.golang", activated.ExtensionID)

	ext, _ := h.Loader().GetExtension("ext.cmdonly")
	assert.Equal(t, types.StateInstalled, ext.State)
}

func TestWatchdogConfigMessage(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.cfg", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)

	update := ipc.NewMessage(ipc.TypeWatchdogConfig, "ext.cfg")
	update.Watchdog = &types.WatchdogConfig{MemoryLimitMB: 128}
	p.send(update)

	defaults := ipc.NewMessage(ipc.TypeWatchdogConfig, "")
	defaults.Watchdog = &types.WatchdogConfig{CPUTimeoutMs: 9000}
	p.send(defaults)

	require.Eventually(t, func() bool {
		cfg, ok := h.Watchdog().Config("ext.cfg")
		return ok && cfg.MemoryLimitMB == 128 && h.Watchdog().Defaults().CPUTimeoutMs == 9000
	}, time.Second, 5*time.Millisecond)

	cfg, _ := h.Watchdog().Config("ext.cfg")
	assert.Equal(t, int64(5000), cfg.CPUTimeoutMs)
}

func TestBroadcastStats(t *testing.T) {
	h, p := startHost(t)

	p.send(loadMsg(t, "ext.s", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)

	h.BroadcastStats(context.Background())
	stats := p.expect(ipc.TypeHostStats)
	require.NotNil(t, stats.Host)
	assert.Equal(t, h.ID(), stats.Host.HostID)
	assert.Equal(t, 1, stats.Host.Sandboxes)
	require.Len(t, stats.Stats, 1)
	assert.Equal(t, "ext.s", stats.Stats[0].ExtensionID)
}

func TestShutdownMessageStopsRun(t *testing.T) {
	local, remote := ipc.Pipe()
	h := New(testConfig(), local)
	p := &peer{t: t, tr: remote}

	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(context.Background()) }()
	p.expect(ipc.TypeHostReady)

	p.send(loadMsg(t, "ext.a", testutil.NoopBundle))
	p.expect(ipc.TypeExtensionLoaded)
	p.send(ipc.NewMessage(ipc.TypeExtensionActivate, "ext.a"))
	p.expect(ipc.TypeExtensionActivated)

	p.send(ipc.NewMessage(ipc.TypeHostShutdown, ""))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after host:shutdown")
	}

	assert.Equal(t, 0, h.Sandboxes().Count())
	ext, _ := h.Loader().GetExtension("ext.a")
	assert.Equal(t, types.StateInstalled, ext.State)
}

func TestShutdownIsBounded(t *testing.T) {
	local, remote := ipc.Pipe()
	h := New(testConfig(), local)

	// Swallow everything so the deactivate hook's capability call hangs
	go func() {
		for {
			if _, err := remote.Receive(context.Background()); err != nil {
				return
			}
		}
	}()

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	testutil.AssertSuccess(t, h.Loader().LoadExtension(ctx, "ext.slow", testutil.CreateTestManifest(t, "ext.slow"), `
exports.activate = function() {};
exports.deactivate = function() { return api.storage.get('never-answered'); };
`))
	testutil.AssertSuccess(t, h.Loader().ActivateExtension(ctx, "ext.slow"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.Shutdown(shutdownCtx)
	assert.Less(t, time.Since(start), time.Second)
	if err != nil {
		assert.ErrorIs(t, err, types.ErrShutdownTimeout)
		ext, ok := h.Loader().GetExtension("ext.slow")
		require.True(t, ok)
		assert.Equal(t, types.StateKilled, ext.State)
		assert.Equal(t, "shutdown", ext.Error)
	}
	assert.Equal(t, 0, h.Sandboxes().Count())
	assert.Equal(t, 0, h.Bridge().PendingCount())

	// Shutdown is idempotent
	assert.Equal(t, err, h.Shutdown(context.Background()))
}

func TestDispatchPanicCrashesHost(t *testing.T) {
	local, remote := ipc.Pipe()
	h := New(testConfig(), local)
	p := &peer{t: t, tr: remote}

	h.HandleMessage(context.Background(), nil)

	require.Error(t, h.Crashed())
	crashed := p.expect(ipc.TypeHostCrashed)
	assert.NotEmpty(t, crashed.Error)
}
