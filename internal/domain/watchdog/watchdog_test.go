package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type collector struct {
	mu         sync.Mutex
	violations []types.Violation
}

func (c *collector) add(v types.Violation) {
	c.mu.Lock()
	c.violations = append(c.violations, v)
	c.mu.Unlock()
}

func (c *collector) all() []types.Violation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Violation(nil), c.violations...)
}

func (c *collector) reset() {
	c.mu.Lock()
	c.violations = nil
	c.mu.Unlock()
}

func newTestWatchdog(t *testing.T) (*Watchdog, *fakeClock, *collector) {
	t.Helper()
	clock := newFakeClock()
	w := New(types.WatchdogConfig{}, WithClock(clock.Now))
	c := &collector{}
	w.OnViolation(c.add)
	return w, clock, c
}

func TestMergeConfig(t *testing.T) {
	merged := Merge(DefaultConfig(), types.WatchdogConfig{CPUTimeoutMs: 100})
	assert.Equal(t, types.WatchdogConfig{
		MemoryLimitMB:   50,
		CPUTimeoutMs:    100,
		CheckIntervalMs: 1000,
	}, merged)

	assert.Equal(t, DefaultConfig(), New(types.WatchdogConfig{}).Defaults())
}

func TestMemoryExceededFiresEveryScan(t *testing.T) {
	w, clock, c := newTestWatchdog(t)
	w.RegisterExtension("ext.a", types.WatchdogConfig{MemoryLimitMB: 50})
	w.ReportMemoryUsage("ext.a", 80)

	for i := 0; i < 3; i++ {
		w.Scan()
		clock.Advance(time.Second)
	}

	got := c.all()
	require.Len(t, got, 3)
	for _, v := range got {
		assert.Equal(t, types.ViolationMemoryExceeded, v.Type)
		assert.Equal(t, "ext.a", v.ExtensionID)
		require.NotNil(t, v.Details.Limit)
		require.NotNil(t, v.Details.Actual)
		assert.Equal(t, 50.0, *v.Details.Limit)
		assert.Equal(t, 80.0, *v.Details.Actual)
	}
}

func TestMemoryWithinLimitIsQuiet(t *testing.T) {
	w, _, c := newTestWatchdog(t)
	w.RegisterExtension("ext.a", types.WatchdogConfig{})
	w.ReportMemoryUsage("ext.a", 50)

	w.Scan()
	assert.Empty(t, c.all())
}

func TestCPUTimeout(t *testing.T) {
	w, clock, c := newTestWatchdog(t)
	w.RegisterExtension("ext.b", types.WatchdogConfig{})

	w.OperationStart("ext.b")
	clock.Advance(6 * time.Second)
	w.Scan()

	got := c.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.ViolationCPUTimeout, got[0].Type)
	assert.Equal(t, 5000.0, *got[0].Details.Limit)
	assert.Equal(t, 6000.0, *got[0].Details.Actual)

	w.OperationEnd("ext.b")
	c.reset()
	clock.Advance(time.Second)
	w.Scan()
	assert.Empty(t, c.all())

	stats, ok := w.GetStats("ext.b")
	require.True(t, ok)
	assert.Equal(t, int64(6000), stats.CPUTimeMs)
}

func TestNestedOperationStartsTripUnresponsive(t *testing.T) {
	w, clock, c := newTestWatchdog(t)
	w.RegisterExtension("ext.c", types.WatchdogConfig{CPUTimeoutMs: 100000})

	w.OperationStart("ext.c")
	clock.Advance(20 * time.Second)
	w.OperationStart("ext.c")
	clock.Advance(15 * time.Second)
	w.Scan()

	got := c.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.ViolationUnresponsive, got[0].Type)
	assert.Equal(t, 35000.0, *got[0].Details.Actual)
}

func TestRecordActivityKeepsExtensionResponsive(t *testing.T) {
	w, clock, c := newTestWatchdog(t)
	w.RegisterExtension("ext.c", types.WatchdogConfig{CPUTimeoutMs: 100000})

	w.OperationStart("ext.c")
	clock.Advance(20 * time.Second)
	w.RecordActivity("ext.c")
	clock.Advance(15 * time.Second)
	w.Scan()

	assert.Empty(t, c.all())
}

func TestPerExtensionCheckInterval(t *testing.T) {
	w, clock, c := newTestWatchdog(t)
	w.RegisterExtension("ext.slow", types.WatchdogConfig{MemoryLimitMB: 1, CheckIntervalMs: 5000})
	w.ReportMemoryUsage("ext.slow", 2)

	for i := 0; i <= 5; i++ {
		w.Scan()
		clock.Advance(time.Second)
	}

	assert.Len(t, c.all(), 2)
}

func TestKillExtensionEmitsError(t *testing.T) {
	w, _, c := newTestWatchdog(t)

	w.KillExtension("ext.x", "user requested")

	got := c.all()
	require.Len(t, got, 1)
	assert.Equal(t, types.ViolationError, got[0].Type)
	assert.Equal(t, "user requested", got[0].Details.Message)
	assert.Nil(t, got[0].Details.Limit)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	w := New(types.WatchdogConfig{})
	c := &collector{}
	unsubscribe := w.OnViolation(c.add)

	w.KillExtension("ext.x", "first")
	unsubscribe()
	w.KillExtension("ext.x", "second")

	assert.Len(t, c.all(), 1)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	w := New(types.WatchdogConfig{})
	w.OnViolation(func(types.Violation) { panic("boom") })
	c := &collector{}
	w.OnViolation(c.add)

	assert.NotPanics(t, func() { w.KillExtension("ext.x", "reason") })
	assert.Len(t, c.all(), 1)
}

func TestCountersAndUnregister(t *testing.T) {
	w, _, c := newTestWatchdog(t)
	w.RegisterExtension("ext.a", types.WatchdogConfig{})
	w.RegisterExtension("ext.b", types.WatchdogConfig{})

	w.ReportActivation("ext.a")
	w.ReportError("ext.a")
	w.ReportError("ext.a")

	stats, ok := w.GetStats("ext.a")
	require.True(t, ok)
	assert.Equal(t, 1, stats.ActivationCount)
	assert.Equal(t, 2, stats.ErrorCount)

	all := w.GetAllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "ext.a", all[0].ExtensionID)

	w.UnregisterExtension("ext.a")
	_, ok = w.GetStats("ext.a")
	assert.False(t, ok)

	w.ReportMemoryUsage("ext.a", 999)
	w.Scan()
	assert.Empty(t, c.all())
}

func TestUpdateConfigAndDefaults(t *testing.T) {
	w := New(types.WatchdogConfig{})
	w.RegisterExtension("ext.a", types.WatchdogConfig{})

	assert.True(t, w.UpdateConfig("ext.a", types.WatchdogConfig{MemoryLimitMB: 10}))
	assert.False(t, w.UpdateConfig("ext.missing", types.WatchdogConfig{MemoryLimitMB: 10}))

	cfg, ok := w.Config("ext.a")
	require.True(t, ok)
	assert.Equal(t, 10.0, cfg.MemoryLimitMB)
	assert.Equal(t, int64(5000), cfg.CPUTimeoutMs)

	w.SetDefaults(types.WatchdogConfig{CPUTimeoutMs: 200})
	w.RegisterExtension("ext.b", types.WatchdogConfig{})
	cfg, _ = w.Config("ext.b")
	assert.Equal(t, int64(200), cfg.CPUTimeoutMs)

	cfg, _ = w.Config("ext.a")
	assert.Equal(t, int64(5000), cfg.CPUTimeoutMs)
}

func TestStartStop(t *testing.T) {
	w := New(types.WatchdogConfig{CheckIntervalMs: 10})
	c := &collector{}
	w.OnViolation(c.add)

	w.RegisterExtension("ext.a", types.WatchdogConfig{MemoryLimitMB: 1})
	w.ReportMemoryUsage("ext.a", 2)

	w.Start(context.Background())
	w.Start(context.Background())

	assert.Eventually(t, func() bool { return len(c.all()) > 0 }, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()

	n := len(c.all())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(c.all()))
}
