package watchdog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"go.uber.org/zap"
)

const (
	DefaultMemoryLimitMB   = 50
	DefaultCPUTimeoutMs    = 5000
	DefaultCheckIntervalMs = 1000

	// UnresponsiveThreshold is how long a running operation may go without
	// any recorded activity
	UnresponsiveThreshold = 30 * time.Second

	// checkSlack absorbs ticker jitter when comparing against an entry's interval
	checkSlack = 10 * time.Millisecond
)

// Callback receives violations. It runs outside the watchdog's locks.
type Callback func(types.Violation)

// Clock returns the current time
type Clock func() time.Time

// Option configures a Watchdog
type Option func(*Watchdog)

// WithClock replaces time.Now
func WithClock(clock Clock) Option {
	return func(w *Watchdog) { w.now = clock }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(w *Watchdog) { w.logger = logger }
}

// WithMetrics records violations in Prometheus
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(w *Watchdog) { w.metrics = metrics }
}

type entry struct {
	config       types.WatchdogConfig
	stats        types.ExtensionStats
	lastActivity time.Time
	isRunning    bool
	opStart      time.Time
	lastChecked  time.Time
}

// Watchdog tracks per-extension resource counters and reports budget
// violations. It never terminates anything itself.
type Watchdog struct {
	mu       sync.Mutex
	defaults types.WatchdogConfig
	entries  map[string]*entry

	subMu       sync.RWMutex
	subscribers map[uint64]Callback
	nextSub     uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now     Clock
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// DefaultConfig returns the built-in budgets
func DefaultConfig() types.WatchdogConfig {
	return types.WatchdogConfig{
		MemoryLimitMB:   DefaultMemoryLimitMB,
		CPUTimeoutMs:    DefaultCPUTimeoutMs,
		CheckIntervalMs: DefaultCheckIntervalMs,
	}
}

// Merge overlays the non-zero fields of override onto base
func Merge(base, override types.WatchdogConfig) types.WatchdogConfig {
	if override.MemoryLimitMB > 0 {
		base.MemoryLimitMB = override.MemoryLimitMB
	}
	if override.CPUTimeoutMs > 0 {
		base.CPUTimeoutMs = override.CPUTimeoutMs
	}
	if override.CheckIntervalMs > 0 {
		base.CheckIntervalMs = override.CheckIntervalMs
	}
	return base
}

// New creates a watchdog whose defaults are cfg merged over DefaultConfig
func New(cfg types.WatchdogConfig, opts ...Option) *Watchdog {
	w := &Watchdog{
		defaults:    Merge(DefaultConfig(), cfg),
		entries:     make(map[string]*entry),
		subscribers: make(map[uint64]Callback),
		now:         time.Now,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Defaults returns the current default configuration
func (w *Watchdog) Defaults() types.WatchdogConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.defaults
}

// SetDefaults merges cfg over the current defaults. Registered entries keep
// their configuration.
func (w *Watchdog) SetDefaults(cfg types.WatchdogConfig) {
	w.mu.Lock()
	w.defaults = Merge(w.defaults, cfg)
	w.mu.Unlock()
}

// Start begins periodic scanning at the default check interval
func (w *Watchdog) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}

	interval := time.Duration(w.Defaults().CheckIntervalMs) * time.Millisecond
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Scan()
			}
		}
	}()

	w.logger.Info("Watchdog started", zap.Duration("interval", interval))
}

// Stop halts scanning and waits for the scan goroutine to exit
func (w *Watchdog) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("Watchdog stopped")
}

// RegisterExtension starts tracking an extension. cfg is merged over the defaults.
func (w *Watchdog) RegisterExtension(extensionID string, cfg types.WatchdogConfig) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[extensionID] = &entry{
		config:       Merge(w.defaults, cfg),
		stats:        types.ExtensionStats{ExtensionID: extensionID, LastActivityMs: now.UnixMilli()},
		lastActivity: now,
	}
}

// UnregisterExtension stops tracking an extension
func (w *Watchdog) UnregisterExtension(extensionID string) {
	w.mu.Lock()
	delete(w.entries, extensionID)
	w.mu.Unlock()
}

// UpdateConfig merges cfg over a registered extension's configuration
func (w *Watchdog) UpdateConfig(extensionID string, cfg types.WatchdogConfig) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[extensionID]
	if !ok {
		return false
	}
	e.config = Merge(e.config, cfg)
	return true
}

// Config returns the effective configuration of a registered extension
func (w *Watchdog) Config(extensionID string) (types.WatchdogConfig, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[extensionID]
	if !ok {
		return types.WatchdogConfig{}, false
	}
	return e.config, true
}

// OperationStart marks the beginning of bracketed extension work. A nested
// start resets the operation clock but not the activity clock.
func (w *Watchdog) OperationStart(extensionID string) {
	w.update(extensionID, func(e *entry, now time.Time) {
		if !e.isRunning {
			e.markActive(now)
		}
		e.isRunning = true
		e.opStart = now
	})
}

// OperationEnd closes bracketed work and accumulates its CPU time
func (w *Watchdog) OperationEnd(extensionID string) {
	w.update(extensionID, func(e *entry, now time.Time) {
		if e.isRunning {
			e.stats.CPUTimeMs += now.Sub(e.opStart).Milliseconds()
		}
		e.isRunning = false
		e.markActive(now)
	})
}

// ReportMemoryUsage records the latest memory estimate
func (w *Watchdog) ReportMemoryUsage(extensionID string, mb float64) {
	w.update(extensionID, func(e *entry, _ time.Time) {
		e.stats.MemoryUsageMB = mb
	})
}

// ReportError increments the error counter
func (w *Watchdog) ReportError(extensionID string) {
	w.update(extensionID, func(e *entry, _ time.Time) {
		e.stats.ErrorCount++
	})
}

// ReportActivation increments the activation counter
func (w *Watchdog) ReportActivation(extensionID string) {
	w.update(extensionID, func(e *entry, now time.Time) {
		e.stats.ActivationCount++
		e.markActive(now)
	})
}

// RecordActivity marks the extension as alive
func (w *Watchdog) RecordActivity(extensionID string) {
	w.update(extensionID, func(e *entry, now time.Time) {
		e.markActive(now)
	})
}

// KillExtension emits an error violation carrying reason. The subscriber
// that owns the sandbox performs the kill.
func (w *Watchdog) KillExtension(extensionID, reason string) {
	w.emit(types.Violation{
		Type:        types.ViolationError,
		ExtensionID: extensionID,
		Timestamp:   w.now().UnixMilli(),
		Details:     types.ViolationDetails{Message: reason},
	})
}

// OnViolation subscribes cb and returns a function that unsubscribes it
func (w *Watchdog) OnViolation(cb Callback) func() {
	w.subMu.Lock()
	key := w.nextSub
	w.nextSub++
	w.subscribers[key] = cb
	w.subMu.Unlock()

	return func() {
		w.subMu.Lock()
		delete(w.subscribers, key)
		w.subMu.Unlock()
	}
}

// GetStats returns a copy of one extension's counters
func (w *Watchdog) GetStats(extensionID string) (types.ExtensionStats, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[extensionID]
	if !ok {
		return types.ExtensionStats{}, false
	}
	return e.stats, true
}

// GetAllStats returns every extension's counters ordered by id
func (w *Watchdog) GetAllStats() []types.ExtensionStats {
	w.mu.Lock()
	stats := make([]types.ExtensionStats, 0, len(w.entries))
	for _, e := range w.entries {
		stats = append(stats, e.stats)
	}
	w.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].ExtensionID < stats[j].ExtensionID })
	return stats
}

// Scan runs one check over every entry that is due. Each matching condition
// produces a violation on every scan; there is no deduplication.
func (w *Watchdog) Scan() {
	now := w.now()

	var violations []types.Violation
	w.mu.Lock()
	for extID, e := range w.entries {
		interval := time.Duration(e.config.CheckIntervalMs) * time.Millisecond
		if !e.lastChecked.IsZero() && now.Sub(e.lastChecked) < interval-checkSlack {
			continue
		}
		e.lastChecked = now
		violations = append(violations, e.check(extID, now)...)
	}
	w.mu.Unlock()

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].ExtensionID < violations[j].ExtensionID
	})
	for _, v := range violations {
		w.emit(v)
	}
}

func (e *entry) check(extensionID string, now time.Time) []types.Violation {
	var out []types.Violation
	violation := func(t types.ViolationType, limit, actual float64, msg string) {
		out = append(out, types.Violation{
			Type:        t,
			ExtensionID: extensionID,
			Timestamp:   now.UnixMilli(),
			Details: types.ViolationDetails{
				Limit:   types.Float64Ptr(limit),
				Actual:  types.Float64Ptr(actual),
				Message: msg,
			},
		})
	}

	if e.stats.MemoryUsageMB > e.config.MemoryLimitMB {
		violation(types.ViolationMemoryExceeded, e.config.MemoryLimitMB, e.stats.MemoryUsageMB,
			fmt.Sprintf("memory usage %.1fMB exceeds limit %.1fMB", e.stats.MemoryUsageMB, e.config.MemoryLimitMB))
	}

	if !e.isRunning {
		return out
	}

	if elapsed := now.Sub(e.opStart).Milliseconds(); elapsed > e.config.CPUTimeoutMs {
		violation(types.ViolationCPUTimeout, float64(e.config.CPUTimeoutMs), float64(elapsed),
			fmt.Sprintf("operation running for %dms exceeds %dms", elapsed, e.config.CPUTimeoutMs))
	}

	if idle := now.Sub(e.lastActivity); idle > UnresponsiveThreshold {
		violation(types.ViolationUnresponsive, float64(UnresponsiveThreshold.Milliseconds()), float64(idle.Milliseconds()),
			fmt.Sprintf("no activity for %dms", idle.Milliseconds()))
	}
	return out
}

func (e *entry) markActive(now time.Time) {
	e.lastActivity = now
	e.stats.LastActivityMs = now.UnixMilli()
}

func (w *Watchdog) update(extensionID string, fn func(*entry, time.Time)) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[extensionID]; ok {
		fn(e, now)
	}
}

func (w *Watchdog) emit(v types.Violation) {
	w.metrics.RecordViolation(string(v.Type))
	w.logger.Warn("Watchdog violation",
		zap.String("extension_id", v.ExtensionID),
		zap.String("type", string(v.Type)),
		zap.String("message", v.Details.Message))

	w.subMu.RLock()
	keys := make([]uint64, 0, len(w.subscribers))
	for k := range w.subscribers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	subs := make([]Callback, 0, len(keys))
	for _, k := range keys {
		subs = append(subs, w.subscribers[k])
	}
	w.subMu.RUnlock()

	for _, cb := range subs {
		w.deliver(cb, v)
	}
}

func (w *Watchdog) deliver(cb Callback, v types.Violation) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Violation subscriber panicked", zap.Any("panic", r))
		}
	}()
	cb(v)
}
