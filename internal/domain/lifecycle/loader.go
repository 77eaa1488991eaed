package lifecycle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/watchdog"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// CapabilityFunc returns the capability surface for one extension
type CapabilityFunc func(extensionID string) sandbox.Capabilities

// Loader owns the lifecycle state machine of every loaded extension.
// Operations on the same id must not run concurrently; the host serializes
// them per extension.
type Loader struct {
	mu         sync.RWMutex
	extensions map[string]*types.LoadedExtension // Protected by mu

	sandboxes    *sandbox.Manager
	watchdog     *watchdog.Watchdog
	capabilities CapabilityFunc
	template     sandbox.Config
	metrics      *monitoring.Metrics
	logger       *logging.Logger
}

// Option configures a Loader
type Option func(*Loader)

// WithCapabilities sets the capability source for new sandboxes
func WithCapabilities(fn CapabilityFunc) Option {
	return func(l *Loader) { l.capabilities = fn }
}

// WithSandboxConfig sets the template for new sandboxes. ExtensionID is
// filled in per extension.
func WithSandboxConfig(cfg sandbox.Config) Option {
	return func(l *Loader) { l.template = cfg }
}

// WithMetrics adds metrics tracking to the loader
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(l *Loader) { l.metrics = metrics }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader over a sandbox manager and watchdog
func NewLoader(sandboxes *sandbox.Manager, wd *watchdog.Watchdog, opts ...Option) *Loader {
	l := &Loader{
		extensions: make(map[string]*types.LoadedExtension),
		sandboxes:  sandboxes,
		watchdog:   wd,
		template:   sandbox.DefaultConfig(""),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadExtension evaluates an extension bundle in a fresh sandbox. A failed
// load leaves the entry in error with no sandbox or watchdog entry behind.
func (l *Loader) LoadExtension(ctx context.Context, extensionID string, m types.Manifest, code string) types.Result {
	if m.ID == "" {
		m.ID = extensionID
	}
	if m.ID != extensionID {
		return l.loadFailed(extensionID, nil, fmt.Errorf("manifest id %q does not match extension id %q", m.ID, extensionID))
	}
	if err := manifest.Validate(m); err != nil {
		return l.loadFailed(extensionID, nil, err)
	}

	now := time.Now()
	ext := &types.LoadedExtension{
		Manifest:   m,
		State:      types.StateLoading,
		CodeDigest: codeDigest(code),
		LoadedAt:   now,
		UpdatedAt:  now,
		Stats:      types.ExtensionStats{ExtensionID: extensionID},
	}

	l.mu.Lock()
	if existing, ok := l.extensions[extensionID]; ok {
		switch existing.State {
		case types.StateActive:
			l.mu.Unlock()
			return types.Failure(fmt.Errorf("%w: %s", types.ErrAlreadyActive, extensionID))
		case types.StateLoading:
			l.mu.Unlock()
			return types.Failure(fmt.Errorf("%w: %s is already loading", types.ErrInvalidState, extensionID))
		}
	}
	l.extensions[extensionID] = ext
	l.mu.Unlock()

	l.watchdog.RegisterExtension(extensionID, limitsConfig(m.Limits))

	cfg := l.template
	cfg.ExtensionID = extensionID
	var caps sandbox.Capabilities
	if l.capabilities != nil {
		caps = l.capabilities(extensionID)
	}
	sb := l.sandboxes.CreateSandbox(cfg, caps)

	l.mu.Lock()
	killed := ext.State == types.StateKilled
	if !killed {
		ext.SandboxID = sb.ID().String()
	}
	l.mu.Unlock()

	if killed {
		return l.abandonLoad(extensionID)
	}

	l.watchdog.OperationStart(extensionID)
	err := sb.Load(ctx, code)
	l.watchdog.OperationEnd(extensionID)

	if err != nil {
		l.sandboxes.TerminateSandbox(extensionID)
		l.watchdog.UnregisterExtension(extensionID)
		return l.loadFailed(extensionID, ext, err)
	}

	if !l.transition(extensionID, ext, types.StateInstalled, nil) {
		return l.abandonLoad(extensionID)
	}

	l.metrics.RecordLoad(true)
	l.logger.Info("Extension loaded",
		zap.String("extension_id", extensionID),
		zap.String("sandbox_id", sb.ID().String()),
		zap.String("code_digest", ext.CodeDigest[:12]))
	return types.Success()
}

func (l *Loader) loadFailed(extensionID string, ext *types.LoadedExtension, err error) types.Result {
	var loadErr *types.LoadError
	if !errors.As(err, &loadErr) {
		err = &types.LoadError{ExtensionID: extensionID, Err: err}
	}

	if ext == nil {
		now := time.Now()
		ext = &types.LoadedExtension{
			Manifest:  types.Manifest{ID: extensionID},
			LoadedAt:  now,
			UpdatedAt: now,
			Stats:     types.ExtensionStats{ExtensionID: extensionID},
		}
		// A rejected manifest never replaces a record that is already there
		l.mu.Lock()
		if _, exists := l.extensions[extensionID]; exists {
			l.mu.Unlock()
			l.metrics.RecordLoad(false)
			return types.Failure(err)
		}
		l.extensions[extensionID] = ext
		l.mu.Unlock()
	}
	l.transition(extensionID, ext, types.StateError, err)

	l.metrics.RecordLoad(false)
	l.logger.Warn("Extension failed to load", zap.String("extension_id", extensionID), zap.Error(err))
	return types.Failure(err)
}

// abandonLoad releases what a load created after a kill overtook it. The
// kill may have run before the sandbox or watchdog entry existed.
func (l *Loader) abandonLoad(extensionID string) types.Result {
	l.sandboxes.TerminateSandbox(extensionID)
	l.watchdog.UnregisterExtension(extensionID)
	l.metrics.RecordLoad(false)
	return types.Failure(fmt.Errorf("%w: %s was killed while loading", types.ErrSandboxTerminated, extensionID))
}

// ActivateExtension runs the extension's activate hook under the watchdog
func (l *Loader) ActivateExtension(ctx context.Context, extensionID string) types.Result {
	l.mu.RLock()
	ext, ok := l.extensions[extensionID]
	var state types.State
	if ok {
		state = ext.State
	}
	l.mu.RUnlock()

	switch {
	case !ok:
		return types.Failure(types.ErrNotFound)
	case state == types.StateActive:
		return types.Success()
	case state != types.StateInstalled:
		return types.Failure(fmt.Errorf("%w: cannot activate %s in state %s", types.ErrInvalidState, extensionID, state))
	}

	sb, ok := l.sandboxes.GetSandbox(extensionID)
	if !ok {
		return types.Failure(fmt.Errorf("%w: no sandbox for %s", types.ErrNotFound, extensionID))
	}

	l.watchdog.OperationStart(extensionID)
	err := sb.Activate(ctx)
	l.watchdog.OperationEnd(extensionID)

	if err != nil {
		if !l.transition(extensionID, ext, types.StateError, err) {
			return types.Failure(fmt.Errorf("%w: %s was killed during activation", types.ErrSandboxTerminated, extensionID))
		}
		l.watchdog.ReportError(extensionID)
		l.metrics.RecordActivation(false)
		l.logger.Warn("Extension activation failed", zap.String("extension_id", extensionID), zap.Error(err))
		return types.Failure(err)
	}

	if !l.transition(extensionID, ext, types.StateActive, nil) {
		l.metrics.RecordActivation(false)
		return types.Failure(fmt.Errorf("%w: %s was killed during activation", types.ErrSandboxTerminated, extensionID))
	}

	l.watchdog.ReportActivation(extensionID)
	l.metrics.RecordActivation(true)
	l.logger.Info("Extension activated", zap.String("extension_id", extensionID))
	return types.Success()
}

// DeactivateExtension runs the deactivate hook and always returns the
// extension to installed. Hook failures are logged only.
func (l *Loader) DeactivateExtension(ctx context.Context, extensionID string) types.Result {
	l.mu.RLock()
	ext, ok := l.extensions[extensionID]
	active := ok && ext.State == types.StateActive
	l.mu.RUnlock()

	if !active {
		return types.Success()
	}

	var hookErr error
	if sb, ok := l.sandboxes.GetSandbox(extensionID); ok {
		l.watchdog.OperationStart(extensionID)
		hookErr = sb.Deactivate(ctx)
		l.watchdog.OperationEnd(extensionID)
	}
	if hookErr != nil {
		l.logger.Warn("Extension deactivate hook failed", zap.String("extension_id", extensionID), zap.Error(hookErr))
	}

	l.transition(extensionID, ext, types.StateInstalled, nil)
	l.metrics.RecordDeactivation(hookErr != nil)
	l.logger.Info("Extension deactivated", zap.String("extension_id", extensionID))
	return types.Success()
}

// UnloadExtension deactivates if needed and removes every trace of the extension
func (l *Loader) UnloadExtension(ctx context.Context, extensionID string) types.Result {
	l.mu.RLock()
	_, ok := l.extensions[extensionID]
	l.mu.RUnlock()
	if !ok {
		return types.Failure(types.ErrNotFound)
	}

	l.DeactivateExtension(ctx, extensionID)
	l.sandboxes.TerminateSandbox(extensionID)
	l.watchdog.UnregisterExtension(extensionID)

	l.mu.Lock()
	delete(l.extensions, extensionID)
	l.mu.Unlock()

	l.publishStateMetrics()
	l.logger.Info("Extension unloaded", zap.String("extension_id", extensionID))
	return types.Success()
}

// KillExtension terminates the extension's sandbox immediately and marks it
// killed with reason. It does not wait for running code to yield. Killed
// extensions keep their entry for inspection but are no longer watched.
func (l *Loader) KillExtension(extensionID, reason string) bool {
	l.sandboxes.TerminateSandbox(extensionID)
	l.watchdog.UnregisterExtension(extensionID)

	l.mu.Lock()
	ext, ok := l.extensions[extensionID]
	if ok {
		ext.State = types.StateKilled
		ext.Error = reason
		ext.UpdatedAt = time.Now()
	}
	l.mu.Unlock()

	if !ok {
		return false
	}

	l.metrics.RecordKill(killCause(reason))
	l.publishStateMetrics()
	l.logger.Warn("Extension killed", zap.String("extension_id", extensionID), zap.String("reason", reason))
	return true
}

// InvokeHandler calls a handler the extension registered (a command or event listener)
func (l *Loader) InvokeHandler(ctx context.Context, extensionID, key string, args ...interface{}) (interface{}, error) {
	sb, err := l.runnable(extensionID)
	if err != nil {
		return nil, err
	}
	return l.bracket(extensionID, func() (interface{}, error) {
		return sb.Invoke(ctx, key, args...)
	})
}

// Execute runs ad hoc code inside the extension's sandbox
func (l *Loader) Execute(ctx context.Context, extensionID, code string, args ...interface{}) (interface{}, error) {
	sb, err := l.runnable(extensionID)
	if err != nil {
		return nil, err
	}
	return l.bracket(extensionID, func() (interface{}, error) {
		return sb.Execute(ctx, code, args...)
	})
}

func (l *Loader) runnable(extensionID string) (*sandbox.Sandbox, error) {
	l.mu.RLock()
	ext, ok := l.extensions[extensionID]
	var state types.State
	if ok {
		state = ext.State
	}
	l.mu.RUnlock()

	if !ok {
		return nil, types.ErrNotFound
	}
	if state != types.StateInstalled && state != types.StateActive {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrInvalidState, extensionID, state)
	}
	sb, ok := l.sandboxes.GetSandbox(extensionID)
	if !ok {
		return nil, fmt.Errorf("%w: no sandbox for %s", types.ErrNotFound, extensionID)
	}
	return sb, nil
}

func (l *Loader) bracket(extensionID string, fn func() (interface{}, error)) (interface{}, error) {
	l.watchdog.OperationStart(extensionID)
	out, err := fn()
	l.watchdog.OperationEnd(extensionID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		l.watchdog.ReportError(extensionID)
	}
	return out, err
}

// GetExtension retrieves a copy of an extension's record with fresh stats
func (l *Loader) GetExtension(extensionID string) (*types.LoadedExtension, bool) {
	l.mu.RLock()
	ext, ok := l.extensions[extensionID]
	if !ok {
		l.mu.RUnlock()
		return nil, false
	}
	extCopy := *ext
	l.mu.RUnlock()

	if stats, ok := l.watchdog.GetStats(extensionID); ok {
		extCopy.Stats = stats
	}
	return &extCopy, true
}

// ListExtensions returns copies of every record ordered by id
func (l *Loader) ListExtensions() []*types.LoadedExtension {
	l.mu.RLock()
	ids := make([]string, 0, len(l.extensions))
	for id := range l.extensions {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	out := make([]*types.LoadedExtension, 0, len(ids))
	for _, id := range ids {
		if ext, ok := l.GetExtension(id); ok {
			out = append(out, ext)
		}
	}
	return out
}

// Stats returns counts per lifecycle state
func (l *Loader) Stats() types.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := types.Stats{
		Total:   len(l.extensions),
		ByState: make(map[types.State]int),
	}
	for _, ext := range l.extensions {
		stats.ByState[ext.State]++
		switch ext.State {
		case types.StateInstalled:
			stats.Installed++
		case types.StateActive:
			stats.Active++
		case types.StateError:
			stats.Errored++
		case types.StateKilled:
			stats.Killed++
		}
	}
	return stats
}

// transition moves ext to state unless it was killed or replaced meanwhile.
// It reports whether the transition happened.
func (l *Loader) transition(extensionID string, ext *types.LoadedExtension, state types.State, err error) bool {
	l.mu.Lock()
	current, ok := l.extensions[extensionID]
	if !ok || current != ext || ext.State == types.StateKilled {
		l.mu.Unlock()
		return false
	}

	now := time.Now()
	ext.State = state
	ext.UpdatedAt = now
	ext.Error = ""
	if err != nil {
		ext.Error = err.Error()
	}
	if state == types.StateActive {
		ext.ActivatedAt = &now
	}
	l.mu.Unlock()

	l.publishStateMetrics()
	return true
}

func (l *Loader) publishStateMetrics() {
	if l.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for state, n := range l.Stats().ByState {
		counts[string(state)] = n
	}
	l.metrics.SetExtensionsByState(counts)
	l.metrics.SetSandboxesLive(l.sandboxes.Count())
}

func limitsConfig(limits *types.Limits) types.WatchdogConfig {
	if limits == nil {
		return types.WatchdogConfig{}
	}
	return types.WatchdogConfig{
		MemoryLimitMB:   limits.MemoryLimitMB,
		CPUTimeoutMs:    limits.CPUTimeoutMs,
		CheckIntervalMs: limits.CheckIntervalMs,
	}
}

// killCause maps a kill reason to a bounded metric label
func killCause(reason string) string {
	prefix, _, _ := strings.Cut(reason, ":")
	switch types.ViolationType(prefix) {
	case types.ViolationMemoryExceeded, types.ViolationCPUTimeout, types.ViolationUnresponsive, types.ViolationError:
		return prefix
	}
	return "manual"
}

func codeDigest(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
