package sandbox

import (
	"sort"
	"sync"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"go.uber.org/zap"
)

// Manager owns the live sandboxes, at most one per extension
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
	logger    *logging.Logger
}

// NewManager creates a sandbox manager
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		sandboxes: make(map[string]*Sandbox),
		logger:    logger,
	}
}

// CreateSandbox terminates any sandbox already registered for the extension,
// then constructs and registers a fresh one
func (m *Manager) CreateSandbox(config Config, caps Capabilities) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sandboxes[config.ExtensionID]; ok {
		m.logger.Info("Replacing sandbox",
			zap.String("extension_id", config.ExtensionID),
			zap.String("sandbox_id", existing.ID().String()))
		existing.Terminate()
	}

	sb := New(config, caps, m.logger)
	m.sandboxes[config.ExtensionID] = sb
	return sb
}

// GetSandbox returns the live sandbox for an extension
func (m *Manager) GetSandbox(extensionID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[extensionID]
	return sb, ok
}

// TerminateSandbox terminates and forgets an extension's sandbox
func (m *Manager) TerminateSandbox(extensionID string) bool {
	m.mu.Lock()
	sb, ok := m.sandboxes[extensionID]
	delete(m.sandboxes, extensionID)
	m.mu.Unlock()

	if ok {
		sb.Terminate()
	}
	return ok
}

// TerminateAll terminates every sandbox
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	all := m.sandboxes
	m.sandboxes = make(map[string]*Sandbox)
	m.mu.Unlock()

	for _, sb := range all {
		sb.Terminate()
	}
}

// GetAllStats returns a snapshot per live sandbox ordered by extension id
func (m *Manager) GetAllStats() []types.SandboxStats {
	m.mu.RLock()
	stats := make([]types.SandboxStats, 0, len(m.sandboxes))
	for extID, sb := range m.sandboxes {
		stats = append(stats, types.SandboxStats{
			ExtensionID: extID,
			MemoryUsage: sb.MemoryUsageMB(),
			State:       sb.State(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].ExtensionID < stats[j].ExtensionID })
	return stats
}

// Count returns the number of registered sandboxes
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}
