package host

import (
	"context"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
)

// Extensions lists every installed extension
func (h *Host) Extensions() []*types.LoadedExtension {
	return h.loader.ListExtensions()
}

// Extension returns one extension's record
func (h *Host) Extension(extensionID string) (*types.LoadedExtension, bool) {
	return h.loader.GetExtension(extensionID)
}

// LoaderStats returns per-state extension counts
func (h *Host) LoaderStats() types.Stats {
	return h.loader.Stats()
}

// ExtensionStats returns the watchdog's counters for every watched extension
func (h *Host) ExtensionStats() []types.ExtensionStats {
	return h.watchdog.GetAllStats()
}

// BreakerStates returns the bridge's circuit state per capability namespace
func (h *Host) BreakerStates() map[string]string {
	return h.bridge.BreakerStates()
}

// KillExtension kills an extension on behalf of a local operator. While the
// host is running the kill goes through the watchdog's manual path, so the
// peer sees an error violation followed by extension:killed.
func (h *Host) KillExtension(ctx context.Context, extensionID, reason string) bool {
	if reason == "" {
		reason = "manual"
	}
	if !h.known(extensionID) {
		return false
	}

	h.mu.Lock()
	watched := h.unsubscribe != nil && !h.stopping
	h.mu.Unlock()

	if watched {
		h.watchdog.KillExtension(extensionID, reason)
		return true
	}
	report, deferred := h.killExtension(ctx, extensionID, reason, nil)
	if report {
		h.announceKill(ctx, extensionID, reason, nil)
	}
	return report || deferred
}

// known reports whether extensionID has a record or queued work
func (h *Host) known(extensionID string) bool {
	if _, ok := h.loader.GetExtension(extensionID); ok {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.mailboxes[extensionID]
	return ok
}
