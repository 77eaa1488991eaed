package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/gin-gonic/gin"
)

// ExtensionHost is what the admin API reads from and acts on
type ExtensionHost interface {
	ID() string
	Stats() types.HostStats
	Extensions() []*types.LoadedExtension
	Extension(extensionID string) (*types.LoadedExtension, bool)
	LoaderStats() types.Stats
	ExtensionStats() []types.ExtensionStats
	BreakerStates() map[string]string
	KillExtension(ctx context.Context, extensionID, reason string) bool
}

// Handlers serves the admin routes. The host may be attached after the
// server starts, e.g. once a websocket peer connects.
type Handlers struct {
	version string

	mu   sync.RWMutex
	host ExtensionHost
}

// NewHandlers creates admin handlers; host may be nil until AttachHost
func NewHandlers(version string, host ExtensionHost) *Handlers {
	return &Handlers{version: version, host: host}
}

// AttachHost points the handlers at a running host. nil detaches.
func (h *Handlers) AttachHost(host ExtensionHost) {
	h.mu.Lock()
	h.host = host
	h.mu.Unlock()
}

func (h *Handlers) current(c *gin.Context) (ExtensionHost, bool) {
	h.mu.RLock()
	host := h.host
	h.mu.RUnlock()
	if host == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "no extension host attached",
		})
		return nil, false
	}
	return host, true
}

// Health reports liveness. It answers 200 even before a host is attached.
func (h *Handlers) Health(c *gin.Context) {
	h.mu.RLock()
	host := h.host
	h.mu.RUnlock()

	if host == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":  "waiting",
			"version": h.version,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"version":    h.version,
		"host_id":    host.ID(),
		"extensions": host.LoaderStats(),
	})
}

// ListExtensions returns every installed extension
func (h *Handlers) ListExtensions(c *gin.Context) {
	host, ok := h.current(c)
	if !ok {
		return
	}
	exts := host.Extensions()
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"extensions": exts,
		"count":      len(exts),
	})
}

// GetExtension returns one extension
func (h *Handlers) GetExtension(c *gin.Context) {
	host, ok := h.current(c)
	if !ok {
		return
	}
	ext, found := host.Extension(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "extension not found",
		})
		return
	}
	resp := gin.H{
		"success":   true,
		"extension": ext,
	}
	if created, err := id.CreatedAt(ext.SandboxID); err == nil {
		resp["sandboxAgeMs"] = time.Since(created).Milliseconds()
	}
	c.JSON(http.StatusOK, resp)
}

// Stats returns the host snapshot, per-extension counters and breaker states
func (h *Handlers) Stats(c *gin.Context) {
	host, ok := h.current(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"host":       host.Stats(),
		"lifecycle":  host.LoaderStats(),
		"extensions": host.ExtensionStats(),
		"breakers":   host.BreakerStates(),
	})
}

type killRequest struct {
	Reason string `json:"reason"`
}

// KillExtension kills an extension; the body's reason is optional
func (h *Handlers) KillExtension(c *gin.Context) {
	host, ok := h.current(c)
	if !ok {
		return
	}

	var req killRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   err.Error(),
			})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}

	extensionID := c.Param("id")
	if !host.KillExtension(c.Request.Context(), extensionID, req.Reason) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "extension not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"extension_id": extensionID,
		"reason":       req.Reason,
	})
}
