package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	exts   map[string]*types.LoadedExtension
	killed map[string]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		exts: map[string]*types.LoadedExtension{
			"ext.a": {
				Manifest:  types.Manifest{ID: "ext.a", Name: "A", Version: "1.0.0", Publisher: "p"},
				State:     types.StateActive,
				SandboxID: "sbx_01ARZ3NDEKTSV4RRFFQ69G5FAV",
			},
		},
		killed: make(map[string]string),
	}
}

func (f *fakeHost) ID() string { return "host-1" }

func (f *fakeHost) Stats() types.HostStats {
	return types.HostStats{HostID: "host-1", Sandboxes: len(f.exts)}
}

func (f *fakeHost) Extensions() []*types.LoadedExtension {
	out := make([]*types.LoadedExtension, 0, len(f.exts))
	for _, e := range f.exts {
		out = append(out, e)
	}
	return out
}

func (f *fakeHost) Extension(id string) (*types.LoadedExtension, bool) {
	e, ok := f.exts[id]
	return e, ok
}

func (f *fakeHost) LoaderStats() types.Stats {
	return types.Stats{Total: len(f.exts), Active: len(f.exts)}
}

func (f *fakeHost) ExtensionStats() []types.ExtensionStats {
	return []types.ExtensionStats{{ExtensionID: "ext.a", ActivationCount: 1}}
}

func (f *fakeHost) BreakerStates() map[string]string {
	return map[string]string{"storage": "closed"}
}

func (f *fakeHost) KillExtension(_ context.Context, id, reason string) bool {
	e, ok := f.exts[id]
	if !ok {
		return false
	}
	e.State = types.StateKilled
	f.killed[id] = reason
	return true
}

func setupRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/extensions", h.ListExtensions)
	r.GET("/extensions/:id", h.GetExtension)
	r.POST("/extensions/:id/kill", h.KillExtension)
	r.GET("/stats", h.Stats)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func TestHealthBeforeAttach(t *testing.T) {
	h := NewHandlers("0.4.0", nil)
	r := setupRouter(h)

	code, body := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "waiting", body["status"])

	code, _ = do(t, r, http.MethodGet, "/extensions", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.AttachHost(newFakeHost())
	code, body = do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "host-1", body["host_id"])
}

func TestListAndGetExtensions(t *testing.T) {
	r := setupRouter(NewHandlers("0.4.0", newFakeHost()))

	code, body := do(t, r, http.MethodGet, "/extensions", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, body = do(t, r, http.MethodGet, "/extensions/ext.a", "")
	assert.Equal(t, http.StatusOK, code)
	ext := body["extension"].(map[string]interface{})
	assert.Equal(t, "active", ext["state"])
	assert.Greater(t, body["sandboxAgeMs"], float64(0))

	code, body = do(t, r, http.MethodGet, "/extensions/ext.zzz", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])
}

func TestStats(t *testing.T) {
	r := setupRouter(NewHandlers("0.4.0", newFakeHost()))

	code, body := do(t, r, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "host-1", body["host"].(map[string]interface{})["hostId"])
	assert.Equal(t, "closed", body["breakers"].(map[string]interface{})["storage"])
	assert.Len(t, body["extensions"], 1)
}

func TestKillExtension(t *testing.T) {
	host := newFakeHost()
	r := setupRouter(NewHandlers("0.4.0", host))

	code, body := do(t, r, http.MethodPost, "/extensions/ext.a/kill", `{"reason":"stuck"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stuck", body["reason"])
	assert.Equal(t, "stuck", host.killed["ext.a"])

	code, _ = do(t, r, http.MethodPost, "/extensions/ext.a/kill", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "admin", host.killed["ext.a"])

	code, _ = do(t, r, http.MethodPost, "/extensions/ext.zzz/kill", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, r, http.MethodPost, "/extensions/ext.a/kill", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}
