package cmd

// Flag values are package-level variables shared by every command, so tests
// that touch them hold testMu and restore the previous values on cleanup.
// Pure helpers may run in parallel.

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMu protects global state during tests that cannot run in parallel
var testMu sync.Mutex

type globalStateSnapshot struct {
	serverURL       string
	outputFormat    string
	configPath      string
	monitorInterval int
	monitorOnce     bool
	monitorVerbose  bool
	plansKind       string
}

func saveGlobalState() globalStateSnapshot {
	return globalStateSnapshot{
		serverURL:       serverURL,
		outputFormat:    outputFormat,
		configPath:      configPath,
		monitorInterval: monitorInterval,
		monitorOnce:     monitorOnce,
		monitorVerbose:  monitorVerbose,
		plansKind:       plansKind,
	}
}

func restoreGlobalState(saved globalStateSnapshot) {
	serverURL = saved.serverURL
	outputFormat = saved.outputFormat
	configPath = saved.configPath
	monitorInterval = saved.monitorInterval
	monitorOnce = saved.monitorOnce
	monitorVerbose = saved.monitorVerbose
	plansKind = saved.plansKind
}

func resetGlobalStateToDefaults() {
	serverURL = "http://localhost:8080"
	outputFormat = "table"
	configPath = ""
	monitorInterval = 60
	monitorOnce = false
	monitorVerbose = false
	plansKind = ""
}

// setupTestWithCleanup acquires testMu, resets flags to defaults and restores
// them (then unlocks) when the test finishes.
func setupTestWithCleanup(t *testing.T) {
	t.Helper()

	testMu.Lock()
	saved := saveGlobalState()
	resetGlobalStateToDefaults()

	t.Cleanup(func() {
		restoreGlobalState(saved)
		testMu.Unlock()
	})
}

// setupMockServer points serverURL at handler
func setupMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	serverURL = server.URL
	return server
}

// captureOutput captures stdout during function execution
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var mockSession = map[string]any{
	"id":              "sess-123",
	"user_id":         "u-1",
	"phone_number":    "254712345678",
	"username":        "user_12345678",
	"plan_id":         "time-1h",
	"status":          "active",
	"data_used_bytes": 52428800,
	"activated_at":    "2026-03-02T08:00:00Z",
	"expires_at":      "2026-03-02T09:00:00Z",
	"created_at":      "2026-03-02T07:55:00Z",
}

func TestUsageCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/sess-123/usage", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"session": mockSession,
			"assessment": map[string]any{
				"plan_name":   "1 Hour",
				"plan_kind":   "time",
				"plan_price":  20,
				"percentage":  91.7,
				"used":        55,
				"total":       60,
				"remaining":   5,
				"unit":        "minutes",
				"alert_level": "critical",
			},
			"recommendations": []any{
				map[string]any{"plan": map[string]any{"id": "time-3h", "name": "3 Hours", "price": 50}, "upgrade": true},
			},
		})
	})

	var err error
	output := captureOutput(func() {
		err = runUsage(nil, []string{"sess-123"})
	})
	require.NoError(t, err)

	assert.Contains(t, output, "user_12345678")
	assert.Contains(t, output, "55.0 / 60 minutes (91.7%)")
	assert.Contains(t, output, "critical")
	assert.Contains(t, output, "time-3h")
	assert.Contains(t, output, "50.0 MB")
}

func TestUsageCommand_NoPlan(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"session": map[string]any{"id": "sess-1", "status": "pending"}})
	})

	output := captureOutput(func() {
		assert.NoError(t, runUsage(nil, []string{"sess-1"}))
	})
	assert.Contains(t, output, "No active plan.")
}

func TestUsageCommand_JSON(t *testing.T) {
	setupTestWithCleanup(t)
	outputFormat = "json"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"session": mockSession})
	})

	output := captureOutput(func() {
		assert.NoError(t, runUsage(nil, []string{"sess-123"}))
	})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	assert.Contains(t, decoded, "session")
}

func TestUsageCommand_NotFound(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
	})

	err := runUsage(nil, []string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSessionsGetCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions/sess-123", r.URL.Path)
		writeJSON(w, http.StatusOK, mockSession)
	})

	output := captureOutput(func() {
		assert.NoError(t, runSessionsGet(nil, []string{"sess-123"}))
	})
	assert.Contains(t, output, "sess-123")
	assert.Contains(t, output, "active")
	assert.Contains(t, output, "2026-03-02 09:00:00")
}

func TestSessionsDisableCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/sessions/sess-123/disable", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"session": map[string]any{"id": "sess-123", "status": "disabled"},
			"changed": true,
		})
	})

	output := captureOutput(func() {
		assert.NoError(t, runSessionsDisable(nil, []string{"sess-123"}))
	})
	assert.Contains(t, output, "Session sess-123 disabled.")
}

func TestSessionsDisableCommand_AlreadyEnded(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"session": map[string]any{"id": "sess-123", "status": "expired"},
			"changed": false,
		})
	})

	output := captureOutput(func() {
		assert.NoError(t, runSessionsDisable(nil, []string{"sess-123"}))
	})
	assert.Contains(t, output, "already expired")
}

func TestSessionsCommandsCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"commands": []any{
				map[string]any{"kind": "provision", "device": "lobby", "success": true, "duration_ms": 42, "executed_at": "2026-03-02T08:00:01Z"},
				map[string]any{"kind": "disconnect", "device": "lobby", "success": false, "error": "connection refused", "executed_at": "2026-03-02T09:00:00Z"},
			},
			"count": 2,
		})
	})

	output := captureOutput(func() {
		assert.NoError(t, runSessionsCommands(nil, []string{"sess-123"}))
	})
	assert.Contains(t, output, "provision")
	assert.Contains(t, output, "42ms")
	assert.Contains(t, output, "connection refused")
}

func TestPlansCommand(t *testing.T) {
	setupTestWithCleanup(t)
	plansKind = "data"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "data", r.URL.Query().Get("kind"))
		writeJSON(w, http.StatusOK, map[string]any{
			"plans": []any{
				map[string]any{"id": "data-100mb", "name": "100MB Data", "kind": "data", "data_limit_mb": 100, "download_kbps": 2048, "upload_kbps": 1024, "price": 15},
			},
			"count": 1,
		})
	})

	output := captureOutput(func() {
		assert.NoError(t, runPlans(nil, nil))
	})
	assert.Contains(t, output, "data-100mb")
	assert.Contains(t, output, "100 MB")
	assert.Contains(t, output, "Total: 1 plans")
}

func TestServerConnectionError(t *testing.T) {
	setupTestWithCleanup(t)
	serverURL = "http://127.0.0.1:1"

	err := runPlans(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestServerErrorResponse(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get usage"})
	})

	err := runUsage(nil, []string{"sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get usage")
}

func TestMonitorCommand_NoRouter(t *testing.T) {
	setupTestWithCleanup(t)
	monitorOnce = true
	t.Setenv("ROUTER_HOST", "")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "hotspot.db"))

	err := runMonitor(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled router")
}

func TestMonitorCommand_InvalidInterval(t *testing.T) {
	setupTestWithCleanup(t)
	monitorInterval = 0

	assert.Error(t, runMonitor(nil, nil))
}

func TestMonitorCommand_Once(t *testing.T) {
	setupTestWithCleanup(t)
	monitorOnce = true
	t.Setenv("ROUTER_HOST", "127.0.0.1")
	t.Setenv("ROUTER_PORT", "1")
	t.Setenv("ROUTER_PASSWORD", "pw")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "hotspot.db"))
	t.Setenv("LOG_LEVEL", "error")

	var err error
	output := captureOutput(func() {
		err = runMonitor(nil, nil)
	})

	// an unreachable router fails the sync step but not the command
	require.NoError(t, err)
	assert.Contains(t, output, "cycle ")
	assert.Contains(t, output, "assessed=0")
	assert.Contains(t, output, "error:")
}

func TestMonitorCommand_ConfigFile(t *testing.T) {
	setupTestWithCleanup(t)
	monitorOnce = true
	outputFormat = "json"

	dir := t.TempDir()
	configPath = filepath.Join(dir, "hotspot.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
database:
  path: `+filepath.Join(dir, "hotspot.db")+`
logging:
  level: error
routers:
  - name: lobby
    driver: rest
    host: 127.0.0.1
    port: 1
    password: pw
    enabled: true
`), 0o600))

	var err error
	output := captureOutput(func() {
		err = runMonitor(nil, nil)
	})
	require.NoError(t, err)

	var report cycleOutput
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(output)), &report))
	assert.Len(t, report.ID, 8)
	assert.NotEmpty(t, report.Errors)
}

func TestConfigShow(t *testing.T) {
	setupTestWithCleanup(t)
	t.Setenv("ROUTER_HOST", "10.0.0.1")
	t.Setenv("ROUTER_PASSWORD", "top-secret")

	output := captureOutput(func() {
		assert.NoError(t, runConfigShow(nil, nil))
	})
	assert.Contains(t, output, "10.0.0.1")
	assert.Contains(t, output, "********")
	assert.NotContains(t, output, "top-secret")
	assert.Contains(t, output, "time-1h")
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "ab"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, truncateString(tt.in, tt.max))
		})
	}
}
