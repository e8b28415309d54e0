package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{Level: "info", Format: "json", Output: &buf})
	logger.Info("sweep finished", "alerts", 3)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "sweep finished", entries[0]["msg"])
	assert.Equal(t, float64(3), entries[0]["alerts"])
	assert.Equal(t, "INFO", entries[0]["level"])
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := Setup(Config{Level: "info", Format: "text", Output: &buf})
	logger.Info("router reachable", "device", "core-1")

	output := buf.String()
	assert.Contains(t, output, "router reachable")
	assert.Contains(t, output, "device=core-1")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.name))
		})
	}
}

func TestSetup_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "warn", Format: "json", Output: &buf})

	Debug(context.Background(), "hidden")
	Info(context.Background(), "hidden")
	Warn(context.Background(), "shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["msg"])
}

func TestContextHandler_AddsContextValues(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithTransactionID(ctx, "txn-1")
	ctx = WithCycleID(ctx, "cycle-1")

	Info(ctx, "callback handled")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0]["request_id"])
	assert.Equal(t, "sess-1", entries[0]["session_id"])
	assert.Equal(t, "txn-1", entries[0]["transaction_id"])
	assert.Equal(t, "cycle-1", entries[0]["cycle_id"])
}

func TestContextHandler_SurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-9")
	logger.With("component", "usage").InfoContext(ctx, "assessed")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "usage", entries[0]["component"])
	assert.Equal(t, "sess-9", entries[0]["session_id"])
}

func TestLogger_BindsContext(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "info", Format: "json", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-123")
	Logger(ctx).Info("bound")

	assert.Contains(t, buf.String(), "req-123")
}

func TestAudit(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: "warn", Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-123")
	Audit(ctx, "session_terminated", "cause", "data_exhausted")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "AUDIT", entries[0]["msg"])
	assert.Equal(t, true, entries[0]["audit"])
	assert.Equal(t, "session_terminated", entries[0]["operation"])
	assert.Equal(t, "data_exhausted", entries[0]["cause"])
	assert.Equal(t, "sess-123", entries[0]["session_id"])
}
