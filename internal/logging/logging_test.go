package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONAtLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, flush := New(&buf, Options{Level: "warn"})
	defer flush()

	logger.Info("dropped")
	logger.Warn("kept", "session_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "abc", rec["session_id"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("sink down") }

func TestMultiHandler(t *testing.T) {
	t.Parallel()

	var debugBuf, errorBuf bytes.Buffer
	h := newMultiHandler(
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	logger := slog.New(h).With("provider", "mailcoach").WithGroup("req")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger.Debug("debug only", "status", 202)
	logger.Error("both", "status", 500)

	assert.Equal(t, 2, strings.Count(debugBuf.String(), "\n"))
	assert.Equal(t, 1, strings.Count(errorBuf.String(), "\n"))
	assert.Contains(t, errorBuf.String(), `"provider":"mailcoach"`)
	assert.Contains(t, errorBuf.String(), `"req":{"status":500}`)
}

func TestMultiHandler_JoinsErrors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ok := slog.NewJSONHandler(&buf, nil)
	h := newMultiHandler(failingHandler{ok}, ok)

	rec := slog.NewRecord(time.Time{}, slog.LevelInfo, "msg", 0)
	err := h.Handle(context.Background(), rec)
	assert.ErrorContains(t, err, "sink down")
	assert.Contains(t, buf.String(), `"msg":"msg"`, "later handlers still run")
}
