package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&jsonBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&textBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(h).With("component", "test")

	logger.Debug("plan degraded", "owner", "u1")
	logger.Warn("session result rejected", "owner", "u2")

	if !strings.Contains(jsonBuf.String(), `"msg":"plan degraded"`) {
		t.Errorf("json handler missed debug record: %s", jsonBuf.String())
	}
	if strings.Contains(textBuf.String(), "plan degraded") {
		t.Errorf("text handler should drop debug records: %s", textBuf.String())
	}
	if !strings.Contains(textBuf.String(), "session result rejected") || !strings.Contains(textBuf.String(), "component=test") {
		t.Errorf("text handler missed warn record or attrs: %s", textBuf.String())
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(debug) should be true when any handler accepts it")
	}
}
