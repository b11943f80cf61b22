package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Output: &buf})
	ctx := context.Background()

	l.LogInfo(ctx, "hidden")
	l.LogWarning(ctx, "shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warning record missing: %s", out)
	}
}

func TestStructuredLogger_WithRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Output: &buf}).WithRequestID("req-1")

	l.LogError(context.Background(), "failed", errors.New("boom"), "attempt", 2)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	if record["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", record["request_id"])
	}
	if record["error"] != "boom" {
		t.Errorf("error = %v, want boom", record["error"])
	}
}

func TestFromContext(t *testing.T) {
	fallback := NewLogger()
	scoped := fallback.WithRequestID("abc")

	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Error("FromContext() without logger should return fallback")
	}
	ctx := NewContext(context.Background(), scoped)
	if got := FromContext(ctx, fallback); got != scoped {
		t.Error("FromContext() should return the scoped logger")
	}
}
