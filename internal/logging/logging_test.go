package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSlogJSONBackend(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("component", "world")).Info(context.Background(), "tick", Int("models", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if rec["msg"] != "tick" || rec["component"] != "world" || rec["models"] != float64(3) || rec["error"] != "boom" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level filtering failed: %q", buf.String())
	}
}

func TestZapBackend(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Backend: "zap", Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	log.With(String("component", "router")).Warn(ctx, "dropped", Err(errors.New("unknown kind")))
	log.Debug(ctx, "hidden")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line emitted at info level: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if rec["msg"] != "dropped" || rec["component"] != "router" || rec["request_id"] != "req-1" || rec["error"] != "unknown kind" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestRequestIDHelpers(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" || RequestIDFromContext(ctx) != id {
		t.Fatalf("EnsureRequestID did not store id")
	}
	ctx2, id2 := EnsureRequestID(ctx)
	if id2 != id || ctx2 != ctx {
		t.Fatalf("EnsureRequestID replaced existing id")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("LoggerFromContext returned a logger for empty context")
	}
	if LoggerFromContext(ContextWithLogger(ctx, nil)) == nil {
		t.Fatalf("ContextWithLogger(nil) should store Noop")
	}
}
