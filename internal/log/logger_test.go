package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "pillpipe-test", Version: "v0"})

	lg := WithComponent("unit")
	lg.Info().Str("event", "test.event").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["component"] != "unit" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["event"] != "test.event" {
		t.Errorf("event = %v", entry["event"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestContextCorrelation(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithRunID(ctx, "run-9")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("request id = %q", got)
	}
	if got := RunIDFromContext(ctx); got != "run-9" {
		t.Errorf("run id = %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context request id = %q", got)
	}

	var buf bytes.Buffer
	clg := WithContext(ctx, zerolog.New(&buf))
	clg.Info().Msg("correlated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["run_id"] != "run-9" {
		t.Errorf("correlation fields = %v", entry)
	}
}
