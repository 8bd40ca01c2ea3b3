package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStructuredLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewStructuredLogger("elspethd", "INFO", "text")
	l.SetOutput(&buf)

	l.Info("run started", map[string]interface{}{"run_id": "run-1"})

	out := buf.String()
	if !strings.Contains(out, "run started") {
		t.Fatalf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "run_id=run-1") {
		t.Fatalf("expected field in output, got %q", out)
	}
}

func TestStructuredLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewStructuredLogger("elspethd", "INFO", "json")
	l.SetOutput(&buf)

	l.Info("run started", map[string]interface{}{"run_id": "run-1"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "run started" {
		t.Errorf("message = %v, want %q", entry["message"], "run started")
	}
	if entry["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want %q", entry["run_id"], "run-1")
	}
}

func TestStructuredLoggerDebugSuppressedBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewStructuredLogger("elspethd", "INFO", "text")
	l.SetOutput(&buf)

	l.Debug("should not appear", nil)

	if buf.Len() != 0 {
		t.Fatalf("expected no output for debug below configured level, got %q", buf.String())
	}
}

func TestStructuredLoggerWithComponentScopesChildLogger(t *testing.T) {
	var buf bytes.Buffer
	root := NewStructuredLogger("elspethd", "INFO", "json")
	root.SetOutput(&buf)
	child := root.WithComponent("elspeth/orchestrator")

	child.Info("token routed", nil)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON line: %v", err)
	}
	if entry["component"] != "elspeth/orchestrator" {
		t.Errorf("component = %v, want %q", entry["component"], "elspeth/orchestrator")
	}
}

func TestStructuredLoggerErrorRateLimited(t *testing.T) {
	var buf bytes.Buffer
	l := NewStructuredLogger("elspethd", "INFO", "text")
	l.SetOutput(&buf)

	l.Error("first failure", nil)
	firstLen := buf.Len()
	l.Error("second failure, should be rate limited", nil)

	if buf.Len() != firstLen {
		t.Fatalf("expected the second error within the rate-limit window to be dropped")
	}
}

func TestRateLimiterAllowsOncePerInterval(t *testing.T) {
	rl := NewRateLimiter(0)
	if !rl.Allow() {
		t.Fatal("expected first call to be allowed")
	}
	if !rl.Allow() {
		t.Fatal("expected a zero interval to always allow")
	}

	hourly := NewRateLimiter(time.Hour)
	if !hourly.Allow() {
		t.Fatal("expected first call within the interval to be allowed")
	}
	if hourly.Allow() {
		t.Fatal("expected a second call within the interval to be denied")
	}
}
