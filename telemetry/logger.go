package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the interface every package in this engine logs through.
// Grounded on core/interfaces.go's Logger contract.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with per-package scoping so log lines
// can be filtered by the component that emitted them (e.g.
// "elspeth/landscape", "elspeth/orchestrator", "elspeth/pool").
//
// Grounded on core/interfaces.go's ComponentAwareLogger.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// StructuredLogger is the engine's concrete Logger: JSON lines when running
// under Kubernetes (or when format is forced to "json"), human-readable text
// otherwise, with error logs rate-limited to one per second to avoid flooding
// during a failure storm. The limit is shared by a root logger and every
// WithComponent child derived from it, not kept per component.
//
// Grounded on telemetry/logger.go's TelemetryLogger.
type StructuredLogger struct {
	level        string
	debug        bool
	serviceName  string
	component    string
	format       string
	output       io.Writer
	mu           *sync.RWMutex
	errorLimiter *RateLimiter
}

// NewStructuredLogger builds a root logger for serviceName. format is
// "json" or "text"; an empty format auto-detects JSON under
// KUBERNETES_SERVICE_HOST and falls back to text otherwise, matching the
// teacher's environment-detection convention.
func NewStructuredLogger(serviceName, level, format string) *StructuredLogger {
	if level == "" {
		level = "INFO"
	}
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}
	return &StructuredLogger{
		level:        strings.ToUpper(level),
		debug:        strings.ToUpper(level) == "DEBUG",
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		mu:           &sync.RWMutex{},
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// WithComponent returns a child logger sharing this logger's configuration
// and rate limiter, scoped to a new component name.
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{
		level:        l.level,
		debug:        l.debug,
		serviceName:  l.serviceName,
		component:    component,
		format:       l.format,
		output:       l.output,
		mu:           l.mu,
		errorLimiter: l.errorLimiter,
	}
}

// SetOutput redirects log output, useful for capturing logs in tests.
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceFields(ctx, fields))
}

func (l *StructuredLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
		return
	}
	l.logText(timestamp, level, msg, fields)
}

func (l *StructuredLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if _, reserved := entry[k]; !reserved {
			entry[k] = v
		}
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *StructuredLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		for k, v := range fields {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	component := l.component
	if component == "" {
		component = l.serviceName
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, b.String())
}

func (l *StructuredLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	current, ok1 := levels[l.level]
	msgLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return msgLevel >= current
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	spanCtx := TraceContextFrom(ctx)
	if spanCtx == nil {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["trace_id"] = spanCtx.TraceID
	merged["span_id"] = spanCtx.SpanID
	return merged
}
