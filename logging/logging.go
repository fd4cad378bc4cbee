// Package logging provides leveled console output for broker internals.
// Output is for real-time monitoring; callers needing machine-readable
// failures should use the structured errors package instead.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	contextID string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{
		output:   io.Discard,
		minLevel: LevelError,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		contextID: l.contextID,
	}
}

// WithContextID returns a new logger tagged with the execution context ID.
func (l *Logger) WithContextID(contextID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		contextID: contextID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.contextID != "" {
		fieldStr += " ctx=" + l.contextID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Broker event helpers ---
// Called by the scheduler and executor at the points a human operator
// actually wants to see.

// Dispatch logs the start of a request dispatch.
func (l *Logger) Dispatch(priority string, queueLen, inFlight int) {
	l.Debug("dispatch", map[string]interface{}{
		"priority":  priority,
		"queue":     queueLen,
		"in_flight": inFlight,
	})
}

// RetryAttempt logs a retryable failure and the chosen backoff.
func (l *Logger) RetryAttempt(attempt int, delay time.Duration, err error) {
	l.Warn("retry", map[string]interface{}{
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
}

// RateLimitHit logs a 429 and the resulting cooldown.
func (l *Logger) RateLimitHit(cooldown, spacing time.Duration) {
	l.Warn("rate_limit", map[string]interface{}{
		"cooldown": cooldown.String(),
		"spacing":  spacing.String(),
	})
}

// CircuitTripped logs the breaker opening.
func (l *Logger) CircuitTripped(failures int, resetIn time.Duration) {
	l.Error("circuit_open", map[string]interface{}{
		"failures": failures,
		"reset_in": resetIn.String(),
	})
}

// LeaseAcquired logs winning the dispatch lease.
func (l *Logger) LeaseAcquired(ttl time.Duration) {
	l.Debug("lease_acquired", map[string]interface{}{
		"ttl": ttl.String(),
	})
}

// LeaseLost logs losing the lease to another context.
func (l *Logger) LeaseLost(newOwner string) {
	l.Warn("lease_lost", map[string]interface{}{
		"owner": newOwner,
	})
}
