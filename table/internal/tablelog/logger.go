// Package tablelog provides the structured, leveled logger the table
// facade uses for its diagnostic surface. It is adapted from the parent
// project's service logger: the same leveled Info/Warn/Error/Debug calls,
// field-context object, and console formatting, stripped of the
// gRPC log-streaming/supervisor plumbing that belonged to the deleted
// multi-service harness this package was lifted from.
package tablelog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ANSI color codes for console output.
const (
	colorReset       = "\033[0m"
	colorCyan        = "\033[36m"
	colorGreen       = "\033[32m"
	colorBrightRed   = "\033[91m"
	colorBrightYellow = "\033[93m"
	colorBrightGray  = "\033[90m"
)

// componentWidth is the fixed column width log lines pad the component
// name to, for readable multi-table log output.
const componentWidth = 24

// Logger is a leveled, structured logger scoped to one component (in
// practice, one "engine:table" pair).
type Logger struct {
	component string

	mu           sync.RWMutex
	colorEnabled bool
	disabled     bool
}

// New creates a logger for the given component name.
func New(component string) *Logger {
	return &Logger{
		component:    component,
		colorEnabled: isTerminal(),
	}
}

func isTerminal() bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Disable turns off all console output; used by tests that don't want log
// noise.
func (l *Logger) Disable() {
	l.mu.Lock()
	l.disabled = true
	l.mu.Unlock()
}

func (l *Logger) colorFor(level string) string {
	if !l.colorEnabled {
		return ""
	}
	switch level {
	case "DEBUG":
		return colorBrightGray
	case "INFO":
		return colorGreen
	case "WARN":
		return colorBrightYellow
	case "ERROR":
		return colorBrightRed
	default:
		return colorReset
	}
}

func (l *Logger) emit(level, message string, fields map[string]string) {
	l.mu.RLock()
	disabled := l.disabled
	l.mu.RUnlock()
	if disabled {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	color := l.colorFor(level)
	prefix, reset := "", ""
	if l.colorEnabled {
		prefix, reset = colorCyan, colorReset
	}

	component := l.component
	if len(component) > componentWidth {
		component = component[:componentWidth-1] + "…"
	} else {
		component = fmt.Sprintf("%-*s", componentWidth, component)
	}

	line := fmt.Sprintf("%s[%s] [%s] [%s%-5s%s] %s", prefix, timestamp, component, color, level, reset, message)
	if len(fields) > 0 {
		line += " " + renderFields(fields)
	}
	fmt.Println(line)
}

func renderFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Debug logs a formatted debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.emit("DEBUG", fmt.Sprintf(format, args...), nil)
}

// Info logs a formatted info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.emit("INFO", fmt.Sprintf(format, args...), nil)
}

// Warn logs a formatted warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.emit("WARN", fmt.Sprintf(format, args...), nil)
}

// Error logs a formatted error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.emit("ERROR", fmt.Sprintf(format, args...), nil)
}

// WithFields returns a context carrying additional structured fields (the
// engine name, table id, retry interval, truncated payload, ...) that
// every message logged through it will include.
func (l *Logger) WithFields(fields map[string]string) *Context {
	return &Context{logger: l, fields: fields}
}

// Context is a Logger bound to a fixed set of extra fields.
type Context struct {
	logger *Logger
	fields map[string]string
}

// Info logs a formatted info message with the bound fields attached.
func (c *Context) Info(format string, args ...interface{}) {
	c.logger.emit("INFO", fmt.Sprintf(format, args...), c.fields)
}

// Warn logs a formatted warning message with the bound fields attached.
func (c *Context) Warn(format string, args ...interface{}) {
	c.logger.emit("WARN", fmt.Sprintf(format, args...), c.fields)
}

// Error logs a formatted error message with the bound fields attached.
func (c *Context) Error(format string, args ...interface{}) {
	c.logger.emit("ERROR", fmt.Sprintf(format, args...), c.fields)
}

// Truncate shortens s to at most n runes, appending an ellipsis marker
// when it does, for safely logging event payloads.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
