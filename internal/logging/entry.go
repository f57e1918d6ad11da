// pattern: Functional Core

package logging

import (
	"strings"
	"time"
)

// Entry is a parsed structured log record. Entries produced by the zap
// cores are forwarded to an optional consumer (the debug ring) in this
// form so the ring never has to re-parse JSON.
type Entry struct {
	Timestamp time.Time
	Level     string // DEBUG, INFO, WARN, ERROR
	Scope     string // hierarchical scope, e.g. "broker.c1.main"
	Message   string
	Fields    map[string]any
}

// MatchesScope reports whether the entry's scope starts with prefix.
// The empty prefix matches everything.
func (e Entry) MatchesScope(prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(e.Scope, prefix)
}

// ParseLevel normalizes a level string to its canonical uppercase form.
// Unknown levels are treated as INFO.
func ParseLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug":
		return "DEBUG"
	case "info":
		return "INFO"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}
