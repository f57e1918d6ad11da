// pattern: Functional Core

package debuglog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tmuxdeck/internal/logging"
)

// DefaultCapacity is the number of entries the ring retains.
const DefaultCapacity = 2000

// Entry is one debug event. Sources include server scopes, remote bridges
// (prefixed "bridge:"), and browser clients (prefixed "ui:").
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // info, warn, error
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

// Ring is a bounded in-memory event log. Writes are serialized; Snapshot
// returns a consistent copy ordered oldest first.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	count   int
}

// NewRing creates a ring with the given capacity. Zero or negative
// capacity falls back to DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Add appends an entry, evicting the oldest when full. Level is normalized
// to one of info, warn, error. Returns the generated entry id.
func (r *Ring) Add(level, source, message, detail string) string {
	entry := Entry{
		ID:        uuid.NewString()[:8],
		Timestamp: time.Now().UTC(),
		Level:     normalizeLevel(level),
		Source:    source,
		Message:   message,
		Detail:    detail,
	}

	r.mu.Lock()
	idx := (r.start + r.count) % len(r.entries)
	r.entries[idx] = entry
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
	r.mu.Unlock()

	return entry.ID
}

// Snapshot returns a copy of the current contents, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Clear empties the ring.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.start = 0
	r.count = 0
	r.mu.Unlock()
}

// Len returns the current number of entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Forward adapts the ring to the logging manager's forward hook so server
// warnings and errors land in the ring alongside bridge and UI events.
func (r *Ring) Forward(e logging.Entry) {
	detail := ""
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for k, v := range e.Fields {
			parts = append(parts, k+"="+stringify(v))
		}
		detail = strings.Join(parts, " ")
	}
	r.Add(e.Level, e.Scope, e.Message, detail)
}

func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
