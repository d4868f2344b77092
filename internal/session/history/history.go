// Package history provides the bounded per-session log buffer that backs the
// operator console and state replay for newly connected observers.
package history

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"
)

// Category classifies a log line for client-side styling.
type Category string

const (
	CategoryInfo    Category = "info"
	CategorySystem  Category = "system"
	CategorySuccess Category = "success"
	CategoryError   Category = "error"
	CategoryChat    Category = "chat"
	CategoryInput   Category = "input"
)

// DefaultCapacity is the number of entries retained per session.
const DefaultCapacity = 100

// TimestampLayout is the wall-clock format prefixed to every rendered entry.
const TimestampLayout = "15:04:05"

// Valid reports whether c is one of the closed set of categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryInfo, CategorySystem, CategorySuccess, CategoryError, CategoryChat, CategoryInput:
		return true
	}
	return false
}

// Entry is one line of session history.
type Entry struct {
	Time     time.Time
	Message  string
	Category Category
}

// Formatted returns the message prefixed with its bracketed timestamp.
func (e Entry) Formatted() string {
	return "[" + e.Time.Format(TimestampLayout) + "] " + e.Message
}

// wireEntry is the observer-facing shape of an Entry.
type wireEntry struct {
	Msg  string   `json:"msg"`
	Type Category `json:"type"`
}

// MarshalJSON renders the entry as {"msg": "[hh:mm:ss] text", "type": category}.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{Msg: e.Formatted(), Type: e.Category})
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripANSI removes SGR color sequences from s.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Ring is a bounded, insertion-ordered log buffer. The oldest entry is evicted
// once the length would exceed the capacity. It is safe for concurrent use.
//
// Invariant: Len() <= Cap() at all times.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	size    int
}

// NewRing creates an empty Ring holding at most capacity entries.
//
// Precondition: capacity > 0.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("history.NewRing: capacity must be > 0")
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Append adds e as the newest entry, evicting the oldest when full.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// Entries returns a copy of the buffered entries, oldest first.
//
// Postcondition: the returned slice is never nil and has length Len().
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.size)
	start := (r.head - r.size + len(r.entries)) % len(r.entries)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the maximum number of entries retained.
func (r *Ring) Cap() int {
	return len(r.entries)
}

// Reset replaces the contents with the newest Cap() entries of es, in order.
func (r *Ring) Reset(es []Entry) {
	r.mu.Lock()
	r.head = 0
	r.size = 0
	clear(r.entries)
	r.mu.Unlock()
	if len(es) > len(r.entries) {
		es = es[len(es)-len(r.entries):]
	}
	for _, e := range es {
		r.Append(e)
	}
}
