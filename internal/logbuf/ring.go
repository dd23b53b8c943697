package logbuf

import (
	"sync"
	"time"
)

// Entry is one output line and the stream it came from.
type Entry struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
}

// Ring is a thread-safe ring buffer that stores the last N output lines.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	full    bool
	total   int
}

// New creates a ring buffer that stores the last n lines. n <= 0 means 1000.
func New(n int) *Ring {
	if n <= 0 {
		n = 1000
	}
	return &Ring{
		entries: make([]Entry, n),
		size:    n,
	}
}

// Add stores a complete line, evicting the oldest when full.
func (r *Ring) Add(stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.pos] = Entry{Time: time.Now(), Stream: stream, Line: line}
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
	r.total++
}

// Entries returns all stored entries in order, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]Entry, r.pos)
		copy(result, r.entries[:r.pos])
		return result
	}

	result := make([]Entry, r.size)
	copy(result, r.entries[r.pos:])
	copy(result[r.size-r.pos:], r.entries[:r.pos])
	return result
}

// Last returns the last n entries. If fewer exist, returns all of them.
func (r *Ring) Last(n int) []Entry {
	all := r.Entries()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Total is the number of lines ever added, including evicted ones.
func (r *Ring) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
