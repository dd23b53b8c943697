// Package logtest captures slog records in memory so tests can assert on
// what a component logged.
package logtest

import (
	"context"
	"log/slog"
	"sync"
)

// Record is a flattened slog record.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Handler is a slog.Handler that keeps every record it receives.
type Handler struct {
	mu      *sync.Mutex
	records *[]Record
	attrs   []field // keys already qualified by the group open when added
	group   string
}

type field struct {
	key string
	val any
}

// New returns a handler and a logger writing to it.
func New() (*Handler, *slog.Logger) {
	h := &Handler{mu: &sync.Mutex{}, records: &[]Record{}}
	return h, slog.New(h)
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	rec := Record{Level: r.Level, Message: r.Message, Attrs: make(map[string]any)}
	for _, f := range h.attrs {
		rec.Attrs[f.key] = f.val
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, rec)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]field{}, h.attrs...)
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, field{key: h.key(a.Key), val: a.Value.Resolve().Any()})
	}
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.group = h.key(name)
	return &nh
}

func (h *Handler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

// Records returns a snapshot of everything logged so far.
func (h *Handler) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(*h.records))
	copy(out, *h.records)
	return out
}

// Messages returns the records with the given message.
func (h *Handler) Messages(msg string) []Record {
	var out []Record
	for _, r := range h.Records() {
		if r.Message == msg {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many records have the given message.
func (h *Handler) Count(msg string) int {
	return len(h.Messages(msg))
}

// AtLevel returns the records logged at exactly level.
func (h *Handler) AtLevel(level slog.Level) []Record {
	var out []Record
	for _, r := range h.Records() {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}
