// Package gatewaylog wires structured logging (spec.md §6 Observability):
// a standard slog.Logger for operators, plus a bounded in-memory ring of
// recent records exposed on the debug surface so an operator can inspect
// recent activity without a log aggregator.
package gatewaylog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is a flattened view of one log line, kept for the debug ring.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingHandler is an slog.Handler that forwards every record to an inner
// handler (normal stdout/stderr logging) while also retaining the last N
// records for the debug route.
type RingHandler struct {
	inner slog.Handler
	mu    *sync.Mutex
	buf   *[]Record
	cap   int
	attrs []slog.Attr
	group string
}

func NewRing(inner slog.Handler, capacity int) *RingHandler {
	if capacity <= 0 {
		capacity = 200
	}
	buf := make([]Record, 0, capacity)
	return &RingHandler{inner: inner, mu: &sync.Mutex{}, buf: &buf, cap: capacity}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.buf = append(*h.buf, Record{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   attrs,
	})
	if len(*h.buf) > h.cap {
		*h.buf = (*h.buf)[len(*h.buf)-h.cap:]
	}
	h.mu.Unlock()

	return h.inner.Handle(ctx, rec)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{
		inner: h.inner.WithAttrs(attrs),
		mu:    h.mu,
		buf:   h.buf,
		cap:   h.cap,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
		group: h.group,
	}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{
		inner: h.inner.WithGroup(name),
		mu:    h.mu,
		buf:   h.buf,
		cap:   h.cap,
		attrs: h.attrs,
		group: name,
	}
}

// Recent returns a snapshot copy of the retained records, most recent last.
func (h *RingHandler) Recent() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(*h.buf))
	copy(out, *h.buf)
	return out
}

// New builds the gateway's root logger: JSON to stdout at the level named by
// levelName, wrapped in a RingHandler for the debug surface.
func New(levelName string) (*slog.Logger, *RingHandler) {
	level := parseLevel(levelName)
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	ring := NewRing(base, 200)
	return slog.New(ring), ring
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
