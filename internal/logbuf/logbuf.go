// Package logbuf retains the most recent log records in memory so they
// can be inspected at runtime (e.g. via a diagnostics endpoint) without
// grepping files.
//
// A [Buffer] is an slog.Handler that tees records into a bounded ring
// while delegating to an inner handler for normal output.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 500

// Record is one retained log record, flattened for display.
type Record struct {
	Time    time.Time         `json:"time"`
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Buffer is an slog.Handler that keeps the last N records in a ring and
// forwards every record to the wrapped handler. Safe for concurrent use.
type Buffer struct {
	inner slog.Handler

	mu   sync.Mutex
	ring []Record
	next int
	full bool
	subs map[chan Record]struct{}
}

var _ slog.Handler = (*Buffer)(nil)

// New wraps inner with a ring of the given capacity. A capacity of 0 or
// less uses [DefaultCapacity].
func New(inner slog.Handler, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		inner: inner,
		ring:  make([]Record, capacity),
		subs:  make(map[chan Record]struct{}),
	}
}

// Enabled implements slog.Handler. The ring retains everything the inner
// handler accepts.
func (b *Buffer) Enabled(ctx context.Context, level slog.Level) bool {
	return b.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (b *Buffer) Handle(ctx context.Context, r slog.Record) error {
	b.push(flatten(r))
	return b.inner.Handle(ctx, r)
}

// flatten converts an slog record into its retained form.
func flatten(r slog.Record) Record {
	rec := Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	if r.NumAttrs() > 0 {
		rec.Attrs = make(map[string]string, r.NumAttrs())
		r.Attrs(func(a slog.Attr) bool {
			rec.Attrs[a.Key] = a.Value.String()
			return true
		})
	}
	return rec
}

// push appends one record to the ring and fans it out to subscribers.
func (b *Buffer) push(rec Record) {
	b.mu.Lock()
	b.ring[b.next] = rec
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
	for ch := range b.subs {
		select {
		case ch <- rec:
		default:
			// Slow subscriber; drop rather than block logging.
		}
	}
	b.mu.Unlock()
}

// WithAttrs implements slog.Handler. The returned handler shares the ring.
func (b *Buffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &child{parent: b, inner: b.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler. The returned handler shares the ring.
func (b *Buffer) WithGroup(name string) slog.Handler {
	return &child{parent: b, inner: b.inner.WithGroup(name)}
}

// Recent returns the retained records, oldest first.
func (b *Buffer) Recent() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]Record(nil), b.ring[:b.next]...)
	}
	out := make([]Record, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}

// Subscribe returns a channel receiving each new record and a cancel
// function. Records are dropped for subscribers that fall behind.
func (b *Buffer) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// child routes records through the shared ring while carrying the derived
// inner handler's attrs/group state.
type child struct {
	parent *Buffer
	inner  slog.Handler
}

var _ slog.Handler = (*child)(nil)

func (c *child) Enabled(ctx context.Context, level slog.Level) bool {
	return c.inner.Enabled(ctx, level)
}

func (c *child) Handle(ctx context.Context, r slog.Record) error {
	c.parent.push(flatten(r))
	return c.inner.Handle(ctx, r)
}

func (c *child) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &child{parent: c.parent, inner: c.inner.WithAttrs(attrs)}
}

func (c *child) WithGroup(name string) slog.Handler {
	return &child{parent: c.parent, inner: c.inner.WithGroup(name)}
}
