// Package logging carries the runtime's logging support: an async slog
// handler so the engine loop never blocks on log writes, and rate-limit
// counters that cap telemetry under hot loops.
package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// queueDepth bounds the in-flight record queue. When the writer falls this
// far behind, further records are dropped and counted rather than stalling
// the caller.
const queueDepth = 1024

// AsyncHandler is a slog.Handler that enqueues records and writes them from
// a background worker. The engine loop logs through this so a slow stderr
// (or a journald hiccup) never stalls event dispatch.
type AsyncHandler struct {
	core  *asyncCore
	inner slog.Handler
}

type entry struct {
	h slog.Handler
	r slog.Record
}

type asyncCore struct {
	queue   chan entry
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewAsyncHandler wraps inner with the enqueue-and-background-drain worker.
// Call Close to flush on shutdown.
func NewAsyncHandler(inner slog.Handler) *AsyncHandler {
	core := &asyncCore{queue: make(chan entry, queueDepth)}
	core.wg.Add(1)
	go core.drain()

	return &AsyncHandler{core: core, inner: inner}
}

func (c *asyncCore) drain() {
	defer c.wg.Done()
	for e := range c.queue {
		// Errors from the terminal handler have nowhere useful to go.
		_ = e.h.Handle(context.Background(), e.r)
	}
}

// Enabled delegates to the wrapped handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record without blocking. Records logged after Close,
// or while the queue is full, are dropped and counted.
func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	if h.core.closed.Load() {
		h.core.dropped.Add(1)
		return nil
	}
	select {
	case h.core.queue <- entry{h: h.inner, r: r.Clone()}:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same background worker.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{core: h.core, inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a handler sharing the same background worker.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{core: h.core, inner: h.inner.WithGroup(name)}
}

// Close stops accepting records and blocks until the queue is flushed.
func (h *AsyncHandler) Close() {
	if h.core.closed.Swap(true) {
		return
	}
	close(h.core.queue)
	h.core.wg.Wait()
}

// Dropped returns the number of records lost to backpressure or
// post-Close logging.
func (h *AsyncHandler) Dropped() int64 {
	return h.core.dropped.Load()
}
