package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Closer flushes pending log records.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncState is shared by every handler derived from one AsyncHandler.
type asyncState struct {
	ch        chan asyncRecord
	wg        sync.WaitGroup
	dropped   atomic.Int64
	closeOnce sync.Once
}

// asyncRecord pairs a record with the handler that must format it, so that
// attributes added through WithAttrs survive the hop to the worker.
type asyncRecord struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler moves JSON encoding and writes off the request path. Records
// are dropped, and counted, when the buffer is full.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler creates an AsyncHandler with the given buffer size and worker count.
func NewAsyncHandler(inner slog.Handler, bufSize, workers int) *AsyncHandler {
	st := &asyncState{ch: make(chan asyncRecord, bufSize)}
	for range workers {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, state: st}
}

func (s *asyncState) drain() {
	defer s.wg.Done()
	for r := range s.ch {
		_ = r.h.Handle(context.Background(), r.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.state.ch <- asyncRecord{h: h.inner, rec: rec.Clone()}:
	default:
		h.state.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.dropped.Load()
}

// Close stops accepting records and waits for the workers to drain. It is
// safe to call more than once.
func (h *AsyncHandler) Close() {
	h.state.closeOnce.Do(func() {
		close(h.state.ch)
		h.state.wg.Wait()
		if n := h.state.dropped.Load(); n > 0 {
			fmt.Fprintf(os.Stderr, "logger: dropped %d records\n", n)
		}
	})
}
