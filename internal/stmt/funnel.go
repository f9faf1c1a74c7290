package stmt

import (
	"context"
	"log/slog"
)

// Funnel is the single aggregation point for log records emitted by
// concurrently running workers. Workers log through a ChanHandler onto one
// shared channel; the funnel replays each record through one sink handler,
// so records are emitted whole and in enqueue order instead of interleaving
// mid-line in the sink.
//
// Exactly one funnel runs per pool invocation. Closing the record channel
// ends the loop; Wait must be called before the pool call returns so no
// record is lost.
type Funnel struct {
	records <-chan slog.Record
	sink    slog.Handler
	done    chan struct{}
}

// StartFunnel begins draining records into sink on a new goroutine.
// Records below the sink's enabled level are dropped before Handle is
// called, because Handle does not check the level itself and formatting a
// record that would be discarded is wasted work.
func StartFunnel(records <-chan slog.Record, sink slog.Handler) *Funnel {
	f := &Funnel{records: records, sink: sink, done: make(chan struct{})}
	go f.run()
	return f
}

func (f *Funnel) run() {
	defer close(f.done)
	ctx := context.Background()
	for rec := range f.records {
		if f.sink.Enabled(ctx, rec.Level) {
			_ = f.sink.Handle(ctx, rec)
		}
	}
}

// Wait blocks until the record channel has been closed and drained.
func (f *Funnel) Wait() { <-f.done }

// ChanHandler is a slog.Handler that enqueues records onto a channel
// without formatting them, so a worker's structured context survives the
// trip to the funnel intact. Level filtering is deferred to the funnel's
// sink; Enabled always reports true.
type ChanHandler struct {
	ch    chan<- slog.Record
	attrs []slog.Attr
}

// NewChanHandler creates a handler that enqueues onto ch.
func NewChanHandler(ch chan<- slog.Record) *ChanHandler {
	return &ChanHandler{ch: ch}
}

// Enabled always reports true; the funnel's sink decides what to keep.
func (h *ChanHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle clones the record, applies accumulated attributes, and enqueues it.
func (h *ChanHandler) Handle(_ context.Context, r slog.Record) error {
	rec := r.Clone()
	rec.AddAttrs(h.attrs...)
	h.ch <- rec
	return nil
}

// WithAttrs returns a handler that adds attrs to every enqueued record.
func (h *ChanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ChanHandler{ch: h.ch, attrs: merged}
}

// WithGroup returns the handler unchanged; grouped attributes are not used
// by the engine's log records.
func (h *ChanHandler) WithGroup(string) slog.Handler { return h }
