package receipts

import (
	"context"
	"log/slog"
	"time"
)

// Finalizer closes traces that have gone idle: an active trace with no
// events for the idle timeout is marked completed. A zero timeout disables
// finalization entirely.
type Finalizer struct {
	store       *Store
	idleTimeout time.Duration
	interval    time.Duration
}

// NewFinalizer builds a finalizer sweeping at a quarter of the idle
// timeout, at least every minute.
func NewFinalizer(store *Store, idleTimeout time.Duration) *Finalizer {
	interval := idleTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Finalizer{store: store, idleTimeout: idleTimeout, interval: interval}
}

// Run sweeps until the context is cancelled.
func (f *Finalizer) Run(ctx context.Context) {
	if f.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sweep(ctx)
		}
	}
}

func (f *Finalizer) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-f.idleTimeout)
	n, err := f.store.FinalizeIdleTraces(ctx, cutoff)
	if err != nil {
		slog.Error("finalize idle traces", "error", err)
		return
	}
	if n > 0 {
		tracesFinalized.Add(float64(n))
		slog.Info("finalized idle traces", "count", n)
	}
}
