package messages

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/aigis/internal/breaker"
)

// DefaultSweepBatch is how many messages one sweep pass tries to embed.
const DefaultSweepBatch = 100

type backfiller interface {
	Backfill(ctx context.Context, limit int) (BackfillResult, error)
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithBatch sets the per-pass limit.
func WithBatch(n int) SweeperOption {
	return func(w *Sweeper) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithGate skips passes while b is cooling down after an outage.
func WithGate(b *breaker.Breaker) SweeperOption {
	return func(w *Sweeper) { w.gate = b }
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(w *Sweeper) { w.logger = l }
}

// Sweeper periodically backfills messages whose background embedding
// failed, typically because the provider was unavailable at ingest time.
type Sweeper struct {
	svc      backfiller
	interval time.Duration
	batch    int
	gate     *breaker.Breaker
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper running every interval. If interval is <= 0,
// it defaults to 5 minutes.
func NewSweeper(svc backfiller, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	w := &Sweeper{
		svc:      svc,
		interval: interval,
		batch:    DefaultSweepBatch,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps until ctx is cancelled. A pass that fills its whole batch is
// followed immediately by another.
func (w *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		more, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("backfill sweep failed", "error", err)
		}
		if more {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce runs a single pass. It reports true when the batch was full and
// every message in it was attached, meaning more work is likely waiting.
func (w *Sweeper) RunOnce(ctx context.Context) (bool, error) {
	if w.gate != nil && w.gate.Cooling() {
		w.logger.Debug("backfill sweep skipped: circuit open", "breaker", w.gate.Name())
		return false, nil
	}
	res, err := w.svc.Backfill(ctx, w.batch)
	if err != nil {
		return false, err
	}
	return res.Attempted == w.batch && res.Attached == res.Attempted, nil
}
