package otp

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupWorker periodically sweeps expired codes. One instance runs
// per process; Sweep is idempotent, so overlapping deployments are
// harmless.
type CleanupWorker struct {
	svc      *Service
	interval time.Duration
	backoff  time.Duration
}

func NewCleanupWorker(svc *Service, interval, backoff time.Duration) *CleanupWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &CleanupWorker{svc: svc, interval: interval, backoff: backoff}
}

// Run sweeps once immediately, then on every tick until the context
// is cancelled. A failed sweep logs and pauses before resuming.
func (w *CleanupWorker) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("Cleanup worker started")

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cleanup worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.svc.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Cleanup sweep failed")
		select {
		case <-ctx.Done():
		case <-time.After(w.backoff):
		}
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Expired codes swept")
	}
}
