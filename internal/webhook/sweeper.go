package webhook

import (
	"context"
	"time"

	"switchboard/internal/logger"
	"switchboard/internal/store"
	"switchboard/pkg/models"
)

// Sweeper re-enqueues failed webhook events until they reach MaxRetries.
type Sweeper struct {
	events     store.WebhookEventStore
	enqueuer   *Enqueuer
	interval   time.Duration
	batch      int
	maxRetries int
	logger     logger.Logger
}

func NewSweeper(events store.WebhookEventStore, enqueuer *Enqueuer, interval time.Duration, batch, maxRetries int, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Sweeper{
		events:     events,
		enqueuer:   enqueuer,
		interval:   interval,
		batch:      batch,
		maxRetries: maxRetries,
		logger:     log,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorwCtx(ctx, "Webhook retry sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce returns the number of events re-enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	events, err := s.events.ListRetryable(ctx, s.maxRetries, s.batch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, ev := range events {
		if err := s.events.MarkRetry(ctx, ev.EventID); err != nil {
			s.logger.ErrorwCtx(ctx, "Failed to mark webhook event for retry", "event_id", ev.EventID, "error", err)
			continue
		}
		if err := s.enqueuer.Enqueue(ctx, ev); err != nil {
			s.logger.WarnwCtx(ctx, "Webhook event re-enqueue failed", "event_id", ev.EventID, "retry_count", ev.RetryCount+1, "error", err)
			if uerr := s.events.UpdateStatus(ctx, ev.EventID, models.ProcessingFailed, err.Error()); uerr != nil {
				s.logger.ErrorwCtx(ctx, "Failed to mark webhook event failed", "event_id", ev.EventID, "error", uerr)
			}
			continue
		}
		requeued++
	}

	if len(events) > 0 {
		s.logger.InfowCtx(ctx, "Webhook retry sweep completed", "candidates", len(events), "requeued", requeued)
	}
	return requeued, nil
}
