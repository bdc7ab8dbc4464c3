package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"switchboard/pkg/circuitbreaker"
)

// PostgresDurableStore persists windows in rate_limit_windows.
type PostgresDurableStore struct {
	db *sql.DB
}

func NewPostgresDurableStore(db *sql.DB) *PostgresDurableStore {
	return &PostgresDurableStore{db: db}
}

func (s *PostgresDurableStore) Load(ctx context.Context, accountID, endpoint string, g Granularity) (*Window, error) {
	query := `
		SELECT account_id, endpoint, granularity, window_start, window_end, request_count, is_blocked
		FROM rate_limit_windows
		WHERE account_id = $1 AND endpoint = $2 AND granularity = $3
	`

	var w Window
	err := s.db.QueryRowContext(ctx, query, accountID, endpoint, string(g)).Scan(
		&w.AccountID, &w.Endpoint, &w.Granularity, &w.WindowStart, &w.WindowEnd, &w.RequestCount, &w.IsBlocked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load rate limit window: %w", err)
	}
	w.WindowStart = w.WindowStart.UTC()
	w.WindowEnd = w.WindowEnd.UTC()
	return &w, nil
}

// Save upserts the window. A newer window replaces an older one; within the
// same window the stored count never decreases.
func (s *PostgresDurableStore) Save(ctx context.Context, w Window) error {
	query := `
		INSERT INTO rate_limit_windows (account_id, endpoint, granularity, window_start, window_end, request_count, is_blocked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id, endpoint, granularity) DO UPDATE SET
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			request_count = CASE
				WHEN rate_limit_windows.window_start = EXCLUDED.window_start
				THEN GREATEST(rate_limit_windows.request_count, EXCLUDED.request_count)
				ELSE EXCLUDED.request_count
			END,
			is_blocked = EXCLUDED.is_blocked OR (rate_limit_windows.window_start = EXCLUDED.window_start AND rate_limit_windows.is_blocked),
			updated_at = NOW()
		WHERE rate_limit_windows.window_start <= EXCLUDED.window_start
	`

	_, err := s.db.ExecContext(ctx, query,
		w.AccountID, w.Endpoint, string(w.Granularity), w.WindowStart, w.WindowEnd, w.RequestCount, w.IsBlocked,
	)
	if err != nil {
		return fmt.Errorf("failed to save rate limit window: %w", err)
	}
	return nil
}

// BreakerDurableStore guards a DurableStore with a circuit breaker.
type BreakerDurableStore struct {
	store   DurableStore
	breaker *circuitbreaker.Breaker
}

func NewBreakerDurableStore(store DurableStore, breaker *circuitbreaker.Breaker) *BreakerDurableStore {
	return &BreakerDurableStore{store: store, breaker: breaker}
}

func (s *BreakerDurableStore) Load(ctx context.Context, accountID, endpoint string, g Granularity) (*Window, error) {
	return circuitbreaker.Do(ctx, s.breaker, func() (*Window, error) {
		return s.store.Load(ctx, accountID, endpoint, g)
	})
}

func (s *BreakerDurableStore) Save(ctx context.Context, w Window) error {
	_, err := circuitbreaker.Do(ctx, s.breaker, func() (struct{}, error) {
		return struct{}{}, s.store.Save(ctx, w)
	})
	return err
}
