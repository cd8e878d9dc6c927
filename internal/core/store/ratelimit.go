package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/florasync/florasync/internal/core"
)

// GetRateLimit returns stored rate limit state for a window key.
func (s *Store) GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("rate limit key is required")
	}

	return getRateLimit(ctx, s.DB, key)
}

// Increment counts one request in the window for key, resetting the window
// first when it has elapsed.
func (s *Store) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (*core.RateLimitState, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	var state *core.RateLimitState
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRateLimit(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			current = &core.RateLimitState{WindowStart: now}
		}
		if !now.Before(current.WindowStart.Add(window)) {
			current.RequestCount = 0
			current.WindowStart = now
		}
		current.RequestCount++
		state = current
		return putRateLimit(ctx, tx, key, current)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// SetBackoff records a provider-requested backoff for key.
func (s *Store) SetBackoff(ctx context.Context, key string, until, now time.Time) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRateLimit(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil {
			current = &core.RateLimitState{WindowStart: now}
		}
		current.BackoffUntil = &until
		current.Last429At = &now
		return putRateLimit(ctx, tx, key, current)
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRateLimit(ctx context.Context, q queryer, key string) (*core.RateLimitState, error) {
	var (
		requestCount int
		windowStart  int64
		backoffUntil sql.NullInt64
		last429At    sql.NullInt64
	)

	row := q.QueryRowContext(ctx, `
		SELECT request_count, window_start, backoff_until, last_429_at
		FROM rate_limits
		WHERE key = ?
	`, key)

	if err := row.Scan(&requestCount, &windowStart, &backoffUntil, &last429At); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	return &core.RateLimitState{
		RequestCount: requestCount,
		WindowStart:  fromMilli(windowStart),
		BackoffUntil: timePtr(backoffUntil),
		Last429At:    timePtr(last429At),
	}, nil
}

func putRateLimit(ctx context.Context, e execer, key string, state *core.RateLimitState) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO rate_limits (key, request_count, window_start, backoff_until, last_429_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			backoff_until = excluded.backoff_until,
			last_429_at = excluded.last_429_at
	`, key, state.RequestCount, unixMilli(state.WindowStart), nullMilli(state.BackoffUntil), nullMilli(state.Last429At))
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}
	return nil
}
