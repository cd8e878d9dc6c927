package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/gate"
)

// LockoutStore persists account gate state in the lockouts table.
type LockoutStore struct {
	store *Store
}

// Lockouts returns the account lockout view of the store.
func (s *Store) Lockouts() *LockoutStore {
	return &LockoutStore{store: s}
}

var _ gate.Store[string] = (*LockoutStore)(nil)

const lockoutColumns = `account_key, failed_attempts, last_failure_at, last_attempt_at,
	locked_at, locked_until, lockout_count, generation`

// Get returns the gate state for accountKey.
func (l *LockoutStore) Get(ctx context.Context, accountKey string) (gate.State, bool, error) {
	ctx, err := l.store.ready(ctx)
	if err != nil {
		return gate.State{}, false, err
	}
	_, state, err := getLockout(ctx, l.store.DB, accountKey)
	if errors.Is(err, sql.ErrNoRows) {
		return gate.State{}, false, nil
	}
	if err != nil {
		return gate.State{}, false, err
	}
	return state, true, nil
}

// Update applies fn to the state of accountKey inside a transaction.
func (l *LockoutStore) Update(ctx context.Context, accountKey string, fn func(gate.State) (gate.State, error)) (gate.State, error) {
	ctx, err := l.store.ready(ctx)
	if err != nil {
		return gate.State{}, err
	}

	var next gate.State
	err = l.store.withTx(ctx, func(tx *sql.Tx) error {
		_, current, err := getLockout(ctx, tx, accountKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		next, err = fn(current)
		if err != nil {
			return err
		}
		return putLockout(ctx, tx, accountKey, next)
	})
	if err != nil {
		return gate.State{}, err
	}
	return next, nil
}

// Delete clears accountKey.
func (l *LockoutStore) Delete(ctx context.Context, accountKey string) error {
	ctx, err := l.store.ready(ctx)
	if err != nil {
		return err
	}
	if _, err := l.store.DB.ExecContext(ctx, `DELETE FROM lockouts WHERE account_key = ?`, accountKey); err != nil {
		return fmt.Errorf("delete lockout: %w", err)
	}
	return nil
}

// ListLocked returns accounts whose lockout has not expired at now.
func (l *LockoutStore) ListLocked(ctx context.Context, now time.Time) ([]core.LockoutRecord, error) {
	ctx, err := l.store.ready(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := l.store.DB.QueryContext(ctx, `
		SELECT `+lockoutColumns+`
		FROM lockouts
		WHERE locked_until IS NOT NULL AND locked_until > ?
		ORDER BY locked_until DESC
	`, unixMilli(now))
	if err != nil {
		return nil, fmt.Errorf("list locked accounts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	records := []core.LockoutRecord{}
	for rows.Next() {
		key, state, err := scanLockout(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, LockoutRecordFromState(key, state))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list locked accounts: %w", err)
	}
	return records, nil
}

// CleanupExpired deletes rows with no active lockout whose last attempt is older than before.
func (l *LockoutStore) CleanupExpired(ctx context.Context, now, before time.Time) (int64, error) {
	ctx, err := l.store.ready(ctx)
	if err != nil {
		return 0, err
	}

	result, err := l.store.DB.ExecContext(ctx, `
		DELETE FROM lockouts
		WHERE (locked_until IS NULL OR locked_until <= ?)
			AND COALESCE(last_attempt_at, updated_at) < ?
	`, unixMilli(now), unixMilli(before))
	if err != nil {
		return 0, fmt.Errorf("cleanup lockouts: %w", err)
	}
	return result.RowsAffected()
}

// LockoutRecordFromState projects gate state onto the account record shape.
func LockoutRecordFromState(accountKey string, state gate.State) core.LockoutRecord {
	record := core.LockoutRecord{
		AccountKey:     accountKey,
		FailedAttempts: state.Failures,
		LockoutCount:   state.Trips,
	}
	if state.Current() == gate.PhaseOpen {
		until := state.OpenUntil
		record.LockedUntil = &until
	}
	if !state.LastAttemptAt.IsZero() {
		at := state.LastAttemptAt
		record.LastAttemptAt = &at
	}
	return record
}

func getLockout(ctx context.Context, q queryer, accountKey string) (string, gate.State, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+lockoutColumns+`
		FROM lockouts
		WHERE account_key = ?
	`, accountKey)
	return scanLockout(row)
}

func scanLockout(row rowScanner) (string, gate.State, error) {
	var (
		key           string
		state         gate.State
		lastFailureAt sql.NullInt64
		lastAttemptAt sql.NullInt64
		lockedAt      sql.NullInt64
		lockedUntil   sql.NullInt64
		generation    int64
	)
	if err := row.Scan(&key, &state.Failures, &lastFailureAt, &lastAttemptAt, &lockedAt, &lockedUntil,
		&state.Trips, &generation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", gate.State{}, err
		}
		return "", gate.State{}, fmt.Errorf("scan lockout: %w", err)
	}

	state.Phase = gate.PhaseClosed
	state.Generation = uint64(generation)
	if lastFailureAt.Valid {
		state.LastFailureAt = fromMilli(lastFailureAt.Int64)
	}
	if lastAttemptAt.Valid {
		state.LastAttemptAt = fromMilli(lastAttemptAt.Int64)
	}
	if lockedAt.Valid {
		state.OpenedAt = fromMilli(lockedAt.Int64)
	}
	if lockedUntil.Valid {
		state.Phase = gate.PhaseOpen
		state.OpenUntil = fromMilli(lockedUntil.Int64)
	}
	return key, state, nil
}

func putLockout(ctx context.Context, e execer, accountKey string, state gate.State) error {
	var lockedAt, lockedUntil sql.NullInt64
	if state.Current() == gate.PhaseOpen {
		lockedAt = sql.NullInt64{Int64: unixMilli(state.OpenedAt), Valid: true}
		lockedUntil = sql.NullInt64{Int64: unixMilli(state.OpenUntil), Valid: true}
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO lockouts (`+lockoutColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_key) DO UPDATE SET
			failed_attempts = excluded.failed_attempts,
			last_failure_at = excluded.last_failure_at,
			last_attempt_at = excluded.last_attempt_at,
			locked_at = excluded.locked_at,
			locked_until = excluded.locked_until,
			lockout_count = excluded.lockout_count,
			generation = excluded.generation,
			updated_at = excluded.updated_at
	`, accountKey, state.Failures, nullMilli(&state.LastFailureAt), nullMilli(&state.LastAttemptAt),
		lockedAt, lockedUntil, state.Trips, int64(state.Generation), unixMilli(time.Now()))
	if err != nil {
		return fmt.Errorf("store lockout: %w", err)
	}
	return nil
}
