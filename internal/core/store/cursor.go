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

// GetCursor returns the cursor for (collection, provider), or nil when none exists.
func (s *Store) GetCursor(ctx context.Context, collection, provider string) (*core.SyncCursor, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT collection, provider, last_processed, last_run_at, total_target,
			total_processed, completed, last_error, enrichment_version, updated_at
		FROM sync_cursors
		WHERE collection = ? AND provider = ?
	`, collection, provider)

	cursor, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cursor, err
}

// SaveCursor upserts a cursor.
func (s *Store) SaveCursor(ctx context.Context, cursor *core.SyncCursor) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if cursor == nil || strings.TrimSpace(cursor.Collection) == "" || strings.TrimSpace(cursor.Provider) == "" {
		return errors.New("cursor collection and provider are required")
	}

	cursor.UpdatedAt = time.Now().UTC()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (collection, provider, last_processed, last_run_at, total_target,
			total_processed, completed, last_error, enrichment_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, provider) DO UPDATE SET
			last_processed = excluded.last_processed,
			last_run_at = excluded.last_run_at,
			total_target = excluded.total_target,
			total_processed = excluded.total_processed,
			completed = excluded.completed,
			last_error = excluded.last_error,
			enrichment_version = excluded.enrichment_version,
			updated_at = excluded.updated_at
	`, cursor.Collection, cursor.Provider, cursor.LastProcessed, nullMilli(cursor.LastRunAt), cursor.TotalTarget,
		cursor.TotalProcessed, boolInt(cursor.Completed), nullString(cursor.LastError), cursor.EnrichmentVersion, unixMilli(cursor.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save sync cursor: %w", err)
	}
	return nil
}

// ListCursors returns every stored cursor.
func (s *Store) ListCursors(ctx context.Context) ([]*core.SyncCursor, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT collection, provider, last_processed, last_run_at, total_target,
			total_processed, completed, last_error, enrichment_version, updated_at
		FROM sync_cursors
		ORDER BY collection, provider
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	cursors := []*core.SyncCursor{}
	for rows.Next() {
		cursor, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, cursor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}
	return cursors, nil
}

// DeleteCursor removes a cursor so the next run starts from the first page.
func (s *Store) DeleteCursor(ctx context.Context, collection, provider string) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_cursors WHERE collection = ? AND provider = ?
	`, collection, provider); err != nil {
		return fmt.Errorf("delete sync cursor: %w", err)
	}
	return nil
}

func scanCursor(row rowScanner) (*core.SyncCursor, error) {
	var (
		cursor    core.SyncCursor
		lastRunAt sql.NullInt64
		completed int
		lastError sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&cursor.Collection, &cursor.Provider, &cursor.LastProcessed, &lastRunAt, &cursor.TotalTarget,
		&cursor.TotalProcessed, &completed, &lastError, &cursor.EnrichmentVersion, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sync cursor: %w", err)
	}
	cursor.LastRunAt = timePtr(lastRunAt)
	cursor.Completed = completed != 0
	cursor.LastError = lastError.String
	cursor.UpdatedAt = fromMilli(updatedAt)
	return &cursor, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
