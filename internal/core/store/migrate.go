package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS content_records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		match_key TEXT,
		source_id TEXT,
		fields TEXT,
		enrichment TEXT,
		enriched_at INTEGER,
		enrichment_version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_content_delta ON content_records(collection, status, updated_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_content_match ON content_records(collection, match_key);`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		collection TEXT NOT NULL,
		provider TEXT NOT NULL,
		last_processed TEXT NOT NULL DEFAULT '',
		last_run_at INTEGER,
		total_target INTEGER NOT NULL DEFAULT 0,
		total_processed INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, provider)
	);`,
	`CREATE TABLE IF NOT EXISTS lockouts (
		account_key TEXT PRIMARY KEY,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		last_failure_at INTEGER,
		last_attempt_at INTEGER,
		locked_at INTEGER,
		locked_until INTEGER,
		lockout_count INTEGER NOT NULL DEFAULT 0,
		generation INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_lockouts_locked_until ON lockouts(locked_until);`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		account_key TEXT,
		ip TEXT,
		actor TEXT,
		metadata TEXT,
		occurred_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_account ON security_events(account_key, occurred_at);`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(occurred_at);`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		key TEXT PRIMARY KEY,
		request_count INTEGER NOT NULL DEFAULT 0,
		window_start INTEGER NOT NULL,
		backoff_until INTEGER,
		last_429_at INTEGER
	);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if err := s.ensureColumn(ctx, "sync_cursors", "last_error", "TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn(ctx, "sync_cursors", "enrichment_version", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
