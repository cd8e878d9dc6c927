package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/florasync/florasync/internal/core"
)

// AppendEvent stores a security event. Events are never updated.
func (s *Store) AppendEvent(ctx context.Context, event *core.SecurityEvent) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if event == nil {
		return errors.New("event is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO security_events (id, type, severity, severity_rank, account_key, ip, actor, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Type), string(event.Severity), event.Severity.Rank(), nullString(event.AccountKey),
		nullString(event.IP), nullString(event.Actor), metadata, unixMilli(event.Timestamp))
	if err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}

// ListEvents returns events matching filter, newest first.
func (s *Store) ListEvents(ctx context.Context, filter core.SecurityEventFilter) ([]core.SecurityEvent, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	clauses := []string{"1 = 1"}
	args := []any{}
	if filter.AccountKey != "" {
		clauses = append(clauses, "account_key = ?")
		args = append(args, filter.AccountKey)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.MinSeverity != "" {
		clauses = append(clauses, "severity_rank >= ?")
		args = append(args, filter.MinSeverity.Rank())
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, unixMilli(filter.Since))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, type, severity, account_key, ip, actor, metadata, occurred_at
		FROM security_events
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY occurred_at DESC, id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	events := []core.SecurityEvent{}
	for rows.Next() {
		var (
			event      core.SecurityEvent
			eventType  string
			severity   string
			accountKey sql.NullString
			ip         sql.NullString
			actor      sql.NullString
			metadata   sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&event.ID, &eventType, &severity, &accountKey, &ip, &actor, &metadata, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.Type = core.SecurityEventType(eventType)
		event.Severity = core.Severity(severity)
		event.AccountKey = accountKey.String
		event.IP = ip.String
		event.Actor = actor.String
		event.Timestamp = fromMilli(occurredAt)
		if err := decodeJSON(metadata, &event.Metadata); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	return events, nil
}
