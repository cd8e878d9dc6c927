package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/florasync/florasync/internal/core"
)

// ErrRecordExists is returned when creating a record whose id is taken.
var ErrRecordExists = fmt.Errorf("content record %w", core.ErrAlreadyExists)

// ErrRecordNotFound is returned when a record does not exist.
var ErrRecordNotFound = errors.New("content record not found")

const contentColumns = `collection, id, status, match_key, source_id, fields, enrichment,
	enriched_at, enrichment_version, created_at, updated_at`

// CreateRecord inserts a new content record.
func (s *Store) CreateRecord(ctx context.Context, record *core.ContentRecord) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if record == nil || strings.TrimSpace(record.Collection) == "" || strings.TrimSpace(record.ID) == "" {
		return errors.New("record collection and id are required")
	}

	fields, err := encodeJSON(record.Fields)
	if err != nil {
		return err
	}
	enrichment, err := encodeJSON(record.Enrichment)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	if record.Status == "" {
		record.Status = core.StatusDraft
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM content_records WHERE collection = ? AND id = ?
		`, record.Collection, record.ID).Scan(&exists)
		if err == nil {
			return ErrRecordExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("create content record: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO content_records (`+contentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, record.Collection, record.ID, string(record.Status), nullString(record.MatchKey), nullString(record.SourceID),
			fields, enrichment, nullMilli(record.EnrichedAt), record.EnrichmentVersion,
			unixMilli(record.CreatedAt), unixMilli(record.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create content record: %w", err)
		}
		return nil
	})
}

// UpdateRecord replaces the human-owned fields and status of a record.
func (s *Store) UpdateRecord(ctx context.Context, record *core.ContentRecord) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.New("record is required")
	}

	fields, err := encodeJSON(record.Fields)
	if err != nil {
		return err
	}

	record.UpdatedAt = time.Now().UTC()
	result, err := s.DB.ExecContext(ctx, `
		UPDATE content_records
		SET status = ?, match_key = ?, fields = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, string(record.Status), nullString(record.MatchKey), fields, unixMilli(record.UpdatedAt), record.Collection, record.ID)
	if err != nil {
		return fmt.Errorf("update content record: %w", err)
	}
	return requireAffected(result)
}

// ApplyEnrichment writes importer-owned fields only.
func (s *Store) ApplyEnrichment(ctx context.Context, patch core.EnrichmentPatch) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	enrichment, err := encodeJSON(patch.Enrichment)
	if err != nil {
		return err
	}

	enrichedAt := patch.EnrichedAt
	if enrichedAt.IsZero() {
		enrichedAt = time.Now().UTC()
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE content_records
		SET enrichment = ?, source_id = ?, enriched_at = ?, enrichment_version = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, enrichment, nullString(patch.SourceID), unixMilli(enrichedAt), patch.Version, unixMilli(enrichedAt),
		patch.Collection, patch.ID)
	if err != nil {
		return fmt.Errorf("apply enrichment: %w", err)
	}
	return requireAffected(result)
}

// GetRecord returns one record.
func (s *Store) GetRecord(ctx context.Context, collection, id string) (*core.ContentRecord, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT `+contentColumns+`
		FROM content_records
		WHERE collection = ? AND id = ?
	`, collection, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return record, err
}

// FindRecords returns records matching filter, oldest update first.
func (s *Store) FindRecords(ctx context.Context, filter core.ContentFilter) ([]*core.ContentRecord, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(filter.Collection) == "" {
		return nil, errors.New("collection is required")
	}

	clauses := []string{"collection = ?"}
	args := []any{filter.Collection}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	switch {
	case filter.AfterID != "":
		since := unixMilli(filter.UpdatedSince)
		clauses = append(clauses, "(updated_at > ? OR (updated_at = ? AND id > ?))")
		args = append(args, since, since, filter.AfterID)
	case !filter.UpdatedSince.IsZero():
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, unixMilli(filter.UpdatedSince))
	}
	if filter.MatchKey != "" {
		clauses = append(clauses, "match_key = ?")
		args = append(args, filter.MatchKey)
	}

	query := `SELECT ` + contentColumns + ` FROM content_records WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY updated_at, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find content records: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	records := []*core.ContentRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find content records: %w", err)
	}
	return records, nil
}

// CountEnriched counts records in collection enriched at version or newer.
func (s *Store) CountEnriched(ctx context.Context, collection string, version int) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	row := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM content_records
		WHERE collection = ? AND enriched_at IS NOT NULL AND enrichment_version >= ?
	`, collection, version)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count enriched records: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*core.ContentRecord, error) {
	var (
		record     core.ContentRecord
		status     string
		matchKey   sql.NullString
		sourceID   sql.NullString
		fields     sql.NullString
		enrichment sql.NullString
		enrichedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&record.Collection, &record.ID, &status, &matchKey, &sourceID, &fields, &enrichment,
		&enrichedAt, &record.EnrichmentVersion, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan content record: %w", err)
	}

	record.Status = core.RecordStatus(status)
	record.MatchKey = matchKey.String
	record.SourceID = sourceID.String
	record.EnrichedAt = timePtr(enrichedAt)
	record.CreatedAt = fromMilli(createdAt)
	record.UpdatedAt = fromMilli(updatedAt)

	if err := decodeJSON(fields, &record.Fields); err != nil {
		return nil, err
	}
	if err := decodeJSON(enrichment, &record.Enrichment); err != nil {
		return nil, err
	}
	return &record, nil
}

func encodeJSON(value map[string]any) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(value sql.NullString, target *map[string]any) error {
	if !value.Valid || value.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(value.String), target); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
