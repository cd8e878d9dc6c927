// Package deltasync serves incremental pulls of published content to mobile
// clients.
package deltasync

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

// DefaultMaxPerCollection caps the records returned per collection.
const DefaultMaxPerCollection = 500

// RecordFinder is the content store query used by Sync.
type RecordFinder interface {
	FindRecords(ctx context.Context, filter core.ContentFilter) ([]*core.ContentRecord, error)
}

// Request is a client pull. A nil LastSyncedAt requests a full sync.
//
// Cursor continues a truncated pull: it is the NextCursor of the previous
// response and takes precedence over LastSyncedAt for the collections it
// names.
type Request struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	Collections  []string   `json:"collections"`
	Cursor       string     `json:"cursor,omitempty"`
}

// Response carries the records per collection. It encodes as a flat object
// keyed by collection name next to syncedAt and hasMore.
type Response struct {
	Collections       map[string][]*core.ContentRecord
	SyncedAt          time.Time
	HasMore           bool
	NextCursor        string
	FailedCollections []string
}

// MarshalJSON flattens Collections into the top-level object.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Collections)+4)
	for name, records := range r.Collections {
		out[name] = records
	}
	out["syncedAt"] = r.SyncedAt.UTC().Format(time.RFC3339Nano)
	out["hasMore"] = r.HasMore
	if r.NextCursor != "" {
		out["nextCursor"] = r.NextCursor
	}
	if len(r.FailedCollections) > 0 {
		out["failedCollections"] = r.FailedCollections
	}
	return json.Marshal(out)
}

// InvalidCursorError rejects a continuation cursor this service did not issue.
type InvalidCursorError struct {
	Err error
}

func (e *InvalidCursorError) Error() string {
	return "invalid sync cursor"
}

func (e *InvalidCursorError) Unwrap() error {
	return e.Err
}

// position is a point in a collection's (updated_at, id) order. An empty ID
// includes every record updated at UpdatedAt.
type position struct {
	UpdatedAt int64  `json:"t"`
	ID        string `json:"id,omitempty"`
}

func (p position) filter(collection string, limit int) core.ContentFilter {
	f := core.ContentFilter{
		Collection: collection,
		Status:     core.StatusPublished,
		AfterID:    p.ID,
		Limit:      limit,
	}
	if p.UpdatedAt != 0 || p.ID != "" {
		f.UpdatedSince = time.UnixMilli(p.UpdatedAt).UTC()
	}
	return f
}

func encodeCursor(positions map[string]position) (string, error) {
	raw, err := json.Marshal(positions)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, &InvalidCursorError{Err: err}
	}
	var positions map[string]position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, &InvalidCursorError{Err: err}
	}
	return positions, nil
}

// UnknownCollectionError rejects a request naming a collection the service
// does not serve.
type UnknownCollectionError struct {
	Name string
}

func (e *UnknownCollectionError) Error() string {
	if e.Name == "" {
		return "at least one collection is required"
	}
	return fmt.Sprintf("unknown collection %q", e.Name)
}

// Service answers delta sync requests.
type Service struct {
	Store            RecordFinder
	Collections      []string
	MaxPerCollection int
	Logger           *logging.Logger
	Clock            func() time.Time
}

// Sync returns published records updated at or after LastSyncedAt in each
// requested collection.
//
// SyncedAt is always the server time at request start, so a record updated
// while the queries run is delivered again on the next pull rather than
// missed. When a collection is truncated, HasMore is set and NextCursor holds
// the exclusive (updatedAt, id) position reached in every requested
// collection; completed collections resume from the request start.
func (s *Service) Sync(ctx context.Context, req Request) (*Response, error) {
	start := s.now()

	requested, err := s.resolve(req.Collections)
	if err != nil {
		return nil, err
	}

	from := position{}
	if req.LastSyncedAt != nil {
		from.UpdatedAt = req.LastSyncedAt.UTC().UnixMilli()
	}
	var resume map[string]position
	if req.Cursor != "" {
		if resume, err = decodeCursor(req.Cursor); err != nil {
			return nil, err
		}
	}

	limit := s.MaxPerCollection
	if limit <= 0 {
		limit = DefaultMaxPerCollection
	}

	resp := &Response{
		Collections: make(map[string][]*core.ContentRecord, len(requested)),
		SyncedAt:    start,
	}
	next := make(map[string]position, len(requested))
	total := 0
	for _, name := range requested {
		pos, ok := resume[name]
		if !ok {
			pos = from
		}

		records, err := s.Store.FindRecords(ctx, pos.filter(name, limit+1))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			observability.Resolve(s.Logger).Warn("Delta sync collection failed",
				zap.String("collection", name),
				zap.Error(err))
			resp.FailedCollections = append(resp.FailedCollections, name)
			next[name] = pos
			continue
		}

		if records == nil {
			records = []*core.ContentRecord{}
		}
		next[name] = position{UpdatedAt: start.UnixMilli()}
		if len(records) > limit {
			records = records[:limit]
			resp.HasMore = true
			last := records[len(records)-1]
			next[name] = position{UpdatedAt: last.UpdatedAt.UTC().UnixMilli(), ID: last.ID}
		}
		resp.Collections[name] = records
		total += len(records)
	}

	if resp.HasMore {
		if resp.NextCursor, err = encodeCursor(next); err != nil {
			return nil, fmt.Errorf("encode sync cursor: %w", err)
		}
	}

	metrics.RecordDeltaSync(total, resp.HasMore)
	return resp, nil
}

// resolve validates and deduplicates the requested names, keeping order.
func (s *Service) resolve(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, &UnknownCollectionError{Name: ""}
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if !slices.Contains(s.Collections, name) {
			return nil, &UnknownCollectionError{Name: name}
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}
