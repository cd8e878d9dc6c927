package core

import "time"

// RecordStatus is the publication state of a content record.
type RecordStatus string

const (
	StatusDraft     RecordStatus = "draft"
	StatusPublished RecordStatus = "published"
	StatusArchived  RecordStatus = "archived"
)

// ContentRecord is a typed content item owned by the content store.
//
// Fields holds human-edited content and is never written by the importer.
// Enrichment holds provider-sourced fields and is owned by the importer.
type ContentRecord struct {
	Collection        string         `json:"collection"`
	ID                string         `json:"id"`
	Status            RecordStatus   `json:"status"`
	MatchKey          string         `json:"match_key,omitempty"`
	SourceID          string         `json:"source_id,omitempty"`
	Fields            map[string]any `json:"fields,omitempty"`
	Enrichment        map[string]any `json:"enrichment,omitempty"`
	EnrichedAt        *time.Time     `json:"enriched_at,omitempty"`
	EnrichmentVersion int            `json:"enrichment_version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// EnrichedAtVersion reports whether the record carries enrichment at version v or newer.
func (r *ContentRecord) EnrichedAtVersion(v int) bool {
	return r != nil && r.EnrichedAt != nil && r.EnrichmentVersion >= v
}

// EnrichmentPatch updates only importer-owned fields on a record.
type EnrichmentPatch struct {
	Collection string
	ID         string
	SourceID   string
	Enrichment map[string]any
	Version    int
	EnrichedAt time.Time
}

// ContentFilter selects records from a collection.
//
// With AfterID set, records updated exactly at UpdatedSince match only when
// their id sorts after AfterID, so (UpdatedSince, AfterID) is an exclusive
// position in the (updated_at, id) order.
type ContentFilter struct {
	Collection   string
	Status       RecordStatus
	UpdatedSince time.Time
	AfterID      string
	MatchKey     string
	Limit        int
}

// SyncCursor is the persisted resume point for one (collection, provider) pair.
type SyncCursor struct {
	Collection     string     `json:"collection"`
	Provider       string     `json:"provider"`
	LastProcessed  string     `json:"last_processed"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	TotalTarget    int        `json:"total_target"`
	TotalProcessed int        `json:"total_processed"`
	Completed      bool       `json:"completed"`
	LastError      string     `json:"last_error,omitempty"`
	// EnrichmentVersion is the version the current pass enriches to.
	EnrichmentVersion int       `json:"enrichment_version"`
	UpdatedAt         time.Time `json:"updated_at"`
}
