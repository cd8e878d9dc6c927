package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/engine"
	"github.com/florasync/florasync/internal/core/store"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func TestCursorsTable(t *testing.T) {
	ran := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	rendered := Cursors([]*core.SyncCursor{
		{Collection: "plants", Provider: "perenual", LastProcessed: "3", TotalProcessed: 150, TotalTarget: 400, EnrichmentVersion: 2, LastRunAt: &ran},
		nil,
	}).Render(FormatTable)

	assert.Contains(t, rendered, "Import Cursors")
	assert.Contains(t, rendered, "perenual")
	assert.Contains(t, rendered, "2025-04-02T09:30:00Z")
	assert.Contains(t, rendered, "150")
}

func TestEmptyTablesRenderPlaceholder(t *testing.T) {
	assert.Equal(t, "(no locked accounts)", Lockouts(nil).Render(FormatTable))
	assert.Equal(t, "(no security events)", Events(nil).Render(FormatMarkdown))
	assert.Equal(t, "(no stored rate limit state)", RateLimits(nil).Render(FormatTable))
}

func TestMarkdownRendering(t *testing.T) {
	until := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	rendered := Lockouts([]core.LockoutRecord{{AccountKey: "ana@example.com", FailedAttempts: 5, LockedUntil: &until, LockoutCount: 1}}).Render(FormatMarkdown)

	assert.Contains(t, rendered, "| ana@example.com |")
	assert.Contains(t, rendered, "2025-04-02T10:00:00Z")
}

func TestReportTable(t *testing.T) {
	start := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	rendered := Report(&engine.RunReport{
		RunID:        "run-7",
		Status:       engine.RunPartial,
		StartedAt:    start,
		FinishedAt:   start.Add(1500 * time.Millisecond),
		PagesFetched: 10,
		ItemsSeen:    500,
		Created:      120,
		Enriched:     30,
		Before:       engine.CursorCounters{LastProcessed: "4"},
		After:        engine.CursorCounters{LastProcessed: "14", TotalProcessed: 700, TotalTarget: 2000},
	}).Render(FormatTable)

	assert.Contains(t, rendered, "run-7")
	assert.Contains(t, rendered, "partial")
	assert.Contains(t, rendered, "4 -> 14 (700/2000)")
	assert.Contains(t, rendered, "1.5s")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	entries := []store.RateLimitEntry{{Key: "external:perenual", State: core.RateLimitState{RequestCount: 3}}}

	require.NoError(t, Write(&buf, FormatJSON, entries, func() *Table { return RateLimits(entries) }))
	assert.Contains(t, buf.String(), `"Key": "external:perenual"`)

	buf.Reset()
	require.NoError(t, Write(&buf, FormatTable, entries, func() *Table { return RateLimits(entries) }))
	assert.Contains(t, buf.String(), "external:perenual")
}
