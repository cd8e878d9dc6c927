package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/engine"
	"github.com/florasync/florasync/internal/core/store"
)

// Table is a titled table that renders as ASCII or Markdown.
type Table struct {
	w     table.Writer
	empty string
	rows  int
}

func newTable(title, empty string, header table.Row) *Table {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	t.AppendHeader(header)
	return &Table{w: t, empty: empty}
}

func (t *Table) append(row table.Row) {
	t.w.AppendRow(row)
	t.rows++
}

// Render returns the table in format. An empty table renders its placeholder.
func (t *Table) Render(format Format) string {
	if t.rows == 0 && t.empty != "" {
		return t.empty
	}
	if format == FormatMarkdown {
		return t.w.RenderMarkdown()
	}
	return t.w.Render()
}

// Cursors lists importer progress per collection and provider.
func Cursors(cursors []*core.SyncCursor) *Table {
	t := newTable("Import Cursors", "(no import cursors)",
		table.Row{"Collection", "Provider", "Page", "Processed", "Target", "Completed", "Version", "Last Run", "Last Error"})
	for _, c := range cursors {
		if c == nil {
			continue
		}
		page := c.LastProcessed
		if page == "" {
			page = "-"
		}
		t.append(table.Row{
			c.Collection,
			c.Provider,
			page,
			c.TotalProcessed,
			c.TotalTarget,
			c.Completed,
			c.EnrichmentVersion,
			timeOrDash(c.LastRunAt),
			dashIfEmpty(c.LastError),
		})
	}
	return t
}

// Report summarizes one importer run.
func Report(r *engine.RunReport) *Table {
	t := newTable("Import Run "+r.RunID, "", table.Row{"Field", "Value"})
	t.append(table.Row{"Status", string(r.Status)})
	t.append(table.Row{"Collection", r.Collection})
	t.append(table.Row{"Provider", r.Provider})
	t.append(table.Row{"Pages", fmt.Sprintf("%d fetched, %d skipped", r.PagesFetched, r.PagesSkipped)})
	t.append(table.Row{"Items", fmt.Sprintf("%d seen: %d created, %d enriched, %d unchanged, %d skipped",
		r.ItemsSeen, r.Created, r.Enriched, r.Unchanged, r.Skipped)})
	t.append(table.Row{"Cursor", fmt.Sprintf("%s -> %s (%d/%d)",
		dashIfEmpty(r.Before.LastProcessed), dashIfEmpty(r.After.LastProcessed), r.After.TotalProcessed, r.After.TotalTarget)})
	if !r.FinishedAt.IsZero() {
		t.append(table.Row{"Duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()})
	}
	if r.Error != "" {
		t.append(table.Row{"Error", r.Error})
	}
	return t
}

// Lockouts lists locked accounts.
func Lockouts(records []core.LockoutRecord) *Table {
	t := newTable("Locked Accounts", "(no locked accounts)",
		table.Row{"Account", "Failed Attempts", "Locked Until", "Last Attempt", "Lockouts"})
	for _, r := range records {
		t.append(table.Row{
			r.AccountKey,
			r.FailedAttempts,
			timeOrDash(r.LockedUntil),
			timeOrDash(r.LastAttemptAt),
			r.LockoutCount,
		})
	}
	return t
}

// Events lists security events, newest first as given.
func Events(events []core.SecurityEvent) *Table {
	t := newTable("Security Events", "(no security events)",
		table.Row{"Time", "Type", "Severity", "Account", "IP", "Actor"})
	for _, e := range events {
		t.append(table.Row{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Type),
			string(e.Severity),
			e.AccountKey,
			dashIfEmpty(e.IP),
			dashIfEmpty(e.Actor),
		})
	}
	return t
}

// RateLimits lists persisted rate-limit windows.
func RateLimits(entries []store.RateLimitEntry) *Table {
	t := newTable("Rate Limits", "(no stored rate limit state)",
		table.Row{"Key", "Count", "Window Start", "Backoff Until"})
	for _, e := range entries {
		t.append(table.Row{
			e.Key,
			strconv.Itoa(e.State.RequestCount),
			e.State.WindowStart.UTC().Format(time.RFC3339),
			timeOrDash(e.State.BackoffUntil),
		})
	}
	return t
}

func timeOrDash(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dashIfEmpty(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
