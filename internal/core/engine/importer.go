package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

// Importer defaults.
const (
	DefaultPageSize        = 50
	DefaultMaxItemsPerRun  = 500
	DefaultMaxPageAttempts = 3
	DefaultMaxFailedPages  = 3
	DefaultRunTimeout      = 10 * time.Minute
)

// RunStatus is the outcome of one importer run.
type RunStatus string

const (
	// RunCompleted means the walk reached the last provider page.
	RunCompleted RunStatus = "completed"
	// RunPartial means the run stopped at the item ceiling or deadline with
	// pages left; the next run resumes from the cursor.
	RunPartial RunStatus = "partial"
	// RunUpToDate means a completed walk found the provider total unchanged.
	RunUpToDate RunStatus = "up_to_date"
	// RunAlreadyRunning means another run holds the lock.
	RunAlreadyRunning RunStatus = "already_running"
	// RunAborted means admission control or repeated page failures stopped the run.
	RunAborted RunStatus = "aborted"
	// RunFailed means the local store failed; the cursor was not advanced.
	RunFailed RunStatus = "failed"
)

// CatalogSource is the provider listing the importer walks.
type CatalogSource interface {
	Provider() string
	FetchPage(ctx context.Context, cursor string, pageSize int) (*core.CatalogPage, error)
	FetchByID(ctx context.Context, id string) (*core.CatalogItem, error)
}

// ContentStore is the subset of the content store the importer writes to.
type ContentStore interface {
	FindRecords(ctx context.Context, filter core.ContentFilter) ([]*core.ContentRecord, error)
	CreateRecord(ctx context.Context, record *core.ContentRecord) error
	ApplyEnrichment(ctx context.Context, patch core.EnrichmentPatch) error
}

// CursorStore persists SyncCursors.
type CursorStore interface {
	GetCursor(ctx context.Context, collection, provider string) (*core.SyncCursor, error)
	SaveCursor(ctx context.Context, cursor *core.SyncCursor) error
}

// Alerter receives admin notifications.
type Alerter interface {
	Notify(ctx context.Context, alert core.Alert) error
}

// ImporterConfig tunes an Importer. Zero values take the defaults.
type ImporterConfig struct {
	Collection        string
	PageSize          int
	MaxItemsPerRun    int
	MaxPageAttempts   int
	MaxFailedPages    int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RunTimeout        time.Duration
	EnrichmentVersion int
	// FetchDetails loads the detail document for every item that will be written.
	FetchDetails bool
}

// CursorCounters snapshots cursor progress in a report.
type CursorCounters struct {
	LastProcessed  string `json:"last_processed"`
	TotalTarget    int    `json:"total_target"`
	TotalProcessed int    `json:"total_processed"`
	Completed      bool   `json:"completed"`
}

// RunReport summarizes one run.
type RunReport struct {
	RunID        string         `json:"run_id"`
	Collection   string         `json:"collection"`
	Provider     string         `json:"provider"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	PagesFetched int            `json:"pages_fetched"`
	PagesSkipped int            `json:"pages_skipped"`
	ItemsSeen    int            `json:"items_seen"`
	Enriched     int            `json:"enriched"`
	Created      int            `json:"created"`
	Unchanged    int            `json:"unchanged"`
	Skipped      int            `json:"skipped"`
	Before       CursorCounters `json:"before"`
	After        CursorCounters `json:"after"`
	Error        string         `json:"error,omitempty"`
	Err          error          `json:"-"`
}

// Writes counts the content writes made by the run.
func (r *RunReport) Writes() int {
	return r.Enriched + r.Created
}

// Importer walks the provider catalog page by page, enriching matched local
// records and creating drafts for unmatched items. Progress is persisted
// after every page so an interrupted run loses at most the page in flight.
type Importer struct {
	Source  CatalogSource
	Content ContentStore
	Cursors CursorStore
	Lock    RunLock
	Alerts  Alerter
	Config  ImporterConfig
	Logger  *logging.Logger
	Clock   func() time.Time

	lastMu sync.RWMutex
	last   *RunReport

	localOnce sync.Once
	local     RunLock
}

// LastReport returns the most recent report, or nil before the first run.
func (i *Importer) LastReport() *RunReport {
	i.lastMu.RLock()
	defer i.lastMu.RUnlock()
	if i.last == nil {
		return nil
	}
	copied := *i.last
	return &copied
}

type runIDKey struct{}

// WithRunID makes Run report under id instead of generating one, so a caller
// can hand the id out before the run starts.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// runLock returns Lock, or a lock private to this importer when none is set.
func (i *Importer) runLock() RunLock {
	if i.Lock != nil {
		return i.Lock
	}
	i.localOnce.Do(func() { i.local = NewLocalRunLock() })
	return i.local
}

// LockName is the run-lock key for this importer.
func (i *Importer) LockName() string {
	return i.config().Collection + ":" + i.Source.Provider()
}

// Run performs one bounded import pass. Only store failures and a missing
// configuration return an error; every other outcome is in the report.
func (i *Importer) Run(ctx context.Context) (*RunReport, error) {
	if i == nil || i.Source == nil || i.Content == nil || i.Cursors == nil {
		return nil, errors.New("importer is not configured")
	}
	cfg := i.config()
	logger := observability.Resolve(i.Logger)

	runID, ok := ctx.Value(runIDKey{}).(string)
	if !ok || runID == "" {
		runID = uuid.NewString()
	}
	report := &RunReport{
		RunID:      runID,
		Collection: cfg.Collection,
		Provider:   i.Source.Provider(),
		StartedAt:  i.now(),
	}

	release, ok, err := i.runLock().TryAcquire(ctx, i.LockName())
	if err != nil {
		return nil, fmt.Errorf("acquire import lock: %w", err)
	}
	if !ok {
		report.Status = RunAlreadyRunning
		report.FinishedAt = i.now()
		return report, nil
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	err = i.run(runCtx, cfg, report)
	report.FinishedAt = i.now()
	if err != nil {
		report.Err = err
		report.Error = err.Error()
	}

	metrics.RecordImportRun(report.Provider, string(report.Status), report.FinishedAt.Sub(report.StartedAt))
	metrics.RecordImportItems(report.Provider, "enriched", report.Enriched)
	metrics.RecordImportItems(report.Provider, "created", report.Created)
	metrics.RecordImportItems(report.Provider, "unchanged", report.Unchanged)
	metrics.RecordImportItems(report.Provider, "skipped", report.Skipped)

	logger.Info("Import run finished",
		zap.String("run_id", report.RunID),
		zap.String("collection", report.Collection),
		zap.String("provider", report.Provider),
		zap.String("status", string(report.Status)),
		zap.Int("pages", report.PagesFetched),
		zap.Int("pages_skipped", report.PagesSkipped),
		zap.Int("enriched", report.Enriched),
		zap.Int("created", report.Created),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("total_processed", report.After.TotalProcessed),
		zap.Int("total_target", report.After.TotalTarget))

	i.lastMu.Lock()
	copied := *report
	i.last = &copied
	i.lastMu.Unlock()

	if report.Status == RunAborted || report.Status == RunFailed {
		i.alert(ctx, report)
	}

	if report.Status == RunFailed {
		return report, err
	}
	return report, nil
}

func (i *Importer) run(ctx context.Context, cfg ImporterConfig, report *RunReport) error {
	logger := observability.Resolve(i.Logger)

	cursor, err := i.Cursors.GetCursor(ctx, cfg.Collection, report.Provider)
	if err != nil {
		report.Status = RunFailed
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		cursor = &core.SyncCursor{Collection: cfg.Collection, Provider: report.Provider, EnrichmentVersion: cfg.EnrichmentVersion}
	}
	report.Before = counters(cursor)
	report.After = report.Before

	var prefetched *core.CatalogPage
	if cursor.Completed {
		if cursor.EnrichmentVersion < cfg.EnrichmentVersion {
			logger.Info("Enrichment version changed, restarting walk",
				zap.Int("from", cursor.EnrichmentVersion),
				zap.Int("to", cfg.EnrichmentVersion))
			restartPass(cursor, cfg.EnrichmentVersion)
		} else {
			first, err := i.fetchPage(ctx, cfg, 1)
			if err != nil {
				report.Status = RunAborted
				cursor.LastError = err.Error()
				return err
			}
			report.PagesFetched++

			switch {
			case first.Total == cursor.TotalTarget:
				report.Status = RunUpToDate
				return nil
			case first.Total > cursor.TotalTarget:
				resume := cursor.TotalProcessed/cfg.PageSize + 1
				cursor.Completed = false
				cursor.LastProcessed = lastProcessed(resume - 1)
				cursor.TotalProcessed = (resume - 1) * cfg.PageSize
				if resume == 1 {
					prefetched = first
				}
			default:
				// Items were removed upstream and page boundaries shifted.
				restartPass(cursor, cfg.EnrichmentVersion)
				prefetched = first
			}
		}
	}
	if cursor.EnrichmentVersion == 0 {
		cursor.EnrichmentVersion = cfg.EnrichmentVersion
	}

	page := pageAfter(cursor.LastProcessed)
	itemsThisRun := 0
	consecutiveFailures := 0
	lastKnownPage := 0
	if cursor.TotalTarget > 0 {
		lastKnownPage = (cursor.TotalTarget + cfg.PageSize - 1) / cfg.PageSize
	}

	for {
		if itemsThisRun >= cfg.MaxItemsPerRun {
			report.Status = RunPartial
			return nil
		}
		if ctx.Err() != nil {
			report.Status = RunPartial
			return nil
		}

		var current *core.CatalogPage
		if prefetched != nil && page == 1 {
			current, prefetched, err = prefetched, nil, nil
		} else {
			current, err = i.fetchPage(ctx, cfg, page)
		}

		if err != nil {
			switch {
			case core.IsAdmissionDenied(err):
				report.Status = RunAborted
				logger.Warn("Import run stopped by admission control",
					zap.Int("page", page),
					zap.Error(err))
				cursor.LastError = err.Error()
				if saveErr := i.saveCursor(ctx, cursor, report); saveErr != nil {
					report.Status = RunFailed
					return saveErr
				}
				return err
			case ctx.Err() != nil:
				report.Status = RunPartial
				return nil
			}

			report.PagesSkipped++
			consecutiveFailures++
			logger.Warn("Skipping catalog page",
				zap.Int("page", page),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(err))
			cursor.LastError = fmt.Sprintf("page %d: %v", page, err)

			if consecutiveFailures >= cfg.MaxFailedPages {
				report.Status = RunAborted
				if saveErr := i.saveCursor(ctx, cursor, report); saveErr != nil {
					report.Status = RunFailed
					return saveErr
				}
				return fmt.Errorf("%d consecutive catalog pages failed: %w", consecutiveFailures, err)
			}

			cursor.LastProcessed = lastProcessed(page)
			if lastKnownPage > 0 && page >= lastKnownPage {
				cursor.Completed = true
				if saveErr := i.saveCursor(ctx, cursor, report); saveErr != nil {
					report.Status = RunFailed
					return saveErr
				}
				report.Status = RunCompleted
				return nil
			}
			if saveErr := i.saveCursor(ctx, cursor, report); saveErr != nil {
				report.Status = RunFailed
				return saveErr
			}
			page++
			continue
		}

		consecutiveFailures = 0
		report.PagesFetched++
		if current.LastPage > 0 {
			lastKnownPage = current.LastPage
		}

		if err := i.mergePage(ctx, cfg, current, report); err != nil {
			// Merge before persist: the cursor stays on the previous page.
			var detail *detailError
			if !errors.As(err, &detail) {
				report.Status = RunFailed
				return err
			}
			if ctx.Err() != nil {
				report.Status = RunPartial
				return nil
			}
			report.Status = RunAborted
			logger.Warn("Import run stopped during detail fetch",
				zap.Int("page", current.Number),
				zap.String("source_id", detail.SourceID),
				zap.Bool("admission_denied", core.IsAdmissionDenied(err)),
				zap.Error(err))
			cursor.LastError = err.Error()
			if saveErr := i.saveCursor(ctx, cursor, report); saveErr != nil {
				report.Status = RunFailed
				return saveErr
			}
			return err
		}
		itemsThisRun += len(current.Items)

		cursor.LastProcessed = lastProcessed(current.Number)
		cursor.TotalProcessed += len(current.Items)
		cursor.TotalTarget = max(current.Total, cursor.TotalProcessed)
		if !current.HasMore {
			cursor.Completed = true
			if report.PagesSkipped == 0 {
				cursor.LastError = ""
			}
		}
		if err := i.saveCursor(ctx, cursor, report); err != nil {
			report.Status = RunFailed
			return err
		}

		if !current.HasMore {
			report.Status = RunCompleted
			return nil
		}
		page = current.Number + 1
	}
}

func (i *Importer) mergePage(ctx context.Context, cfg ImporterConfig, page *core.CatalogPage, report *RunReport) error {
	logger := observability.Resolve(i.Logger)

	for _, item := range page.Items {
		report.ItemsSeen++

		key := NormalizeMatchKey(item.ScientificName)
		if key == "" {
			report.Skipped++
			continue
		}

		matches, err := i.Content.FindRecords(ctx, core.ContentFilter{Collection: cfg.Collection, MatchKey: key})
		if err != nil {
			return fmt.Errorf("match %q: %w", key, err)
		}

		if len(matches) == 0 {
			item, ok, err := i.details(ctx, cfg, item, report)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			now := i.now()
			record := &core.ContentRecord{
				Collection:        cfg.Collection,
				ID:                draftID(report.Provider, item.ID),
				Status:            core.StatusDraft,
				MatchKey:          key,
				SourceID:          item.ID,
				Fields:            map[string]any{"title": displayName(item)},
				Enrichment:        item.Enrichment(),
				EnrichedAt:        &now,
				EnrichmentVersion: cfg.EnrichmentVersion,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := i.Content.CreateRecord(ctx, record); err != nil {
				if errors.Is(err, core.ErrAlreadyExists) {
					report.Unchanged++
					continue
				}
				return fmt.Errorf("create draft %s: %w", record.ID, err)
			}
			report.Created++
			continue
		}

		var stale []*core.ContentRecord
		for _, record := range matches {
			if !record.EnrichedAtVersion(cfg.EnrichmentVersion) {
				stale = append(stale, record)
			}
		}
		if len(stale) == 0 {
			report.Unchanged++
			continue
		}

		item, ok, err := i.details(ctx, cfg, item, report)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, record := range stale {
			err := i.Content.ApplyEnrichment(ctx, core.EnrichmentPatch{
				Collection: record.Collection,
				ID:         record.ID,
				SourceID:   item.ID,
				Enrichment: item.Enrichment(),
				Version:    cfg.EnrichmentVersion,
				EnrichedAt: i.now(),
			})
			if err != nil {
				return fmt.Errorf("enrich %s: %w", record.ID, err)
			}
			report.Enriched++
		}
	}

	logger.Debug("Merged catalog page",
		zap.Int("page", page.Number),
		zap.Int("items", len(page.Items)))
	return nil
}

// detailError stops a page whose detail fetch may succeed later: admission
// control, transient provider failures and cancellation.
type detailError struct {
	SourceID string
	Err      error
}

func (e *detailError) Error() string {
	return fmt.Sprintf("detail %s: %v", e.SourceID, e.Err)
}

func (e *detailError) Unwrap() error { return e.Err }

// details swaps in the detail document when configured. Only a definitive
// rejection (not found or another 4xx) skips the item; any other failure is
// returned as *detailError so the page is retried by a later run.
func (i *Importer) details(ctx context.Context, cfg ImporterConfig, item core.CatalogItem, report *RunReport) (core.CatalogItem, bool, error) {
	if !cfg.FetchDetails {
		return item, true, nil
	}
	detailed, err := i.Source.FetchByID(ctx, item.ID)
	if err != nil {
		var upstream *core.UpstreamError
		if !errors.Is(err, core.ErrNotFound) && !errors.As(err, &upstream) {
			return item, false, &detailError{SourceID: item.ID, Err: err}
		}
		observability.Resolve(i.Logger).Warn("Skipping item, provider rejected detail fetch",
			zap.String("source_id", item.ID),
			zap.Error(err))
		report.Skipped++
		return item, false, nil
	}
	if detailed.ScientificName == "" {
		detailed.ScientificName = item.ScientificName
	}
	return *detailed, true, nil
}

func (i *Importer) fetchPage(ctx context.Context, cfg ImporterConfig, page int) (*core.CatalogPage, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.RetryBaseDelay),
		backoff.WithMaxInterval(cfg.RetryMaxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.MaxPageAttempts-1)), ctx)

	cursor := lastProcessed(page)
	if page == 1 {
		cursor = ""
	}
	return backoff.RetryNotifyWithData(func() (*core.CatalogPage, error) {
		result, err := i.Source.FetchPage(ctx, cursor, cfg.PageSize)
		if err != nil {
			if core.IsRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return result, nil
	}, retries, func(err error, wait time.Duration) {
		observability.Resolve(i.Logger).Debug("Retrying catalog page",
			zap.Int("page", page),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (i *Importer) saveCursor(ctx context.Context, cursor *core.SyncCursor, report *RunReport) error {
	now := i.now()
	cursor.LastRunAt = &now
	// A cancelled run still records its progress.
	if err := i.Cursors.SaveCursor(context.WithoutCancel(ctx), cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	report.After = counters(cursor)
	return nil
}

func (i *Importer) alert(ctx context.Context, report *RunReport) {
	if i.Alerts == nil {
		return
	}
	err := i.Alerts.Notify(context.WithoutCancel(ctx), core.Alert{
		Kind:     core.AlertImportAborted,
		Severity: core.SeverityMedium,
		Subject:  fmt.Sprintf("import %s stopped: %s", i.LockName(), report.Status),
		Message:  report.Error,
		Fields: map[string]any{
			"run_id":          report.RunID,
			"pages_fetched":   report.PagesFetched,
			"pages_skipped":   report.PagesSkipped,
			"total_processed": report.After.TotalProcessed,
		},
		At: i.now(),
	})
	if err != nil {
		observability.Resolve(i.Logger).Warn("Import alert not delivered", zap.Error(err))
	}
}

func (i *Importer) config() ImporterConfig {
	cfg := i.Config
	if cfg.Collection == "" {
		cfg.Collection = "plants"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxItemsPerRun <= 0 {
		cfg.MaxItemsPerRun = DefaultMaxItemsPerRun
	}
	if cfg.MaxPageAttempts <= 0 {
		cfg.MaxPageAttempts = DefaultMaxPageAttempts
	}
	if cfg.MaxFailedPages <= 0 {
		cfg.MaxFailedPages = DefaultMaxFailedPages
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 20 * cfg.RetryBaseDelay
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.EnrichmentVersion <= 0 {
		cfg.EnrichmentVersion = 1
	}
	return cfg
}

func (i *Importer) now() time.Time {
	if i != nil && i.Clock != nil {
		return i.Clock()
	}
	return time.Now().UTC()
}

func restartPass(cursor *core.SyncCursor, version int) {
	cursor.Completed = false
	cursor.LastProcessed = ""
	cursor.TotalProcessed = 0
	cursor.EnrichmentVersion = version
}

func counters(cursor *core.SyncCursor) CursorCounters {
	return CursorCounters{
		LastProcessed:  cursor.LastProcessed,
		TotalTarget:    cursor.TotalTarget,
		TotalProcessed: cursor.TotalProcessed,
		Completed:      cursor.Completed,
	}
}

// lastProcessed encodes a finished page number; "" means none.
func lastProcessed(page int) string {
	if page <= 0 {
		return ""
	}
	return strconv.Itoa(page)
}

func pageAfter(last string) int {
	if last == "" {
		return 1
	}
	n, err := strconv.Atoi(last)
	if err != nil || n < 0 {
		return 1
	}
	return n + 1
}

func draftID(provider, sourceID string) string {
	return provider + "-" + sourceID
}

func displayName(item core.CatalogItem) string {
	if item.CommonName != "" {
		return item.CommonName
	}
	return item.ScientificName
}
