package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/core"
)

type fakeSource struct {
	mu       sync.Mutex
	items    []core.CatalogItem
	failures map[int][]error
	details  map[string]error
	calls    []int
	entered  chan struct{}
	block    chan struct{}
}

func newFakeSource(total int) *fakeSource {
	items := make([]core.CatalogItem, total)
	for i := range items {
		items[i] = core.CatalogItem{
			ID:             strconv.Itoa(i + 1),
			ScientificName: fmt.Sprintf("Genus species%d L.", i+1),
			Family:         "Testaceae",
		}
	}
	return &fakeSource{items: items, failures: map[int][]error{}, details: map[string]error{}}
}

func (f *fakeSource) Provider() string { return "perenual" }

func (f *fakeSource) FetchPage(ctx context.Context, cursor string, pageSize int) (*core.CatalogPage, error) {
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	number := 1
	if cursor != "" {
		number, _ = strconv.Atoi(cursor)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, number)
	if queue := f.failures[number]; len(queue) > 0 {
		err := queue[0]
		f.failures[number] = queue[1:]
		return nil, err
	}

	lastPage := (len(f.items) + pageSize - 1) / pageSize
	if lastPage == 0 {
		lastPage = 1
	}
	start := min((number-1)*pageSize, len(f.items))
	end := min(start+pageSize, len(f.items))
	page := &core.CatalogPage{
		Items:    append([]core.CatalogItem(nil), f.items[start:end]...),
		Number:   number,
		LastPage: lastPage,
		Total:    len(f.items),
		HasMore:  number < lastPage,
	}
	if page.HasMore {
		page.NextCursor = strconv.Itoa(number + 1)
	}
	return page, nil
}

func (f *fakeSource) FetchByID(_ context.Context, id string) (*core.CatalogItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.details[id]; err != nil {
		return nil, err
	}
	for _, item := range f.items {
		if item.ID == id {
			item.Description = "detailed " + id
			return &item, nil
		}
	}
	return nil, core.ErrNotFound
}

func (f *fakeSource) pageCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func (f *fakeSource) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

type fakeContent struct {
	mu      sync.Mutex
	records map[string]*core.ContentRecord
	writes  int
	failOn  string
}

func newFakeContent() *fakeContent {
	return &fakeContent{records: map[string]*core.ContentRecord{}}
}

func (f *fakeContent) FindRecords(_ context.Context, filter core.ContentFilter) ([]*core.ContentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.ContentRecord
	for _, record := range f.records {
		if record.Collection == filter.Collection && record.MatchKey == filter.MatchKey {
			copied := *record
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeContent) CreateRecord(_ context.Context, record *core.ContentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && record.SourceID == f.failOn {
		return errors.New("disk full")
	}
	if _, ok := f.records[record.ID]; ok {
		return fmt.Errorf("content record %w", core.ErrAlreadyExists)
	}
	copied := *record
	f.records[record.ID] = &copied
	f.writes++
	return nil
}

func (f *fakeContent) ApplyEnrichment(_ context.Context, patch core.EnrichmentPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[patch.ID]
	if !ok {
		return errors.New("missing record")
	}
	at := patch.EnrichedAt
	record.Enrichment = patch.Enrichment
	record.EnrichmentVersion = patch.Version
	record.EnrichedAt = &at
	record.SourceID = patch.SourceID
	f.writes++
	return nil
}

func (f *fakeContent) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeCursors struct {
	mu      sync.Mutex
	cursors map[string]core.SyncCursor
	saves   int
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: map[string]core.SyncCursor{}}
}

func (f *fakeCursors) GetCursor(_ context.Context, collection, provider string) (*core.SyncCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor, ok := f.cursors[collection+"/"+provider]
	if !ok {
		return nil, nil
	}
	return &cursor, nil
}

func (f *fakeCursors) SaveCursor(_ context.Context, cursor *core.SyncCursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[cursor.Collection+"/"+cursor.Provider] = *cursor
	f.saves++
	return nil
}

func (f *fakeCursors) get(t *testing.T) core.SyncCursor {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor, ok := f.cursors["plants/perenual"]
	require.True(t, ok, "cursor was never saved")
	return cursor
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []core.Alert
}

func (r *recordingAlerter) Notify(_ context.Context, alert core.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func newTestImporter(source *fakeSource, content *fakeContent, cursors *fakeCursors) *Importer {
	return &Importer{
		Source:  source,
		Content: content,
		Cursors: cursors,
		Lock:    NewLocalRunLock(),
		Config: ImporterConfig{
			Collection:        "plants",
			PageSize:          50,
			MaxItemsPerRun:    50,
			MaxPageAttempts:   3,
			MaxFailedPages:    3,
			RetryBaseDelay:    time.Millisecond,
			RetryMaxDelay:     2 * time.Millisecond,
			EnrichmentVersion: 1,
		},
	}
}

func TestImporterResumesAcrossRuns(t *testing.T) {
	source := newFakeSource(150)
	content := newFakeContent()
	cursors := newFakeCursors()
	importer := newTestImporter(source, content, cursors)
	ctx := context.Background()

	for run := 1; run <= 3; run++ {
		report, err := importer.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, []int{run}, source.pageCalls(), "run %d", run)
		require.Equal(t, 50, report.Created)

		cursor := cursors.get(t)
		require.Equal(t, strconv.Itoa(run), cursor.LastProcessed)
		require.Equal(t, run*50, cursor.TotalProcessed)
		require.Equal(t, 150, cursor.TotalTarget)
		if run < 3 {
			require.Equal(t, RunPartial, report.Status)
			require.False(t, cursor.Completed)
		} else {
			require.Equal(t, RunCompleted, report.Status)
			require.True(t, cursor.Completed)
		}
		source.resetCalls()
	}

	writes := content.writeCount()
	require.Equal(t, 150, writes)

	report, err := importer.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, RunUpToDate, report.Status)
	require.Equal(t, []int{1}, source.pageCalls())
	require.Equal(t, writes, content.writeCount())
	require.Zero(t, report.Writes())
}

func TestImporterIsIdempotent(t *testing.T) {
	source := newFakeSource(40)
	content := newFakeContent()
	cursors := newFakeCursors()
	importer := newTestImporter(source, content, cursors)

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Equal(t, 40, report.Created)

	// Force a second walk over the same data.
	cursors.mu.Lock()
	delete(cursors.cursors, "plants/perenual")
	cursors.mu.Unlock()

	report, err = importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Zero(t, report.Created)
	require.Zero(t, report.Enriched)
	require.Equal(t, 40, report.Unchanged)
	require.Equal(t, 40, content.writeCount())
}

func TestImporterEnrichesMatchedRecords(t *testing.T) {
	source := newFakeSource(3)
	content := newFakeContent()
	content.records["monstera"] = &core.ContentRecord{
		Collection: "plants",
		ID:         "monstera",
		Status:     core.StatusPublished,
		MatchKey:   "genus species2",
		Fields:     map[string]any{"title": "Swiss cheese plant"},
	}
	importer := newTestImporter(source, content, newFakeCursors())

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Enriched)
	require.Equal(t, 2, report.Created)

	record := content.records["monstera"]
	require.Equal(t, "Swiss cheese plant", record.Fields["title"])
	require.Equal(t, "Testaceae", record.Enrichment["family"])
	require.Equal(t, 1, record.EnrichmentVersion)
	require.Equal(t, "2", record.SourceID)

	draft := content.records["perenual-1"]
	require.NotNil(t, draft)
	require.Equal(t, core.StatusDraft, draft.Status)
	require.Equal(t, "genus species1", draft.MatchKey)
}

func TestImporterEnrichmentVersionBumpRewalks(t *testing.T) {
	source := newFakeSource(10)
	content := newFakeContent()
	cursors := newFakeCursors()
	importer := newTestImporter(source, content, cursors)

	_, err := importer.Run(context.Background())
	require.NoError(t, err)

	importer.Config.EnrichmentVersion = 2
	importer.Config.FetchDetails = true
	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Equal(t, 10, report.Enriched)
	require.Equal(t, 2, cursors.get(t).EnrichmentVersion)
	require.Equal(t, "detailed 1", content.records["perenual-1"].Enrichment["description"])
}

func TestImporterGrowthResumesFromLastPartialPage(t *testing.T) {
	source := newFakeSource(120)
	cursors := newFakeCursors()
	importer := newTestImporter(source, newFakeContent(), cursors)
	importer.Config.MaxItemsPerRun = 500

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)

	source.mu.Lock()
	for i := 120; i < 130; i++ {
		source.items = append(source.items, core.CatalogItem{ID: strconv.Itoa(i + 1), ScientificName: fmt.Sprintf("Genus species%d", i+1)})
	}
	source.mu.Unlock()
	source.resetCalls()

	report, err = importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Equal(t, []int{1, 3}, source.pageCalls())
	require.Equal(t, 10, report.Created)
	require.Equal(t, 20, report.Unchanged)
	require.Equal(t, 130, cursors.get(t).TotalProcessed)
}

func TestImporterAbortsOnAdmissionDenied(t *testing.T) {
	for name, err := range map[string]error{
		"throttled":    &core.ThrottledError{Scope: "perenual", ResetAt: time.Now().Add(time.Hour)},
		"circuit open": &core.UnavailableError{Dependency: "perenual", RetryAt: time.Now().Add(time.Minute)},
	} {
		t.Run(name, func(t *testing.T) {
			source := newFakeSource(150)
			source.failures[2] = []error{err}
			cursors := newFakeCursors()
			alerts := &recordingAlerter{}
			importer := newTestImporter(source, newFakeContent(), cursors)
			importer.Config.MaxItemsPerRun = 500
			importer.Alerts = alerts

			report, runErr := importer.Run(context.Background())
			require.NoError(t, runErr)
			require.Equal(t, RunAborted, report.Status)
			require.ErrorIs(t, report.Err, err)
			require.Equal(t, []int{1, 2}, source.pageCalls(), "admission denials are not retried")

			cursor := cursors.get(t)
			require.Equal(t, "1", cursor.LastProcessed)
			require.Equal(t, 50, cursor.TotalProcessed)
			require.NotEmpty(t, cursor.LastError)
			require.Len(t, alerts.alerts, 1)
			require.Equal(t, core.AlertImportAborted, alerts.alerts[0].Kind)

			source.resetCalls()
			report, runErr = importer.Run(context.Background())
			require.NoError(t, runErr)
			require.Equal(t, RunCompleted, report.Status)
			require.Equal(t, []int{2, 3}, source.pageCalls())
		})
	}
}

func TestImporterRetriesTransientPageErrors(t *testing.T) {
	source := newFakeSource(60)
	source.failures[2] = []error{
		&core.TransientError{Op: "fetch_page", StatusCode: 503},
		&core.TransientError{Op: "fetch_page", Timeout: true},
	}
	importer := newTestImporter(source, newFakeContent(), newFakeCursors())
	importer.Config.MaxItemsPerRun = 500

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Equal(t, []int{1, 2, 2, 2}, source.pageCalls())
	require.Zero(t, report.PagesSkipped)
	require.Equal(t, 60, report.Created)
}

func TestImporterSkipsPageAfterExhaustingRetries(t *testing.T) {
	source := newFakeSource(150)
	transient := &core.TransientError{Op: "fetch_page", StatusCode: 502}
	source.failures[2] = []error{transient, transient, transient}
	cursors := newFakeCursors()
	importer := newTestImporter(source, newFakeContent(), cursors)
	importer.Config.MaxItemsPerRun = 500

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Equal(t, 1, report.PagesSkipped)
	require.Equal(t, 100, report.Created)

	cursor := cursors.get(t)
	require.True(t, cursor.Completed)
	require.Equal(t, "3", cursor.LastProcessed)
	assert.Contains(t, cursor.LastError, "page 2")
}

func TestImporterAbortsAfterConsecutivePageFailures(t *testing.T) {
	source := newFakeSource(500)
	upstream := &core.UpstreamError{Op: "fetch_page", StatusCode: 400, Message: "bad page"}
	for page := 2; page <= 4; page++ {
		source.failures[page] = []error{upstream}
	}
	cursors := newFakeCursors()
	importer := newTestImporter(source, newFakeContent(), cursors)
	importer.Config.MaxItemsPerRun = 500

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunAborted, report.Status)
	require.Equal(t, 3, report.PagesSkipped)
	require.Equal(t, []int{1, 2, 3, 4}, source.pageCalls(), "non-retryable errors are tried once")
	require.Equal(t, "3", cursors.get(t).LastProcessed)
}

func TestImporterStoreFailureKeepsCursor(t *testing.T) {
	source := newFakeSource(100)
	content := newFakeContent()
	content.failOn = "60"
	cursors := newFakeCursors()
	importer := newTestImporter(source, content, cursors)
	importer.Config.MaxItemsPerRun = 500

	report, err := importer.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, RunFailed, report.Status)
	require.Equal(t, "1", cursors.get(t).LastProcessed)
}

func TestImporterAlreadyRunning(t *testing.T) {
	source := newFakeSource(10)
	source.block = make(chan struct{})
	source.entered = make(chan struct{}, 1)
	importer := newTestImporter(source, newFakeContent(), newFakeCursors())

	done := make(chan *RunReport, 1)
	go func() {
		report, _ := importer.Run(context.Background())
		done <- report
	}()

	select {
	case <-source.entered:
	case <-time.After(time.Second):
		t.Fatal("first run never reached the provider")
	}

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunAlreadyRunning, report.Status)

	close(source.block)
	first := <-done
	require.Equal(t, RunCompleted, first.Status)
	require.Equal(t, RunCompleted, importer.LastReport().Status)
}

func TestImporterRequiresDependencies(t *testing.T) {
	_, err := (&Importer{}).Run(context.Background())
	require.Error(t, err)
}

func TestImporterDetailAdmissionDeniedKeepsCursor(t *testing.T) {
	for name, err := range map[string]error{
		"throttled":    &core.ThrottledError{Scope: "perenual", ResetAt: time.Now().Add(time.Hour)},
		"circuit open": &core.UnavailableError{Dependency: "perenual", RetryAt: time.Now().Add(time.Minute)},
		"transient":    &core.TransientError{Op: "fetch_by_id", StatusCode: 502},
	} {
		t.Run(name, func(t *testing.T) {
			source := newFakeSource(10)
			for id := 3; id <= 10; id++ {
				source.details[strconv.Itoa(id)] = err
			}
			content := newFakeContent()
			cursors := newFakeCursors()
			importer := newTestImporter(source, content, cursors)
			importer.Config.FetchDetails = true

			report, runErr := importer.Run(context.Background())
			require.NoError(t, runErr)
			require.Equal(t, RunAborted, report.Status)
			require.ErrorIs(t, report.Err, err)
			require.Equal(t, 2, report.Created)
			require.Zero(t, report.Skipped)

			cursor := cursors.get(t)
			require.False(t, cursor.Completed)
			require.Empty(t, cursor.LastProcessed, "the interrupted page is not marked processed")
			require.NotEmpty(t, cursor.LastError)

			source.mu.Lock()
			source.details = map[string]error{}
			source.mu.Unlock()

			report, runErr = importer.Run(context.Background())
			require.NoError(t, runErr)
			require.Equal(t, RunCompleted, report.Status)
			require.Equal(t, 8, report.Created)
			require.Equal(t, 2, report.Unchanged)
			require.Equal(t, 10, content.writeCount())
			require.True(t, cursors.get(t).Completed)
		})
	}
}

func TestImporterSkipsRejectedDetails(t *testing.T) {
	source := newFakeSource(5)
	source.details["2"] = core.ErrNotFound
	source.details["4"] = &core.UpstreamError{Op: "fetch_by_id", StatusCode: 403}
	cursors := newFakeCursors()
	importer := newTestImporter(source, newFakeContent(), cursors)
	importer.Config.FetchDetails = true

	report, err := importer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status)
	require.Equal(t, 3, report.Created)
	require.Equal(t, 2, report.Skipped)
	require.True(t, cursors.get(t).Completed)
}

func TestImporterWithoutLockIsNotSharedAcrossImporters(t *testing.T) {
	blocked := newFakeSource(10)
	blocked.block = make(chan struct{})
	blocked.entered = make(chan struct{}, 1)
	first := newTestImporter(blocked, newFakeContent(), newFakeCursors())
	first.Lock = nil

	done := make(chan *RunReport, 1)
	go func() {
		report, _ := first.Run(context.Background())
		done <- report
	}()
	select {
	case <-blocked.entered:
	case <-time.After(time.Second):
		t.Fatal("first run never reached the provider")
	}

	again, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunAlreadyRunning, again.Status)

	second := newTestImporter(newFakeSource(10), newFakeContent(), newFakeCursors())
	second.Lock = nil
	report, err := second.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunCompleted, report.Status, "importers without a Lock do not contend")

	close(blocked.block)
	require.Equal(t, RunCompleted, (<-done).Status)
}

func TestImporterReportsRunIDFromContext(t *testing.T) {
	importer := newTestImporter(newFakeSource(3), newFakeContent(), newFakeCursors())

	report, err := importer.Run(WithRunID(context.Background(), "run-42"))
	require.NoError(t, err)
	assert.Equal(t, "run-42", report.RunID)
	assert.Equal(t, "run-42", importer.LastReport().RunID)

	report, err = importer.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "run-42", report.RunID)
	assert.NotEmpty(t, report.RunID)
}
