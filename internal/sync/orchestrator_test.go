package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrifts-za/protenders-platform-sub003/internal/enrich"
	"github.com/thrifts-za/protenders-platform-sub003/internal/feed"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
)

type fakeFeed struct {
	pages        map[string]*feed.Page
	failuresLeft map[string]int
	requested    []string
}

func (f *fakeFeed) FetchPage(_ context.Context, params feed.FetchParams) (*feed.Page, error) {
	f.requested = append(f.requested, params.Cursor)
	if f.failuresLeft[params.Cursor] > 0 {
		f.failuresLeft[params.Cursor]--
		return nil, errors.New("upstream unavailable")
	}
	page, ok := f.pages[params.Cursor]
	if !ok {
		return nil, fmt.Errorf("no page for cursor %q", params.Cursor)
	}
	return page, nil
}

type fakeTenderStore struct {
	tenders  map[string]store.Tender
	enriched map[string]*store.EnrichmentFields
}

func newFakeTenderStore() *fakeTenderStore {
	return &fakeTenderStore{
		tenders:  make(map[string]store.Tender),
		enriched: make(map[string]*store.EnrichmentFields),
	}
}

func (s *fakeTenderStore) UpsertTender(_ context.Context, tender *store.Tender) (bool, error) {
	_, exists := s.tenders[tender.OCID]
	s.tenders[tender.OCID] = *tender
	return !exists, nil
}

func (s *fakeTenderStore) GetTender(_ context.Context, ocid string) (*store.Tender, error) {
	tender, ok := s.tenders[ocid]
	if !ok {
		return nil, store.ErrTenderNotFound
	}
	return &tender, nil
}

func (s *fakeTenderStore) FindEnrichmentTargets(context.Context, time.Time, time.Time, int, time.Duration) ([]store.Tender, error) {
	return nil, nil
}

func (s *fakeTenderStore) ApplyEnrichment(_ context.Context, ocid string, fields *store.EnrichmentFields) error {
	if _, ok := s.tenders[ocid]; !ok {
		return store.ErrTenderNotFound
	}
	s.enriched[ocid] = fields
	return nil
}

func (s *fakeTenderStore) MarkEnrichmentChecked(context.Context, string) error {
	return nil
}

type fakeCursorStore struct {
	cursor store.SyncCursor
	saves  []string
}

func (s *fakeCursorStore) GetCursor(context.Context) (*store.SyncCursor, error) {
	c := s.cursor
	return &c, nil
}

func (s *fakeCursorStore) SaveCursor(_ context.Context, cursor string) error {
	s.cursor.LastCursor = cursor
	s.saves = append(s.saves, cursor)
	return nil
}

func (s *fakeCursorStore) MarkRunStarted(context.Context) error {
	now := time.Now()
	s.cursor.LastRunAt = &now
	return nil
}

func (s *fakeCursorStore) MarkRunSucceeded(_ context.Context, syncedDate time.Time) error {
	s.cursor.LastSyncedDate = &syncedDate
	s.cursor.LastCursor = ""
	now := time.Now()
	s.cursor.LastSuccessAt = &now
	return nil
}

type fakeFetcher struct {
	fields map[string]*store.EnrichmentFields
	errs   map[string]error
	calls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, ocid string) (*store.EnrichmentFields, error) {
	f.calls = append(f.calls, ocid)
	if err, ok := f.errs[ocid]; ok {
		return nil, err
	}
	if fields, ok := f.fields[ocid]; ok {
		return fields, nil
	}
	return nil, enrich.ErrNotAvailable
}

func tendersPage(next string, ocids ...string) *feed.Page {
	page := &feed.Page{NextCursor: next}
	for i, ocid := range ocids {
		page.Releases = append(page.Releases, store.Tender{
			OCID:        ocid,
			Title:       "Tender " + ocid,
			PublishedAt: time.Date(2025, 3, 1+i, 0, 0, 0, 0, time.UTC),
		})
	}
	return page
}

func threePageFeed() *fakeFeed {
	return &fakeFeed{
		pages: map[string]*feed.Page{
			"":         tendersPage("cursor-2", "t1", "t2"),
			"cursor-2": tendersPage("cursor-3", "t3", "t4"),
			"cursor-3": tendersPage("", "t5", "t6"),
		},
	}
}

func TestRunWalksAllPages(t *testing.T) {
	t.Parallel()

	feedSource := threePageFeed()
	tenders := newFakeTenderStore()
	cursors := &fakeCursorStore{}
	orchestrator := NewOrchestrator(feedSource, tenders, cursors)

	result, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 6, result.Processed)
	assert.Equal(t, 6, result.Added)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 3, result.Pages)
	assert.False(t, result.Partial)

	// Cursor persisted after every page, cleared on success
	assert.Equal(t, []string{"cursor-2", "cursor-3", ""}, cursors.saves)
	assert.Empty(t, cursors.cursor.LastCursor)
	require.NotNil(t, cursors.cursor.LastSyncedDate)
	require.NotNil(t, cursors.cursor.LastSuccessAt)
}

func TestRunAgainCountsUpdates(t *testing.T) {
	t.Parallel()

	tenders := newFakeTenderStore()
	orchestrator := NewOrchestrator(threePageFeed(), tenders, &fakeCursorStore{})
	_, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)

	// Same items again: an upsert of unchanged content counts as an update
	rerun := NewOrchestrator(threePageFeed(), tenders, &fakeCursorStore{})
	result, err := rerun.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Processed)
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 6, result.Updated)
}

func TestRunResumesFromPersistedCursor(t *testing.T) {
	t.Parallel()

	feedSource := threePageFeed()
	// Page 2 fails even after retries
	feedSource.failuresLeft = map[string]int{"cursor-2": 10}

	tenders := newFakeTenderStore()
	cursors := &fakeCursorStore{}
	orchestrator := NewOrchestrator(feedSource, tenders, cursors, WithRetryAttempts(2))

	_, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.Error(t, err)

	// Page 1 completed, so its cursor survives the crash
	assert.Equal(t, "cursor-2", cursors.cursor.LastCursor)
	assert.Len(t, tenders.tenders, 2)

	// Restart picks up at page 2, not page 1
	feedSource.failuresLeft = nil
	feedSource.requested = nil
	result, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"cursor-2", "cursor-3"}, feedSource.requested)
	assert.Equal(t, 4, result.Processed)
	assert.Len(t, tenders.tenders, 6)
}

func TestRunRetriesTransientPageFailures(t *testing.T) {
	t.Parallel()

	feedSource := threePageFeed()
	feedSource.failuresLeft = map[string]int{"cursor-2": 1}

	orchestrator := NewOrchestrator(feedSource, newFakeTenderStore(), &fakeCursorStore{}, WithRetryAttempts(3))
	result, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Processed)
}

func TestRunStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	cursors := &fakeCursorStore{}
	orchestrator := NewOrchestrator(threePageFeed(), newFakeTenderStore(), cursors)

	result, err := orchestrator.Run(context.Background(), Params{PageSize: 2, MaxPages: 2})
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 4, result.Processed)
	// Partial run keeps the cursor and does not advance the synced date
	assert.Equal(t, "cursor-3", cursors.cursor.LastCursor)
	assert.Nil(t, cursors.cursor.LastSyncedDate)

	// A follow-up bounded run finishes the walk
	result, err = orchestrator.Run(context.Background(), Params{PageSize: 2, MaxPages: 2})
	require.NoError(t, err)
	assert.False(t, result.Partial)
	assert.Equal(t, 1, result.Pages)
	assert.Empty(t, cursors.cursor.LastCursor)
}

func TestRunDerivesWindowFromCursor(t *testing.T) {
	t.Parallel()

	lastSynced := time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)
	cursors := &fakeCursorStore{cursor: store.SyncCursor{LastSyncedDate: &lastSynced}}

	var gotFrom time.Time
	feedSource := &fakeFeed{pages: map[string]*feed.Page{"": tendersPage("")}}
	probe := feedFunc(func(ctx context.Context, params feed.FetchParams) (*feed.Page, error) {
		gotFrom = params.From
		return feedSource.FetchPage(ctx, params)
	})

	orchestrator := NewOrchestrator(probe, newFakeTenderStore(), cursors)
	_, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, lastSynced, gotFrom)
}

type feedFunc func(ctx context.Context, params feed.FetchParams) (*feed.Page, error)

func (f feedFunc) FetchPage(ctx context.Context, params feed.FetchParams) (*feed.Page, error) {
	return f(ctx, params)
}

func TestRunExplicitWindowIgnoresStoredCursor(t *testing.T) {
	t.Parallel()

	cursors := &fakeCursorStore{cursor: store.SyncCursor{LastCursor: "cursor-3"}}
	feedSource := threePageFeed()
	orchestrator := NewOrchestrator(feedSource, newFakeTenderStore(), cursors)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	result, err := orchestrator.Run(context.Background(), Params{From: from, To: to, PageSize: 2})
	require.NoError(t, err)

	// Fresh walk starts with an empty cursor despite the stored one
	assert.Equal(t, "", feedSource.requested[0])
	assert.Equal(t, 6, result.Processed)
	require.NotNil(t, cursors.cursor.LastSyncedDate)
	assert.Equal(t, to, *cursors.cursor.LastSyncedDate)
}

func TestRunHistoricalWindowKeepsWatermark(t *testing.T) {
	t.Parallel()

	watermark := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cursors := &fakeCursorStore{cursor: store.SyncCursor{LastSyncedDate: &watermark}}
	orchestrator := NewOrchestrator(threePageFeed(), newFakeTenderStore(), cursors)

	// Re-walking an old year must not drag last_synced_date back to 2016,
	// or the next incremental run would re-walk everything since then
	from := time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2016, 12, 31, 0, 0, 0, 0, time.UTC)
	_, err := orchestrator.Run(context.Background(), Params{From: from, To: to, PageSize: 2})
	require.NoError(t, err)

	require.NotNil(t, cursors.cursor.LastSyncedDate)
	assert.Equal(t, watermark, *cursors.cursor.LastSyncedDate)
}

func TestRunInlineEnrichmentLenient(t *testing.T) {
	t.Parallel()

	closing := time.Date(2025, 4, 1, 11, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		fields: map[string]*store.EnrichmentFields{
			"t1": {ClosingAt: &closing},
		},
		errs: map[string]error{"t2": enrich.ErrNotAvailable},
	}
	feedSource := &fakeFeed{pages: map[string]*feed.Page{"": tendersPage("", "t1", "t2")}}
	tenders := newFakeTenderStore()

	orchestrator := NewOrchestrator(feedSource, tenders, &fakeCursorStore{},
		WithInlineEnrichment(fetcher, nil), WithRetryAttempts(2))
	result, err := orchestrator.Run(context.Background(), Params{PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 2, result.EnrichmentCount)
	assert.Equal(t, 1, result.EnrichmentSuccess)

	// Both persisted; only t1 carries enrichment
	assert.Len(t, tenders.tenders, 2)
	assert.Contains(t, tenders.enriched, "t1")
	assert.NotContains(t, tenders.enriched, "t2")

	// The definitive "no data" response was not retried
	assert.Equal(t, []string{"t1", "t2"}, fetcher.calls)
}

func TestRunInlineEnrichmentStrict(t *testing.T) {
	t.Parallel()

	closing := time.Date(2025, 4, 1, 11, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		fields: map[string]*store.EnrichmentFields{
			"t1": {ClosingAt: &closing},
		},
		errs: map[string]error{"t2": errors.New("detail source down")},
	}
	feedSource := &fakeFeed{pages: map[string]*feed.Page{"": tendersPage("", "t1", "t2")}}
	tenders := newFakeTenderStore()

	orchestrator := NewOrchestrator(feedSource, tenders, &fakeCursorStore{},
		WithInlineEnrichment(fetcher, nil), WithRetryAttempts(2))
	result, err := orchestrator.Run(context.Background(), Params{PageSize: 2, RequireEnrichment: true})
	require.NoError(t, err)

	// t2 failed enrichment and was not persisted
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Added)
	assert.Len(t, tenders.tenders, 1)
	assert.Contains(t, tenders.tenders, "t1")
}
