package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrifts-za/protenders-platform-sub003/internal/enrich"
	"github.com/thrifts-za/protenders-platform-sub003/internal/store"
)

func newTestCampaign(engine *Engine) *Campaign {
	campaign := NewCampaign(engine)
	campaign.sleep = func(context.Context, time.Duration) error { return nil }
	return campaign
}

func TestYearSlices(t *testing.T) {
	t.Parallel()

	from := time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	slices := yearSlices(from, to)

	require.Len(t, slices, 3)
	assert.Equal(t, from, slices[0].from)
	assert.Equal(t, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), slices[0].to)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slices[1].from)
	assert.Equal(t, time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), slices[1].to)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), slices[2].from)
	assert.Equal(t, to, slices[2].to)
}

func TestCampaignConvergesAcrossYears(t *testing.T) {
	t.Parallel()

	tenders := newFakeStore(map[string]time.Time{
		"t2023": time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC),
		"t2024": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		"t2025": time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	engine := newTestEngine(tenders, newFakeFlags(), &fakeFetcher{})
	campaign := newTestCampaign(engine)

	result, err := campaign.Run(context.Background(), CampaignParams{
		From:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit: 10,
	})
	require.NoError(t, err)

	// Pass 1 enriches everything, pass 2 finds nothing and converges
	assert.Equal(t, 2, result.Passes)
	assert.Equal(t, 3, result.Slices)
	assert.Equal(t, 3, result.TotalUpdated)
	assert.True(t, result.Converged)
	assert.False(t, result.Cancelled)
}

func TestCampaignConvergesWithSmallLimit(t *testing.T) {
	t.Parallel()

	published := make(map[string]time.Time)
	for i, ocid := range []string{"a", "b", "c", "d", "e"} {
		published[ocid] = time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC)
	}
	tenders := newFakeStore(published)
	engine := newTestEngine(tenders, newFakeFlags(), &fakeFetcher{})
	campaign := newTestCampaign(engine)

	// Limit 2 per pass over one slice: 3 passes enrich all 5, pass 4 converges
	result, err := campaign.Run(context.Background(), CampaignParams{
		From:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Passes)
	assert.Equal(t, 5, result.TotalUpdated)
	assert.True(t, result.Converged)
}

func TestCampaignStopsAtMaxPasses(t *testing.T) {
	t.Parallel()

	tenders := newFakeStore(map[string]time.Time{
		"t1": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"t2": time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		"t3": time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
	})
	engine := newTestEngine(tenders, newFakeFlags(), &fakeFetcher{})
	campaign := newTestCampaign(engine)

	result, err := campaign.Run(context.Background(), CampaignParams{
		From:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit:     1,
		MaxPasses: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Passes)
	assert.Equal(t, 2, result.TotalUpdated)
	assert.False(t, result.Converged)
}

func TestCampaignStopsOnCancellation(t *testing.T) {
	t.Parallel()

	tenders := newFakeStore(map[string]time.Time{
		"t1": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"t2": time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	flags := newFakeFlags()
	fetcher := &fakeFetcher{}
	fetcher.onFetch = func(string) {
		flags.values[CancelFlagName] = true
	}
	engine := newTestEngine(tenders, flags, fetcher)
	campaign := newTestCampaign(engine)

	result, err := campaign.Run(context.Background(), CampaignParams{
		From:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit: 10,
	})
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.False(t, result.Converged)
	assert.Equal(t, 1, result.TotalUpdated)
}

func TestCampaignThreadsRecheckWindowThroughPasses(t *testing.T) {
	t.Parallel()

	tenders := newFakeStore(map[string]time.Time{
		"nodata": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	fetcher := &fakeFetcher{errs: map[string]error{"nodata": enrich.ErrNotAvailable}}
	engine := newTestEngine(tenders, newFakeFlags(), fetcher)
	campaign := newTestCampaign(engine)

	result, err := campaign.Run(context.Background(), CampaignParams{
		From:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:           time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit:        10,
		RecheckAfter: 72 * time.Hour,
	})
	require.NoError(t, err)

	// The stamped tender is fetched once, not on every pass
	assert.True(t, result.Converged)
	assert.Len(t, fetcher.calls, 1)
	for _, window := range tenders.recheckWindows {
		assert.Equal(t, 72*time.Hour, window)
	}
}

func TestCampaignRecheckWindowDefaultsWhenUnset(t *testing.T) {
	t.Parallel()

	tenders := newFakeStore(map[string]time.Time{
		"t1": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	engine := newTestEngine(tenders, newFakeFlags(), &fakeFetcher{})
	campaign := newTestCampaign(engine)

	_, err := campaign.Run(context.Background(), CampaignParams{
		From:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit: 10,
	})
	require.NoError(t, err)

	require.NotEmpty(t, tenders.recheckWindows)
	for _, window := range tenders.recheckWindows {
		assert.Equal(t, store.DefaultRecheckAfter, window)
	}
}

func TestCampaignRejectsInvalidRange(t *testing.T) {
	t.Parallel()

	campaign := newTestCampaign(newTestEngine(newFakeStore(nil), newFakeFlags(), &fakeFetcher{}))

	_, err := campaign.Run(context.Background(), CampaignParams{})
	require.Error(t, err)

	_, err = campaign.Run(context.Background(), CampaignParams{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
}

func TestCampaignSurfacesPassErrors(t *testing.T) {
	t.Parallel()

	tenders := newFakeStore(map[string]time.Time{
		"t1": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	flags := &failingFlags{err: errors.New("flag store down")}
	engine := newTestEngine(tenders, newFakeFlags(), &fakeFetcher{})
	engine.flags = flags
	campaign := newTestCampaign(engine)

	_, err := campaign.Run(context.Background(), CampaignParams{
		From:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:    time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Limit: 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flag store down")
}

type failingFlags struct {
	err error
}

func (f *failingFlags) GetFlag(context.Context, string) (bool, error) {
	return false, f.err
}

func (f *failingFlags) SetFlag(context.Context, string, bool) error {
	return f.err
}
