package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
)

const (
	// DefaultMaxPasses bounds a campaign that never converges, for example
	// when a target keeps failing transiently on every pass.
	DefaultMaxPasses = 50

	defaultSlicePause = 2 * time.Second
)

// CampaignParams drives a multi-year catch-up campaign.
type CampaignParams struct {
	From time.Time
	To   time.Time

	// Limit and Delay are passed through to every pass.
	Limit int
	Delay time.Duration

	// SlicePause is slept between year slices to avoid bursts at slice
	// boundaries; 0 uses the default.
	SlicePause time.Duration

	// RecheckAfter is passed through to every pass so tenders stamped
	// "no data" stay excluded across passes; 0 uses store.DefaultRecheckAfter.
	RecheckAfter time.Duration

	// MaxPasses caps the campaign; 0 uses DefaultMaxPasses, negative values
	// remove the bound.
	MaxPasses int
}

// CampaignResult reports a finished campaign. Converged means the final pass
// made zero updates; a campaign stopped by MaxPasses or cancellation reports
// Converged false.
type CampaignResult struct {
	Passes       int  `json:"passes"`
	Slices       int  `json:"slices"`
	TotalUpdated int  `json:"totalUpdated"`
	Converged    bool `json:"converged"`
	Cancelled    bool `json:"cancelled"`
}

// Campaign repeats backfill passes over year-aligned slices of a date range
// until a full pass makes zero updates.
type Campaign struct {
	engine *Engine

	// sleep is swapped out by tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCampaign creates a campaign runner over the given engine.
func NewCampaign(engine *Engine) *Campaign {
	return &Campaign{
		engine: engine,
		sleep:  sleepCtx,
	}
}

// Run executes passes over all slices until convergence, cancellation, or
// the pass bound. Each slice pass polls the shared cancel flag, so
// CancelBackfill stops a campaign within one record's fetch duration.
func (c *Campaign) Run(ctx context.Context, params CampaignParams) (*CampaignResult, error) {
	if params.From.IsZero() || params.To.IsZero() || params.To.Before(params.From) {
		return nil, fmt.Errorf("invalid campaign range [%s, %s]", params.From, params.To)
	}

	maxPasses := params.MaxPasses
	if maxPasses == 0 {
		maxPasses = DefaultMaxPasses
	}
	pause := params.SlicePause
	if pause == 0 {
		pause = defaultSlicePause
	}

	slices := yearSlices(params.From, params.To)
	result := &CampaignResult{Slices: len(slices)}
	logger.Infof("Starting backfill campaign: range=[%s, %s] slices=%d limit=%d",
		params.From.Format("2006-01-02"), params.To.Format("2006-01-02"), len(slices), params.Limit)

	for maxPasses < 0 || result.Passes < maxPasses {
		passUpdated := 0
		for i, slice := range slices {
			passResult, err := c.engine.RunPass(ctx, PassParams{
				From:         slice.from,
				To:           slice.to,
				Limit:        params.Limit,
				Delay:        params.Delay,
				CancelFlag:   CancelFlagName,
				RecheckAfter: params.RecheckAfter,
			})
			if err != nil {
				return nil, fmt.Errorf("pass %d slice %d failed: %w", result.Passes+1, i+1, err)
			}
			passUpdated += passResult.Updated
			result.TotalUpdated += passResult.Updated

			if passResult.Cancelled {
				result.Passes++
				result.Cancelled = true
				logger.Infof("Campaign cancelled during pass %d", result.Passes)
				return result, nil
			}

			if i < len(slices)-1 {
				if err := c.sleep(ctx, pause); err != nil {
					return nil, err
				}
			}
		}

		result.Passes++
		logger.Infof("Campaign pass %d updated %d records", result.Passes, passUpdated)
		if passUpdated == 0 {
			result.Converged = true
			break
		}
	}

	logger.Infof("Campaign finished: passes=%d totalUpdated=%d converged=%t",
		result.Passes, result.TotalUpdated, result.Converged)
	return result, nil
}

type dateSlice struct {
	from, to time.Time
}

// yearSlices partitions [from, to] into calendar-year slices intersected
// with the range.
func yearSlices(from, to time.Time) []dateSlice {
	var slices []dateSlice
	for year := from.Year(); year <= to.Year(); year++ {
		sliceFrom := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		sliceTo := time.Date(year, 12, 31, 23, 59, 59, 0, time.UTC)
		if sliceFrom.Before(from) {
			sliceFrom = from
		}
		if sliceTo.After(to) {
			sliceTo = to
		}
		slices = append(slices, dateSlice{from: sliceFrom, to: sliceTo})
	}
	return slices
}
