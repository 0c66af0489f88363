package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thrifts-za/protenders-platform-sub003/internal/backfill"
	"github.com/thrifts-za/protenders-platform-sub003/internal/jobs"
	"github.com/thrifts-za/protenders-platform-sub003/internal/logger"
	"github.com/thrifts-za/protenders-platform-sub003/internal/service"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Enrich historical tenders that are missing detail fields",
	Long: `Run an enrichment backfill over stored tenders. By default a single
bounded pass is executed; with --campaign the engine keeps sweeping year
slices until a pass produces zero updates or --max-passes is reached.`,
	RunE: runBackfill,
}

var backfillCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of the running backfill",
	RunE:  runBackfillCancel,
}

func init() {
	backfillCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	backfillCmd.Flags().Int("year", 0, "Calendar year to backfill")
	backfillCmd.Flags().Bool("all-time", false, "Backfill the full historical range")
	backfillCmd.Flags().Int("limit", 500, "Max records per pass")
	backfillCmd.Flags().Int("delay-ms", 0, "Pause between records in milliseconds (0 = config default)")
	backfillCmd.Flags().Int("time-budget-ms", 0, "Stop a pass after this wall-clock budget (0 = unbounded)")
	backfillCmd.Flags().Bool("campaign", false, "Sweep repeatedly until convergence")
	backfillCmd.Flags().Int("max-passes", 0, "Campaign pass cap (0 = default, negative = unbounded)")

	if err := backfillCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	backfillCmd.AddCommand(backfillCancelCmd)
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	year, _ := cmd.Flags().GetInt("year")
	allTime, _ := cmd.Flags().GetBool("all-time")
	limit, _ := cmd.Flags().GetInt("limit")
	delayMs, _ := cmd.Flags().GetInt("delay-ms")
	budgetMs, _ := cmd.Flags().GetInt("time-budget-ms")
	campaign, _ := cmd.Flags().GetBool("campaign")
	maxPasses, _ := cmd.Flags().GetInt("max-passes")

	if year == 0 && !allTime {
		return fmt.Errorf("either --year or --all-time is required")
	}
	if limit < 1 {
		return fmt.Errorf("--limit must be positive")
	}

	ctx := cmd.Context()
	d, err := buildDeps(ctx, configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	delay := d.cfg.GetRecordDelay()
	if delayMs > 0 {
		delay = time.Duration(delayMs) * time.Millisecond
	}

	if campaign {
		return runBackfillCampaign(cmd, d, year, allTime, limit, delay, maxPasses)
	}

	resp, err := d.service.TriggerBackfill(ctx, service.BackfillRequest{
		Year:       year,
		AllTime:    allTime,
		Limit:      limit,
		Delay:      delay,
		TimeBudget: time.Duration(budgetMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	return printJSON(cmd, map[string]any{
		"jobId":  resp.JobID,
		"from":   resp.From.Format("2006-01-02"),
		"to":     resp.To.Format("2006-01-02"),
		"result": resp.Result,
	})
}

// runBackfillCampaign drives the multi-pass engine directly and records the
// whole campaign as one ledger row, so the API sees it like any other run.
func runBackfillCampaign(cmd *cobra.Command, d *deps, year int, allTime bool, limit int, delay time.Duration, maxPasses int) error {
	ctx := cmd.Context()

	from, to, err := campaignWindow(year, allTime)
	if err != nil {
		return err
	}

	if err := d.store.SetFlag(ctx, backfill.CancelFlagName, false); err != nil {
		return fmt.Errorf("failed to clear cancel flag: %w", err)
	}

	job, err := d.ledger.Begin(ctx, jobs.TypeEnrichBackfill, map[string]any{
		"mode":  "campaign",
		"from":  from.Format("2006-01-02"),
		"to":    to.Format("2006-01-02"),
		"limit": limit,
	})
	if err != nil {
		return fmt.Errorf("failed to record campaign: %w", err)
	}

	result, runErr := backfill.NewCampaign(d.engine).Run(ctx, backfill.CampaignParams{
		From:         from,
		To:           to,
		Limit:        limit,
		Delay:        delay,
		MaxPasses:    maxPasses,
		RecheckAfter: d.cfg.GetRecheckAfter(),
	})

	status := jobs.StatusSuccess
	note := ""
	switch {
	case runErr != nil:
		status = jobs.StatusFailed
		note = runErr.Error()
	case result.Cancelled:
		status = jobs.StatusCancelled
	default:
		note = fmt.Sprintf("passes=%d updated=%d converged=%t", result.Passes, result.TotalUpdated, result.Converged)
	}
	if err := d.ledger.Complete(ctx, job.ID, status, note, map[string]any{"result": result}); err != nil {
		logger.Errorf("Failed to record campaign completion for %s: %v", job.ID, err)
	}
	if runErr != nil {
		return fmt.Errorf("campaign failed: %w", runErr)
	}

	return printJSON(cmd, map[string]any{
		"jobId":  job.ID,
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
		"result": result,
	})
}

func campaignWindow(year int, allTime bool) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	if allTime {
		return time.Date(service.EarliestBackfillYear, time.January, 1, 0, 0, 0, 0, time.UTC), now, nil
	}
	if year < service.EarliestBackfillYear || year > now.Year() {
		return time.Time{}, time.Time{}, fmt.Errorf("year must be between %d and %d", service.EarliestBackfillYear, now.Year())
	}
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0).Add(-time.Nanosecond)
	if to.After(now) {
		to = now
	}
	return from, to, nil
}

func runBackfillCancel(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	d, err := buildDeps(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.service.CancelBackfill(cmd.Context()); err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested; the running pass stops at the next record boundary.")
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
