package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wadispatch/internal/ledger"
)

var (
	runsListDate     string
	runsListState    string
	runsListLimit    int
	runsShowAttempts bool
	runsShowOutcome  string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect distribution run reports",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show a run report",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	RunE:  runRunsStats,
}

func init() {
	runsListCmd.Flags().StringVar(&runsListDate, "date", "", "Filter by date (YYYY-MM-DD)")
	runsListCmd.Flags().StringVar(&runsListState, "state", "", "Filter by state (running, finalized, aborted)")
	runsListCmd.Flags().IntVar(&runsListLimit, "limit", 20, "Maximum number of runs to show")
	runsShowCmd.Flags().BoolVar(&runsShowAttempts, "attempts", false, "List send attempts")
	runsShowCmd.Flags().StringVar(&runsShowOutcome, "outcome", "", "Filter attempts by outcome (sent, delivered, failed)")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// openLedger opens the ledger file directly; a running server holds the lock
func openLedger() (*ledger.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := ledger.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger (is the server running?): %w", err)
	}
	return storage, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	storage, err := openLedger()
	if err != nil {
		return err
	}
	defer storage.Close()

	runs, err := storage.ListRuns(context.Background(), ledger.RunFilter{
		Date:  runsListDate,
		State: ledger.RunState(runsListState),
		Limit: runsListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tSTATE\tTRIGGER\tRECIPIENTS\tSENT\tFAILED\tSLA")
	fmt.Fprintln(w, "--\t----\t-----\t-------\t----------\t----\t------\t---")

	for _, r := range runs {
		sla := fmt.Sprintf("%.2f%%", r.SLAAchieved*100)
		if r.State == ledger.StateAborted {
			sla = r.AbortReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.Date,
			r.State,
			r.Trigger,
			r.TotalRecipients,
			r.Sent,
			r.Failed,
			sla,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d runs\n", len(runs))
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	storage, err := openLedger()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	r, err := storage.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if r == nil {
		return fmt.Errorf("run not found: %s", args[0])
	}

	fmt.Printf("Run: %s\n\n", r.ID)
	fmt.Printf("Date:        %s\n", r.Date)
	fmt.Printf("State:       %s\n", r.State)
	fmt.Printf("Trigger:     %s\n", r.Trigger)
	if r.AbortReason != "" {
		fmt.Printf("Aborted:     %s\n", r.AbortReason)
	}
	fmt.Printf("Content:     %s (%s)\n", r.ContentID, r.Purpose)
	fmt.Printf("Window:      %s - %s\n", r.WindowStart.Format(time.RFC3339), r.WindowEnd.Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Printf("Finished:    %s\n", r.FinishedAt.Format(time.RFC3339))
	}
	fmt.Printf("Recipients:  %d in %d batches\n", r.TotalRecipients, r.Batches)
	fmt.Printf("Sent:        %d (retried %d, confirmed %d)\n", r.Sent, r.Retried, r.Confirmed)
	fmt.Printf("Failed:      %d\n", r.Failed)
	fmt.Printf("SLA:         %.2f%% of %.2f%% target", r.SLAAchieved*100, r.SLATarget*100)
	if r.Provisional {
		fmt.Print(" (provisional)")
	}
	fmt.Println()

	if len(r.NumberUsage) > 0 {
		fmt.Println("\nNumber usage:")
		for id, n := range r.NumberUsage {
			fmt.Printf("  %s: %d\n", id, n)
		}
	}

	if len(r.Violations) > 0 {
		fmt.Printf("\nViolations (%d):\n", len(r.Violations))
		for _, v := range r.Violations {
			fmt.Printf("  %s: %s after %d attempts\n", v.RecipientID, v.Reason, v.Attempts)
		}
	}

	if !runsShowAttempts {
		return nil
	}

	attempts, err := storage.ListAttempts(ctx, r.ID, ledger.AttemptFilter{Outcome: ledger.Outcome(runsShowOutcome)})
	if err != nil {
		return fmt.Errorf("failed to list attempts: %w", err)
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECIPIENT\tATTEMPT\tNUMBER\tTEMPLATE\tOUTCOME\tERROR")
	for _, a := range attempts {
		errText := a.Reason
		if a.ErrorKind != "" {
			errText = string(a.ErrorKind) + ": " + a.Reason
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", a.RecipientID, a.Attempt, a.NumberID, a.TemplateKey, a.Outcome, errText)
	}
	w.Flush()
	return nil
}

func runRunsStats(cmd *cobra.Command, args []string) error {
	storage, err := openLedger()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Ledger Statistics")
	fmt.Println("=================")
	fmt.Printf("Runs:      %d\n", stats.Runs)
	fmt.Printf("Attempts:  %d\n", stats.Attempts)
	fmt.Printf("Sent:      %d\n", stats.Sent)
	fmt.Printf("Delivered: %d\n", stats.Delivered)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
