package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wadispatch/internal/api"
	"github.com/foxzi/wadispatch/internal/scheduler"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start today's distribution now on a running instance",
	RunE:  runTrigger,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active distribution on a running instance",
	RunE:  runCancel,
}

var nextRunCmd = &cobra.Command{
	Use:   "next-run",
	Short: "Show the next scheduled delivery time",
	RunE:  runNextRun,
}

func init() {
	rootCmd.AddCommand(triggerCmd, cancelCmd, nextRunCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var resp api.BroadcastResponse
	if err := newAPIClient(&cfg.API).do(context.Background(), http.MethodPost, "/api/v1/broadcast", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Run %s %s\n", resp.RunID, resp.Status)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var resp api.BroadcastResponse
	if err := newAPIClient(&cfg.API).do(context.Background(), http.MethodPost, "/api/v1/broadcast/cancel", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Run %s %s\n", resp.RunID, resp.Status)
	return nil
}

func runNextRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	loc := cfg.Location()
	next, err := scheduler.NextRun(cfg.Scheduler.DeliveryTime, loc, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("Next run: %s (%s)\n", next.Format(time.RFC3339), loc)
	fmt.Printf("Window:   %s until %s\n", next.Format("15:04"), next.Add(cfg.Scheduler.Window).Format("15:04"))
	if !cfg.Scheduler.Enabled {
		fmt.Println("Note: the daily trigger is disabled (scheduler.enabled: false)")
	}
	return nil
}
