package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wadispatch/internal/api"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show sending numbers of a running instance",
	RunE:  runPool,
}

func init() {
	rootCmd.AddCommand(poolCmd)
}

func runPool(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var resp api.PoolResponse
	if err := newAPIClient(&cfg.API).do(context.Background(), http.MethodGet, "/api/v1/pool", nil, &resp); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tSTATUS\tQUALITY\tUSED\tLIMIT\tRATE\tPAUSED UNTIL")
	fmt.Fprintln(w, "--\t----\t------\t-------\t----\t-----\t----\t------------")

	for _, n := range resp.Numbers {
		rate := "-"
		if n.Rate != nil {
			rate = fmt.Sprintf("%.0f/s", n.Rate.Rate)
		}
		paused := "-"
		if n.Paused {
			paused = n.PausedUntil.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			n.ID,
			n.Role,
			n.Status,
			n.Quality,
			n.CurrentUsage,
			n.EffectiveLimit,
			rate,
			paused,
		)
	}

	w.Flush()
	fmt.Printf("\nHealthy: %d of %d\n", resp.Healthy, resp.Total)
	return nil
}
