package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/wadispatch/internal/api"
)

var (
	templatesListStatus string
	templatesRotateWhy  string
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Message template commands",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates known to a running instance",
	RunE:  runTemplatesList,
}

var templatesRotateCmd = &cobra.Command{
	Use:   "rotate <key>",
	Short: "Retire a template and submit its replacement",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatesRotate,
}

func init() {
	templatesListCmd.Flags().StringVar(&templatesListStatus, "status", "", "Filter by status (approved, pending, rejected, rotated)")
	templatesRotateCmd.Flags().StringVar(&templatesRotateWhy, "reason", "", "Rotation reason")

	templatesCmd.AddCommand(templatesListCmd, templatesRotateCmd)
	rootCmd.AddCommand(templatesCmd)
}

func runTemplatesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := "/api/v1/templates"
	if templatesListStatus != "" {
		path += "?status=" + url.QueryEscape(templatesListStatus)
	}

	var resp api.TemplateListResponse
	if err := newAPIClient(&cfg.API).do(context.Background(), http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Templates) == 0 {
		fmt.Println("No templates found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tCATEGORY\tSTATUS\tMESSAGES\tBLOCK RATE\tREPORT RATE")
	fmt.Fprintln(w, "---\t--------\t------\t--------\t----------\t-----------")

	for _, t := range resp.Templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f%%\t%.2f%%\n",
			t.Key,
			t.Category,
			t.Status,
			t.Metrics.Messages,
			t.Metrics.BlockRate*100,
			t.Metrics.ReportRate*100,
		)
	}

	w.Flush()
	if resp.Stats != nil {
		fmt.Printf("\nTotal: %d (approved %d, pending %d, rejected %d, rotated %d)\n",
			resp.Stats.Total, resp.Stats.Approved, resp.Stats.Pending, resp.Stats.Rejected, resp.Stats.Rotated)
	}
	return nil
}

func runTemplatesRotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body := api.TemplateRotateRequest{Reason: templatesRotateWhy}
	var resp api.TemplateRotateResponse
	path := "/api/v1/templates/" + url.PathEscape(args[0]) + "/rotate"
	if err := newAPIClient(&cfg.API).do(context.Background(), http.MethodPost, path, body, &resp); err != nil {
		return err
	}

	fmt.Printf("Template %s rotated, replacement %s submitted for review\n", resp.Key, resp.Replacement)
	return nil
}
