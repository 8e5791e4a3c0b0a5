package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iamkalio/sre-agent/internal/config"
	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/repo"
)

var reportsLimit int

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Inspect stored investigation reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openReportStore()
		if err != nil {
			return err
		}
		defer store.Close()

		reports, err := store.List(cmd.Context(), reportsLimit)
		if err != nil {
			return err
		}
		return printReportTable(cmd.OutOrStdout(), reports)
	},
}

var reportsGetCmd = &cobra.Command{
	Use:   "get <investigation-id>",
	Short: "Print one report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openReportStore()
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	reportsListCmd.Flags().IntVar(&reportsLimit, "limit", 20, "maximum number of reports to show")
	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsGetCmd)
}

func openReportStore() (*repo.ReportStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Reports.DSN == "" {
		return nil, fmt.Errorf("reports.dsn is not configured")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return repo.NewReportStore(cfg.Reports.DSN, nil, logger)
}

func printReportTable(w io.Writer, reports []models.RCAReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALERT\tSEVERITY\tSTATUS\tCONFIDENCE\tGENERATED")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.InvestigationID,
			r.AlertName,
			r.Severity,
			r.Status,
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			r.GeneratedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return tw.Flush()
}
