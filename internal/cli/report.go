package cli

import (
	"context"
	"fmt"
	"os"

	"post_bot/internal/poster/models"
	"post_bot/internal/poster/pipeline"

	"github.com/spf13/cobra"
)

const defaultExportFile = "audit_export.json"

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show draft totals per state and pending reviews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc Service) error {
				stats, err := svc.Stats(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return outputJSON(out, stats)
				}

				fmt.Fprintln(out, "Audit log statistics:")
				fmt.Fprintf(out, "  %-22s %d\n", "total drafts", stats.TotalDrafts)
				for _, state := range models.AllStates() {
					fmt.Fprintf(out, "  %-22s %d\n", state, stats.ByState[state])
				}
				fmt.Fprintf(out, "  %-22s %d\n", "pending reviews", stats.PendingReviews)
				return nil
			})
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every draft with its check history as JSON",
		Long: `Export every draft ordered by creation time, including all safety
check results and the post record of posted drafts.

Use --out - to write to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc Service) error {
				records, err := svc.ExportAudit(ctx)
				if err != nil {
					return err
				}

				if outPath == "-" {
					return pipeline.WriteAuditJSON(cmd.OutOrStdout(), records)
				}

				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				if err := pipeline.WriteAuditJSON(f, records); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("close %s: %w", outPath, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d drafts to %s\n", len(records), outPath)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", defaultExportFile, "output file, - for stdout")
	return cmd
}
