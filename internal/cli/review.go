package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"post_bot/internal/poster/models"
	"post_bot/internal/poster/pipeline"

	"github.com/spf13/cobra"
)

const (
	defaultReviewer = "cli_user"
	previewLength   = 80
)

// pendingItem list --json 的输出条目
type pendingItem struct {
	Entry *models.ReviewEntry `json:"entry"`
	Draft *models.Draft       `json:"draft"`
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending review entries, high priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *models.ReviewPriority
			if priority != "" {
				p, err := models.ParseReviewPriority(priority)
				if err != nil {
					return err
				}
				filter = &p
			}

			return opts.withService(cmd, func(ctx context.Context, svc Service) error {
				entries, err := svc.ListPendingReviews(ctx, filter)
				if err != nil {
					return err
				}

				items := make([]pendingItem, 0, len(entries))
				for _, entry := range entries {
					draft, err := svc.GetDraft(ctx, entry.DraftID)
					if err != nil {
						return fmt.Errorf("load draft %d: %w", entry.DraftID, err)
					}
					items = append(items, pendingItem{Entry: entry, Draft: draft})
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return outputJSON(out, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No pending reviews.")
					return nil
				}

				fmt.Fprintf(out, "Manual review queue (%d pending):\n\n", len(items))
				for _, item := range items {
					fmt.Fprintf(out, "Entry %d | Draft %d | Priority: %s | Reason: %s\n",
						item.Entry.ID, item.Draft.ID, item.Entry.Priority, item.Entry.Reason)
					fmt.Fprintf(out, "   Text: %s\n", preview(item.Draft.Text, previewLength))
					if failed := item.Draft.FailedChecks(); len(failed) > 0 {
						fmt.Fprintf(out, "   Failed checks: %s\n", strings.Join(failed, ", "))
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "", "only show entries with this priority (normal|high)")
	return cmd
}

func newResolveCommand(opts *rootOptions, decision models.ReviewResolution) *cobra.Command {
	var reviewer, notes string

	use, short := "approve <entry-id>", "Approve an entry and dispatch its draft"
	if decision == models.ReviewResolutionRejected {
		use, short = "reject <entry-id>", "Reject an entry and mark its draft permanently failed"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || entryID <= 0 {
				return fmt.Errorf("invalid entry id %q", args[0])
			}

			return opts.withService(cmd, func(ctx context.Context, svc Service) error {
				result, err := svc.ResolveReview(ctx, entryID, decision, reviewer, notes)
				if err != nil {
					return fmt.Errorf("%s entry %d: %w", decision, entryID, err)
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return outputJSON(out, result)
				}
				printResolveResult(cmd, result)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reviewer, "reviewer", defaultReviewer, "name recorded as the reviewer")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form reviewer notes")
	return cmd
}

func printResolveResult(cmd *cobra.Command, result *pipeline.ResolveResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Entry %d %s by %s: draft %d is now %s\n",
		result.Entry.ID, result.Entry.Resolution, result.Entry.ResolvedBy, result.Draft.ID, result.Draft.State)

	if o := result.Outcome; o != nil {
		switch {
		case o.ExternalID != "":
			fmt.Fprintf(out, "   Posted: %s", o.ExternalID)
			if o.Simulated {
				fmt.Fprint(out, " (dry run)")
			}
			fmt.Fprintln(out)
		case o.Reason != "":
			fmt.Fprintf(out, "   Dispatch: %s (%s)\n", o.Status, o.Reason)
		default:
			fmt.Fprintf(out, "   Dispatch: %s\n", o.Status)
		}
	}
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
