// Package cli 人工审核命令行
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"post_bot/internal/poster/models"
	"post_bot/internal/poster/pipeline"

	"github.com/spf13/cobra"
)

// Service 审核命令使用的编排器操作，*pipeline.Orchestrator 实现了它
type Service interface {
	ListPendingReviews(ctx context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error)
	ResolveReview(ctx context.Context, entryID int64, decision models.ReviewResolution, reviewer, notes string) (*pipeline.ResolveResult, error)
	GetDraft(ctx context.Context, draftID int64) (*models.Draft, error)
	Stats(ctx context.Context) (*models.DraftStats, error)
	ExportAudit(ctx context.Context) ([]pipeline.AuditRecord, error)
}

var _ Service = (*pipeline.Orchestrator)(nil)

// Opener 打开服务，返回的 close 在命令结束时调用
type Opener func(ctx context.Context) (Service, func(context.Context) error, error)

type rootOptions struct {
	open       Opener
	jsonOutput bool
}

// NewRootCommand 构建 review 命令树
func NewRootCommand(open Opener) *cobra.Command {
	opts := &rootOptions{open: open}

	root := &cobra.Command{
		Use:   "review",
		Short: "Manual review queue for post_bot drafts",
		Long: `Inspect and resolve drafts held for human review.

Drafts land in the queue when a safety check fails (priority normal)
or when the platform keeps rate limiting them (priority high).
Approving an entry dispatches the draft immediately; rejecting it
marks the draft permanently failed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newListCommand(opts),
		newResolveCommand(opts, models.ReviewResolutionApproved),
		newResolveCommand(opts, models.ReviewResolutionRejected),
		newStatsCommand(opts),
		newExportCommand(opts),
	)
	return root
}

// Execute 运行命令，失败时以非零状态退出
func Execute(open Opener) {
	if err := NewRootCommand(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}

// withService 打开服务执行 fn，并确保关闭
func (o *rootOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, closeFn, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeFn != nil {
			_ = closeFn(context.Background())
		}
	}()

	return fn(ctx, svc)
}

// outputJSON prints v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
