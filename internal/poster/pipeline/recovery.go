package pipeline

import (
	"context"
	"errors"
	"fmt"

	"post_bot/internal/logger"
	"post_bot/internal/poster/models"
)

// RecoveryReport 启动修复的处理结果
type RecoveryReport struct {
	Rechecked  int `json:"rechecked"`  // pending_check 草稿重新执行检查
	Reconciled int `json:"reconciled"` // 已有发布记录，补齐为 posted
	Requeued   int `json:"requeued"`   // 补建缺失的待审核条目
}

// Recover 修复上次退出时未完成的草稿：
//
//	pending_check             重新执行安全检查并按正常流程继续
//	approved + 发布记录       补齐为 posted
//	approved 无发布记录       无法确认外部调用是否完成，转入 high 优先级人工审核
//	*_queued 无待审核条目     补建条目
//
// 必须在调度器和审核命令开始处理之前调用
func (o *Orchestrator) Recover(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	pending, err := o.queue.ListPending(ctx, nil)
	if err != nil {
		return report, err
	}
	hasEntry := make(map[int64]bool, len(pending))
	for _, e := range pending {
		hasEntry[e.DraftID] = true
	}

	drafts, err := o.store.ListDrafts(ctx, models.DraftFilter{States: []models.DraftState{
		models.DraftStatePendingCheck,
		models.DraftStateApproved,
		models.DraftStateRejectedQueued,
		models.DraftStateRateLimitedQueued,
	}})
	if err != nil {
		return report, err
	}

	for _, d := range drafts {
		if d.IsQueued() && hasEntry[d.ID] {
			continue
		}
		if err := o.recoverDraft(ctx, d.ID, report); err != nil {
			pipelineErrors.WithLabelValues("recover").Inc()
			return report, fmt.Errorf("failed to recover draft %d: %w", d.ID, err)
		}
	}

	if report.Rechecked+report.Reconciled+report.Requeued > 0 {
		logger.L().Warnf("Recovered drafts: rechecked=%d reconciled=%d requeued=%d",
			report.Rechecked, report.Reconciled, report.Requeued)
	}
	return report, nil
}

func (o *Orchestrator) recoverDraft(ctx context.Context, draftID int64, report *RecoveryReport) error {
	unlock := o.locks.Lock(draftID)
	defer unlock()

	draft, err := o.store.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	log := draftLog(draft)

	switch draft.State {
	case models.DraftStatePendingCheck:
		if err := o.checkLocked(ctx, draft); err != nil {
			return err
		}
		report.Rechecked++
		if draft.State == models.DraftStateApproved {
			return o.dispatchLocked(ctx, draft.ID)
		}
		return nil

	case models.DraftStateApproved:
		record, err := o.store.GetPostRecord(ctx, draft.ID)
		if err == nil {
			if err := o.store.MarkPosted(ctx, record); err != nil {
				return err
			}
			report.Reconciled++
			log.Warnf("Completed posted state from record %s", record.ExternalID)
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if err := o.queueDraft(ctx, draft.ID, models.DraftStateRateLimitedQueued, models.ReviewPriorityHigh, models.ReviewReasonDispatchInterrupted); err != nil {
			return err
		}
		report.Requeued++
		log.Warn("Interrupted dispatch moved to review")
		return nil

	case models.DraftStateRejectedQueued:
		return o.requeue(ctx, draft, models.ReviewPriorityNormal, safetyReason(draft.FailedChecks()), report)

	case models.DraftStateRateLimitedQueued:
		return o.requeue(ctx, draft, models.ReviewPriorityHigh, models.ReviewReasonRateLimited, report)
	}
	return nil
}

// requeue 为缺少待审核条目的排队草稿补建条目
func (o *Orchestrator) requeue(ctx context.Context, draft *models.Draft, priority models.ReviewPriority, reason string, report *RecoveryReport) error {
	if _, err := o.queue.Enqueue(ctx, draft.ID, priority, reason); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil
		}
		return err
	}
	report.Requeued++
	draftLog(draft).Warn("Queued draft had no pending review, entry recreated")
	return nil
}
