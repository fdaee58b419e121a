// Package review 人工审核队列
package review

import (
	"context"
	"fmt"

	"post_bot/internal/logger"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/repository"

	"github.com/sirupsen/logrus"
)

// Queue 审核队列服务：同一优先级内先进先出，high 先于 normal 出队
type Queue struct {
	repo repository.ReviewRepository
}

// NewQueue 创建审核队列
func NewQueue(repo repository.ReviewRepository) *Queue {
	return &Queue{repo: repo}
}

// Enqueue 将草稿加入审核队列
func (q *Queue) Enqueue(ctx context.Context, draftID int64, priority models.ReviewPriority, reason string) (*models.ReviewEntry, error) {
	if priority == "" {
		priority = models.ReviewPriorityNormal
	}
	if _, err := models.ParseReviewPriority(string(priority)); err != nil {
		return nil, err
	}

	entry, err := q.repo.Create(ctx, draftID, priority, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue draft %d: %w", draftID, err)
	}

	logger.L().WithFields(logrus.Fields{
		"draft_id": draftID,
		"entry_id": entry.ID,
		"priority": priority,
		"reason":   reason,
	}).Info("Draft queued for review")
	return entry, nil
}

// ListPending 列出待审核条目，priority 为 nil 时返回全部
func (q *Queue) ListPending(ctx context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error) {
	entries, err := q.repo.ListPending(ctx, priority)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Get 获取审核条目
func (q *Queue) Get(ctx context.Context, entryID int64) (*models.ReviewEntry, error) {
	return q.repo.GetByID(ctx, entryID)
}

// Resolve 写入人工结论；已处理的条目返回 ErrAlreadyResolved 且不做任何修改
// 草稿状态的后续处理由编排器负责
func (q *Queue) Resolve(ctx context.Context, entryID int64, decision models.ReviewResolution, reviewer, notes string) (*models.ReviewEntry, error) {
	if !decision.IsDecision() {
		return nil, fmt.Errorf("invalid review decision %q", decision)
	}

	entry, err := q.repo.Resolve(ctx, entryID, decision, reviewer, notes)
	if err != nil {
		return nil, err
	}

	logger.L().WithFields(logrus.Fields{
		"draft_id": entry.DraftID,
		"entry_id": entry.ID,
		"decision": decision,
		"reviewer": reviewer,
	}).Info("Review resolved")
	return entry, nil
}

// CountPending 统计待审核数量
func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	return q.repo.CountPending(ctx)
}
