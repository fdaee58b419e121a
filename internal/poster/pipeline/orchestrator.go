// Package pipeline 编排草稿的安全检查、发布与人工审核流程
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"post_bot/internal/logger"
	"post_bot/internal/poster/dispatch"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/platform"
	"post_bot/internal/poster/repository"
	"post_bot/internal/poster/review"
	"post_bot/internal/poster/safety"

	"github.com/sirupsen/logrus"
)

// ErrNoGenerator 未配置文本生成器
var ErrNoGenerator = errors.New("no text generator configured")

// Orchestrator 按状态机推进草稿：
//
//	pending_check -> approved -> posted | rate_limited_queued | permanently_failed
//	pending_check -> rejected_queued
//	*_queued      -> approved (人工批准后重新发布) | permanently_failed (人工拒绝)
type Orchestrator struct {
	store      repository.DraftStore
	queue      *review.Queue
	gate       *safety.Gate
	dispatcher *dispatch.Dispatcher
	generator  platform.Generator
	tx         repository.Transactor
	locks      *keyedMutex
}

// Option 编排器配置项
type Option func(*Orchestrator)

// WithTransactor 设置草稿与审核队列成对写入使用的事务执行器
func WithTransactor(tx repository.Transactor) Option {
	return func(o *Orchestrator) {
		if tx != nil {
			o.tx = tx
		}
	}
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	store repository.DraftStore,
	queue *review.Queue,
	gate *safety.Gate,
	dispatcher *dispatch.Dispatcher,
	generator platform.Generator,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		queue:      queue,
		gate:       gate,
		dispatcher: dispatcher,
		generator:  generator,
		tx:         repository.DirectTransactor{},
		locks:      newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ResolveResult 人工审核的处理结果
type ResolveResult struct {
	Entry   *models.ReviewEntry `json:"entry"`
	Draft   *models.Draft       `json:"draft"`
	Outcome *dispatch.Outcome   `json:"outcome,omitempty"` // 仅批准时有值
}

func draftLog(draft *models.Draft) *logrus.Entry {
	return logger.L().WithFields(logrus.Fields{
		"draft_id": draft.ID,
		"kind":     draft.Kind,
	})
}

// SubmitDraftForPosting 创建草稿并执行安全检查；通过则立即发布，否则进入审核队列
func (o *Orchestrator) SubmitDraftForPosting(ctx context.Context, kind models.DraftKind, text, draftContext string) (*models.Draft, error) {
	draft, err := o.store.CreateDraft(ctx, kind, text, draftContext)
	if err != nil {
		pipelineErrors.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}
	draftsCreated.WithLabelValues(string(kind)).Inc()

	unlock := o.locks.Lock(draft.ID)
	defer unlock()

	if err := o.checkLocked(ctx, draft); err != nil {
		pipelineErrors.WithLabelValues("check").Inc()
		return nil, err
	}

	if draft.State == models.DraftStateApproved {
		if err := o.dispatchLocked(ctx, draft.ID); err != nil {
			pipelineErrors.WithLabelValues("dispatch").Inc()
			return nil, err
		}
	}

	return o.store.GetDraft(context.WithoutCancel(ctx), draft.ID)
}

// checkLocked 执行安全检查并记录全部结果
func (o *Orchestrator) checkLocked(ctx context.Context, draft *models.Draft) error {
	verdict := o.gate.Evaluate(draft.Text)
	for _, result := range verdict.Results {
		if err := o.store.AppendCheckResult(ctx, draft.ID, result); err != nil {
			return fmt.Errorf("failed to record check %s: %w", result.CheckName, err)
		}
		if !result.Passed {
			checkFailures.WithLabelValues(result.CheckName).Inc()
		}
	}

	log := draftLog(draft)
	if verdict.Passed {
		if err := o.store.SetState(ctx, draft.ID, models.DraftStateApproved); err != nil {
			return err
		}
		draft.State = models.DraftStateApproved
		log.Info("Draft passed safety checks")
		return nil
	}

	failed := make([]string, 0, len(verdict.Results))
	for _, r := range verdict.FailedChecks() {
		failed = append(failed, r.CheckName)
	}
	if err := o.queueDraft(ctx, draft.ID, models.DraftStateRejectedQueued, models.ReviewPriorityNormal, safetyReason(failed)); err != nil {
		return err
	}
	draft.State = models.DraftStateRejectedQueued

	log.WithField("failed_checks", failed).Warn("Draft rejected by safety checks")
	return nil
}

// dispatchLocked 发布一条 approved 草稿并记录结果，调用方需持有草稿锁
func (o *Orchestrator) dispatchLocked(ctx context.Context, draftID int64) error {
	// 外部调用返回后的记录不随调用方取消而中断
	bctx := context.WithoutCancel(ctx)

	draft, err := o.store.GetDraft(bctx, draftID)
	if err != nil {
		return err
	}
	if draft.State != models.DraftStateApproved {
		return fmt.Errorf("draft %d is %s, not approved: %w", draftID, draft.State, models.ErrInvalidTransition)
	}

	log := draftLog(draft)

	// 上次发布成功但状态未写入
	record, err := o.store.GetPostRecord(bctx, draftID)
	if err == nil {
		log.Warnf("Post record %s already exists, completing state without resubmitting", record.ExternalID)
		return o.store.MarkPosted(bctx, record)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	outcome := o.dispatcher.Dispatch(ctx, draft)
	dispatchOutcomes.WithLabelValues(string(outcome.Status), strconv.FormatBool(outcome.Simulated)).Inc()
	if outcome.Waited > 0 {
		dispatchBackoff.Observe(outcome.Waited.Seconds())
	}

	switch outcome.Status {
	case dispatch.StatusPosted:
		if _, err := o.store.RecordPost(bctx, draftID, outcome.ExternalID, outcome.Simulated); err != nil {
			log.Errorf("Draft posted as %s but record failed: %v", outcome.ExternalID, err)
			return err
		}
		return nil

	case dispatch.StatusRateLimited:
		reason := models.ReviewReasonRateLimited
		if outcome.Reason != "" {
			reason += ": " + outcome.Reason
		}
		if err := o.queueDraft(bctx, draftID, models.DraftStateRateLimitedQueued, models.ReviewPriorityHigh, reason); err != nil {
			return err
		}
		log.Warnf("Draft deferred to review: %s", outcome.Reason)
		return nil

	default:
		if err := o.store.RecordFailure(bctx, draftID, outcome.Reason); err != nil {
			return err
		}
		log.Errorf("Draft permanently failed: %s", outcome.Reason)
		return nil
	}
}

// GenerateAndSubmit 生成原创内容并提交；生成失败不产生草稿，返回 (nil, nil)
func (o *Orchestrator) GenerateAndSubmit(ctx context.Context, kind models.DraftKind, genContext string) (*models.Draft, error) {
	if o.generator == nil {
		return nil, ErrNoGenerator
	}
	text, err := o.generator.Generate(ctx, kind, genContext)
	if err != nil {
		generationFailures.WithLabelValues(string(kind)).Inc()
		logger.L().Warnf("Generation failed, no draft created: %v", err)
		return nil, nil
	}
	return o.SubmitDraftForPosting(ctx, kind, text, genContext)
}

// Reply 针对提及消息生成回复并提交，回复以 @作者 开头
func (o *Orchestrator) Reply(ctx context.Context, mention platform.Mention) (*models.Draft, error) {
	if o.generator == nil {
		return nil, ErrNoGenerator
	}
	text, err := o.generator.Generate(ctx, models.DraftKindReply, mention.Text)
	if err != nil {
		generationFailures.WithLabelValues(string(models.DraftKindReply)).Inc()
		logger.L().Warnf("Reply generation failed for %s, no draft created: %v", mention.ContextID, err)
		return nil, nil
	}
	if mention.Author != "" {
		text = "@" + strings.TrimPrefix(mention.Author, "@") + " " + text
	}
	return o.SubmitDraftForPosting(ctx, models.DraftKindReply, text, mention.ContextID)
}

// ListPendingReviews 列出待审核条目
func (o *Orchestrator) ListPendingReviews(ctx context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error) {
	return o.queue.ListPending(ctx, priority)
}

// ResolveReview 处理人工审核：批准后重新发布，拒绝则终止
// 已处理的条目返回 ErrAlreadyResolved，不修改任何状态
func (o *Orchestrator) ResolveReview(ctx context.Context, entryID int64, decision models.ReviewResolution, reviewer, notes string) (*ResolveResult, error) {
	if !decision.IsDecision() {
		return nil, fmt.Errorf("invalid review decision %q", decision)
	}

	entry, err := o.queue.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(entry.DraftID)
	defer unlock()

	// 持锁后重新读取，并发的审核可能已处理该条目
	entry, err = o.queue.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !entry.IsPending() {
		return nil, fmt.Errorf("review entry %d: %w", entryID, models.ErrAlreadyResolved)
	}

	draft, err := o.store.GetDraft(ctx, entry.DraftID)
	if err != nil {
		return nil, err
	}
	if !draft.IsQueued() {
		return nil, fmt.Errorf("draft %d is %s, not queued for review: %w", draft.ID, draft.State, models.ErrInvalidTransition)
	}

	bctx := context.WithoutCancel(ctx)

	// 条目结论与草稿状态一起提交
	var resolved *models.ReviewEntry
	err = o.tx.WithTransaction(bctx, func(txCtx context.Context) error {
		var err error
		if resolved, err = o.queue.Resolve(txCtx, entryID, decision, reviewer, notes); err != nil {
			return err
		}
		if decision == models.ReviewResolutionRejected {
			return o.store.RecordFailure(txCtx, draft.ID, rejectionMessage(reviewer, notes))
		}
		return o.store.SetState(txCtx, draft.ID, models.DraftStateApproved)
	})
	if err != nil {
		return nil, err
	}
	reviewResolutions.WithLabelValues(string(decision)).Inc()

	result := &ResolveResult{Entry: resolved}

	if decision == models.ReviewResolutionApproved {
		if err := o.dispatchLocked(ctx, draft.ID); err != nil {
			pipelineErrors.WithLabelValues("dispatch").Inc()
			return nil, err
		}
	}

	updated, err := o.store.GetDraft(bctx, draft.ID)
	if err != nil {
		return nil, err
	}
	result.Draft = updated
	if decision == models.ReviewResolutionApproved {
		result.Outcome = outcomeFromDraft(updated)
	}
	return result, nil
}

// queueDraft 迁移到排队状态并创建待审核条目，两者一起提交
func (o *Orchestrator) queueDraft(ctx context.Context, draftID int64, state models.DraftState, priority models.ReviewPriority, reason string) error {
	return o.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := o.store.SetState(txCtx, draftID, state); err != nil {
			return err
		}
		_, err := o.queue.Enqueue(txCtx, draftID, priority, reason)
		return err
	})
}

func safetyReason(failed []string) string {
	return models.ReviewReasonSafetyFailed + ": " + strings.Join(failed, ", ")
}

func rejectionMessage(reviewer, notes string) string {
	message := "rejected by reviewer"
	if reviewer != "" {
		message += " " + reviewer
	}
	if notes != "" {
		message += ": " + notes
	}
	return message
}

// outcomeFromDraft 根据草稿终态还原发布结果，供审核工具展示
func outcomeFromDraft(d *models.Draft) *dispatch.Outcome {
	switch d.State {
	case models.DraftStatePosted:
		return &dispatch.Outcome{Status: dispatch.StatusPosted, ExternalID: d.PostReference, Simulated: d.Simulated}
	case models.DraftStateRateLimitedQueued:
		return &dispatch.Outcome{Status: dispatch.StatusRateLimited}
	default:
		return &dispatch.Outcome{Status: dispatch.StatusFailed, Reason: d.ErrorMessage}
	}
}

// Stats 统计草稿与待审核数量
func (o *Orchestrator) Stats(ctx context.Context) (*models.DraftStats, error) {
	byState, err := o.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := o.queue.CountPending(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.DraftStats{
		ByState:        byState,
		PendingReviews: pending,
	}
	for _, n := range byState {
		stats.TotalDrafts += n
	}
	return stats, nil
}

// GetDraft 读取草稿
func (o *Orchestrator) GetDraft(ctx context.Context, draftID int64) (*models.Draft, error) {
	return o.store.GetDraft(ctx, draftID)
}
