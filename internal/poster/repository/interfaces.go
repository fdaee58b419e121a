package repository

import (
	"context"

	"post_bot/internal/poster/models"
)

// DraftStore 草稿持久化接口（系统记录源）
// 所有写操作在返回前已被确认持久化
type DraftStore interface {
	// CreateDraft 分配 ID 并以 pending_check 状态创建草稿
	CreateDraft(ctx context.Context, kind models.DraftKind, text, draftContext string) (*models.Draft, error)

	// AppendCheckResult 追加一条安全检查结果
	AppendCheckResult(ctx context.Context, draftID int64, result models.CheckResult) error

	// SetState 按状态机迁移草稿状态，非法迁移返回 ErrInvalidTransition
	SetState(ctx context.Context, draftID int64, state models.DraftState) error

	// RecordFailure 标记发布失败并保存错误原文
	RecordFailure(ctx context.Context, draftID int64, message string) error

	// RecordPost 写入发布记录并迁移到 posted，重复发布返回 ErrConflict
	RecordPost(ctx context.Context, draftID int64, externalID string, simulated bool) (*models.PostRecord, error)

	// MarkPosted 依据已存在的发布记录把 approved 草稿迁移到 posted（崩溃后补齐）
	MarkPosted(ctx context.Context, record *models.PostRecord) error

	// GetPostRecord 获取草稿的发布记录
	GetPostRecord(ctx context.Context, draftID int64) (*models.PostRecord, error)

	// GetDraft 根据 ID 获取草稿
	GetDraft(ctx context.Context, draftID int64) (*models.Draft, error)

	// ListDrafts 按创建时间升序列出草稿
	ListDrafts(ctx context.Context, filter models.DraftFilter) ([]*models.Draft, error)

	// CountByState 按状态统计草稿数量
	CountByState(ctx context.Context) (map[models.DraftState]int64, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// ReviewRepository 人工审核队列数据访问接口
type ReviewRepository interface {
	// Create 创建待审核条目
	Create(ctx context.Context, draftID int64, priority models.ReviewPriority, reason string) (*models.ReviewEntry, error)

	// GetByID 根据 ID 获取条目
	GetByID(ctx context.Context, entryID int64) (*models.ReviewEntry, error)

	// ListPending 列出待审核条目（high 优先，同级按入队顺序）
	ListPending(ctx context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error)

	// Resolve 仅当条目仍为 pending 时写入结论
	Resolve(ctx context.Context, entryID int64, resolution models.ReviewResolution, reviewer, notes string) (*models.ReviewEntry, error)

	// CountPending 统计待审核数量
	CountPending(ctx context.Context) (int64, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}
