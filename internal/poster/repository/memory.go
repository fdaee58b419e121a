package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"post_bot/internal/poster/models"
)

// MemoryDraftStore 进程内草稿存储，语义与 MongoDraftStore 一致，不持久化
// 用于测试与 dry-run 演练
type MemoryDraftStore struct {
	mu      sync.RWMutex
	seq     int64
	drafts  map[int64]*models.Draft
	posts   map[int64]*models.PostRecord
	nowFunc func() time.Time
}

// NewMemoryDraftStore 创建进程内草稿存储
func NewMemoryDraftStore() *MemoryDraftStore {
	return &MemoryDraftStore{
		drafts:  make(map[int64]*models.Draft),
		posts:   make(map[int64]*models.PostRecord),
		nowFunc: time.Now,
	}
}

// SetClock 替换时间来源
func (s *MemoryDraftStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *MemoryDraftStore) now() time.Time {
	return s.nowFunc().UTC()
}

func cloneDraft(d *models.Draft) *models.Draft {
	clone := *d
	clone.SafetyResults = append([]models.CheckResult{}, d.SafetyResults...)
	if d.PostedAt != nil {
		t := *d.PostedAt
		clone.PostedAt = &t
	}
	return &clone
}

// CreateDraft 创建草稿
func (s *MemoryDraftStore) CreateDraft(_ context.Context, kind models.DraftKind, text, draftContext string) (*models.Draft, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid draft kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := s.now()
	draft := &models.Draft{
		ID:            s.seq,
		Kind:          kind,
		Text:          text,
		Context:       draftContext,
		State:         models.DraftStatePendingCheck,
		SafetyResults: []models.CheckResult{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.drafts[draft.ID] = draft
	return cloneDraft(draft), nil
}

// AppendCheckResult 追加安全检查结果
func (s *MemoryDraftStore) AppendCheckResult(_ context.Context, draftID int64, result models.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[draftID]
	if !ok {
		return fmt.Errorf("draft %d: %w", draftID, models.ErrNotFound)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = s.now()
	}
	draft.SafetyResults = append(draft.SafetyResults, result)
	draft.UpdatedAt = s.now()
	return nil
}

// SetState 迁移草稿状态
func (s *MemoryDraftStore) SetState(_ context.Context, draftID int64, state models.DraftState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionLocked(draftID, state)
	return err
}

// RecordFailure 标记为永久失败并记录错误原文
func (s *MemoryDraftStore) RecordFailure(_ context.Context, draftID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.transitionLocked(draftID, models.DraftStatePermanentlyFailed)
	if err != nil {
		return err
	}
	draft.ErrorMessage = message
	return nil
}

func (s *MemoryDraftStore) transitionLocked(draftID int64, to models.DraftState) (*models.Draft, error) {
	draft, ok := s.drafts[draftID]
	if !ok {
		return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrNotFound)
	}
	if !models.CanTransition(draft.State, to) {
		return nil, fmt.Errorf("draft %d %s -> %s: %w", draftID, draft.State, to, models.ErrInvalidTransition)
	}
	draft.State = to
	draft.UpdatedAt = s.now()
	return draft, nil
}

// RecordPost 写入发布记录并迁移到 posted
func (s *MemoryDraftStore) RecordPost(_ context.Context, draftID int64, externalID string, simulated bool) (*models.PostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[draftID]
	if !ok {
		return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrNotFound)
	}
	if _, exists := s.posts[draftID]; exists || draft.State == models.DraftStatePosted {
		return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrConflict)
	}
	if _, err := s.transitionLocked(draftID, models.DraftStatePosted); err != nil {
		return nil, err
	}

	now := s.now()
	record := &models.PostRecord{
		DraftID:    draftID,
		ExternalID: externalID,
		Simulated:  simulated,
		PostedAt:   now,
	}
	s.posts[draftID] = record

	draft.PostReference = externalID
	draft.PostedAt = &now
	draft.Simulated = simulated

	clone := *record
	return &clone, nil
}

// MarkPosted 迁移到 posted 并写入外部 ID
func (s *MemoryDraftStore) MarkPosted(_ context.Context, record *models.PostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.transitionLocked(record.DraftID, models.DraftStatePosted)
	if err != nil {
		return err
	}
	postedAt := record.PostedAt
	draft.PostReference = record.ExternalID
	draft.PostedAt = &postedAt
	draft.Simulated = record.Simulated
	return nil
}

// InjectPostRecord 只写入发布记录而不迁移状态，模拟两步写入之间崩溃
func (s *MemoryDraftStore) InjectPostRecord(record models.PostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[record.DraftID] = &record
}

// GetPostRecord 获取发布记录
func (s *MemoryDraftStore) GetPostRecord(_ context.Context, draftID int64) (*models.PostRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.posts[draftID]
	if !ok {
		return nil, fmt.Errorf("post record for draft %d: %w", draftID, models.ErrNotFound)
	}
	clone := *record
	return &clone, nil
}

// PostRecordCount 发布记录总数
func (s *MemoryDraftStore) PostRecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

// GetDraft 获取草稿
func (s *MemoryDraftStore) GetDraft(_ context.Context, draftID int64) (*models.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	draft, ok := s.drafts[draftID]
	if !ok {
		return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrNotFound)
	}
	return cloneDraft(draft), nil
}

// ListDrafts 按创建时间升序列出草稿
func (s *MemoryDraftStore) ListDrafts(_ context.Context, filter models.DraftFilter) ([]*models.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[models.DraftState]bool, len(filter.States))
	for _, st := range filter.States {
		wanted[st] = true
	}

	var drafts []*models.Draft
	for _, d := range s.drafts {
		if len(wanted) > 0 && !wanted[d.State] {
			continue
		}
		drafts = append(drafts, cloneDraft(d))
	}
	sort.Slice(drafts, func(i, j int) bool {
		if !drafts[i].CreatedAt.Equal(drafts[j].CreatedAt) {
			return drafts[i].CreatedAt.Before(drafts[j].CreatedAt)
		}
		return drafts[i].ID < drafts[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= int64(len(drafts)) {
			return nil, nil
		}
		drafts = drafts[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < int64(len(drafts)) {
		drafts = drafts[:filter.Limit]
	}
	return drafts, nil
}

// CountByState 按状态统计
func (s *MemoryDraftStore) CountByState(_ context.Context) (map[models.DraftState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[models.DraftState]int64)
	for _, d := range s.drafts {
		result[d.State]++
	}
	return result, nil
}

// EnsureIndexes 无需索引
func (s *MemoryDraftStore) EnsureIndexes(context.Context) error { return nil }

// MemoryReviewRepository 进程内审核队列
type MemoryReviewRepository struct {
	mu      sync.RWMutex
	seq     int64
	entries map[int64]*models.ReviewEntry
	nowFunc func() time.Time
}

// NewMemoryReviewRepository 创建进程内审核队列
func NewMemoryReviewRepository() *MemoryReviewRepository {
	return &MemoryReviewRepository{
		entries: make(map[int64]*models.ReviewEntry),
		nowFunc: time.Now,
	}
}

// Create 创建待审核条目
func (r *MemoryReviewRepository) Create(_ context.Context, draftID int64, priority models.ReviewPriority, reason string) (*models.ReviewEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.DraftID == draftID && e.IsPending() {
			return nil, fmt.Errorf("pending review for draft %d: %w", draftID, models.ErrConflict)
		}
	}

	r.seq++
	entry := &models.ReviewEntry{
		ID:           r.seq,
		DraftID:      draftID,
		Priority:     priority,
		PriorityRank: priority.Rank(),
		Reason:       reason,
		Resolution:   models.ReviewResolutionPending,
		EnqueuedAt:   r.nowFunc().UTC(),
	}
	r.entries[entry.ID] = entry

	clone := *entry
	return &clone, nil
}

// GetByID 获取审核条目
func (r *MemoryReviewRepository) GetByID(_ context.Context, entryID int64) (*models.ReviewEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("review entry %d: %w", entryID, models.ErrNotFound)
	}
	clone := *entry
	return &clone, nil
}

// ListPending 列出待审核条目
func (r *MemoryReviewRepository) ListPending(_ context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*models.ReviewEntry
	for _, e := range r.entries {
		if !e.IsPending() {
			continue
		}
		if priority != nil && e.Priority != *priority {
			continue
		}
		clone := *e
		entries = append(entries, &clone)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PriorityRank != entries[j].PriorityRank {
			return entries[i].PriorityRank < entries[j].PriorityRank
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Resolve 写入审核结论
func (r *MemoryReviewRepository) Resolve(_ context.Context, entryID int64, resolution models.ReviewResolution, reviewer, notes string) (*models.ReviewEntry, error) {
	if !resolution.IsDecision() {
		return nil, fmt.Errorf("invalid review decision %q", resolution)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("review entry %d: %w", entryID, models.ErrNotFound)
	}
	if !entry.IsPending() {
		return nil, fmt.Errorf("review entry %d: %w", entryID, models.ErrAlreadyResolved)
	}

	now := r.nowFunc().UTC()
	entry.Resolution = resolution
	entry.ResolvedBy = reviewer
	entry.ResolvedAt = &now
	entry.Notes = notes

	clone := *entry
	return &clone, nil
}

// CountPending 统计待审核数量
func (r *MemoryReviewRepository) CountPending(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, e := range r.entries {
		if e.IsPending() {
			n++
		}
	}
	return n, nil
}

// EnsureIndexes 无需索引
func (r *MemoryReviewRepository) EnsureIndexes(context.Context) error { return nil }

var (
	_ DraftStore       = (*MemoryDraftStore)(nil)
	_ ReviewRepository = (*MemoryReviewRepository)(nil)
)
