package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"post_bot/internal/poster/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDraftStore 草稿存储（MongoDB 实现）
type MongoDraftStore struct {
	drafts   *mongo.Collection
	posts    *mongo.Collection
	counters *mongo.Collection
	nowFunc  func() time.Time
}

// NewMongoDraftStore 创建草稿存储
func NewMongoDraftStore(db *mongo.Database) DraftStore {
	return &MongoDraftStore{
		drafts:   durableCollection(db, collectionDrafts),
		posts:    durableCollection(db, collectionPostRecords),
		counters: durableCollection(db, collectionCounters),
		nowFunc:  time.Now,
	}
}

func (r *MongoDraftStore) now() time.Time {
	if r.nowFunc == nil {
		return time.Now().UTC()
	}
	return r.nowFunc().UTC()
}

// CreateDraft 创建草稿
func (r *MongoDraftStore) CreateDraft(ctx context.Context, kind models.DraftKind, text, draftContext string) (*models.Draft, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid draft kind %q", kind)
	}

	id, err := nextSequence(ctx, r.counters, sequenceDrafts)
	if err != nil {
		return nil, err
	}

	now := r.now()
	draft := &models.Draft{
		ID:            id,
		Kind:          kind,
		Text:          text,
		Context:       draftContext,
		State:         models.DraftStatePendingCheck,
		SafetyResults: []models.CheckResult{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := r.drafts.InsertOne(ctx, draft); err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}

	return draft, nil
}

// AppendCheckResult 追加安全检查结果
func (r *MongoDraftStore) AppendCheckResult(ctx context.Context, draftID int64, result models.CheckResult) error {
	if result.Timestamp.IsZero() {
		result.Timestamp = r.now()
	}

	update := bson.M{
		"$push": bson.M{"safety_results": result},
		"$set":  bson.M{"updated_at": r.now()},
	}

	res, err := r.drafts.UpdateOne(ctx, bson.M{"_id": draftID}, update)
	if err != nil {
		return fmt.Errorf("failed to append check result: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("draft %d: %w", draftID, models.ErrNotFound)
	}
	return nil
}

// SetState 迁移草稿状态
func (r *MongoDraftStore) SetState(ctx context.Context, draftID int64, state models.DraftState) error {
	return r.transition(ctx, draftID, state, nil)
}

// RecordFailure 标记为永久失败并记录错误原文
func (r *MongoDraftStore) RecordFailure(ctx context.Context, draftID int64, message string) error {
	return r.transition(ctx, draftID, models.DraftStatePermanentlyFailed, bson.M{"error_message": message})
}

// transition 以"当前状态属于合法前驱"为条件执行更新，保证迁移原子性
func (r *MongoDraftStore) transition(ctx context.Context, draftID int64, to models.DraftState, extra bson.M) error {
	if !to.IsValid() {
		return fmt.Errorf("draft %d -> %q: %w", draftID, to, models.ErrInvalidTransition)
	}

	from := models.Predecessors(to)
	if len(from) == 0 {
		return r.transitionError(ctx, draftID, to)
	}

	set := bson.M{
		"state":      to,
		"updated_at": r.now(),
	}
	for k, v := range extra {
		set[k] = v
	}

	filter := bson.M{
		"_id":   draftID,
		"state": bson.M{"$in": from},
	}

	res, err := r.drafts.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update draft state: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.transitionError(ctx, draftID, to)
	}
	return nil
}

// transitionError 区分草稿不存在与非法迁移
func (r *MongoDraftStore) transitionError(ctx context.Context, draftID int64, to models.DraftState) error {
	draft, err := r.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	return fmt.Errorf("draft %d %s -> %s: %w", draftID, draft.State, to, models.ErrInvalidTransition)
}

// RecordPost 写入发布记录并迁移到 posted
func (r *MongoDraftStore) RecordPost(ctx context.Context, draftID int64, externalID string, simulated bool) (*models.PostRecord, error) {
	draft, err := r.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.State == models.DraftStatePosted {
		return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrConflict)
	}
	if draft.State != models.DraftStateApproved {
		return nil, fmt.Errorf("draft %d %s -> %s: %w", draftID, draft.State, models.DraftStatePosted, models.ErrInvalidTransition)
	}

	record := &models.PostRecord{
		DraftID:    draftID,
		ExternalID: externalID,
		Simulated:  simulated,
		PostedAt:   r.now(),
	}

	// post_records.draft_id 唯一索引保证至多一条
	if _, err := r.posts.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create post record: %w", err)
	}

	if err := r.MarkPosted(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// MarkPosted 迁移到 posted 并写入外部 ID
func (r *MongoDraftStore) MarkPosted(ctx context.Context, record *models.PostRecord) error {
	extra := bson.M{
		"post_reference": record.ExternalID,
		"posted_at":      record.PostedAt,
		"simulated":      record.Simulated,
	}
	return r.transition(ctx, record.DraftID, models.DraftStatePosted, extra)
}

// GetPostRecord 获取发布记录
func (r *MongoDraftStore) GetPostRecord(ctx context.Context, draftID int64) (*models.PostRecord, error) {
	var record models.PostRecord
	err := r.posts.FindOne(ctx, bson.M{"draft_id": draftID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("post record for draft %d: %w", draftID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get post record: %w", err)
	}
	return &record, nil
}

// GetDraft 获取草稿
func (r *MongoDraftStore) GetDraft(ctx context.Context, draftID int64) (*models.Draft, error) {
	var draft models.Draft
	err := r.drafts.FindOne(ctx, bson.M{"_id": draftID}).Decode(&draft)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("draft %d: %w", draftID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return &draft, nil
}

// ListDrafts 分页列出草稿
func (r *MongoDraftStore) ListDrafts(ctx context.Context, filter models.DraftFilter) ([]*models.Draft, error) {
	query := bson.M{}
	if len(filter.States) > 0 {
		query["state"] = bson.M{"$in": filter.States}
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}
	if filter.Offset > 0 {
		opts.SetSkip(filter.Offset)
	}

	cursor, err := r.drafts.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer cursor.Close(ctx)

	var drafts []*models.Draft
	if err := cursor.All(ctx, &drafts); err != nil {
		return nil, fmt.Errorf("failed to decode drafts: %w", err)
	}
	return drafts, nil
}

// CountByState 按状态统计
func (r *MongoDraftStore) CountByState(ctx context.Context) (map[models.DraftState]int64, error) {
	pipeline := []bson.M{
		{
			"$group": bson.M{
				"_id":   "$state",
				"count": bson.M{"$sum": 1},
			},
		},
	}

	cursor, err := r.drafts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count drafts by state: %w", err)
	}
	defer cursor.Close(ctx)

	result := make(map[models.DraftState]int64)
	for cursor.Next(ctx) {
		var doc struct {
			State models.DraftState `bson:"_id"`
			Count int64             `bson:"count"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode count result: %w", err)
		}
		result[doc.State] = doc.Count
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return result, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoDraftStore) EnsureIndexes(ctx context.Context) error {
	draftIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "created_at", Value: 1},
				{Key: "_id", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
	}
	if _, err := r.drafts.Indexes().CreateMany(ctx, draftIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for drafts: %w", err)
	}

	postIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "draft_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := r.posts.Indexes().CreateMany(ctx, postIndexes); err != nil {
		return fmt.Errorf("failed to create indexes for post_records: %w", err)
	}

	return nil
}
