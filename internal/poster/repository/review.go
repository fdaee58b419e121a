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

// MongoReviewRepository 审核队列数据访问层（MongoDB 实现）
type MongoReviewRepository struct {
	entries  *mongo.Collection
	counters *mongo.Collection
	nowFunc  func() time.Time
}

// NewMongoReviewRepository 创建审核队列仓储
func NewMongoReviewRepository(db *mongo.Database) ReviewRepository {
	return &MongoReviewRepository{
		entries:  durableCollection(db, collectionReviewQueue),
		counters: durableCollection(db, collectionCounters),
		nowFunc:  time.Now,
	}
}

func (r *MongoReviewRepository) now() time.Time {
	if r.nowFunc == nil {
		return time.Now().UTC()
	}
	return r.nowFunc().UTC()
}

// Create 创建待审核条目
func (r *MongoReviewRepository) Create(ctx context.Context, draftID int64, priority models.ReviewPriority, reason string) (*models.ReviewEntry, error) {
	id, err := nextSequence(ctx, r.counters, sequenceReviewEntries)
	if err != nil {
		return nil, err
	}

	entry := &models.ReviewEntry{
		ID:           id,
		DraftID:      draftID,
		Priority:     priority,
		PriorityRank: priority.Rank(),
		Reason:       reason,
		Resolution:   models.ReviewResolutionPending,
		EnqueuedAt:   r.now(),
	}

	if _, err := r.entries.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("pending review for draft %d: %w", draftID, models.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create review entry: %w", err)
	}

	return entry, nil
}

// GetByID 获取审核条目
func (r *MongoReviewRepository) GetByID(ctx context.Context, entryID int64) (*models.ReviewEntry, error) {
	var entry models.ReviewEntry
	err := r.entries.FindOne(ctx, bson.M{"_id": entryID}).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("review entry %d: %w", entryID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get review entry: %w", err)
	}
	return &entry, nil
}

// ListPending 列出待审核条目
func (r *MongoReviewRepository) ListPending(ctx context.Context, priority *models.ReviewPriority) ([]*models.ReviewEntry, error) {
	filter := bson.M{"resolution": models.ReviewResolutionPending}
	if priority != nil {
		filter["priority"] = *priority
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "priority_rank", Value: 1},
		{Key: "_id", Value: 1},
	})

	cursor, err := r.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*models.ReviewEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode review entries: %w", err)
	}
	return entries, nil
}

// Resolve 写入审核结论，仅对 pending 条目生效
func (r *MongoReviewRepository) Resolve(ctx context.Context, entryID int64, resolution models.ReviewResolution, reviewer, notes string) (*models.ReviewEntry, error) {
	if !resolution.IsDecision() {
		return nil, fmt.Errorf("invalid review decision %q", resolution)
	}

	now := r.now()
	filter := bson.M{
		"_id":        entryID,
		"resolution": models.ReviewResolutionPending,
	}
	update := bson.M{
		"$set": bson.M{
			"resolution":  resolution,
			"resolved_by": reviewer,
			"resolved_at": now,
			"notes":       notes,
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var entry models.ReviewEntry
	err := r.entries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&entry)
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to resolve review entry: %w", err)
	}

	if _, getErr := r.GetByID(ctx, entryID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("review entry %d: %w", entryID, models.ErrAlreadyResolved)
}

// CountPending 统计待审核数量
func (r *MongoReviewRepository) CountPending(ctx context.Context) (int64, error) {
	count, err := r.entries.CountDocuments(ctx, bson.M{"resolution": models.ReviewResolutionPending})
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return count, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoReviewRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// 出队顺序
		{
			Keys: bson.D{
				{Key: "resolution", Value: 1},
				{Key: "priority_rank", Value: 1},
				{Key: "_id", Value: 1},
			},
		},
		// 每个草稿至多一条 pending 条目
		{
			Keys: bson.D{{Key: "draft_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"resolution": models.ReviewResolutionPending}),
		},
	}

	if _, err := r.entries.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for review_entries: %w", err)
	}
	return nil
}
