package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	collectionDrafts      = "drafts"
	collectionPostRecords = "post_records"
	collectionReviewQueue = "review_entries"
	collectionCounters    = "counters"
	sequenceDrafts        = "drafts"
	sequenceReviewEntries = "review_entries"
)

// durableCollection 返回使用 majority + journal 写关注的集合句柄
func durableCollection(db *mongo.Database, name string) *mongo.Collection {
	journal := true
	wc := &writeconcern.WriteConcern{W: "majority", Journal: &journal}
	return db.Collection(name, options.Collection().SetWriteConcern(wc))
}

type sequenceDoc struct {
	Name string `bson:"_id"`
	Seq  int64  `bson:"seq"`
}

// nextSequence 原子递增计数器，生成的 ID 单调且不复用
func nextSequence(ctx context.Context, counters *mongo.Collection, name string) (int64, error) {
	filter := bson.M{"_id": name}
	update := bson.M{"$inc": bson.M{"seq": int64(1)}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc sequenceDoc
	if err := counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", name, err)
	}
	return doc.Seq, nil
}
