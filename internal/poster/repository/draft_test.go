package repository

import (
	"context"
	"testing"
	"time"

	"post_bot/internal/poster/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func newTestDraftStore(mt *mtest.T) *MongoDraftStore {
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return &MongoDraftStore{
		drafts:   mt.Coll,
		posts:    mt.Coll,
		counters: mt.Coll,
		nowFunc:  func() time.Time { return fixed },
	}
}

func namespace(mt *mtest.T) string {
	return mt.DB.Name() + "." + mt.Coll.Name()
}

func sequenceResponse(name string, seq int64) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
		{Key: "_id", Value: name},
		{Key: "seq", Value: seq},
	}})
}

func updateResponse(matched int) bson.D {
	return mtest.CreateSuccessResponse(
		bson.E{Key: "n", Value: matched},
		bson.E{Key: "nModified", Value: matched},
	)
}

func draftDoc(id int64, state models.DraftState) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "kind", Value: string(models.DraftKindOriginalPost)},
		{Key: "text", Value: "hello world"},
		{Key: "state", Value: string(state)},
		{Key: "safety_results", Value: bson.A{}},
		{Key: "created_at", Value: time.Now().UTC().Truncate(time.Second)},
	}
}

func TestMongoDraftStoreCreateDraft(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			sequenceResponse(sequenceDrafts, 7),
			mtest.CreateSuccessResponse(),
		)

		draft, err := store.CreateDraft(context.Background(), models.DraftKindReply, "gm", "12345")
		require.NoError(mt, err)
		assert.Equal(mt, int64(7), draft.ID)
		assert.Equal(mt, models.DraftStatePendingCheck, draft.State)
		assert.Equal(mt, "12345", draft.Context)
		assert.NotNil(mt, draft.SafetyResults)
		assert.False(mt, draft.CreatedAt.IsZero())
	})

	mt.Run("invalid kind", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		_, err := store.CreateDraft(context.Background(), models.DraftKind("thread"), "gm", "")
		require.Error(mt, err)
	})

	mt.Run("insert error", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			sequenceResponse(sequenceDrafts, 8),
			mtest.CreateCommandErrorResponse(mtest.CommandError{
				Code:    123,
				Name:    "WriteError",
				Message: "mock write failure",
			}),
		)

		_, err := store.CreateDraft(context.Background(), models.DraftKindOriginalPost, "gm", "")
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "failed to create draft")
	})
}

func TestMongoDraftStoreAppendCheckResult(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(updateResponse(1))

		err := store.AppendCheckResult(context.Background(), 1, models.CheckResult{CheckName: "length", Passed: true})
		require.NoError(mt, err)
	})

	mt.Run("unknown draft", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(updateResponse(0))

		err := store.AppendCheckResult(context.Background(), 99, models.CheckResult{CheckName: "length"})
		require.ErrorIs(mt, err, models.ErrNotFound)
	})
}

func TestMongoDraftStoreSetState(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("legal transition", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(updateResponse(1))

		err := store.SetState(context.Background(), 1, models.DraftStateApproved)
		require.NoError(mt, err)
	})

	mt.Run("illegal transition", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			updateResponse(0),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(1, models.DraftStatePosted)),
		)

		err := store.SetState(context.Background(), 1, models.DraftStateApproved)
		require.ErrorIs(mt, err, models.ErrInvalidTransition)
		assert.Contains(mt, err.Error(), "posted -> approved")
	})

	mt.Run("no predecessor", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(1, models.DraftStateApproved)),
		)

		err := store.SetState(context.Background(), 1, models.DraftStatePendingCheck)
		require.ErrorIs(mt, err, models.ErrInvalidTransition)
	})

	mt.Run("unknown state", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		err := store.SetState(context.Background(), 1, models.DraftState("archived"))
		require.ErrorIs(mt, err, models.ErrInvalidTransition)
	})

	mt.Run("unknown draft", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			updateResponse(0),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch),
		)

		err := store.SetState(context.Background(), 404, models.DraftStateApproved)
		require.ErrorIs(mt, err, models.ErrNotFound)
	})
}

func TestMongoDraftStoreRecordPost(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(3, models.DraftStateApproved)),
			mtest.CreateSuccessResponse(),
			updateResponse(1),
		)

		record, err := store.RecordPost(context.Background(), 3, "ext-1", false)
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), record.DraftID)
		assert.Equal(mt, "ext-1", record.ExternalID)
	})

	mt.Run("already posted", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(3, models.DraftStatePosted)),
		)

		_, err := store.RecordPost(context.Background(), 3, "ext-2", false)
		require.ErrorIs(mt, err, models.ErrConflict)
	})

	mt.Run("duplicate record", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(3, models.DraftStateApproved)),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{
				Index:   0,
				Code:    11000,
				Message: "duplicate key error",
			}),
		)

		_, err := store.RecordPost(context.Background(), 3, "ext-3", false)
		require.ErrorIs(mt, err, models.ErrConflict)
	})

	mt.Run("not approved", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(3, models.DraftStateRejectedQueued)),
		)

		_, err := store.RecordPost(context.Background(), 3, "ext-4", false)
		require.ErrorIs(mt, err, models.ErrInvalidTransition)
	})
}

func TestMongoDraftStoreGetDraft(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, draftDoc(5, models.DraftStateApproved)),
		)

		draft, err := store.GetDraft(context.Background(), 5)
		require.NoError(mt, err)
		assert.Equal(mt, models.DraftStateApproved, draft.State)
		assert.Equal(mt, "hello world", draft.Text)
	})

	mt.Run("not found", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		_, err := store.GetDraft(context.Background(), 5)
		require.ErrorIs(mt, err, models.ErrNotFound)
	})
}

func TestMongoDraftStoreCountByState(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		store := newTestDraftStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "posted"}, {Key: "count", Value: int64(4)}},
			bson.D{{Key: "_id", Value: "rejected_queued"}, {Key: "count", Value: int64(2)}},
		))

		counts, err := store.CountByState(context.Background())
		require.NoError(mt, err)
		assert.Equal(mt, int64(4), counts[models.DraftStatePosted])
		assert.Equal(mt, int64(2), counts[models.DraftStateRejectedQueued])
	})
}
