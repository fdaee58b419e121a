package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"post_bot/internal/poster/dispatch"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/repository"
	"post_bot/internal/poster/review"
	"post_bot/internal/poster/safety"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyReviewRepository 在 failCreate 打开时拒绝创建条目
type flakyReviewRepository struct {
	*repository.MemoryReviewRepository
	failCreate atomic.Bool
}

func (r *flakyReviewRepository) Create(ctx context.Context, draftID int64, priority models.ReviewPriority, reason string) (*models.ReviewEntry, error) {
	if r.failCreate.Load() {
		return nil, errors.New("write concern timeout")
	}
	return r.MemoryReviewRepository.Create(ctx, draftID, priority, reason)
}

// countingTransactor 记录事务次数，fail 非空时不执行 fn 直接失败
type countingTransactor struct {
	calls atomic.Int32
	fail  error
}

func (t *countingTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls.Add(1)
	if t.fail != nil {
		return t.fail
	}
	return fn(ctx)
}

type recoveryEnv struct {
	orch    *Orchestrator
	store   *repository.MemoryDraftStore
	reviews *flakyReviewRepository
	pub     *stubPublisher
	tx      *countingTransactor
}

func newRecoveryEnv(t *testing.T) *recoveryEnv {
	t.Helper()
	env := &recoveryEnv{
		store:   repository.NewMemoryDraftStore(),
		reviews: &flakyReviewRepository{MemoryReviewRepository: repository.NewMemoryReviewRepository()},
		pub:     &stubPublisher{},
		tx:      &countingTransactor{},
	}
	env.orch = NewOrchestrator(
		env.store,
		review.NewQueue(env.reviews),
		safety.NewGate(safety.DefaultRules()),
		dispatch.NewDispatcher(env.pub, dispatch.WithClock(instantClock{})),
		&stubGenerator{text: "unused"},
		WithTransactor(env.tx),
	)
	return env
}

func TestEnqueueFailureIsRepairedByRecover(t *testing.T) {
	env := newRecoveryEnv(t)
	ctx := context.Background()

	env.reviews.failCreate.Store(true)
	_, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Buy now, guaranteed returns!!!", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), env.tx.calls.Load())

	draft, err := env.store.GetDraft(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.DraftStateRejectedQueued, draft.State)
	count, err := env.reviews.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	env.reviews.failCreate.Store(false)
	report, err := env.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, draft.ID, pending[0].DraftID)
	assert.Equal(t, models.ReviewPriorityNormal, pending[0].Priority)
	assert.Contains(t, pending[0].Reason, safety.CheckFinancialAdvice)

	report, err = env.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
}

func TestRecoverInterruptedDispatch(t *testing.T) {
	env := newRecoveryEnv(t)
	ctx := context.Background()

	stranded, err := env.store.CreateDraft(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	require.NoError(t, env.store.SetState(ctx, stranded.ID, models.DraftStateApproved))

	posted, err := env.store.CreateDraft(ctx, models.DraftKindOriginalPost, "Testnet is up", "")
	require.NoError(t, err)
	require.NoError(t, env.store.SetState(ctx, posted.ID, models.DraftStateApproved))
	env.store.InjectPostRecord(models.PostRecord{DraftID: posted.ID, ExternalID: "ext-before-crash", PostedAt: time.Now().UTC()})

	report, err := env.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Reconciled)
	assert.Zero(t, env.pub.calls.Load())

	after, err := env.store.GetDraft(ctx, stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStateRateLimitedQueued, after.State)

	high := models.ReviewPriorityHigh
	pending, err := env.orch.ListPendingReviews(ctx, &high)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stranded.ID, pending[0].DraftID)
	assert.Equal(t, models.ReviewReasonDispatchInterrupted, pending[0].Reason)

	after, err = env.store.GetDraft(ctx, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePosted, after.State)
	assert.Equal(t, "ext-before-crash", after.PostReference)
}

func TestRecoverRechecksPendingDraft(t *testing.T) {
	env := newRecoveryEnv(t)
	ctx := context.Background()

	draft, err := env.store.CreateDraft(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)

	report, err := env.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rechecked)

	after, err := env.store.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePosted, after.State)
	assert.Equal(t, int32(1), env.pub.calls.Load())
}

func TestRecoverRateLimitedWithoutEntry(t *testing.T) {
	env := newRecoveryEnv(t)
	ctx := context.Background()

	draft, err := env.store.CreateDraft(ctx, models.DraftKindReply, "@alice thanks", "-100:7")
	require.NoError(t, err)
	require.NoError(t, env.store.SetState(ctx, draft.ID, models.DraftStateApproved))
	require.NoError(t, env.store.SetState(ctx, draft.ID, models.DraftStateRateLimitedQueued))

	report, err := env.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ReviewPriorityHigh, pending[0].Priority)
	assert.Equal(t, models.ReviewReasonRateLimited, pending[0].Reason)
}

func TestResolveReviewWritesInOneTransaction(t *testing.T) {
	env := newRecoveryEnv(t)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "This project is a scam", "")
	require.NoError(t, err)
	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// 事务失败时条目与草稿都保持原样
	env.tx.fail = errors.New("transaction aborted")
	_, err = env.orch.ResolveReview(ctx, pending[0].ID, models.ReviewResolutionRejected, "alice", "")
	require.Error(t, err)

	entry, err := env.reviews.GetByID(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.True(t, entry.IsPending())
	after, err := env.store.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStateRejectedQueued, after.State)

	env.tx.fail = nil
	result, err := env.orch.ResolveReview(ctx, pending[0].ID, models.ReviewResolutionRejected, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePermanentlyFailed, result.Draft.State)
}
