package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"post_bot/internal/poster/dispatch"
	"post_bot/internal/poster/models"
	"post_bot/internal/poster/platform"
	"post_bot/internal/poster/repository"
	"post_bot/internal/poster/review"
	"post_bot/internal/poster/safety"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC) }

func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type stubPublisher struct {
	calls  atomic.Int32
	submit func(n int32, text, replyTo string) (string, error)
}

func (p *stubPublisher) Submit(ctx context.Context, text, replyTo string) (string, error) {
	n := p.calls.Add(1)
	if p.submit != nil {
		return p.submit(n, text, replyTo)
	}
	return fmt.Sprintf("ext-%d", n), nil
}

type stubGenerator struct {
	text string
	err  error
}

func (g *stubGenerator) Generate(ctx context.Context, kind models.DraftKind, genContext string) (string, error) {
	if g.err != nil {
		return "", &platform.GenerationError{Err: g.err}
	}
	return g.text, nil
}

type testEnv struct {
	orch    *Orchestrator
	store   *repository.MemoryDraftStore
	reviews *repository.MemoryReviewRepository
	pub     *stubPublisher
}

func newTestEnv(t *testing.T, pub *stubPublisher, gen platform.Generator, opts ...dispatch.Option) *testEnv {
	t.Helper()
	if pub == nil {
		pub = &stubPublisher{}
	}
	if gen == nil {
		gen = &stubGenerator{text: "Shipping a new release today"}
	}

	store := repository.NewMemoryDraftStore()
	reviews := repository.NewMemoryReviewRepository()
	opts = append([]dispatch.Option{
		dispatch.WithClock(instantClock{}),
		dispatch.WithRetryPolicy(dispatch.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: time.Minute}),
	}, opts...)

	orch := NewOrchestrator(
		store,
		review.NewQueue(reviews),
		safety.NewGate(safety.DefaultRules()),
		dispatch.NewDispatcher(pub, opts...),
		gen,
	)
	return &testEnv{orch: orch, store: store, reviews: reviews, pub: pub}
}

func alwaysRateLimited(int32, string, string) (string, error) {
	return "", &platform.RateLimitError{Message: "slow down"}
}

func TestSubmitCleanDraftIsPosted(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePosted, draft.State)
	assert.Equal(t, "ext-1", draft.PostReference)
	assert.Len(t, draft.SafetyResults, 5)
	assert.False(t, draft.Simulated)

	record, err := env.store.GetPostRecord(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", record.ExternalID)
	assert.Equal(t, int32(1), env.pub.calls.Load())
}

func TestSubmitFinancialAdviceIsQueued(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Buy now, guaranteed returns!!!", "")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStateRejectedQueued, draft.State)
	assert.Len(t, draft.SafetyResults, 5)
	assert.Contains(t, draft.FailedChecks(), safety.CheckFinancialAdvice)
	assert.Zero(t, env.pub.calls.Load())

	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, draft.ID, pending[0].DraftID)
	assert.Equal(t, models.ReviewPriorityNormal, pending[0].Priority)
	assert.Contains(t, pending[0].Reason, models.ReviewReasonSafetyFailed)
}

func TestSubmitTooLongNamesLength(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	text := "scam " + string(bytes.Repeat([]byte("x"), 300))
	draft, err := env.orch.SubmitDraftForPosting(context.Background(), models.DraftKindOriginalPost, text, "")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStateRejectedQueued, draft.State)
	assert.Contains(t, draft.FailedChecks(), safety.CheckLength)
	assert.Contains(t, draft.FailedChecks(), safety.CheckToxicity)
	assert.Len(t, draft.SafetyResults, 5)
}

func TestSubmitRateLimitedGetsHighPriorityReview(t *testing.T) {
	env := newTestEnv(t, &stubPublisher{submit: alwaysRateLimited}, nil)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStateRateLimitedQueued, draft.State)
	assert.Equal(t, int32(3), env.pub.calls.Load())

	high := models.ReviewPriorityHigh
	pending, err := env.orch.ListPendingReviews(ctx, &high)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, draft.ID, pending[0].DraftID)
	assert.True(t, pending[0].IsPending())
	assert.Contains(t, pending[0].Reason, models.ReviewReasonRateLimited)
}

func TestSubmitExternalFailureIsPermanent(t *testing.T) {
	pub := &stubPublisher{submit: func(int32, string, string) (string, error) {
		return "", errors.New("Forbidden: bot is not a member of the channel chat")
	}}
	env := newTestEnv(t, pub, nil)

	draft, err := env.orch.SubmitDraftForPosting(context.Background(), models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePermanentlyFailed, draft.State)
	assert.Equal(t, "Forbidden: bot is not a member of the channel chat", draft.ErrorMessage)
	assert.Equal(t, int32(1), pub.calls.Load())

	count, err := env.reviews.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitDryRun(t *testing.T) {
	env := newTestEnv(t, nil, nil, dispatch.WithDryRun(true))
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindReply, "@alice thanks for the feedback", "-100:7")
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePosted, draft.State)
	assert.True(t, draft.Simulated)
	assert.Equal(t, "dry-run-1", draft.PostReference)
	assert.Zero(t, env.pub.calls.Load())

	record, err := env.store.GetPostRecord(ctx, draft.ID)
	require.NoError(t, err)
	assert.True(t, record.Simulated)
}

func TestResolveReviewApproveDispatches(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Buy now, guaranteed returns!!!", "")
	require.NoError(t, err)
	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err := env.orch.ResolveReview(ctx, pending[0].ID, models.ReviewResolutionApproved, "alice", "context is satire")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewResolutionApproved, result.Entry.Resolution)
	assert.Equal(t, models.DraftStatePosted, result.Draft.State)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, dispatch.StatusPosted, result.Outcome.Status)
	assert.Equal(t, int32(1), env.pub.calls.Load())

	// 审批不重新执行安全检查
	assert.Len(t, result.Draft.SafetyResults, 5)

	_, err = env.orch.ResolveReview(ctx, pending[0].ID, models.ReviewResolutionRejected, "bob", "")
	require.ErrorIs(t, err, models.ErrAlreadyResolved)

	after, err := env.store.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePosted, after.State)
	assert.Equal(t, int32(1), env.pub.calls.Load())
}

func TestResolveReviewReject(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "This project is a scam", "")
	require.NoError(t, err)
	require.Equal(t, models.DraftStateRejectedQueued, draft.State)

	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	result, err := env.orch.ResolveReview(ctx, pending[0].ID, models.ReviewResolutionRejected, "alice", "defamatory")
	require.NoError(t, err)
	assert.Nil(t, result.Outcome)
	assert.Equal(t, models.DraftStatePermanentlyFailed, result.Draft.State)
	assert.Equal(t, "rejected by reviewer alice: defamatory", result.Draft.ErrorMessage)
	assert.Zero(t, env.pub.calls.Load())

	_, err = env.orch.ResolveReview(ctx, pending[0].ID, models.ReviewResolutionApproved, "bob", "")
	require.ErrorIs(t, err, models.ErrAlreadyResolved)

	after, err := env.store.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePermanentlyFailed, after.State)
}

func TestResolveReviewUnknownEntry(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	_, err := env.orch.ResolveReview(context.Background(), 404, models.ReviewResolutionApproved, "alice", "")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentOverridesPostAtMostOnce(t *testing.T) {
	var limited atomic.Bool
	limited.Store(true)
	pub := &stubPublisher{submit: func(n int32, _, _ string) (string, error) {
		if limited.Load() {
			return "", &platform.RateLimitError{Message: "slow down"}
		}
		return fmt.Sprintf("ext-%d", n), nil
	}}
	env := newTestEnv(t, pub, nil)
	ctx := context.Background()

	draft, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	require.Equal(t, models.DraftStateRateLimitedQueued, draft.State)

	pending, err := env.orch.ListPendingReviews(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	entryID := pending[0].ID

	limited.Store(false)
	callsBefore := pub.calls.Load()

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		resolved  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.orch.ResolveReview(ctx, entryID, models.ReviewResolutionApproved, fmt.Sprintf("reviewer-%d", i), "")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, models.ErrAlreadyResolved):
				resolved.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), resolved.Load())
	assert.Equal(t, 1, env.store.PostRecordCount())
	assert.Equal(t, callsBefore+1, pub.calls.Load())
	assert.Zero(t, env.orch.locks.size())

	// 已发布的草稿不能再次发布
	err = env.orch.dispatchLocked(ctx, draft.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 1, env.store.PostRecordCount())
}

func TestDispatchReconcilesExistingPostRecord(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	draft, err := env.store.CreateDraft(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	require.NoError(t, env.store.SetState(ctx, draft.ID, models.DraftStateApproved))
	env.store.InjectPostRecord(models.PostRecord{DraftID: draft.ID, ExternalID: "ext-before-crash", PostedAt: time.Now().UTC()})

	require.NoError(t, env.orch.dispatchLocked(ctx, draft.ID))

	after, err := env.store.GetDraft(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatePosted, after.State)
	assert.Equal(t, "ext-before-crash", after.PostReference)
	assert.Zero(t, env.pub.calls.Load())
}

func TestGenerateAndSubmit(t *testing.T) {
	t.Run("generation failure creates nothing", func(t *testing.T) {
		env := newTestEnv(t, nil, &stubGenerator{err: errors.New("upstream 503")})

		draft, err := env.orch.GenerateAndSubmit(context.Background(), models.DraftKindOriginalPost, "weekly update")
		require.NoError(t, err)
		assert.Nil(t, draft)

		stats, err := env.orch.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.TotalDrafts)
	})

	t.Run("generated text goes through the gate", func(t *testing.T) {
		env := newTestEnv(t, nil, &stubGenerator{text: "Weekly update: indexer is 2x faster"})

		draft, err := env.orch.GenerateAndSubmit(context.Background(), models.DraftKindOriginalPost, "weekly update")
		require.NoError(t, err)
		require.NotNil(t, draft)
		assert.Equal(t, models.DraftStatePosted, draft.State)
		assert.Equal(t, "weekly update", draft.Context)
	})
}

func TestReplyPrefixesAuthor(t *testing.T) {
	var gotReplyTo string
	pub := &stubPublisher{submit: func(n int32, text, replyTo string) (string, error) {
		gotReplyTo = replyTo
		return "ext-reply", nil
	}}
	env := newTestEnv(t, pub, &stubGenerator{text: "glad you like it"})

	draft, err := env.orch.Reply(context.Background(), platform.Mention{ContextID: "-100:42", Author: "alice", Text: "love the bot"})
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, "@alice glad you like it", draft.Text)
	assert.Equal(t, models.DraftKindReply, draft.Kind)
	assert.Equal(t, "-100:42", gotReplyTo)
}

func TestExportAudit(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	tick := 0
	env.store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	posted, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	rejected, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Buy now, guaranteed returns!!!", "")
	require.NoError(t, err)

	records, err := env.orch.ExportAudit(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, posted.ID, records[0].ID)
	assert.Equal(t, rejected.ID, records[1].ID)
	assert.True(t, records[0].CreatedAt.Before(records[1].CreatedAt))
	assert.Len(t, records[0].SafetyResults, 5)
	assert.Len(t, records[1].SafetyResults, 5)
	require.NotNil(t, records[0].PostRecord)
	assert.Nil(t, records[1].PostRecord)

	var buf bytes.Buffer
	require.NoError(t, WriteAuditJSON(&buf, records))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "posted", decoded[0]["state"])
	assert.Equal(t, "rejected_queued", decoded[1]["state"])
	assert.Len(t, decoded[1]["safety_results"], 5)
	assert.Contains(t, decoded[0], "post_record")
}

func TestExportAuditEmpty(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	records, err := env.orch.ExportAudit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	var buf bytes.Buffer
	require.NoError(t, WriteAuditJSON(&buf, records))
	assert.Equal(t, "[]\n", buf.String())
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	_, err := env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Release notes are live", "")
	require.NoError(t, err)
	_, err = env.orch.SubmitDraftForPosting(ctx, models.DraftKindOriginalPost, "Buy now, guaranteed returns!!!", "")
	require.NoError(t, err)

	stats, err := env.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalDrafts)
	assert.Equal(t, int64(1), stats.ByState[models.DraftStatePosted])
	assert.Equal(t, int64(1), stats.ByState[models.DraftStateRejectedQueued])
	assert.Equal(t, int64(1), stats.PendingReviews)
}
