package review_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/internal/assign"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/lease"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
	"github.com/joseph-ayodele/transcriber/internal/review"
)

type env struct {
	svc         *review.Service
	fx          *repotest.Fixture
	clock       *repotest.Clock
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	detector    *consensus.Detector
}

func newEnv(t *testing.T, quota, n int) *env {
	t.Helper()
	db := repotest.Open(t)
	logger := repotest.Logger(t)
	clock := repotest.NewClock()
	assignments := repository.NewAssignmentRepository(db, logger)
	submissions := repository.NewSubmissionRepository(db, logger)
	leases := lease.NewManager(assignments, logger).WithClock(clock.Now)
	selector := assign.NewSelector(assignments, leases, logger)
	reconciler := consensus.NewReconciler(db, assignments, submissions, logger).WithClock(clock.Now)
	return &env{
		svc:         review.NewService(db, selector, leases, reconciler, logger),
		fx:          repotest.SeedTask(t, db, "ballots", quota, []string{"name", "votes"}, n),
		clock:       clock,
		assignments: assignments,
		submissions: submissions,
		detector:    consensus.NewDetector(submissions, logger),
	}
}

func (e *env) submit(t *testing.T, img int, who string, kv ...string) *review.SubmitResult {
	t.Helper()
	res, err := e.svc.Submit(context.Background(), review.SubmitRequest{
		TaskSlug: "ballots",
		ImageID:  e.fx.Images[img].ID,
		Reviewer: who,
		Values:   repotest.Values(kv...),
	})
	require.NoError(t, err)
	e.clock.Advance(time.Second)
	return res
}

func (e *env) assignment(t *testing.T, img int) *entity.Assignment {
	t.Helper()
	a, err := e.assignments.GetByImage(context.Background(), e.fx.Task.ID, e.fx.Images[img].ID)
	require.NoError(t, err)
	return a
}

func TestUnanimousSubmissionsFinalize(t *testing.T) {
	e := newEnv(t, 3, 1)
	ctx := context.Background()

	for i, who := range []string{"a", "b"} {
		res := e.submit(t, 0, who, "name", "Smith", "votes", "10")
		assert.Equal(t, i+1, res.ViewCount)
		assert.Nil(t, res.Reconcile)
	}
	res := e.submit(t, 0, "c", "name", "Smith", "votes", "10")
	assert.Equal(t, 3, res.ViewCount)
	require.True(t, res.Finalized())

	final, err := e.submissions.GetFinal(ctx, e.fx.Task.ID, e.fx.Images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Smith", final.Values["name"].Text())
	assert.Equal(t, "10", final.Values["votes"].Text())

	a := e.assignment(t, 0)
	assert.True(t, a.IsComplete)
	assert.Equal(t, 3, a.ViewCount)
	assert.Nil(t, a.CheckoutExpire)

	_, err = e.svc.Submit(ctx, review.SubmitRequest{TaskSlug: "ballots", ImageID: e.fx.Images[0].ID, Reviewer: "d"})
	assert.ErrorIs(t, err, common.ErrAssignmentComplete)
}

func TestSplitSubmissionsStayConflicted(t *testing.T) {
	e := newEnv(t, 3, 1)
	ctx := context.Background()

	e.submit(t, 0, "a", "name", "Smith", "votes", "10")
	e.submit(t, 0, "b", "name", "Smyth", "votes", "10")
	res := e.submit(t, 0, "c", "name", "Smithe", "votes", "10")
	require.NotNil(t, res.Reconcile)
	assert.Equal(t, consensus.NoConsensus, res.Reconcile.Outcome)

	_, err := e.submissions.GetFinal(ctx, e.fx.Task.ID, e.fx.Images[0].ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, e.assignment(t, 0).IsComplete)

	ids, err := e.detector.ConflictingImages(ctx, e.fx.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{e.fx.Images[0].ID}, ids)

	_, err = e.svc.RequestWork(ctx, "ballots", "d")
	assert.ErrorIs(t, err, common.ErrNoWorkAvailable)
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	e := newEnv(t, 3, 1)
	e.submit(t, 0, "a", "name", "Smith")

	_, err := e.svc.Submit(context.Background(), review.SubmitRequest{
		TaskSlug: "ballots",
		ImageID:  e.fx.Images[0].ID,
		Reviewer: "a",
		Values:   repotest.Values("name", "Jones"),
	})
	assert.ErrorIs(t, err, common.ErrDuplicateSubmission)
	assert.Equal(t, 1, e.assignment(t, 0).ViewCount)
}

func TestDeleteAfterFinalizeReopensImage(t *testing.T) {
	e := newEnv(t, 2, 1)
	ctx := context.Background()

	first := e.submit(t, 0, "a", "name", "Smith")
	require.True(t, e.submit(t, 0, "b", "name", "Smith").Finalized())

	require.NoError(t, e.svc.Delete(ctx, first.Submission.ID))

	_, err := e.submissions.GetFinal(ctx, e.fx.Task.ID, e.fx.Images[0].ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	a := e.assignment(t, 0)
	assert.False(t, a.IsComplete)
	assert.Equal(t, 1, a.ViewCount)

	item, err := e.svc.RequestWork(ctx, "ballots", "c")
	require.NoError(t, err)
	assert.Equal(t, e.fx.Images[0].ID, item.Image.ID)

	err = e.svc.Delete(ctx, first.Submission.ID)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestEditResolvesConflict(t *testing.T) {
	e := newEnv(t, 3, 1)
	ctx := context.Background()

	e.submit(t, 0, "a", "name", "Smith")
	e.submit(t, 0, "b", "name", "Smith")
	odd := e.submit(t, 0, "c", "name", "Jones")
	assert.False(t, odd.Finalized())

	res, err := e.svc.Edit(ctx, review.EditRequest{
		SubmissionID: odd.Submission.ID,
		Reviewer:     "c",
		Values:       repotest.Values("name", "Smith"),
	})
	require.NoError(t, err)
	assert.True(t, res.Finalized())
	assert.Equal(t, 3, res.ViewCount)

	rec, err := e.svc.Submissions(ctx, "ballots", e.fx.Images[0].ID)
	require.NoError(t, err)
	require.Len(t, rec.Raw, 3)
	for _, s := range rec.Raw {
		assert.Equal(t, "Smith", s.Values["name"].Text())
	}
	require.NotNil(t, rec.Final)
	assert.Equal(t, "Smith", rec.Final.Values["name"].Text())
	assert.Empty(t, rec.Final.Transcriber)
}

func TestSubmissionsWithoutFinal(t *testing.T) {
	e := newEnv(t, 2, 1)
	e.submit(t, 0, "a", "name", "Smith")

	rec, err := e.svc.Submissions(context.Background(), "ballots", e.fx.Images[0].ID)
	require.NoError(t, err)
	assert.Len(t, rec.Raw, 1)
	assert.Nil(t, rec.Final)
}

func TestActivityGroupsByTask(t *testing.T) {
	e := newEnv(t, 3, 2)
	ctx := context.Background()

	_, err := e.svc.Activity(ctx, " ")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	list, err := e.svc.Activity(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, list)

	e.submit(t, 1, "a", "name", "Smith")
	e.submit(t, 0, "a", "name", "Jones")
	e.submit(t, 0, "b", "name", "Jones")

	list, err = e.svc.Activity(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ballots", list[0].TaskSlug)
	require.Len(t, list[0].Items, 2)
	assert.Equal(t, e.fx.Images[1].ID, list[0].Items[0].Submission.ImageID)
	assert.Equal(t, e.fx.Images[1].FetchURL, list[0].Items[0].FetchURL)
	assert.Equal(t, e.fx.Images[0].ID, list[0].Items[1].Submission.ImageID)
	for _, it := range list[0].Items {
		assert.Equal(t, "a", it.Submission.Transcriber)
	}
}

func TestEditAfterFinalizeWithdrawsFinal(t *testing.T) {
	e := newEnv(t, 2, 1)
	ctx := context.Background()

	e.submit(t, 0, "a", "name", "Smith")
	second := e.submit(t, 0, "b", "name", "Smith")
	require.True(t, second.Finalized())

	_, err := e.svc.Edit(ctx, review.EditRequest{SubmissionID: second.Submission.ID, Reviewer: "a", Values: repotest.Values("name", "Jones")})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	res, err := e.svc.Edit(ctx, review.EditRequest{
		SubmissionID: second.Submission.ID,
		Reviewer:     "b",
		Values:       repotest.Values("name", "Jones"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Reconcile)
	assert.Equal(t, consensus.NoConsensus, res.Reconcile.Outcome)

	_, err = e.submissions.GetFinal(ctx, e.fx.Task.ID, e.fx.Images[0].ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, e.assignment(t, 0).IsComplete)
}

func TestSubmitValidatesFields(t *testing.T) {
	e := newEnv(t, 3, 1)
	ctx := context.Background()

	_, err := e.svc.Submit(ctx, review.SubmitRequest{
		TaskSlug: "ballots",
		ImageID:  e.fx.Images[0].ID,
		Reviewer: "a",
		Values:   repotest.Values("name", "Smith", "party", "Whig"),
	})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = e.svc.Submit(ctx, review.SubmitRequest{TaskSlug: "ballots", ImageID: e.fx.Images[0].ID})
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	res, err := e.svc.Submit(ctx, review.SubmitRequest{
		TaskSlug:   "ballots",
		ImageID:    e.fx.Images[0].ID,
		Reviewer:   "a",
		Values:     repotest.Values("name", "Smith"),
		Irrelevant: true,
	})
	require.NoError(t, err)
	for _, slug := range []string{"name", "votes"} {
		v := res.Submission.Values[slug]
		assert.Nil(t, v.Value, slug)
		assert.True(t, v.Blank, slug)
	}

	res, err = e.svc.Submit(ctx, review.SubmitRequest{
		TaskSlug: "ballots",
		ImageID:  e.fx.Images[0].ID,
		Reviewer: "b",
		Values:   repotest.Values("name", "Smith"),
	})
	require.NoError(t, err)
	assert.True(t, res.Submission.Values["votes"].Blank)
	assert.Nil(t, res.Submission.Values["votes"].Value)
}

func TestRequestWorkAndCheckin(t *testing.T) {
	e := newEnv(t, 2, 2)
	ctx := context.Background()

	item, err := e.svc.RequestWork(ctx, "ballots", "a")
	require.NoError(t, err)
	assert.Equal(t, e.fx.Images[0].ID, item.Image.ID)
	assert.Len(t, item.Fields, 2)
	assert.Equal(t, e.clock.Now().Add(time.Minute), item.LeaseExpires)

	other, err := e.svc.RequestWork(ctx, "ballots", "b")
	require.NoError(t, err)
	assert.Equal(t, e.fx.Images[1].ID, other.Image.ID)

	released, err := e.svc.Checkin(ctx, "ballots", e.fx.Images[0].ID, "b")
	require.NoError(t, err)
	assert.False(t, released)
	released, err = e.svc.Checkin(ctx, "ballots", e.fx.Images[0].ID, "a")
	require.NoError(t, err)
	assert.True(t, released)

	item, err = e.svc.RequestWork(ctx, "ballots", "c")
	require.NoError(t, err)
	assert.Equal(t, e.fx.Images[0].ID, item.Image.ID)

	_, err = e.svc.RequestWork(ctx, "missing", "a")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSubmitClearsReviewerLease(t *testing.T) {
	e := newEnv(t, 3, 1)
	ctx := context.Background()

	_, err := e.svc.RequestWork(ctx, "ballots", "a")
	require.NoError(t, err)
	require.NotNil(t, e.assignment(t, 0).CheckoutExpire)

	e.submit(t, 0, "a", "name", "Smith")
	assert.Nil(t, e.assignment(t, 0).CheckoutExpire)

	item, err := e.svc.RequestWork(ctx, "ballots", "b")
	require.NoError(t, err)
	assert.Equal(t, e.fx.Images[0].ID, item.Image.ID)
}
