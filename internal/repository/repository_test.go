package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
)

func TestMigrateIsIdempotent(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()

	require.NoError(t, repository.Migrate(ctx, db, repotest.Logger(t)))
	v, err := repository.SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, repository.LatestSchemaVersion(), v)
}

func TestJobClaimIsConditional(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	jobs := repository.NewJobRepository(db, repotest.Logger(t))
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, jobs.Insert(ctx, &entity.Job{
		Key:      "k1",
		Payload:  []byte(`{"kind":"sync_assignments","args":{"task":"t"}}`),
		TaskName: "sync_assignments",
		Created:  now,
		Updated:  now,
	}))

	claimed, err := jobs.Claim(ctx, "k1", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.True(t, claimed.Claimed)
	assert.Equal(t, "sync_assignments", claimed.TaskName)
	assert.JSONEq(t, `{"kind":"sync_assignments","args":{"task":"t"}}`, string(claimed.Payload))
	assert.Equal(t, constants.JobStatusRunning, claimed.Status())

	claimed, err = jobs.Claim(ctx, "k1", now)
	require.NoError(t, err)
	assert.Nil(t, claimed, "second claim must lose")

	claimed, err = jobs.Claim(ctx, "missing", now)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, jobs.Fail(ctx, "k1", []byte(`{"message":"boom"}`), "boom\nstack", now))
	job, err := jobs.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status())
	require.NotNil(t, job.Traceback)
	assert.Contains(t, *job.Traceback, "boom")
	assert.JSONEq(t, `{"message":"boom"}`, string(job.ReturnValue))

	_, err = jobs.Get(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJobListFiltersByStatus(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	jobs := repository.NewJobRepository(db, repotest.Logger(t))
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, key := range []string{"a", "b", "c"} {
		ts := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, jobs.Insert(ctx, &entity.Job{Key: key, Payload: []byte("{}"), TaskName: "x", Created: ts, Updated: ts}))
	}
	_, err := jobs.Claim(ctx, "b", base)
	require.NoError(t, err)
	require.NoError(t, jobs.Complete(ctx, "b", []byte(`{"ok":true}`), base))

	pending, err := jobs.ListUnclaimed(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, pending)

	done, err := jobs.List(ctx, repository.JobFilter{Status: constants.JobStatusSucceeded})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].Key)

	acked, err := jobs.Acknowledge(ctx, "b", base)
	require.NoError(t, err)
	assert.True(t, acked)
	acked, err = jobs.Acknowledge(ctx, "b", base)
	require.NoError(t, err)
	assert.False(t, acked)
}

func TestTaskRoundTrip(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	fx := repotest.SeedTask(t, db, "ballots", 3, []string{"name", "votes"}, 0)

	repo := repository.NewTaskRepository(db, repotest.Logger(t))
	got, err := repo.GetBySlug(ctx, "ballots")
	require.NoError(t, err)
	assert.Equal(t, fx.Task.ID, got.ID)
	assert.Equal(t, []string{"name", "votes"}, got.FieldSlugs())
	assert.Equal(t, 3, got.AgreementThreshold())

	require.NoError(t, repo.SetStatus(ctx, got.ID, constants.TaskStatusDeleted, time.Now()))
	active, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := repo.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = repo.GetBySlug(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestImageUpsertAndFilter(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	images := repository.NewImageRepository(db, repotest.Logger(t))
	county := "TX/Travis"
	other := "OK/Tulsa"
	page := 2

	first, created, err := images.UpsertByURL(ctx, &entity.Image{Project: "p", FetchURL: "u1", Hierarchy: &county})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := images.UpsertByURL(ctx, &entity.Image{Project: "p", FetchURL: "u1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = images.UpsertByURL(ctx, &entity.Image{Project: "p", FetchURL: "u2", Hierarchy: &other})
	require.NoError(t, err)
	_, _, err = images.UpsertByURL(ctx, &entity.Image{Project: "p", FetchURL: "u1#page=2", Hierarchy: &county, IsPageURL: true, Page: &page})
	require.NoError(t, err)

	docs, err := images.List(ctx, repository.ImageFilter{Project: "p", Hierarchy: []string{"Travis"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "u1", docs[0].FetchURL)

	pages, err := images.List(ctx, repository.ImageFilter{Project: "p", PageURLs: true})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.NotNil(t, pages[0].Page)
	assert.Equal(t, 2, *pages[0].Page)
}

func TestAssignmentLeaseIsConditional(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	fx := repotest.SeedTask(t, db, "t", 2, []string{"f"}, 1)
	repo := repository.NewAssignmentRepository(db, repotest.Logger(t))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := repo.GetByImage(ctx, fx.Task.ID, fx.Images[0].ID)
	require.NoError(t, err)

	won, err := repo.Lease(ctx, a.ID, "alice", 2, now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.Lease(ctx, a.ID, "bob", 2, now.Add(time.Minute), now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, won, "active lease must not be stolen")

	won, err = repo.Lease(ctx, a.ID, "bob", 2, now.Add(3*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, won, "expired lease can be taken")

	released, err := repo.Release(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.False(t, released, "only the holder releases")

	n, err := repo.SweepExpired(ctx, now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	a, err = repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, a.CheckoutExpire)
	assert.Nil(t, a.CheckoutBy)
}

func TestRecountViewsAndConflicts(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	logger := repotest.Logger(t)
	fx := repotest.SeedTask(t, db, "t", 3, []string{"name", "votes"}, 2)
	subs := repository.NewSubmissionRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	insert := func(imageID int64, who string, kv ...string) *entity.Submission {
		s := &entity.Submission{
			TaskID:      fx.Task.ID,
			ImageID:     imageID,
			Transcriber: who,
			DateAdded:   now,
			Status:      constants.SubmissionRaw,
			Values:      repotest.Values(kv...),
		}
		require.NoError(t, subs.Insert(ctx, s))
		return s
	}

	agree := fx.Images[0].ID
	split := fx.Images[1].ID
	insert(agree, "a", "name", "Smith", "votes", "10")
	insert(agree, "b", "name", "Smith", "votes", "10")
	insert(split, "a", "name", "Smith", "votes", "10")
	gone := insert(split, "b", "name", "Jones", "votes", "10")

	conflicts, err := subs.ConflictingImages(ctx, fx.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{split}, conflicts)

	ok, err := subs.SetStatus(ctx, gone.ID, constants.SubmissionRaw, constants.SubmissionRawDeleted)
	require.NoError(t, err)
	assert.True(t, ok)

	conflicts, err = subs.ConflictingImages(ctx, fx.Task.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	a, err := assignments.GetByImage(ctx, fx.Task.ID, split)
	require.NoError(t, err)
	n, err := assignments.RecountViews(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err := subs.HasRaw(ctx, fx.Task.ID, split, "b")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = subs.HasRaw(ctx, fx.Task.ID, split, "a")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestConflictCountsNullAsValue(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	fx := repotest.SeedTask(t, db, "t", 2, []string{"name"}, 1)
	subs := repository.NewSubmissionRepository(db, repotest.Logger(t))
	img := fx.Images[0].ID

	require.NoError(t, subs.Insert(ctx, &entity.Submission{
		TaskID: fx.Task.ID, ImageID: img, Transcriber: "a", Status: constants.SubmissionRaw,
		Values: repotest.Values("name", "Smith"),
	}))
	require.NoError(t, subs.Insert(ctx, &entity.Submission{
		TaskID: fx.Task.ID, ImageID: img, Transcriber: "b", Status: constants.SubmissionRaw,
		Values: map[string]entity.FieldValue{"name": {Blank: true}},
	}))

	conflicts, err := subs.ConflictingImages(ctx, fx.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{img}, conflicts)
}

func TestCandidatesExcludeOwnSubmissions(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	logger := repotest.Logger(t)
	fx := repotest.SeedTask(t, db, "t", 2, []string{"f"}, 3)
	subs := repository.NewSubmissionRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, subs.Insert(ctx, &entity.Submission{
		TaskID: fx.Task.ID, ImageID: fx.Images[0].ID, Transcriber: "alice",
		DateAdded: now, Status: constants.SubmissionRaw, Values: repotest.Values("f", "x"),
	}))

	got, err := assignments.Candidates(ctx, repository.CandidateQuery{
		TaskID: fx.Task.ID, Reviewer: "alice", Quota: 2, Limit: 10, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fx.Images[1].ID, got[0].ImageID)
	assert.Equal(t, fx.Images[2].ID, got[1].ImageID)

	got, err = assignments.Candidates(ctx, repository.CandidateQuery{
		TaskID: fx.Task.ID, Reviewer: "bob", Quota: 2, Limit: 10, Now: now,
	})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestLeaseRechecksEligibility(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	logger := repotest.Logger(t)
	fx := repotest.SeedTask(t, db, "t", 2, []string{"f"}, 2)
	subs := repository.NewSubmissionRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	stale, err := assignments.Candidates(ctx, repository.CandidateQuery{
		TaskID: fx.Task.ID, Reviewer: "carol", Quota: 2, Limit: 10, Now: now,
	})
	require.NoError(t, err)
	require.Len(t, stale, 2)

	full := stale[0]
	for _, who := range []string{"alice", "bob"} {
		require.NoError(t, subs.Insert(ctx, &entity.Submission{
			TaskID: fx.Task.ID, ImageID: full.ImageID, Transcriber: who,
			DateAdded: now, Status: constants.SubmissionRaw, Values: repotest.Values("f", "x"),
		}))
	}
	n, err := assignments.RecountViews(ctx, full)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	won, err := assignments.Lease(ctx, full.ID, "carol", 2, now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, won, "assignment at quota must not be leased")

	own := stale[1]
	require.NoError(t, subs.Insert(ctx, &entity.Submission{
		TaskID: fx.Task.ID, ImageID: own.ImageID, Transcriber: "carol",
		DateAdded: now, Status: constants.SubmissionRaw, Values: repotest.Values("f", "y"),
	}))
	won, err = assignments.Lease(ctx, own.ID, "carol", 2, now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, won, "reviewer must not lease an image they transcribed")

	won, err = assignments.Lease(ctx, own.ID, "dave", 2, now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, won)

	a, err := assignments.Get(ctx, full.ID)
	require.NoError(t, err)
	assert.Nil(t, a.CheckoutExpire)
}

func TestListByReviewerSkipsDeletedTasks(t *testing.T) {
	db := repotest.Open(t)
	ctx := context.Background()
	logger := repotest.Logger(t)
	kept := repotest.SeedTask(t, db, "kept", 2, []string{"f"}, 2)
	gone := repotest.SeedTask(t, db, "gone", 2, []string{"f"}, 1)
	subs := repository.NewSubmissionRepository(db, logger)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	insert := func(fx *repotest.Fixture, img int, who string, at time.Time) *entity.Submission {
		s := &entity.Submission{
			TaskID: fx.Task.ID, ImageID: fx.Images[img].ID, Transcriber: who,
			DateAdded: at, Status: constants.SubmissionRaw, Values: repotest.Values("f", "x"),
		}
		require.NoError(t, subs.Insert(ctx, s))
		return s
	}
	later := insert(kept, 0, "ann", now.Add(time.Minute))
	earlier := insert(kept, 1, "ann", now)
	insert(kept, 0, "bob", now)
	insert(gone, 0, "ann", now)
	withdrawn := insert(kept, 1, "ann", now.Add(2*time.Minute))
	_, err := subs.SetStatus(ctx, withdrawn.ID, constants.SubmissionRaw, constants.SubmissionRawDeleted)
	require.NoError(t, err)

	require.NoError(t, repository.NewTaskRepository(db, logger).SetStatus(ctx, gone.Task.ID, constants.TaskStatusDeleted, now))

	got, err := subs.ListByReviewer(ctx, "ann")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, earlier.ID, got[0].ID)
	assert.Equal(t, later.ID, got[1].ID)
	assert.Equal(t, "x", got[0].Values["f"].Text())

	_, err = subs.GetFinal(ctx, kept.Task.ID, kept.Images[0].ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
