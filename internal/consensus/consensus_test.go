package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sub(id int64, minute int, kv ...string) *entity.Submission {
	return &entity.Submission{
		ID:        id,
		DateAdded: t0.Add(time.Duration(minute) * time.Minute),
		Status:    constants.SubmissionRaw,
		Values:    repotest.Values(kv...),
	}
}

func str(s string) *string { return &s }

func TestVote(t *testing.T) {
	tests := []struct {
		name         string
		raw          []*entity.Submission
		threshold    int
		wantValues   map[string]string
		wantDisputed []string
	}{
		{
			name: "unanimous",
			raw: []*entity.Submission{
				sub(1, 0, "name", "Smith", "votes", "10"),
				sub(2, 1, "name", "Smith", "votes", "10"),
				sub(3, 2, "name", "Smith", "votes", "10"),
			},
			threshold:  3,
			wantValues: map[string]string{"name": "Smith", "votes": "10"},
		},
		{
			name: "one-one-one split",
			raw: []*entity.Submission{
				sub(1, 0, "name", "Smith", "votes", "10"),
				sub(2, 1, "name", "Smyth", "votes", "10"),
				sub(3, 2, "name", "Smithe", "votes", "10"),
			},
			threshold:    3,
			wantDisputed: []string{"name"},
		},
		{
			name: "two of three is not enough for quota three",
			raw: []*entity.Submission{
				sub(1, 0, "name", "Smith"),
				sub(2, 1, "name", "Smith"),
				sub(3, 2, "name", "Jones"),
			},
			threshold:    3,
			wantDisputed: []string{"name"},
		},
		{
			name: "majority of four clears quota four",
			raw: []*entity.Submission{
				sub(1, 0, "name", "Jones"),
				sub(2, 1, "name", "Smith"),
				sub(3, 2, "name", "Smith"),
				sub(4, 3, "name", "Smith"),
			},
			threshold:  3,
			wantValues: map[string]string{"name": "Smith"},
		},
		{
			name: "tie goes to earliest submission",
			raw: []*entity.Submission{
				sub(1, 5, "name", "Smith"),
				sub(2, 1, "name", "Jones"),
				sub(3, 6, "name", "Smith"),
				sub(4, 7, "name", "Jones"),
			},
			threshold:  2,
			wantValues: map[string]string{"name": "Jones"},
		},
		{
			name: "tie on time goes to lower id",
			raw: []*entity.Submission{
				sub(9, 0, "name", "Smith"),
				sub(3, 0, "name", "Jones"),
			},
			threshold:  1,
			wantValues: map[string]string{"name": "Jones"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := []string{"name"}
			if _, ok := tt.raw[0].Values["votes"]; ok {
				fields = append(fields, "votes")
			}
			values, disputed := consensus.Vote(fields, tt.raw, tt.threshold)
			assert.Equal(t, tt.wantDisputed, disputed)
			if tt.wantValues == nil {
				return
			}
			for f, want := range tt.wantValues {
				require.NotNil(t, values[f].Value, f)
				assert.Equal(t, want, *values[f].Value, f)
			}
		})
	}
}

func TestVoteNullAndFlags(t *testing.T) {
	raw := []*entity.Submission{
		{ID: 1, DateAdded: t0, Values: map[string]entity.FieldValue{"name": {Blank: true, NotLegible: true}}},
		{ID: 2, DateAdded: t0, Values: map[string]entity.FieldValue{"name": {Blank: true}}},
		{ID: 3, DateAdded: t0, Values: map[string]entity.FieldValue{"name": {Value: str("x"), Altered: true}}},
	}
	values, disputed := consensus.Vote([]string{"name"}, raw, 2)
	assert.Empty(t, disputed)
	assert.Nil(t, values["name"].Value)
	assert.True(t, values["name"].Blank)
	assert.False(t, values["name"].NotLegible)
	assert.False(t, values["name"].Altered)
}

func TestDistinctValues(t *testing.T) {
	raw := []*entity.Submission{
		sub(1, 0, "name", "Smith", "votes", "10"),
		sub(2, 1, "name", "Jones", "votes", "10"),
		{ID: 3, DateAdded: t0, Values: map[string]entity.FieldValue{"votes": {Value: str("10")}}},
	}
	got := consensus.DistinctValues([]string{"name", "votes"}, raw)
	require.Contains(t, got, "name")
	assert.NotContains(t, got, "votes")
	require.Len(t, got["name"], 3)
	assert.Equal(t, "Smith", *got["name"][0])
	assert.Equal(t, "Jones", *got["name"][1])
	assert.Nil(t, got["name"][2])
}

type fixture struct {
	fx          *repotest.Fixture
	reconciler  *consensus.Reconciler
	detector    *consensus.Detector
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
}

func newFixture(t *testing.T, quota int) *fixture {
	t.Helper()
	db := repotest.Open(t)
	logger := repotest.Logger(t)
	assignments := repository.NewAssignmentRepository(db, logger)
	submissions := repository.NewSubmissionRepository(db, logger)
	return &fixture{
		fx:          repotest.SeedTask(t, db, "ballots", quota, []string{"name", "votes"}, 1),
		reconciler:  consensus.NewReconciler(db, assignments, submissions, logger).WithClock(func() time.Time { return t0 }),
		detector:    consensus.NewDetector(submissions, logger),
		assignments: assignments,
		submissions: submissions,
	}
}

func (f *fixture) add(t *testing.T, who string, kv ...string) {
	t.Helper()
	require.NoError(t, f.submissions.Insert(context.Background(), &entity.Submission{
		TaskID: f.fx.Task.ID, ImageID: f.fx.Images[0].ID, Transcriber: who,
		DateAdded: t0, Status: constants.SubmissionRaw, Values: repotest.Values(kv...),
	}))
}

func TestReconcileFinalizesUnanimousImage(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	img := f.fx.Images[0].ID

	f.add(t, "a", "name", "Smith", "votes", "10")
	f.add(t, "b", "name", "Smith", "votes", "10")
	res, err := f.reconciler.Reconcile(ctx, f.fx.Task, img)
	require.NoError(t, err)
	assert.Equal(t, consensus.Insufficient, res.Outcome)

	f.add(t, "c", "name", "Smith", "votes", "10")
	res, err = f.reconciler.Reconcile(ctx, f.fx.Task, img)
	require.NoError(t, err)
	assert.Equal(t, consensus.Finalized, res.Outcome)
	assert.Equal(t, 3, res.Threshold)

	final, err := f.submissions.GetFinal(ctx, f.fx.Task.ID, img)
	require.NoError(t, err)
	assert.Equal(t, constants.SubmissionFinal, final.Status)
	assert.Equal(t, "", final.Transcriber)
	assert.Equal(t, "Smith", final.Values["name"].Text())
	assert.Equal(t, "10", final.Values["votes"].Text())

	a, err := f.assignments.GetByImage(ctx, f.fx.Task.ID, img)
	require.NoError(t, err)
	assert.True(t, a.IsComplete)

	res, err = f.reconciler.Reconcile(ctx, f.fx.Task, img)
	require.NoError(t, err)
	assert.Equal(t, consensus.AlreadyFinal, res.Outcome)
}

func TestReconcileLeavesSplitImageConflicted(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	img := f.fx.Images[0].ID

	f.add(t, "a", "name", "Smith", "votes", "10")
	f.add(t, "b", "name", "Smyth", "votes", "10")
	f.add(t, "c", "name", "Smithe", "votes", "10")

	res, err := f.reconciler.Reconcile(ctx, f.fx.Task, img)
	require.NoError(t, err)
	assert.Equal(t, consensus.NoConsensus, res.Outcome)
	assert.Equal(t, []string{"name"}, res.Disputed)

	_, err = f.submissions.GetFinal(ctx, f.fx.Task.ID, img)
	assert.ErrorIs(t, err, common.ErrNotFound)
	a, err := f.assignments.GetByImage(ctx, f.fx.Task.ID, img)
	require.NoError(t, err)
	assert.False(t, a.IsComplete)

	ids, err := f.detector.ConflictingImages(ctx, f.fx.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{img}, ids)

	conflicts, err := f.detector.TaskConflicts(ctx, f.fx.Task)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Len(t, conflicts[0].Fields["name"], 3)
	assert.NotContains(t, conflicts[0].Fields, "votes")
}
