package export_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/export"
	"github.com/joseph-ayodele/transcriber/internal/progress"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
)

func TestTaskXLSX(t *testing.T) {
	db := repotest.Open(t)
	logger := repotest.Logger(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tasks := repository.NewTaskRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)
	submissions := repository.NewSubmissionRepository(db, logger)
	reconciler := consensus.NewReconciler(db, assignments, submissions, logger).WithClock(func() time.Time { return now })
	detector := consensus.NewDetector(submissions, logger)
	svc := export.NewService(db, progress.NewAggregator(tasks, assignments, submissions, logger), detector, logger)

	fx := repotest.SeedTask(t, db, "ballots", 2, []string{"name", "votes"}, 3)
	add := func(img *entity.Image, who string, kv ...string) {
		require.NoError(t, submissions.Insert(ctx, &entity.Submission{
			TaskID: fx.Task.ID, ImageID: img.ID, Transcriber: who, DateAdded: now,
			Status: constants.SubmissionRaw, Values: repotest.Values(kv...),
		}))
		a, err := assignments.GetByImage(ctx, fx.Task.ID, img.ID)
		require.NoError(t, err)
		_, err = assignments.RecountViews(ctx, a)
		require.NoError(t, err)
	}
	add(fx.Images[0], "a", "name", "Smith", "votes", "10")
	add(fx.Images[0], "b", "name", "Smith", "votes", "10")
	res, err := reconciler.Reconcile(ctx, fx.Task, fx.Images[0].ID)
	require.NoError(t, err)
	require.Equal(t, consensus.Finalized, res.Outcome)
	add(fx.Images[1], "a", "name", "Jones", "votes", "7")
	add(fx.Images[1], "b", "name", "Jonas", "votes", "7")

	b, err := svc.TaskXLSX(ctx, "ballots")
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{export.SheetFinal, export.SheetProgress, export.SheetConflicts}, f.GetSheetList())

	final, err := f.GetRows(export.SheetFinal)
	require.NoError(t, err)
	require.Len(t, final, 2)
	assert.Equal(t, []string{"Image ID", "Fetch URL", "Hierarchy", "Page", "name", "votes", "Finalized At"}, final[0])
	assert.Equal(t, fx.Images[0].FetchURL, final[1][1])
	assert.Equal(t, "Smith", final[1][4])
	assert.Equal(t, "10", final[1][5])
	assert.Equal(t, "2024-03-01T12:00:00Z", final[1][6])

	prog, err := f.GetRows(export.SheetProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{"Documents", "3"}, prog[2])
	assert.Equal(t, []string{"Done", "1", "34%"}, prog[3])
	assert.Equal(t, []string{"Conflicted", "1", "33%"}, prog[5])
	assert.Equal(t, []string{"Unseen", "1", "33%"}, prog[6])

	conflicts, err := f.GetRows(export.SheetConflicts)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "name", conflicts[1][2])
	assert.Equal(t, "Jones | Jonas", conflicts[1][3])

	path := filepath.Join(t.TempDir(), "out", "ballots.xlsx")
	require.NoError(t, svc.WriteTaskXLSX(ctx, "ballots", path))
	written, err := excelize.OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, written.Close())

	_, err = svc.TaskXLSX(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
