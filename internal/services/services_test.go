package services_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
	"github.com/joseph-ayodele/transcriber/internal/review"
	"github.com/joseph-ayodele/transcriber/internal/services"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
)

const definition = `
slug: ledgers
name: Ledgers
project: archive
reviewer_quota: 2
fields:
  - {slug: payee}
  - {slug: amount, type: decimal}
`

func setup(t *testing.T) (*services.Services, *queue.Worker) {
	t.Helper()
	clock := repotest.NewClock()
	svc := services.New(repotest.Open(t), services.Options{
		ExportDir: t.TempDir(),
		Now:       clock.Now,
	}, repotest.Logger(t))
	def, err := tasks.ParseDefinition([]byte(definition))
	require.NoError(t, err)
	_, err = svc.Tasks.Create(context.Background(), def)
	require.NoError(t, err)
	return svc, svc.NewWorker()
}

func run(t *testing.T, svc *services.Services, w *queue.Worker, args queue.Args) map[string]any {
	t.Helper()
	ctx := context.Background()
	key, err := svc.Queue.Enqueue(ctx, args)
	require.NoError(t, err)
	ran, err := w.RunKey(ctx, key)
	require.NoError(t, err)
	require.True(t, ran)

	job, err := svc.Queue.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusSucceeded, job.Status(), "return value: %s", job.ReturnValue)
	var out map[string]any
	require.NoError(t, json.Unmarshal(job.ReturnValue, &out))
	return out
}

func TestIngestReviewExportEndToEnd(t *testing.T) {
	svc, w := setup(t)
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "box-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "box-1", "a.pdf"), []byte("ledger a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "box-1", "b.pdf"), []byte("ledger b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("skip"), 0o644))

	out := run(t, svc, w, queue.IngestDirectoryArgs{Project: "archive", Root: root})
	assert.Equal(t, map[string]any{"ledgers": float64(2)}, out["synced"])

	p, err := svc.Progress.ForTask(ctx, mustTask(t, svc))
	require.NoError(t, err)
	assert.Equal(t, 2, p.DocsTotal)
	assert.Equal(t, 2, p.DocsUnseen)

	for _, who := range []string{"ann", "bob"} {
		item, err := svc.Review.RequestWork(ctx, "ledgers", who)
		require.NoError(t, err)
		payee, amount := "Acme", "12.50"
		_, err = svc.Review.Submit(ctx, review.SubmitRequest{
			TaskSlug: "ledgers",
			ImageID:  item.Image.ID,
			Reviewer: who,
			Values:   repotest.Values("payee", payee, "amount", amount),
		})
		require.NoError(t, err)
	}

	p, err = svc.Progress.ForTask(ctx, mustTask(t, svc))
	require.NoError(t, err)
	assert.Equal(t, 2, p.ReviewsDone)

	out = run(t, svc, w, queue.ExportTaskArgs{Task: "ledgers", Path: "ledgers.xlsx"})
	path, _ := out["path"].(string)
	assert.Equal(t, "ledgers.xlsx", filepath.Base(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportOutsideDirectoryFails(t *testing.T) {
	svc, w := setup(t)
	ctx := context.Background()

	key, err := svc.Queue.Enqueue(ctx, queue.ExportTaskArgs{Task: "ledgers", Path: "../escape.xlsx"})
	require.NoError(t, err)
	ran, err := w.RunKey(ctx, key)
	require.NoError(t, err)
	require.True(t, ran)

	job, err := svc.Queue.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status())
	assert.Contains(t, string(job.ReturnValue), "export directory")
}

func TestSyncAssignmentsJobRejectsUnknownTask(t *testing.T) {
	svc, w := setup(t)
	ctx := context.Background()

	key, err := svc.Queue.Enqueue(ctx, queue.SyncAssignmentsArgs{Task: "nope"})
	require.NoError(t, err)
	_, err = w.RunKey(ctx, key)
	require.NoError(t, err)

	job, err := svc.Queue.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status())
	require.NotNil(t, job.Traceback)
}

func mustTask(t *testing.T, svc *services.Services) *entity.Task {
	t.Helper()
	task, err := svc.Tasks.Get(context.Background(), "ledgers")
	require.NoError(t, err)
	return task
}
