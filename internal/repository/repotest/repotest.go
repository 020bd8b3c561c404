// Package repotest opens throwaway databases for package tests.
package repotest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// Logger discards output unless the test runs with -v.
func Logger(t testing.TB) *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct{ t testing.TB }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// Open creates a migrated SQLite database in the test's temp dir.
func Open(t testing.TB) *repository.DB {
	t.Helper()
	ctx := context.Background()
	logger := Logger(t)
	path := filepath.Join(t.TempDir(), "transcriber.db")
	db, err := repository.OpenSQLite(ctx, path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db, logger) })
	require.NoError(t, repository.Migrate(ctx, db, logger))
	return db
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Fixture is a task with images and assignments ready for review.
type Fixture struct {
	Task   *entity.Task
	Images []*entity.Image
}

// SeedTask creates a task with the given quota and fields plus n images of
// project "proj", each with an assignment.
func SeedTask(t testing.TB, db *repository.DB, slug string, quota int, fields []string, n int) *Fixture {
	t.Helper()
	ctx := context.Background()
	logger := Logger(t)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	task := &entity.Task{
		Slug:          slug,
		Name:          slug,
		Project:       "proj",
		ReviewerQuota: quota,
		LeaseSeconds:  60,
		Status:        constants.TaskStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, f := range fields {
		task.Fields = append(task.Fields, entity.TaskField{
			Slug:     f,
			Name:     f,
			DataType: constants.FieldString,
			Position: i,
		})
	}
	require.NoError(t, repository.NewTaskRepository(db, logger).Create(ctx, task))

	images := repository.NewImageRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)
	fx := &Fixture{Task: task}
	for i := 0; i < n; i++ {
		img, _, err := images.UpsertByURL(ctx, &entity.Image{
			Project:   "proj",
			FetchURL:  fmt.Sprintf("https://docs.example.com/%s/%03d.pdf", slug, i),
			CreatedAt: now,
		})
		require.NoError(t, err)
		_, err = assignments.InsertIfMissing(ctx, img.ID, task.ID)
		require.NoError(t, err)
		fx.Images = append(fx.Images, img)
	}
	return fx
}

// Values builds a submission value map from field/value pairs.
func Values(kv ...string) map[string]entity.FieldValue {
	out := make(map[string]entity.FieldValue, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := kv[i+1]
		out[kv[i]] = entity.FieldValue{Value: &v}
	}
	return out
}
