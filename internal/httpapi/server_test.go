package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/internal/httpapi"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
	"github.com/joseph-ayodele/transcriber/internal/review"
	"github.com/joseph-ayodele/transcriber/internal/services"
)

func setup(t *testing.T) (*services.Services, *repotest.Fixture, http.Handler) {
	t.Helper()
	db := repotest.Open(t)
	logger := repotest.Logger(t)
	clock := repotest.NewClock()
	fx := repotest.SeedTask(t, db, "ballots", 2, []string{"name"}, 3)
	svc := services.New(db, services.Options{ExportDir: t.TempDir(), Now: clock.Now}, logger)
	api := httpapi.NewServer(db, svc.Tasks, svc.Progress, svc.Conflicts, svc.Queue, []string{"https://dash.example"}, logger)
	return svc, fx, api.Handler()
}

func get(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func TestHealthAndTasks(t *testing.T) {
	_, _, h := setup(t)

	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	var list struct {
		Count int `json:"count"`
	}
	rec = get(t, h, "/api/tasks", &list)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, list.Count)

	rec = get(t, h, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressAndConflicts(t *testing.T) {
	svc, fx, h := setup(t)
	ctx := context.Background()

	for who, v := range map[string]string{"ann": "Smith", "bob": "Jones"} {
		_, err := svc.Review.Submit(ctx, review.SubmitRequest{
			TaskSlug: "ballots", ImageID: fx.Images[0].ID, Reviewer: who,
			Values: repotest.Values("name", v),
		})
		require.NoError(t, err)
	}

	var p struct {
		Progress struct {
			DocsConflicted    int `json:"docs_conflicted"`
			DocsConflictedPct int `json:"docs_conflicted_pct"`
			DocsUnseenPct     int `json:"docs_unseen_pct"`
		} `json:"progress"`
		Reviewer struct {
			Submissions int `json:"submissions"`
		} `json:"reviewer"`
	}
	rec := get(t, h, "/api/tasks/ballots/progress?reviewer=ann", &p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.Progress.DocsConflicted)
	assert.Equal(t, 33, p.Progress.DocsConflictedPct)
	assert.Equal(t, 67, p.Progress.DocsUnseenPct)
	assert.Equal(t, 1, p.Reviewer.Submissions)

	var c struct {
		Count     int `json:"count"`
		Conflicts []struct {
			ImageID int64 `json:"image_id"`
		} `json:"conflicts"`
	}
	rec = get(t, h, "/api/tasks/ballots/conflicts", &c)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, c.Count)
	assert.Equal(t, fx.Images[0].ID, c.Conflicts[0].ImageID)

	var imgs struct {
		Count  int `json:"count"`
		Images []struct {
			ImageID int64  `json:"image_id"`
			Status  string `json:"status"`
		} `json:"images"`
	}
	rec = get(t, h, "/api/tasks/ballots/images?status=unseen", &imgs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, imgs.Count)
	assert.Equal(t, fx.Images[1].ID, imgs.Images[0].ImageID)
	assert.Equal(t, fx.Images[2].ID, imgs.Images[1].ImageID)

	rec = get(t, h, "/api/tasks/ballots/images", &imgs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, imgs.Count)
	assert.Equal(t, "conflicted", imgs.Images[0].Status)

	rec = get(t, h, "/api/tasks/ballots/images?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = get(t, h, "/api/tasks/missing/images", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatus(t *testing.T) {
	svc, _, h := setup(t)
	key, err := svc.Queue.Enqueue(context.Background(), queue.SyncAssignmentsArgs{Task: "ballots"})
	require.NoError(t, err)

	var job struct {
		Key    string `json:"key"`
		Status string `json:"status"`
	}
	rec := get(t, h, "/api/jobs/"+key, &job)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, key, job.Key)
	assert.Equal(t, "pending", job.Status)

	rec = get(t, h, "/api/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	_, _, h := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
