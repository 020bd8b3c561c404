// Package httpapi is the read-only JSON API used by dashboards.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/progress"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/server"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
)

type Server struct {
	db        *repository.DB
	tasks     *tasks.Service
	progress  *progress.Aggregator
	conflicts *consensus.Detector
	queue     *queue.Queue
	origins   []string
	logger    *slog.Logger
}

func NewServer(db *repository.DB, t *tasks.Service, agg *progress.Aggregator, detector *consensus.Detector, q *queue.Queue, origins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{db: db, tasks: t, progress: agg, conflicts: detector, queue: q, origins: origins, logger: logger}
}

// Handler returns the routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{slug}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{slug}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/tasks/{slug}/conflicts", s.handleConflicts)
	mux.HandleFunc("GET /api/tasks/{slug}/images", s.handleImages)
	mux.HandleFunc("GET /api/jobs/{key}", s.handleJob)

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := repository.HealthCheck(r.Context(), s.db, 2*time.Second, s.logger); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/tasks?include_deleted=true
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.List(r.Context(), r.URL.Query().Get("include_deleted") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

// GET /api/tasks/{slug}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GET /api/tasks/{slug}/progress?reviewer=name
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.tasks.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.progress.ForTask(ctx, task)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"progress": p}
	if who := r.URL.Query().Get("reviewer"); who != "" {
		rp, err := s.progress.ForReviewer(ctx, task, who)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out["reviewer"] = rp
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/tasks/{slug}/conflicts
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.tasks.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.conflicts.TaskConflicts(ctx, task)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []consensus.ImageConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": list, "count": len(list)})
}

// GET /api/tasks/{slug}/images?status=done|conflicted|in_progress|unseen
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status, ok := constants.ParseImageStatus(r.URL.Query().Get("status"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown image status " + r.URL.Query().Get("status")})
		return
	}
	task, err := s.tasks.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.progress.Images(ctx, task, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": list, "count": len(list)})
}

// GET /api/jobs/{key}
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, server.NewJobView(job))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, common.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrValidation):
		code, msg = http.StatusBadRequest, err.Error()
	default:
		s.logger.Error("http request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
