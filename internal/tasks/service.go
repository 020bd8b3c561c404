// Package tasks manages task definitions and the assignments that tie a
// task to its documents.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

type Service struct {
	db          *repository.DB
	tasks       repository.TaskRepository
	images      repository.ImageRepository
	assignments repository.AssignmentRepository
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(db *repository.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          db,
		tasks:       repository.NewTaskRepository(db, logger),
		images:      repository.NewImageRepository(db, logger),
		assignments: repository.NewAssignmentRepository(db, logger),
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a new task and its fields. Assignments are created
// separately by SyncAssignments.
func (s *Service) Create(ctx context.Context, def *Definition) (*entity.Task, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	switch _, err := s.tasks.GetBySlug(ctx, def.Slug); {
	case err == nil:
		return nil, fmt.Errorf("%w: task %s already exists", common.ErrInvalidInput, def.Slug)
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	task := def.Task(s.now().UTC())
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		return s.tasks.WithTx(tx).Create(ctx, task)
	})
	if err != nil {
		s.logger.Error("failed to create task", "slug", def.Slug, "error", err)
		return nil, err
	}
	s.logger.Info("task created", "slug", task.Slug, "task_id", task.ID, "quota", task.ReviewerQuota, "fields", len(task.Fields))
	return task, nil
}

func (s *Service) Get(ctx context.Context, slug string) (*entity.Task, error) {
	return s.tasks.GetBySlug(ctx, slug)
}

func (s *Service) List(ctx context.Context, includeDeleted bool) ([]*entity.Task, error) {
	return s.tasks.List(ctx, includeDeleted)
}

// ListByProject returns the active tasks that draw documents from project.
func (s *Service) ListByProject(ctx context.Context, project string) ([]*entity.Task, error) {
	return s.tasks.ListByProject(ctx, project)
}

// Delete marks the task deleted. Its rows are kept for export.
func (s *Service) Delete(ctx context.Context, slug string) error {
	task, err := s.tasks.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.tasks.SetStatus(ctx, task.ID, constants.TaskStatusDeleted, s.now().UTC()); err != nil {
		s.logger.Error("failed to delete task", "slug", slug, "error", err)
		return err
	}
	s.logger.Info("task deleted", "slug", slug, "task_id", task.ID)
	return nil
}

// SyncAssignments creates the missing assignments of a task: one per image
// of its project whose page-ness matches split_image and whose hierarchy
// matches the filter. It returns how many were created.
func (s *Service) SyncAssignments(ctx context.Context, slug string) (int, error) {
	task, err := s.tasks.GetBySlug(ctx, slug)
	if err != nil {
		return 0, err
	}
	if task.Status != constants.TaskStatusActive {
		return 0, fmt.Errorf("%w: task %s is %s", common.ErrInvalidInput, slug, task.Status)
	}
	return s.syncTask(ctx, task)
}

// SyncProject runs SyncAssignments for every active task of the project.
func (s *Service) SyncProject(ctx context.Context, project string) (map[string]int, error) {
	ts, err := s.tasks.ListByProject(ctx, project)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(ts))
	for _, t := range ts {
		n, err := s.syncTask(ctx, t)
		if err != nil {
			return out, err
		}
		out[t.Slug] = n
	}
	return out, nil
}

func (s *Service) syncTask(ctx context.Context, task *entity.Task) (int, error) {
	created := 0
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		created = 0
		imgs, err := s.images.WithTx(tx).List(ctx, repository.ImageFilter{
			Project:   task.Project,
			PageURLs:  task.SplitImage,
			Hierarchy: task.HierarchyFilter,
		})
		if err != nil {
			return err
		}
		assignments := s.assignments.WithTx(tx)
		for _, img := range imgs {
			ok, err := assignments.InsertIfMissing(ctx, img.ID, task.ID)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to sync assignments", "slug", task.Slug, "error", err)
		return 0, err
	}
	s.logger.Info("assignments synced", "slug", task.Slug, "created", created)
	return created, nil
}
