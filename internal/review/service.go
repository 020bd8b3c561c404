// Package review is the reviewer-facing flow: request a document, submit a
// transcription, and edit or withdraw it afterwards.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/assign"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/lease"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// WorkItem is a leased document handed to a reviewer.
type WorkItem struct {
	Assignment   *entity.Assignment `json:"assignment"`
	Image        *entity.Image      `json:"image"`
	TaskSlug     string             `json:"task_slug"`
	Fields       []entity.TaskField `json:"fields"`
	LeaseExpires time.Time          `json:"lease_expires"`
}

type SubmitRequest struct {
	TaskSlug   string
	ImageID    int64
	Reviewer   string
	Values     map[string]entity.FieldValue
	Irrelevant bool
}

type EditRequest struct {
	SubmissionID int64
	Reviewer     string
	Values       map[string]entity.FieldValue
	Irrelevant   bool
}

// SubmitResult reports the stored submission and what reconciliation did
// with it. Reconcile is nil when the image is still below quota.
type SubmitResult struct {
	Submission *entity.Submission
	ViewCount  int
	Reconcile  *consensus.Result
}

// Finalized reports whether this call produced the final record.
func (r *SubmitResult) Finalized() bool {
	return r.Reconcile != nil && r.Reconcile.Outcome == consensus.Finalized
}

type Service struct {
	db          *repository.DB
	tasks       repository.TaskRepository
	images      repository.ImageRepository
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	selector    *assign.Selector
	leases      *lease.Manager
	reconciler  *consensus.Reconciler
	logger      *slog.Logger
}

func NewService(db *repository.DB, selector *assign.Selector, leases *lease.Manager, reconciler *consensus.Reconciler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:          db,
		tasks:       repository.NewTaskRepository(db, logger),
		images:      repository.NewImageRepository(db, logger),
		assignments: repository.NewAssignmentRepository(db, logger),
		submissions: repository.NewSubmissionRepository(db, logger),
		selector:    selector,
		leases:      leases,
		reconciler:  reconciler,
		logger:      logger,
	}
}

func (s *Service) activeTask(ctx context.Context, slug string) (*entity.Task, error) {
	if strings.TrimSpace(slug) == "" {
		return nil, fmt.Errorf("%w: task is required", common.ErrInvalidInput)
	}
	task, err := s.tasks.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if task.Status != constants.TaskStatusActive {
		return nil, fmt.Errorf("%w: task %s is %s", common.ErrNotFound, slug, task.Status)
	}
	return task, nil
}

// RequestWork leases the next eligible document of the task to reviewer.
func (s *Service) RequestWork(ctx context.Context, taskSlug, reviewer string) (*WorkItem, error) {
	task, err := s.activeTask(ctx, taskSlug)
	if err != nil {
		return nil, err
	}
	pick, err := s.selector.NextFor(ctx, task, reviewer)
	if err != nil {
		if !errors.Is(err, common.ErrNoWorkAvailable) && !errors.Is(err, common.ErrTaskComplete) {
			s.logger.Error("failed to select work", "task", taskSlug, "reviewer", reviewer, "error", err)
		}
		return nil, err
	}
	return s.workItem(ctx, task, pick)
}

// RequestImage leases one specific document, taking over any active lease.
func (s *Service) RequestImage(ctx context.Context, taskSlug, reviewer string, imageID int64) (*WorkItem, error) {
	task, err := s.activeTask(ctx, taskSlug)
	if err != nil {
		return nil, err
	}
	pick, err := s.selector.ForImage(ctx, task, reviewer, imageID)
	if err != nil {
		return nil, err
	}
	return s.workItem(ctx, task, pick)
}

func (s *Service) workItem(ctx context.Context, task *entity.Task, pick *assign.Pick) (*WorkItem, error) {
	img, err := s.images.Get(ctx, pick.Assignment.ImageID)
	if err != nil {
		return nil, err
	}
	return &WorkItem{
		Assignment:   pick.Assignment,
		Image:        img,
		TaskSlug:     task.Slug,
		Fields:       task.Fields,
		LeaseExpires: pick.LeaseExpires,
	}, nil
}

// Submit stores a raw submission and finalizes the image once enough
// reviewers agree. The assignment row is locked for the whole transaction,
// so concurrent submissions for one image are serialized.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Reviewer) == "" {
		return nil, fmt.Errorf("%w: reviewer is required", common.ErrInvalidInput)
	}
	task, err := s.activeTask(ctx, req.TaskSlug)
	if err != nil {
		return nil, err
	}
	values, err := normalizeValues(task, req.Values, req.Irrelevant)
	if err != nil {
		return nil, err
	}

	res := &SubmitResult{}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		assignments := s.assignments.WithTx(tx)
		submissions := s.submissions.WithTx(tx)

		a, err := assignments.LockByImage(ctx, task.ID, req.ImageID)
		if err != nil {
			return err
		}
		if a.IsComplete {
			return fmt.Errorf("%w: image %d", common.ErrAssignmentComplete, req.ImageID)
		}
		dup, err := submissions.HasRaw(ctx, task.ID, req.ImageID, req.Reviewer)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: image %d", common.ErrDuplicateSubmission, req.ImageID)
		}

		sub := &entity.Submission{
			TaskID:      task.ID,
			ImageID:     req.ImageID,
			Transcriber: req.Reviewer,
			DateAdded:   s.leases.Now(),
			Status:      constants.SubmissionRaw,
			Values:      values,
		}
		if err := submissions.Insert(ctx, sub); err != nil {
			return err
		}
		res.Submission = sub

		if res.ViewCount, err = assignments.RecountViews(ctx, a); err != nil {
			return err
		}
		if _, err := assignments.Release(ctx, a.ID, req.Reviewer); err != nil {
			return err
		}
		if res.ViewCount >= task.ReviewerQuota {
			if res.Reconcile, err = s.reconciler.ReconcileTx(ctx, tx, task, req.ImageID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !isClientError(err) {
			s.logger.Error("failed to store submission", "task", req.TaskSlug, "image_id", req.ImageID, "reviewer", req.Reviewer, "error", err)
		}
		return nil, err
	}
	s.logger.Info("submission stored", "task", task.Slug, "image_id", req.ImageID, "reviewer", req.Reviewer,
		"submission_id", res.Submission.ID, "view_count", res.ViewCount, "finalized", res.Finalized())
	return res, nil
}

// Edit replaces a reviewer's raw submission. The old row is kept as
// raw_deleted. If the image was already finalized its final record is
// withdrawn and reconciliation runs again over the current answers.
func (s *Service) Edit(ctx context.Context, req EditRequest) (*SubmitResult, error) {
	old, err := s.submissions.Get(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	if old.Status != constants.SubmissionRaw {
		return nil, fmt.Errorf("%w: submission %d is %s", common.ErrInvalidInput, old.ID, old.Status)
	}
	if req.Reviewer != "" && req.Reviewer != old.Transcriber {
		return nil, fmt.Errorf("%w: submission %d belongs to another reviewer", common.ErrInvalidInput, old.ID)
	}
	task, err := s.tasks.GetByID(ctx, old.TaskID)
	if err != nil {
		return nil, err
	}
	values, err := normalizeValues(task, req.Values, req.Irrelevant)
	if err != nil {
		return nil, err
	}

	res := &SubmitResult{}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		assignments := s.assignments.WithTx(tx)
		submissions := s.submissions.WithTx(tx)

		a, err := assignments.LockByImage(ctx, old.TaskID, old.ImageID)
		if err != nil {
			return err
		}
		ok, err := submissions.SetStatus(ctx, old.ID, constants.SubmissionRaw, constants.SubmissionRawDeleted)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: submission %d changed concurrently", common.ErrInvalidInput, old.ID)
		}
		if err := s.withdrawFinal(ctx, assignments, submissions, a); err != nil {
			return err
		}

		sub := &entity.Submission{
			TaskID:      old.TaskID,
			ImageID:     old.ImageID,
			Transcriber: old.Transcriber,
			DateAdded:   s.leases.Now(),
			Status:      constants.SubmissionRaw,
			Values:      values,
		}
		if err := submissions.Insert(ctx, sub); err != nil {
			return err
		}
		res.Submission = sub

		if res.ViewCount, err = assignments.RecountViews(ctx, a); err != nil {
			return err
		}
		if res.ViewCount >= task.ReviewerQuota {
			if res.Reconcile, err = s.reconciler.ReconcileTx(ctx, tx, task, old.ImageID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to edit submission", "submission_id", req.SubmissionID, "error", err)
		return nil, err
	}
	s.logger.Info("submission edited", "old_id", old.ID, "new_id", res.Submission.ID, "image_id", old.ImageID, "finalized", res.Finalized())
	return res, nil
}

// Delete withdraws a raw submission. Any final record for the image goes
// with it and the image returns to the pool.
func (s *Service) Delete(ctx context.Context, submissionID int64) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		assignments := s.assignments.WithTx(tx)
		submissions := s.submissions.WithTx(tx)

		sub, err := submissions.Get(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub.Status != constants.SubmissionRaw {
			return fmt.Errorf("%w: submission %d is %s", common.ErrInvalidInput, sub.ID, sub.Status)
		}
		a, err := assignments.LockByImage(ctx, sub.TaskID, sub.ImageID)
		if err != nil {
			return err
		}
		ok, err := submissions.SetStatus(ctx, sub.ID, constants.SubmissionRaw, constants.SubmissionRawDeleted)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: submission %d changed concurrently", common.ErrInvalidInput, sub.ID)
		}
		if err := s.withdrawFinal(ctx, assignments, submissions, a); err != nil {
			return err
		}
		_, err = assignments.RecountViews(ctx, a)
		return err
	})
	if err != nil {
		if !isClientError(err) {
			s.logger.Error("failed to delete submission", "submission_id", submissionID, "error", err)
		}
		return err
	}
	s.logger.Info("submission deleted", "submission_id", submissionID)
	return nil
}

func (s *Service) withdrawFinal(ctx context.Context, assignments repository.AssignmentRepository, submissions repository.SubmissionRepository, a *entity.Assignment) error {
	n, err := submissions.DeleteFinal(ctx, a.TaskID, a.ImageID)
	if err != nil {
		return err
	}
	if err := assignments.MarkIncomplete(ctx, a.ID); err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("final record withdrawn", "task_id", a.TaskID, "image_id", a.ImageID)
	}
	return nil
}

// Checkin gives a lease back before it expires. It reports whether the
// reviewer actually held one.
func (s *Service) Checkin(ctx context.Context, taskSlug string, imageID int64, reviewer string) (bool, error) {
	if strings.TrimSpace(reviewer) == "" {
		return false, fmt.Errorf("%w: reviewer is required", common.ErrInvalidInput)
	}
	task, err := s.activeTask(ctx, taskSlug)
	if err != nil {
		return false, err
	}
	a, err := s.assignments.GetByImage(ctx, task.ID, imageID)
	if err != nil {
		return false, err
	}
	released, err := s.leases.Release(ctx, a.ID, reviewer)
	if err != nil {
		s.logger.Error("failed to release lease", "assignment_id", a.ID, "reviewer", reviewer, "error", err)
		return false, err
	}
	s.logger.Debug("checkin", "assignment_id", a.ID, "reviewer", reviewer, "released", released)
	return released, nil
}

// ImageRecord is everything recorded for one image: the raw answers,
// oldest first, and the final record once the image is finalized.
type ImageRecord struct {
	ImageID int64                `json:"image_id"`
	Raw     []*entity.Submission `json:"raw"`
	Final   *entity.Submission   `json:"final,omitempty"`
}

// Submissions returns the raw answers and final record of one image.
func (s *Service) Submissions(ctx context.Context, taskSlug string, imageID int64) (*ImageRecord, error) {
	task, err := s.tasks.GetBySlug(ctx, taskSlug)
	if err != nil {
		return nil, err
	}
	raw, err := s.submissions.ListRaw(ctx, task.ID, imageID)
	if err != nil {
		return nil, err
	}
	rec := &ImageRecord{ImageID: imageID, Raw: raw}
	final, err := s.submissions.GetFinal(ctx, task.ID, imageID)
	switch {
	case err == nil:
		rec.Final = final
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}
	return rec, nil
}

// ActivityItem is one raw submission of a reviewer with the document it
// transcribes.
type ActivityItem struct {
	Submission *entity.Submission `json:"submission"`
	FetchURL   string             `json:"fetch_url"`
}

// TaskActivity groups a reviewer's submissions under one task.
type TaskActivity struct {
	TaskSlug string          `json:"task_slug"`
	TaskName string          `json:"task_name"`
	Items    []*ActivityItem `json:"items"`
}

// Activity lists the reviewer's raw submissions on every task that is not
// deleted. Tasks without any are left out.
func (s *Service) Activity(ctx context.Context, reviewer string) ([]*TaskActivity, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, fmt.Errorf("%w: reviewer is required", common.ErrInvalidInput)
	}
	subs, err := s.submissions.ListByReviewer(ctx, reviewer)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return []*TaskActivity{}, nil
	}

	imageIDs := make([]int64, 0, len(subs))
	for _, sub := range subs {
		imageIDs = append(imageIDs, sub.ImageID)
	}
	images, err := s.images.GetMany(ctx, imageIDs)
	if err != nil {
		return nil, err
	}

	var (
		out    []*TaskActivity
		byTask = map[int64]*TaskActivity{}
	)
	for _, sub := range subs {
		ta, ok := byTask[sub.TaskID]
		if !ok {
			task, err := s.tasks.GetByID(ctx, sub.TaskID)
			if err != nil {
				return nil, err
			}
			ta = &TaskActivity{TaskSlug: task.Slug, TaskName: task.Name}
			byTask[sub.TaskID] = ta
			out = append(out, ta)
		}
		item := &ActivityItem{Submission: sub}
		if img, ok := images[sub.ImageID]; ok {
			item.FetchURL = img.FetchURL
		}
		ta.Items = append(ta.Items, item)
	}
	s.logger.Debug("reviewer activity", "reviewer", reviewer, "tasks", len(out), "submissions", len(subs))
	return out, nil
}

func isClientError(err error) bool {
	for _, target := range []error{
		common.ErrNotFound,
		common.ErrInvalidInput,
		common.ErrValidation,
		common.ErrAssignmentComplete,
		common.ErrDuplicateSubmission,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
