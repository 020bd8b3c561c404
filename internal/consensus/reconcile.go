// Package consensus detects disagreement among reviewers and reconciles
// agreeing submissions into a single final record.
package consensus

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// Outcome is the result of a reconciliation attempt. Only Finalized writes
// anything.
type Outcome int

const (
	Insufficient Outcome = iota
	NoConsensus
	Finalized
	AlreadyFinal
)

func (o Outcome) String() string {
	switch o {
	case Insufficient:
		return "insufficient"
	case NoConsensus:
		return "no_consensus"
	case Finalized:
		return "finalized"
	case AlreadyFinal:
		return "already_final"
	}
	return "unknown"
}

type Result struct {
	Outcome   Outcome
	Raw       int
	Threshold int
	// Disputed lists the fields that fell short of the threshold.
	Disputed []string
	Final    *entity.Submission
}

type Reconciler struct {
	db          *repository.DB
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	logger      *slog.Logger
	now         func() time.Time
}

func NewReconciler(db *repository.DB, assignments repository.AssignmentRepository, submissions repository.SubmissionRepository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:          db,
		assignments: assignments,
		submissions: submissions,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile runs ReconcileTx in its own transaction.
func (r *Reconciler) Reconcile(ctx context.Context, task *entity.Task, imageID int64) (*Result, error) {
	var res *Result
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = r.ReconcileTx(ctx, tx, task, imageID)
		return err
	})
	return res, err
}

// ReconcileTx finalizes the image when it has at least quota raw
// submissions and every field clears the agreement threshold. Completion
// is a conditional update, so of two concurrent attempts only one writes
// the final row.
func (r *Reconciler) ReconcileTx(ctx context.Context, tx *sql.Tx, task *entity.Task, imageID int64) (*Result, error) {
	assignments := r.assignments.WithTx(tx)
	submissions := r.submissions.WithTx(tx)
	res := &Result{Threshold: task.AgreementThreshold()}

	a, err := assignments.GetByImage(ctx, task.ID, imageID)
	if err != nil {
		return nil, err
	}
	if a.IsComplete {
		res.Outcome = AlreadyFinal
		return res, nil
	}

	raw, err := submissions.ListRaw(ctx, task.ID, imageID)
	if err != nil {
		return nil, err
	}
	res.Raw = len(raw)
	if len(raw) < task.ReviewerQuota {
		res.Outcome = Insufficient
		return res, nil
	}

	values, disputed := Vote(task.FieldSlugs(), raw, res.Threshold)
	if len(disputed) > 0 {
		res.Outcome = NoConsensus
		res.Disputed = disputed
		r.logger.Info("no consensus", "task_id", task.ID, "image_id", imageID, "raw", len(raw), "disputed", disputed)
		return res, nil
	}

	won, err := assignments.MarkComplete(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		res.Outcome = AlreadyFinal
		return res, nil
	}
	final := &entity.Submission{
		TaskID:    task.ID,
		ImageID:   imageID,
		DateAdded: r.now(),
		Status:    constants.SubmissionFinal,
		Values:    values,
	}
	if err := submissions.Insert(ctx, final); err != nil {
		return nil, err
	}
	res.Outcome = Finalized
	res.Final = final
	r.logger.Info("image finalized", "task_id", task.ID, "image_id", imageID, "raw", len(raw), "final_id", final.ID)
	return res, nil
}
