// Package assign picks the next document a reviewer should transcribe.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/lease"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// DefaultBatch is how many candidates are fetched per round trip.
const DefaultBatch = 16

// Pick is a leased assignment handed to a reviewer.
type Pick struct {
	Assignment   *entity.Assignment
	LeaseExpires time.Time
}

type Selector struct {
	assignments repository.AssignmentRepository
	leases      *lease.Manager
	logger      *slog.Logger
	batch       int
}

func NewSelector(assignments repository.AssignmentRepository, leases *lease.Manager, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		assignments: assignments,
		leases:      leases,
		logger:      logger,
		batch:       DefaultBatch,
	}
}

// WithBatch sets the candidate batch size.
func (s *Selector) WithBatch(n int) *Selector {
	if n > 0 {
		s.batch = n
	}
	return s
}

// NextFor leases the lowest-id eligible assignment of the task to reviewer.
// Expired leases are swept first. Candidates lost to a concurrent reviewer
// are skipped. It returns ErrTaskComplete when every assignment is
// complete and ErrNoWorkAvailable when the rest are leased or already
// transcribed by this reviewer.
func (s *Selector) NextFor(ctx context.Context, task *entity.Task, reviewer string) (*Pick, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", common.ErrInvalidInput)
	}
	if _, err := s.leases.SweepExpired(ctx); err != nil {
		return nil, err
	}

	d := s.leases.DurationFor(task)
	var after int64
	for {
		candidates, err := s.assignments.Candidates(ctx, repository.CandidateQuery{
			TaskID:   task.ID,
			Reviewer: reviewer,
			Quota:    task.ReviewerQuota,
			AfterID:  after,
			Limit:    s.batch,
			Now:      s.leases.Now(),
		})
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			after = c.ID
			expire, err := s.leases.Checkout(ctx, c.ID, reviewer, task.ReviewerQuota, d)
			if errors.Is(err, common.ErrLeaseTaken) {
				continue
			}
			if err != nil {
				return nil, err
			}
			c.CheckoutExpire = &expire
			c.CheckoutBy = &reviewer
			s.logger.Debug("assignment leased", "task_id", task.ID, "assignment_id", c.ID, "image_id", c.ImageID, "reviewer", reviewer)
			return &Pick{Assignment: c, LeaseExpires: expire}, nil
		}
		if len(candidates) < s.batch {
			break
		}
	}
	return nil, s.exhausted(ctx, task)
}

func (s *Selector) exhausted(ctx context.Context, task *entity.Task) error {
	total, incomplete, err := s.assignments.CountIncomplete(ctx, task.ID)
	if err != nil {
		return err
	}
	if incomplete == 0 {
		return fmt.Errorf("%w: %s (%d documents)", common.ErrTaskComplete, task.Slug, total)
	}
	return fmt.Errorf("%w: %s", common.ErrNoWorkAvailable, task.Slug)
}

// ForImage leases a specific image to reviewer unconditionally, for a
// reviewer reopening a document they were already shown.
func (s *Selector) ForImage(ctx context.Context, task *entity.Task, reviewer string, imageID int64) (*Pick, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("%w: reviewer is required", common.ErrInvalidInput)
	}
	a, err := s.assignments.GetByImage(ctx, task.ID, imageID)
	if err != nil {
		return nil, err
	}
	if a.IsComplete {
		return nil, fmt.Errorf("%w: image %d", common.ErrAssignmentComplete, imageID)
	}
	expire, err := s.leases.ForceCheckout(ctx, a.ID, reviewer, s.leases.DurationFor(task))
	if err != nil {
		return nil, err
	}
	a.CheckoutExpire = &expire
	a.CheckoutBy = &reviewer
	return &Pick{Assignment: a, LeaseExpires: expire}, nil
}
