// Package progress derives task dashboards from assignment and submission
// state.
package progress

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// Progress is a task's document and review counts. The four document
// categories are disjoint and their percentages sum to 100 whenever the
// task has documents.
type Progress struct {
	TaskID   int64  `json:"task_id"`
	TaskSlug string `json:"task_slug"`

	DocsTotal      int `json:"docs_total"`
	DocsDone       int `json:"docs_done"`
	DocsInProgress int `json:"docs_in_progress"`
	DocsConflicted int `json:"docs_conflicted"`
	DocsUnseen     int `json:"docs_unseen"`

	DocsDonePct       int `json:"docs_done_pct"`
	DocsInProgressPct int `json:"docs_in_progress_pct"`
	DocsConflictedPct int `json:"docs_conflicted_pct"`
	DocsUnseenPct     int `json:"docs_unseen_pct"`

	ReviewsDone    int `json:"reviews_done"`
	ReviewsTotal   int `json:"reviews_total"`
	ReviewsDonePct int `json:"reviews_done_pct"`
}

// ReviewerProgress counts one reviewer's raw submissions for a task.
type ReviewerProgress struct {
	TaskID      int64  `json:"task_id"`
	Reviewer    string `json:"reviewer"`
	Submissions int    `json:"submissions"`
	DocsTotal   int    `json:"docs_total"`
	Pct         int    `json:"pct"`
}

// Pct is floor(a*100/b), except that a positive a never renders as 0.
// It is 0 when a is 0 or b is not positive.
func Pct(a, b int) int {
	if a <= 0 || b <= 0 {
		return 0
	}
	p := a * 100 / b
	if p == 0 {
		return 1
	}
	return p
}

// Balance adjusts the four category percentages so they sum to 100. A
// shortfall goes to done when done >= in progress and done is non-zero,
// otherwise to in progress when non-zero, otherwise to the larger of
// unseen and conflicted. An excess from bumped tiny categories comes off
// the largest one.
func Balance(done, inProgress, conflicted, unseen int) (int, int, int, int) {
	total := done + inProgress + conflicted + unseen
	if total == 0 {
		return 0, 0, 0, 0
	}
	r := 100 - total
	switch {
	case r > 0:
		switch {
		case done >= inProgress && done > 0:
			done += r
		case inProgress > 0:
			inProgress += r
		case unseen >= conflicted:
			unseen += r
		default:
			conflicted += r
		}
	case r < 0:
		largest := &done
		for _, p := range []*int{&inProgress, &conflicted, &unseen} {
			if *p > *largest {
				largest = p
			}
		}
		*largest += r
	}
	return done, inProgress, conflicted, unseen
}

type Aggregator struct {
	tasks       repository.TaskRepository
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	logger      *slog.Logger
}

func NewAggregator(tasks repository.TaskRepository, assignments repository.AssignmentRepository, submissions repository.SubmissionRepository, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		tasks:       tasks,
		assignments: assignments,
		submissions: submissions,
		logger:      logger,
	}
}

// ForTask computes progress from the current rows; conflicts are
// recomputed on every call.
func (a *Aggregator) ForTask(ctx context.Context, task *entity.Task) (*Progress, error) {
	c, err := a.assignments.Counts(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return Compute(task, c), nil
}

// Compute turns raw counts into a Progress.
func Compute(task *entity.Task, c *repository.AssignmentCounts) *Progress {
	p := &Progress{
		TaskID:         task.ID,
		TaskSlug:       task.Slug,
		DocsTotal:      c.Total,
		DocsDone:       c.Done,
		DocsInProgress: c.InProgress,
		DocsConflicted: c.Conflicted,
		DocsUnseen:     c.Unseen,
		ReviewsDone:    c.ViewsTotal,
		ReviewsTotal:   c.Total * task.ReviewerQuota,
	}
	if c.Total == 0 {
		return p
	}
	p.DocsDonePct, p.DocsInProgressPct, p.DocsConflictedPct, p.DocsUnseenPct = Balance(
		Pct(c.Done, c.Total),
		Pct(c.InProgress, c.Total),
		Pct(c.Conflicted, c.Total),
		Pct(c.Unseen, c.Total),
	)
	p.ReviewsDonePct = Pct(p.ReviewsDone, p.ReviewsTotal)
	return p
}

func (a *Aggregator) ForReviewer(ctx context.Context, task *entity.Task, reviewer string) (*ReviewerProgress, error) {
	n, err := a.submissions.CountByReviewer(ctx, task.ID, reviewer)
	if err != nil {
		return nil, err
	}
	total, _, err := a.assignments.CountIncomplete(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &ReviewerProgress{
		TaskID:      task.ID,
		Reviewer:    reviewer,
		Submissions: n,
		DocsTotal:   total,
		Pct:         Pct(n, total),
	}, nil
}

// Overview returns progress for every active task.
func (a *Aggregator) Overview(ctx context.Context) ([]*Progress, error) {
	tasks, err := a.tasks.List(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]*Progress, 0, len(tasks))
	for _, t := range tasks {
		p, err := a.ForTask(ctx, t)
		if err != nil {
			a.logger.Error("failed to compute task progress", "task_id", t.ID, "error", err)
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
