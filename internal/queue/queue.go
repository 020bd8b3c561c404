// Package queue is the durable work queue: jobs live as rows in the jobs
// table, a notifier wakes workers, and a conditional update decides which
// worker runs each job.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

type Queue struct {
	jobs     repository.JobRepository
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(jobs repository.JobRepository, notifier Notifier, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:     jobs,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue stores a typed job and signals the workers.
func (q *Queue) Enqueue(ctx context.Context, args Args) (string, error) {
	p, err := NewPayload(args)
	if err != nil {
		return "", err
	}
	return q.EnqueuePayload(ctx, p)
}

// EnqueuePayload stores a job whose args arrive as raw JSON. The row is
// committed before the signal goes out; a lost signal only delays the job
// until the next sweep.
func (q *Queue) EnqueuePayload(ctx context.Context, p Payload) (string, error) {
	data, err := Encode(p)
	if err != nil {
		return "", err
	}
	now := q.now()
	job := &entity.Job{
		Key:      uuid.NewString(),
		Payload:  data,
		TaskName: string(p.Kind),
		Created:  now,
		Updated:  now,
	}
	if err := q.jobs.Insert(ctx, job); err != nil {
		return "", err
	}
	q.logger.Info("job enqueued", "key", job.Key, "kind", p.Kind)

	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, job.Key); err != nil {
			q.logger.Warn("failed to notify workers", "key", job.Key, "error", err)
		}
	}
	return job.Key, nil
}

func (q *Queue) Get(ctx context.Context, key string) (*entity.Job, error) {
	return q.jobs.Get(ctx, key)
}

func (q *Queue) List(ctx context.Context, filter repository.JobFilter) ([]*entity.Job, error) {
	return q.jobs.List(ctx, filter)
}

// Acknowledge marks a succeeded job's result as consumed.
func (q *Queue) Acknowledge(ctx context.Context, key string) error {
	ok, err := q.jobs.Acknowledge(ctx, key, q.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	job, err := q.jobs.Get(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", common.ErrJobState, key, job.Status())
}

// Resubmit enqueues a copy of a failed job and returns the new key.
func (q *Queue) Resubmit(ctx context.Context, key string) (string, error) {
	job, err := q.jobs.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if job.Status() != constants.JobStatusFailed {
		return "", fmt.Errorf("%w: job %s is %s, only failed jobs can be resubmitted", common.ErrJobState, key, job.Status())
	}
	p, err := Decode(job.Payload)
	if err != nil {
		return "", err
	}
	newKey, err := q.EnqueuePayload(ctx, p)
	if err != nil {
		return "", err
	}
	q.logger.Info("job resubmitted", "key", key, "new_key", newKey)
	return newKey, nil
}
