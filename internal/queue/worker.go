package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// Handler runs one job. The result is stored as the job's return value.
type Handler func(ctx context.Context, p Payload) (any, error)

// Handlers maps every job kind to the function that runs it.
type Handlers map[constants.JobKind]Handler

// Typed adapts a function over concrete args into a Handler.
func Typed[A Args](fn func(ctx context.Context, args A) (any, error)) Handler {
	return func(ctx context.Context, p Payload) (any, error) {
		var args A
		if args.Kind() != p.Kind {
			return nil, fmt.Errorf("%w: payload is %s, handler expects %s", common.ErrInvalidInput, p.Kind, args.Kind())
		}
		if err := json.Unmarshal(p.Args, &args); err != nil {
			return nil, fmt.Errorf("%w: %s args: %v", common.ErrValidation, p.Kind, err)
		}
		return fn(ctx, args)
	}
}

type Worker struct {
	jobs       repository.JobRepository
	notifier   Notifier
	handlers   Handlers
	logger     *slog.Logger
	sweepEvery time.Duration
	timeout    time.Duration
	batch      int
	now        func() time.Time
}

type Option func(*Worker)

func WithSweepInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.sweepEvery = d
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

func WithWorkerClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorker(jobs repository.JobRepository, notifier Notifier, handlers Handlers, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		jobs:       jobs,
		notifier:   notifier,
		handlers:   handlers,
		logger:     logger,
		sweepEvery: 30 * time.Second,
		timeout:    30 * time.Minute,
		batch:      100,
		now:        time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run processes jobs one at a time until ctx is cancelled. Signals from the
// notifier trigger a claim attempt; the sweep covers signals that never arrived.
func (w *Worker) Run(ctx context.Context) error {
	var signals <-chan string
	if w.notifier != nil {
		ch, err := w.notifier.Listen(ctx)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", Channel, err)
		}
		signals = ch
	}
	w.logger.Info("worker started", "sweep_interval", w.sweepEvery, "job_timeout", w.timeout)

	w.Sweep(ctx)
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case key, ok := <-signals:
			if !ok {
				if ctx.Err() == nil {
					w.logger.Warn("notifier closed, falling back to sweeps")
				}
				signals = nil
				continue
			}
			if _, err := w.RunKey(ctx, key); err != nil {
				w.logger.Error("job run failed", "key", key, "error", err)
			}
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep tries to claim every unclaimed job, oldest first, and returns how
// many this worker ran.
func (w *Worker) Sweep(ctx context.Context) int {
	keys, err := w.jobs.ListUnclaimed(ctx, w.batch)
	if err != nil {
		w.logger.Error("failed to list unclaimed jobs", "error", err)
		return 0
	}
	ran := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		won, err := w.RunKey(ctx, key)
		if err != nil {
			w.logger.Error("job run failed", "key", key, "error", err)
		}
		if won {
			ran++
		}
	}
	if ran > 0 {
		w.logger.Info("sweep ran jobs", "count", ran)
	}
	return ran
}

// RunKey claims the job and, if the claim is won, executes it and records
// the outcome. It reports whether this call ran the job. Job failures are
// recorded, not returned; the error covers storage problems only.
func (w *Worker) RunKey(ctx context.Context, key string) (bool, error) {
	job, err := w.jobs.Claim(ctx, key, w.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		w.logger.Debug("claim lost", "key", key)
		return false, nil
	}

	w.logger.Info("job started", "key", key, "task_name", job.TaskName)
	start := time.Now()
	result, runErr := w.execute(ctx, job)

	// Record the outcome even if the worker is shutting down.
	rctx := context.WithoutCancel(ctx)
	if runErr == nil {
		var rv []byte
		if result != nil {
			rv, runErr = json.Marshal(result)
			if runErr != nil {
				runErr = fmt.Errorf("marshal result: %w", runErr)
			}
		}
		if runErr == nil {
			if err := w.jobs.Complete(rctx, key, rv, w.now()); err != nil {
				return true, err
			}
			w.logger.Info("job succeeded", "key", key, "task_name", job.TaskName, "duration", time.Since(start))
			return true, nil
		}
	}

	rv, _ := json.Marshal(map[string]string{"message": runErr.Error()})
	if err := w.jobs.Fail(rctx, key, rv, traceback(runErr), w.now()); err != nil {
		return true, err
	}
	w.logger.Error("job failed", "key", key, "task_name", job.TaskName, "error", runErr, "duration", time.Since(start))
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *entity.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	p, err := Decode(job.Payload)
	if err != nil {
		return nil, err
	}
	h, ok := w.handlers[p.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %q", common.ErrUnknownJobKind, p.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return h(ctx, p)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// traceback renders the panic stack or the wrapped error chain. It is never empty.
func traceback(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.Error() + "\n\n" + string(pe.stack)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%T: %v", err, err)
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "\ncaused by %T: %v", e, e)
	}
	return b.String()
}
