// Package services wires repositories and domain services into the set
// each binary runs.
package services

import (
	"log/slog"
	"time"

	"github.com/joseph-ayodele/transcriber/internal/assign"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/export"
	"github.com/joseph-ayodele/transcriber/internal/ingest"
	"github.com/joseph-ayodele/transcriber/internal/jobs"
	"github.com/joseph-ayodele/transcriber/internal/lease"
	"github.com/joseph-ayodele/transcriber/internal/progress"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/review"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
)

type Options struct {
	DefaultLease  time.Duration
	SelectBatch   int
	ExportDir     string
	SweepInterval time.Duration
	JobTimeout    time.Duration
	// Now replaces the clock of every time-dependent component.
	Now func() time.Time
}

// OptionsFromConfig picks the service settings out of the process config.
func OptionsFromConfig(cfg *common.Config) Options {
	return Options{
		DefaultLease:  cfg.Review.DefaultLease,
		SelectBatch:   cfg.Review.SelectBatch,
		ExportDir:     cfg.Export.Dir,
		SweepInterval: cfg.Queue.SweepInterval,
		JobTimeout:    cfg.Queue.JobTimeout,
	}
}

type Services struct {
	DB         *repository.DB
	Jobs       repository.JobRepository
	Notifier   queue.Notifier
	Queue      *queue.Queue
	Leases     *lease.Manager
	Selector   *assign.Selector
	Reconciler *consensus.Reconciler
	Conflicts  *consensus.Detector
	Progress   *progress.Aggregator
	Review     *review.Service
	Tasks      *tasks.Service
	Files      *ingest.FSIngestor
	Manifests  *ingest.ManifestIngestor
	Export     *export.Service
	Handlers   queue.Handlers

	opts   Options
	logger *slog.Logger
}

// New builds every service over db. Postgres deployments signal workers
// with LISTEN/NOTIFY; SQLite ones only reach workers in the same process.
func New(db *repository.DB, opts Options, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultLease <= 0 {
		opts.DefaultLease = lease.DefaultDuration
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "./exports"
	}

	taskRepo := repository.NewTaskRepository(db, logger)
	imageRepo := repository.NewImageRepository(db, logger)
	assignmentRepo := repository.NewAssignmentRepository(db, logger)
	submissionRepo := repository.NewSubmissionRepository(db, logger)

	s := &Services{DB: db, opts: opts, logger: logger}
	s.Jobs = repository.NewJobRepository(db, logger)
	if db.Postgres() {
		s.Notifier = queue.NewPGNotifier(db.Pool(), logger)
	} else {
		s.Notifier = queue.NewLocalNotifier(logger)
	}
	s.Queue = queue.New(s.Jobs, s.Notifier, logger).WithClock(opts.Now)

	s.Leases = lease.NewManager(assignmentRepo, logger).WithClock(opts.Now).WithDefault(opts.DefaultLease)
	s.Selector = assign.NewSelector(assignmentRepo, s.Leases, logger)
	if opts.SelectBatch > 0 {
		s.Selector.WithBatch(opts.SelectBatch)
	}
	s.Reconciler = consensus.NewReconciler(db, assignmentRepo, submissionRepo, logger).WithClock(opts.Now)
	s.Conflicts = consensus.NewDetector(submissionRepo, logger)
	s.Progress = progress.NewAggregator(taskRepo, assignmentRepo, submissionRepo, logger)
	s.Review = review.NewService(db, s.Selector, s.Leases, s.Reconciler, logger)
	s.Tasks = tasks.NewService(db, logger).WithClock(opts.Now)
	s.Files = ingest.NewFSIngestor(imageRepo, logger)
	s.Manifests = ingest.NewManifestIngestor(imageRepo, logger)
	s.Export = export.NewService(db, s.Progress, s.Conflicts, logger)
	s.Handlers = jobs.Handlers(jobs.Deps{
		Tasks:     s.Tasks,
		Files:     s.Files,
		Manifests: s.Manifests,
		Export:    s.Export,
		ExportDir: opts.ExportDir,
		Logger:    logger,
		Now:       opts.Now,
	})
	return s
}

// NewWorker returns a queue worker running the job handlers.
func (s *Services) NewWorker(extra ...queue.Option) *queue.Worker {
	opts := []queue.Option{
		queue.WithSweepInterval(s.opts.SweepInterval),
		queue.WithJobTimeout(s.opts.JobTimeout),
		queue.WithWorkerClock(s.opts.Now),
	}
	return queue.NewWorker(s.Jobs, s.Notifier, s.Handlers, s.logger, append(opts, extra...)...)
}
