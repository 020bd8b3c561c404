package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/server"
	"github.com/joseph-ayodele/transcriber/internal/services"
)

func main() {
	once := flag.Bool("once", false, "run every pending job once and exit")
	batch := flag.Int("batch", 0, "jobs fetched per sweep (default 100)")
	flag.Parse()

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer server.CloseDB(db, logger)
	if err := repository.Migrate(ctx, db, logger); err != nil {
		logger.Error("failed to migrate", "error", err)
		os.Exit(1)
	}

	svc := services.New(db, services.OptionsFromConfig(cfg), logger)
	worker := svc.NewWorker(queue.WithSweepBatch(*batch))

	if *once {
		n := worker.Sweep(ctx)
		logger.Info("sweep finished", "ran", n)
		return
	}
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}
