package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/httpapi"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/server"
	"github.com/joseph-ayodele/transcriber/internal/services"
)

const leaseSweepInterval = time.Minute

func main() {
	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("transcriberd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer server.CloseDB(db, logger)

	if err := repository.Migrate(ctx, db, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	svc := services.New(db, services.OptionsFromConfig(cfg), logger)
	grpcServer, hs := server.New(svc, logger)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("transcriberd listening", "addr", cfg.Server.GRPCAddr)
		return grpcServer.Serve(lis)
	})

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		api := httpapi.NewServer(db, svc.Tasks, svc.Progress, svc.Conflicts, svc.Queue, cfg.Server.CORSOrigins, logger)
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http api failed: %w", err)
			}
			return nil
		})
	}

	if cfg.Queue.EmbeddedWorker {
		worker := svc.NewWorker()
		g.Go(func() error {
			return worker.Run(gCtx)
		})
	}

	// Expired leases are already ignored by selection; clearing them keeps
	// checkout_by accurate for dashboards.
	g.Go(func() error {
		t := time.NewTicker(leaseSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-t.C:
				if n, err := svc.Leases.SweepExpired(gCtx); err != nil {
					logger.Warn("lease sweep failed", "error", err)
				} else if n > 0 {
					logger.Debug("expired leases cleared", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}
