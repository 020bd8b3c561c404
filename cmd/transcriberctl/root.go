package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/services"
)

var (
	dbDriver string
	dbURL    string
	logLevel string

	cfg    *common.Config
	logger *slog.Logger
	db     *repository.DB
	svc    *services.Services
)

var rootCmd = &cobra.Command{
	Use:           "transcriberctl",
	Short:         "Administer transcription tasks, document ingestion and background jobs.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if svc != nil {
			return nil
		}
		cfg = common.LoadConfig()
		if dbDriver != "" {
			cfg.Database.Driver = dbDriver
		}
		if dbURL != "" {
			cfg.Database.DSN = dbURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = common.NewLogger(cfg.Log, os.Stderr)
		if err := cfg.Validate(); err != nil {
			return err
		}
		d, err := repository.Open(cmd.Context(), repository.Config{
			Driver:           cfg.Database.Driver,
			DSN:              cfg.Database.DSN,
			MaxConns:         cfg.Database.MaxConns,
			MinConns:         1,
			MaxConnLifetime:  cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
			DialTimeout:      cfg.Database.DialTimeout,
			StatementTimeout: cfg.Database.StatementTimeout,
		}, logger)
		if err != nil {
			return err
		}
		db = d
		svc = services.New(db, services.OptionsFromConfig(cfg), logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			repository.Close(db, logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "Database driver: postgres or sqlite (default $DB_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database DSN or SQLite path (default $DB_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")
}

func execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
