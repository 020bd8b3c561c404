package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/transcriber/internal/ingest"
	"github.com/joseph-ayodele/transcriber/internal/queue"
)

var (
	ingestSkipHidden bool
	ingestSplitPages bool
	ingestInline     bool
	ingestSheet      string
	watchDebounce    time.Duration
	watchInitialScan bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Register documents and create their assignments",
}

var ingestDirCmd = &cobra.Command{
	Use:   "dir <project> <root>",
	Short: "Ingest every supported file under a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, queue.IngestDirectoryArgs{
			Project:    args[0],
			Root:       args[1],
			SkipHidden: ingestSkipHidden,
			SplitPages: ingestSplitPages,
		}, ingestInline)
	},
}

var ingestManifestCmd = &cobra.Command{
	Use:   "manifest <project> <manifest.xlsx>",
	Short: "Ingest the documents listed in an XLSX manifest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, queue.IngestManifestArgs{
			Project: args[0],
			Path:    args[1],
			Sheet:   ingestSheet,
		}, ingestInline)
	},
}

var ingestWatchCmd = &cobra.Command{
	Use:   "watch <project> <root>...",
	Short: "Ingest files as they appear until interrupted",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := args[0]
		err := svc.Files.Watch(cmd.Context(), project, ingest.WatchConfig{
			Roots:       args[1:],
			SkipHidden:  ingestSkipHidden,
			InitialScan: watchInitialScan,
			Debounce:    watchDebounce,
			Ingested: func(ctx context.Context, r *ingest.IngestionResult) {
				if r.Deduplicated {
					return
				}
				synced, err := svc.Tasks.SyncProject(ctx, project)
				if err != nil {
					logger.Warn("assignment sync failed", "project", project, "error", err)
					return
				}
				fmt.Printf("%s -> image %d %v\n", r.SourcePath, r.ImageID, synced)
			},
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestDirCmd, ingestWatchCmd} {
		c.Flags().BoolVar(&ingestSkipHidden, "skip-hidden", true, "Skip dot files and directories")
	}
	ingestDirCmd.Flags().BoolVar(&ingestSplitPages, "split-pages", false, "Treat each directory as one document and its files as pages")
	ingestManifestCmd.Flags().StringVar(&ingestSheet, "sheet", "", "Sheet name (default first sheet)")
	for _, c := range []*cobra.Command{ingestDirCmd, ingestManifestCmd} {
		c.Flags().BoolVar(&ingestInline, "inline", false, "Run the job here instead of enqueueing it")
	}
	ingestWatchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Wait this long after the last write before ingesting")
	ingestWatchCmd.Flags().BoolVar(&watchInitialScan, "initial-scan", false, "Ingest files already present under the roots")

	ingestCmd.AddCommand(ingestDirCmd, ingestManifestCmd, ingestWatchCmd)
	rootCmd.AddCommand(ingestCmd)
}
