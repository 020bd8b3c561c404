// Package jobs holds the handlers for the closed set of background job
// kinds.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/export"
	"github.com/joseph-ayodele/transcriber/internal/ingest"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
)

// maxReportedFailures caps the per-file errors kept in a job's return value.
const maxReportedFailures = 50

type Deps struct {
	Tasks     *tasks.Service
	Files     ingest.Ingestor
	Manifests *ingest.ManifestIngestor
	Export    *export.Service
	ExportDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Handlers returns a handler for every job kind.
func Handlers(d Deps) queue.Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	return queue.Handlers{
		constants.JobIngestDirectory: queue.Typed(h.ingestDirectory),
		constants.JobIngestManifest:  queue.Typed(h.ingestManifest),
		constants.JobSyncAssignments: queue.Typed(h.syncAssignments),
		constants.JobExportTask:      queue.Typed(h.exportTask),
	}
}

type handlers struct {
	Deps
}

type IngestDirectoryResult struct {
	Stats    ingest.DirStats          `json:"stats"`
	Failures []ingest.IngestionResult `json:"failures,omitempty"`
	Synced   map[string]int           `json:"synced"`
}

func (h *handlers) ingestDirectory(ctx context.Context, args queue.IngestDirectoryArgs) (any, error) {
	results, stats, err := h.Files.IngestDirectory(ctx, args.Project, args.Root, ingest.DirOptions{
		SkipHidden: args.SkipHidden,
		SplitPages: args.SplitPages,
	})
	if err != nil {
		return nil, err
	}
	out := &IngestDirectoryResult{Stats: stats}
	for _, r := range results {
		if r.Err != "" && len(out.Failures) < maxReportedFailures {
			out.Failures = append(out.Failures, r)
		}
	}
	if out.Synced, err = h.Tasks.SyncProject(ctx, args.Project); err != nil {
		return nil, fmt.Errorf("sync assignments for %s: %w", args.Project, err)
	}
	return out, nil
}

type IngestManifestResult struct {
	Stats    ingest.ManifestStats `json:"stats"`
	Failures []ingest.RowError    `json:"failures,omitempty"`
	Synced   map[string]int       `json:"synced"`
}

func (h *handlers) ingestManifest(ctx context.Context, args queue.IngestManifestArgs) (any, error) {
	stats, rowErrs, err := h.Manifests.Ingest(ctx, args.Project, args.Path, args.Sheet)
	if err != nil {
		return nil, err
	}
	if len(rowErrs) > maxReportedFailures {
		rowErrs = rowErrs[:maxReportedFailures]
	}
	out := &IngestManifestResult{Stats: stats, Failures: rowErrs}
	if out.Synced, err = h.Tasks.SyncProject(ctx, args.Project); err != nil {
		return nil, fmt.Errorf("sync assignments for %s: %w", args.Project, err)
	}
	return out, nil
}

func (h *handlers) syncAssignments(ctx context.Context, args queue.SyncAssignmentsArgs) (any, error) {
	n, err := h.Tasks.SyncAssignments(ctx, args.Task)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": args.Task, "created": n}, nil
}

func (h *handlers) exportTask(ctx context.Context, args queue.ExportTaskArgs) (any, error) {
	name := args.Path
	if name == "" {
		name = fmt.Sprintf("%s-%s.xlsx", args.Task, h.Now().UTC().Format("20060102T150405Z"))
	}
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%w: export path %q must be relative to the export directory", common.ErrInvalidInput, name)
	}
	path := filepath.Join(h.ExportDir, name)
	if err := h.Export.WriteTaskXLSX(ctx, args.Task, path); err != nil {
		return nil, err
	}
	h.Logger.Info("task exported", "task", args.Task, "path", path)
	return map[string]any{"task": args.Task, "path": path}, nil
}
