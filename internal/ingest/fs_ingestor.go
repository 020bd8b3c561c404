package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// FSIngestor reads from the local filesystem.
type FSIngestor struct {
	Images repository.ImageRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewFSIngestor(images repository.ImageRepository, logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSIngestor{
		Images: images,
		logger: logger,
		now:    time.Now,
	}
}

func (i *FSIngestor) IngestPath(ctx context.Context, project, path string) (IngestionResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		i.logger.Error("abs path error", "path", path, "error", err)
		return IngestionResult{}, err
	}
	return i.ingestFile(ctx, project, abs, nil, nil)
}

func (i *FSIngestor) ingestFile(ctx context.Context, project, abs string, hierarchy *string, page *int) (IngestionResult, error) {
	var out IngestionResult
	if strings.TrimSpace(project) == "" {
		return out, fmt.Errorf("%w: project is required", common.ErrInvalidInput)
	}

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		i.logger.Warn("unsupported or missing extension", "path", abs, "ext", ext)
		return out, fmt.Errorf("%w: unsupported or missing extension %q", common.ErrInvalidInput, ext)
	}

	sum, err := hashFile(abs)
	if err != nil {
		i.logger.Error("hash error", "path", abs, "error", err)
		return out, err
	}
	out = IngestionResult{SourcePath: abs, HashHex: sum, FileExt: ext, Page: page}

	// The same bytes under another path are the same document. Pages are
	// exempt: identical blank pages belong to different documents.
	if page == nil {
		existing, err := i.Images.FindByHash(ctx, project, sum)
		switch {
		case err == nil:
			out.ImageID = existing.ID
			out.FetchURL = existing.FetchURL
			out.CreatedAt = existing.CreatedAt
			out.Deduplicated = true
			return out, nil
		case !errors.Is(err, common.ErrNotFound):
			return out, err
		}
	}

	row, created, err := i.Images.UpsertByURL(ctx, &entity.Image{
		Project:     project,
		FetchURL:    FileURL(abs),
		Hierarchy:   hierarchy,
		IsPageURL:   page != nil,
		Page:        page,
		ContentHash: &sum,
		CreatedAt:   i.now().UTC(),
	})
	if err != nil {
		i.logger.Error("failed to store image", "path", abs, "error", err)
		return out, err
	}
	out.ImageID = row.ID
	out.FetchURL = row.FetchURL
	out.CreatedAt = row.CreatedAt
	out.Deduplicated = !created
	return out, nil
}

// IngestDirectory walks root, skips hidden if requested,
// and ingests each file. Returns per-file results + aggregate stats.
func (i *FSIngestor) IngestDirectory(ctx context.Context, project, root string, opts DirOptions) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, fmt.Errorf("%w: root is required", common.ErrInvalidInput)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, DirStats{}, err
	}

	var results []IngestionResult
	var stats DirStats
	pages := map[string]int{}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if opts.SkipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		ext := constants.NormalizeExt(filepath.Ext(path))
		if !AllowedExt(ext) {
			return nil
		}
		stats.Matched++

		var page *int
		if opts.SplitPages {
			dir := filepath.Dir(path)
			pages[dir]++
			n := pages[dir]
			page = &n
		}
		r, err := i.ingestFile(ctx, project, path, hierarchyOf(root, path), page)
		if err != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: err.Error()})
			stats.Failed++
			return nil
		}

		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})

	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	i.logger.Info("directory ingested", "project", project, "root", root,
		"matched", stats.Matched, "succeeded", stats.Succeeded, "deduplicated", stats.Deduplicated, "failed", stats.Failed)
	return results, stats, nil
}
