package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// Manifest column names, matched case-insensitively against the header row.
const (
	ColFetchURL    = "fetch_url"
	ColHierarchy   = "hierarchy"
	ColPages       = "pages"
	ColContentHash = "content_hash"
)

// ManifestStats summarizes a manifest ingest.
type ManifestStats struct {
	Rows         uint32 `json:"rows"`
	Documents    uint32 `json:"documents"`
	Pages        uint32 `json:"pages"`
	Deduplicated uint32 `json:"deduplicated"`
	Failed       uint32 `json:"failed"`
}

// RowError is a manifest row that could not be ingested. Row is 1-based as
// shown in a spreadsheet.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// ManifestIngestor loads documents listed in an XLSX workbook. A row with
// pages > 1 also yields one page image per page, addressed as
// fetch_url#page=N.
type ManifestIngestor struct {
	images repository.ImageRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewManifestIngestor(images repository.ImageRepository, logger *slog.Logger) *ManifestIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestIngestor{images: images, logger: logger, now: time.Now}
}

// Ingest reads the workbook at path. An empty sheet selects the first one.
func (m *ManifestIngestor) Ingest(ctx context.Context, project, path, sheet string) (ManifestStats, []RowError, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return ManifestStats{}, nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer f.Close()
	return m.ingest(ctx, project, f, sheet)
}

// IngestReader is Ingest for a workbook already in memory.
func (m *ManifestIngestor) IngestReader(ctx context.Context, project string, r io.Reader, sheet string) (ManifestStats, []RowError, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return ManifestStats{}, nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return m.ingest(ctx, project, f, sheet)
}

func (m *ManifestIngestor) ingest(ctx context.Context, project string, f *excelize.File, sheet string) (ManifestStats, []RowError, error) {
	var stats ManifestStats
	if strings.TrimSpace(project) == "" {
		return stats, nil, fmt.Errorf("%w: project is required", common.ErrInvalidInput)
	}
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return stats, nil, fmt.Errorf("%w: workbook has no sheets", common.ErrInvalidInput)
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return stats, nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return stats, nil, fmt.Errorf("%w: sheet %q is empty", common.ErrInvalidInput, sheet)
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[ColFetchURL]; !ok {
		return stats, nil, fmt.Errorf("%w: manifest header has no %s column", common.ErrInvalidInput, ColFetchURL)
	}
	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var rowErrs []RowError
	for n, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return stats, rowErrs, err
		}
		url := cell(row, ColFetchURL)
		if url == "" {
			continue
		}
		stats.Rows++
		if err := m.ingestRow(ctx, project, url, cell(row, ColHierarchy), cell(row, ColPages), cell(row, ColContentHash), &stats); err != nil {
			stats.Failed++
			rowErrs = append(rowErrs, RowError{Row: n + 2, Err: err.Error()})
			m.logger.Warn("manifest row failed", "row", n+2, "fetch_url", url, "error", err)
		}
	}
	m.logger.Info("manifest ingested", "project", project, "sheet", sheet, "rows", stats.Rows,
		"documents", stats.Documents, "pages", stats.Pages, "deduplicated", stats.Deduplicated, "failed", stats.Failed)
	return stats, rowErrs, nil
}

func (m *ManifestIngestor) ingestRow(ctx context.Context, project, url, hierarchy, pagesCell, hash string, stats *ManifestStats) error {
	pages := 1
	if pagesCell != "" {
		n, err := strconv.Atoi(pagesCell)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: pages must be a positive integer, got %q", common.ErrInvalidInput, pagesCell)
		}
		pages = n
	}
	var hier, sum *string
	if hierarchy != "" {
		hier = &hierarchy
	}
	if hash != "" {
		h := strings.ToLower(hash)
		if existing, err := m.images.FindByHash(ctx, project, h); err == nil {
			m.logger.Debug("manifest document already present by hash", "fetch_url", url, "image_id", existing.ID)
			stats.Deduplicated++
			return nil
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		sum = &h
	}

	now := m.now().UTC()
	_, created, err := m.images.UpsertByURL(ctx, &entity.Image{
		Project:     project,
		FetchURL:    url,
		Hierarchy:   hier,
		ContentHash: sum,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	stats.Documents++
	if !created {
		stats.Deduplicated++
	}
	if pages < 2 {
		return nil
	}
	for p := 1; p <= pages; p++ {
		page := p
		_, created, err := m.images.UpsertByURL(ctx, &entity.Image{
			Project:   project,
			FetchURL:  fmt.Sprintf("%s#page=%d", url, p),
			Hierarchy: hier,
			IsPageURL: true,
			Page:      &page,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		stats.Pages++
		if !created {
			stats.Deduplicated++
		}
	}
	return nil
}
