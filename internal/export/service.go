package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/progress"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

const (
	SheetFinal     = "Final"
	SheetProgress  = "Progress"
	SheetConflicts = "Conflicts"
)

// Service is a tiny façade over repositories that produces XLSX bytes for exports.
type Service struct {
	tasks       repository.TaskRepository
	images      repository.ImageRepository
	submissions repository.SubmissionRepository
	progress    *progress.Aggregator
	conflicts   *consensus.Detector
	logger      *slog.Logger
}

func NewService(db *repository.DB, agg *progress.Aggregator, detector *consensus.Detector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:       repository.NewTaskRepository(db, logger),
		images:      repository.NewImageRepository(db, logger),
		submissions: repository.NewSubmissionRepository(db, logger),
		progress:    agg,
		conflicts:   detector,
		logger:      logger,
	}
}

// TaskXLSX returns a workbook with the finalized records of the task, its
// progress, and its current conflicts.
func (s *Service) TaskXLSX(ctx context.Context, slug string) ([]byte, error) {
	start := time.Now()
	task, err := s.tasks.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), SheetFinal); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetProgress, SheetConflicts} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	finals, err := s.writeFinal(ctx, f, task)
	if err != nil {
		return nil, fmt.Errorf("final sheet: %w", err)
	}
	if err := s.writeProgress(ctx, f, task); err != nil {
		return nil, fmt.Errorf("progress sheet: %w", err)
	}
	conflicted, err := s.writeConflicts(ctx, f, task)
	if err != nil {
		return nil, fmt.Errorf("conflicts sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"task", slug,
		"final_rows", finals,
		"conflicted_images", conflicted,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// WriteTaskXLSX writes the workbook to path, creating parent directories.
func (s *Service) WriteTaskXLSX(ctx context.Context, slug, path string) error {
	b, err := s.TaskXLSX(ctx, slug)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (s *Service) writeFinal(ctx context.Context, f *excelize.File, task *entity.Task) (int, error) {
	finals, err := s.submissions.ListFinal(ctx, task.ID)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(finals))
	for _, sub := range finals {
		ids = append(ids, sub.ImageID)
	}
	images, err := s.images.GetMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	headers := []any{"Image ID", "Fetch URL", "Hierarchy", "Page"}
	for _, fld := range task.Fields {
		headers = append(headers, fld.Name)
	}
	headers = append(headers, "Finalized At")
	if err := setRow(f, SheetFinal, 1, headers); err != nil {
		return 0, err
	}

	for i, sub := range finals {
		row := []any{sub.ImageID, "", "", ""}
		if img := images[sub.ImageID]; img != nil {
			row[1] = img.FetchURL
			if img.Hierarchy != nil {
				row[2] = *img.Hierarchy
			}
			if img.Page != nil {
				row[3] = *img.Page
			}
		}
		for _, fld := range task.Fields {
			row = append(row, cellText(sub.Values[fld.Slug]))
		}
		row = append(row, sub.DateAdded.UTC().Format(time.RFC3339))
		if err := setRow(f, SheetFinal, i+2, row); err != nil {
			return 0, err
		}
	}

	// Widen a few columns
	_ = f.SetColWidth(SheetFinal, "A", "A", 10)
	_ = f.SetColWidth(SheetFinal, "B", "B", 60)
	_ = f.SetColWidth(SheetFinal, "C", "C", 28)
	return len(finals), nil
}

func (s *Service) writeProgress(ctx context.Context, f *excelize.File, task *entity.Task) error {
	p, err := s.progress.ForTask(ctx, task)
	if err != nil {
		return err
	}
	rows := [][]any{
		{"Task", task.Slug},
		{"Reviewer quota", task.ReviewerQuota},
		{"Documents", p.DocsTotal},
		{"Done", p.DocsDone, pctText(p.DocsDonePct)},
		{"In progress", p.DocsInProgress, pctText(p.DocsInProgressPct)},
		{"Conflicted", p.DocsConflicted, pctText(p.DocsConflictedPct)},
		{"Unseen", p.DocsUnseen, pctText(p.DocsUnseenPct)},
		{"Reviews done", p.ReviewsDone, pctText(p.ReviewsDonePct)},
		{"Reviews total", p.ReviewsTotal},
	}
	for i, r := range rows {
		if err := setRow(f, SheetProgress, i+1, r); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(SheetProgress, "A", "A", 18)
	return nil
}

func (s *Service) writeConflicts(ctx context.Context, f *excelize.File, task *entity.Task) (int, error) {
	conflicts, err := s.conflicts.TaskConflicts(ctx, task)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ImageID)
	}
	images, err := s.images.GetMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	if err := setRow(f, SheetConflicts, 1, []any{"Image ID", "Fetch URL", "Field", "Values"}); err != nil {
		return 0, err
	}
	row := 2
	for _, c := range conflicts {
		url := ""
		if img := images[c.ImageID]; img != nil {
			url = img.FetchURL
		}
		for _, fld := range task.Fields {
			values, ok := c.Fields[fld.Slug]
			if !ok {
				continue
			}
			parts := make([]string, len(values))
			for i, v := range values {
				if v == nil {
					parts[i] = "(blank)"
				} else {
					parts[i] = *v
				}
			}
			if err := setRow(f, SheetConflicts, row, []any{c.ImageID, url, fld.Name, strings.Join(parts, " | ")}); err != nil {
				return 0, err
			}
			row++
		}
	}
	_ = f.SetColWidth(SheetConflicts, "B", "B", 60)
	_ = f.SetColWidth(SheetConflicts, "D", "D", 48)
	return len(conflicts), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// cellText renders a final value with its annotation flags.
func cellText(v entity.FieldValue) string {
	s := v.Text()
	var marks []string
	if v.NotLegible {
		marks = append(marks, "illegible")
	}
	if v.Altered {
		marks = append(marks, "altered")
	}
	if len(marks) == 0 {
		return s
	}
	return strings.TrimSpace(s + " [" + strings.Join(marks, ", ") + "]")
}

func pctText(p int) string {
	return fmt.Sprintf("%d%%", p)
}
