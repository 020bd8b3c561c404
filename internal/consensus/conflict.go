package consensus

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// ImageConflict is one conflicted image and the distinct values of each
// field that disagrees.
type ImageConflict struct {
	ImageID int64                `json:"image_id"`
	Fields  map[string][]*string `json:"fields"`
}

// Detector finds disagreement among raw submissions. Nothing is cached:
// edits and deletes change the answer.
type Detector struct {
	submissions repository.SubmissionRepository
	logger      *slog.Logger
}

func NewDetector(submissions repository.SubmissionRepository, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{submissions: submissions, logger: logger}
}

// ConflictingImages returns the ids of images where any field has more
// than one distinct raw value, ascending.
func (d *Detector) ConflictingImages(ctx context.Context, taskID int64) ([]int64, error) {
	return d.submissions.ConflictingImages(ctx, taskID)
}

// FieldConflicts returns the disagreeing fields of one image.
func (d *Detector) FieldConflicts(ctx context.Context, task *entity.Task, imageID int64) (map[string][]*string, error) {
	raw, err := d.submissions.ListRaw(ctx, task.ID, imageID)
	if err != nil {
		return nil, err
	}
	return DistinctValues(task.FieldSlugs(), raw), nil
}

// TaskConflicts returns every conflicted image of the task with its
// disagreeing fields.
func (d *Detector) TaskConflicts(ctx context.Context, task *entity.Task) ([]ImageConflict, error) {
	ids, err := d.ConflictingImages(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	out := make([]ImageConflict, 0, len(ids))
	for _, id := range ids {
		fields, err := d.FieldConflicts(ctx, task, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ImageConflict{ImageID: id, Fields: fields})
	}
	d.logger.Debug("computed task conflicts", "task_id", task.ID, "images", len(out))
	return out, nil
}
