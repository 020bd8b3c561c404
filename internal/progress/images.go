package progress

import (
	"context"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

// ImageState is one document of a task with its derived review state.
type ImageState struct {
	ImageID      int64                 `json:"image_id"`
	AssignmentID int64                 `json:"assignment_id"`
	ViewCount    int                   `json:"view_count"`
	Status       constants.ImageStatus `json:"status"`
}

// Classify places an assignment in exactly one category, using the same
// precedence as the progress counts.
func Classify(a *entity.Assignment, conflicted bool) constants.ImageStatus {
	switch {
	case a.IsComplete:
		return constants.ImageStatusDone
	case conflicted:
		return constants.ImageStatusConflicted
	case a.ViewCount > 0:
		return constants.ImageStatusInProgress
	default:
		return constants.ImageStatusUnseen
	}
}

// Images lists the task's documents in assignment order, keeping only
// those in status. An empty status keeps every document.
func (a *Aggregator) Images(ctx context.Context, task *entity.Task, status constants.ImageStatus) ([]*ImageState, error) {
	assignments, err := a.assignments.ListByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	ids, err := a.submissions.ConflictingImages(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	conflicted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		conflicted[id] = true
	}

	out := make([]*ImageState, 0, len(assignments))
	for _, as := range assignments {
		st := Classify(as, conflicted[as.ImageID])
		if status != "" && st != status {
			continue
		}
		out = append(out, &ImageState{
			ImageID:      as.ImageID,
			AssignmentID: as.ID,
			ViewCount:    as.ViewCount,
			Status:       st,
		})
	}
	a.logger.Debug("listed task images", "task_id", task.ID, "status", status, "count", len(out))
	return out, nil
}
