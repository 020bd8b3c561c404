package entity

import (
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
)

// Task is a reviewable schema plus its quota and document set.
type Task struct {
	ID              int64                `json:"id"`
	Slug            string               `json:"slug"`
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Project         string               `json:"project"`
	ReviewerQuota   int                  `json:"reviewer_quota"`
	LeaseSeconds    int                  `json:"lease_seconds"`
	HierarchyFilter []string             `json:"hierarchy_filter,omitempty"`
	SplitImage      bool                 `json:"split_image"`
	Status          constants.TaskStatus `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Fields          []TaskField          `json:"fields,omitempty"`
}

// LeaseDuration falls back to def when the task does not set one.
func (t *Task) LeaseDuration(def time.Duration) time.Duration {
	if t.LeaseSeconds > 0 {
		return time.Duration(t.LeaseSeconds) * time.Second
	}
	return def
}

// AgreementThreshold is the number of matching raw submissions a value
// needs before it is accepted into the final record.
func (t *Task) AgreementThreshold() int {
	return t.ReviewerQuota*2/3 + 1
}

// FieldSlugs returns the slugs of the task's fields in display order.
func (t *Task) FieldSlugs() []string {
	out := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		out[i] = f.Slug
	}
	return out
}

// TaskField is one logical field of a task.
type TaskField struct {
	TaskID   int64               `json:"task_id"`
	Slug     string              `json:"slug"`
	Name     string              `json:"name"`
	DataType constants.FieldType `json:"data_type"`
	Position int                 `json:"position"`
}
