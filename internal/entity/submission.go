package entity

import (
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
)

// Submission is one reviewer's answer set for one image under one task,
// or the synthesized final record.
type Submission struct {
	ID          int64                      `json:"id"`
	TaskID      int64                      `json:"task_id"`
	ImageID     int64                      `json:"image_id"`
	Transcriber string                     `json:"transcriber"`
	DateAdded   time.Time                  `json:"date_added"`
	Status      constants.SubmissionStatus `json:"status"`
	Values      map[string]FieldValue      `json:"values"`
}

// FieldValue is the four-column convention for one field: the value and its
// three annotation flags.
type FieldValue struct {
	Value      *string `json:"value"`
	Blank      bool    `json:"blank"`
	NotLegible bool    `json:"not_legible"`
	Altered    bool    `json:"altered"`
}

// Text returns the value or "" for NULL.
func (v FieldValue) Text() string {
	if v.Value == nil {
		return ""
	}
	return *v.Value
}
