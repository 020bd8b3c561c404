package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/transcriber/constants"
)

// Job represents a row of the job store for data transfer between layers.
type Job struct {
	Key         string          `json:"key"`
	Payload     []byte          `json:"-"`
	TaskName    string          `json:"task_name"`
	Claimed     bool            `json:"claimed"`
	Completed   bool            `json:"completed"`
	Cleared     bool            `json:"cleared"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	Traceback   *string         `json:"traceback,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}

// Status derives the lifecycle state from the stored flags.
func (j *Job) Status() constants.JobStatus {
	return constants.DeriveJobStatus(j.Claimed, j.Completed, j.Cleared)
}
