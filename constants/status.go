package constants

import "strings"

// SubmissionStatus is the lifecycle state of a row in submissions.
type SubmissionStatus string

// Stable values (store these exact strings in DB).
const (
	SubmissionRaw        SubmissionStatus = "raw"         // authored by a reviewer
	SubmissionRawDeleted SubmissionStatus = "raw_deleted" // soft-deleted reviewer row
	SubmissionFinal      SubmissionStatus = "final"       // synthesized by reconciliation
)

// JobStatus is derived from the claimed/completed/cleared flags of a job row.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// DeriveJobStatus maps the stored flags onto a JobStatus.
func DeriveJobStatus(claimed, completed, cleared bool) JobStatus {
	switch {
	case completed:
		return JobStatusSucceeded
	case !claimed:
		return JobStatusPending
	case cleared:
		return JobStatusFailed
	default:
		return JobStatusRunning
	}
}

// ParseJobStatus accepts the lowercase names above. The empty string is
// valid and means any status.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "", JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return st, true
	}
	return "", false
}

// TaskStatus is the state of a task row.
type TaskStatus string

const (
	TaskStatusActive  TaskStatus = "active"
	TaskStatusDeleted TaskStatus = "deleted"
)

// ImageStatus is the derived review state of one document under a task.
// The states are disjoint and checked in this order: done, conflicted,
// in progress, unseen.
type ImageStatus string

const (
	ImageStatusDone       ImageStatus = "done"
	ImageStatusConflicted ImageStatus = "conflicted"
	ImageStatusInProgress ImageStatus = "in_progress"
	ImageStatusUnseen     ImageStatus = "unseen"
)

// ParseImageStatus accepts the names above; the empty string means any.
func ParseImageStatus(s string) (ImageStatus, bool) {
	switch st := ImageStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "", ImageStatusDone, ImageStatusConflicted, ImageStatusInProgress, ImageStatusUnseen:
		return st, true
	}
	return "", false
}
