package constants

import "strings"

// JobKind names one member of the closed set of background job variants.
// It is stored in jobs.task_name.
type JobKind string

const (
	JobIngestDirectory JobKind = "ingest_directory"
	JobIngestManifest  JobKind = "ingest_manifest"
	JobSyncAssignments JobKind = "sync_assignments"
	JobExportTask      JobKind = "export_task"
)

var allJobKinds = []JobKind{
	JobIngestDirectory,
	JobIngestManifest,
	JobSyncAssignments,
	JobExportTask,
}

// JobKinds returns every known kind as strings.
func JobKinds() []string {
	out := make([]string, len(allJobKinds))
	for i, k := range allJobKinds {
		out[i] = string(k)
	}
	return out
}

// ParseJobKind is case-insensitive and accepts dashes for underscores.
func ParseJobKind(s string) (JobKind, bool) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, k := range allJobKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// FieldType is the declared data type of a task field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldDecimal FieldType = "decimal"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
)

// ValidFieldType reports whether t is a known field type.
func ValidFieldType(t FieldType) bool {
	switch t {
	case FieldString, FieldInteger, FieldDecimal, FieldBoolean, FieldDate:
		return true
	}
	return false
}
