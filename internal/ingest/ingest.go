package ingest

import (
	"context"
	"time"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string    `json:"source_path"`
	ImageID      int64     `json:"image_id,omitempty"`
	FetchURL     string    `json:"fetch_url,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
	HashHex      string    `json:"hash,omitempty"`
	FileExt      string    `json:"ext,omitempty"`
	Page         *int      `json:"page,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	Err          string    `json:"error,omitempty"`
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32 `json:"scanned"`
	Matched      uint32 `json:"matched"`
	Succeeded    uint32 `json:"succeeded"`
	Deduplicated uint32 `json:"deduplicated"`
	Failed       uint32 `json:"failed"`
}

// DirOptions controls a directory walk. With SplitPages every directory is
// treated as one document and its files, in name order, as its pages.
type DirOptions struct {
	SkipHidden bool
	SplitPages bool
}

// Ingestor is the behavior the job handlers depend on.
type Ingestor interface {
	// IngestPath ingests a single file.
	IngestPath(ctx context.Context, project, path string) (IngestionResult, error)
	// IngestDirectory ingests all matching files under root.
	IngestDirectory(ctx context.Context, project, root string, opts DirOptions) ([]IngestionResult, DirStats, error)
}
