package entity

import "time"

// Image is a unit of work to be transcribed: a whole document or one page of it.
type Image struct {
	ID          int64     `json:"id"`
	Project     string    `json:"project"`
	FetchURL    string    `json:"fetch_url"`
	Hierarchy   *string   `json:"hierarchy,omitempty"`
	IsPageURL   bool      `json:"is_page_url"`
	Page        *int      `json:"page,omitempty"`
	ContentHash *string   `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
