package entity

import "time"

// Assignment pairs one image with one task and carries the lease.
type Assignment struct {
	ID             int64      `json:"id"`
	ImageID        int64      `json:"image_id"`
	TaskID         int64      `json:"task_id"`
	ViewCount      int        `json:"view_count"`
	CheckoutExpire *time.Time `json:"checkout_expire,omitempty"`
	CheckoutBy     *string    `json:"checkout_by,omitempty"`
	IsComplete     bool       `json:"is_complete"`
}

// Leased reports whether the lease is active at now.
func (a *Assignment) Leased(now time.Time) bool {
	return a.CheckoutExpire != nil && a.CheckoutExpire.After(now)
}
