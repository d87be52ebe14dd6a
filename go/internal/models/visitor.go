package models

import "time"

// Visitor maps an opaque per-browser token to a sequential id.
type Visitor struct {
	ID        int64     `json:"id"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
