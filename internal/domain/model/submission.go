package model

import "time"

// Submission is immutable once created. Preset submissions have no user,
// language or code; they are played by built-in strategies looked up by Name.
type Submission struct {
	ID        string    `json:"id"`
	ContestID string    `json:"contest_id"`
	UserID    *string   `json:"user_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Language  *string   `json:"language,omitempty"`
	Code      *string   `json:"-"`
	SizeBytes *int64    `json:"size_bytes,omitempty"`
	IsPreset  bool      `json:"is_preset"`
	CreatedAt time.Time `json:"created_at"`
}
