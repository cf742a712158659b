package model

import "time"

// Worktree is a checked-out working copy an instance operates in.
type Worktree struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Repo      string    `json:"repo,omitempty"`
	Dirty     bool      `json:"dirty"`
	Ahead     int       `json:"ahead,omitempty"`
	Behind    int       `json:"behind,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
