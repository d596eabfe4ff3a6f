package models

import "time"

// Process is the durable record of one ad-hoc command run in a sandbox.
// It shares the build state machine.
type Process struct {
	ID          string      `json:"id"`
	EstateID    string      `json:"estate_id"`
	Command     []string    `json:"command"`
	Status      BuildStatus `json:"status"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
