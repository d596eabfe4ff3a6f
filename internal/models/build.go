// Package models provides data structures for the sandbox platform.
package models

import (
	"errors"
	"time"
)

// BuildStatus represents the current state of a build.
type BuildStatus string

const (
	BuildStatusInProgress BuildStatus = "in_progress"
	BuildStatusCompleted  BuildStatus = "completed"
	BuildStatusFailed     BuildStatus = "failed"
)

// ErrInvalidTransition is returned when a status change would leave a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsTerminal reports whether no further transitions are allowed.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusCompleted || s == BuildStatusFailed
}

// Valid reports whether s is a known status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusInProgress, BuildStatusCompleted, BuildStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// The only legal transitions are in_progress -> completed and in_progress -> failed.
func (s BuildStatus) CanTransitionTo(next BuildStatus) bool {
	return s == BuildStatusInProgress && next.IsTerminal()
}

// Build is the durable record of one webhook-triggered repository build.
type Build struct {
	ID             string      `json:"id"`
	EstateID       string      `json:"estate_id"`
	Status         BuildStatus `json:"status"`
	CommitHash     string      `json:"commit_hash"`
	CommitMessage  string      `json:"commit_message"`
	Branch         string      `json:"branch"`
	WebhookEventID string      `json:"webhook_event_id"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Output         string      `json:"output,omitempty"`
	ExitCode       *int        `json:"exit_code,omitempty"`
}

// BuildCompletion describes a terminal update applied to a build.
type BuildCompletion struct {
	Status      BuildStatus
	Output      string
	ExitCode    *int
	CompletedAt time.Time
}

// Validate checks that the completion targets a terminal status.
func (c *BuildCompletion) Validate() error {
	if !c.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}
