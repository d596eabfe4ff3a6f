package models

import "time"

// Stream identifies the console stream a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Valid reports whether s is stdout or stderr.
func (s Stream) Valid() bool {
	return s == StreamStdout || s == StreamStderr
}

// LogItem is one line shipped from a sandbox to the ingestion endpoint.
type LogItem struct {
	Seq      int64  `json:"seq"`
	TS       int64  `json:"ts"`
	Stream   Stream `json:"stream"`
	Message  string `json:"message"`
	Event    string `json:"event,omitempty"`
	Complete bool   `json:"complete,omitempty"`
	// ExitCode accompanies the terminal event of a run.
	ExitCode *int `json:"exitCode,omitempty"`
}

// TargetKind names the record an ingested log belongs to.
type TargetKind string

const (
	TargetBuild   TargetKind = "build"
	TargetProcess TargetKind = "process"
)

// LogEntry is an ingested log item as stored by the control plane.
type LogEntry struct {
	ID         string     `json:"id"`
	TargetKind TargetKind `json:"target_kind"`
	TargetID   string     `json:"target_id"`
	Seq        int64      `json:"seq"`
	Stream     Stream     `json:"stream"`
	Message    string     `json:"message"`
	Event      string     `json:"event,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
