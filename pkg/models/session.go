// Package models contains domain models shared across the agentlens pipeline.
package models

import "time"

// SessionStatus represents the status of an observed agent session.
type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// SessionState is the authoritative per-session record held by the state
// store. A session is created on the first record seen for an unseen session
// id and is never auto-deleted.
type SessionState struct {
	SessionID      string        `json:"session_id"`
	Status         SessionStatus `json:"status"`
	StepCount      int64         `json:"step_count"`
	ToolCallCount  int64         `json:"tool_call_count"`
	SkippedLines   int64         `json:"skipped_lines"`
	OrphanResults  int64         `json:"orphan_results"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	// OutOfSync is set when the durable store could not be written for this
	// session; in-memory state keeps advancing regardless.
	OutOfSync bool `json:"out_of_sync"`
}

// Terminal reports whether the session reached a final status. A terminal
// session can still return to running if a later resume record is observed.
func (s *SessionState) Terminal() bool {
	return s.Status != SessionStatusRunning
}

// Dashboard aggregates the tracked sessions for the UI overview.
type Dashboard struct {
	SessionCount  int   `json:"session_count"`
	RunningCount  int   `json:"running_count"`
	StepCount     int64 `json:"step_count"`
	ToolCallCount int64 `json:"tool_call_count"`
	SkippedLines  int64 `json:"skipped_lines"`
}
