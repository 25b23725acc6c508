package models

import "time"

// StepKind classifies a normalized step.
type StepKind string

const (
	StepKindUserMessage      StepKind = "user_message"
	StepKindAssistantMessage StepKind = "assistant_message"
	StepKindToolCall         StepKind = "tool_call"
	StepKindToolResult       StepKind = "tool_result"
	StepKindSystemEvent      StepKind = "system_event"
)

// StepStatus tracks the lifecycle of a tool-call step. Non-tool steps have
// an empty status.
type StepStatus string

const (
	StepStatusExecuting StepStatus = "executing"
	StepStatusSuccess   StepStatus = "success"
	StepStatusError     StepStatus = "error"
)

// NormalizedStep is one displayable unit of session activity. Steps are
// immutable once appended, except that a tool_call step's Status moves from
// executing to success or error when its result arrives.
type NormalizedStep struct {
	StepID         int64      `json:"step_id"`
	SessionID      string     `json:"session_id"`
	Kind           StepKind   `json:"kind"`
	Timestamp      time.Time  `json:"timestamp"`
	ContentSummary string     `json:"content_summary"`
	ToolName       string     `json:"tool_name,omitempty"`
	ToolCallID     string     `json:"tool_call_id,omitempty"`
	Status         StepStatus `json:"status,omitempty"`
}

// IsToolStep reports whether the step carries a tool status.
func (s *NormalizedStep) IsToolStep() bool {
	return s.Kind == StepKindToolCall || s.Kind == StepKindToolResult
}
