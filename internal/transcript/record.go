// Package transcript decodes agent transcript files: append-only JSON-lines
// logs written by the agent process, one record per line.
package transcript

import (
	"time"

	"github.com/goccy/go-json"
)

// Record type discriminators found in transcript files.
const (
	RecordTypeUser      = "user"
	RecordTypeAssistant = "assistant"
	RecordTypeSystem    = "system"
	RecordTypeResult    = "result"

	// Pure-metadata discriminators, always skipped.
	RecordTypeSummary             = "summary"
	RecordTypeFileHistorySnapshot = "file-history-snapshot"
	RecordTypeQueueOperation      = "queue-operation"
)

// System record subtypes.
const (
	SystemSubtypeInit            = "init"
	SystemSubtypeResume          = "resume"
	SystemSubtypeTurnDuration    = "turn_duration"
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// Result record subtypes. Anything outside this set that starts a result
// record is still terminal; the subtype only picks the final status.
const (
	ResultSubtypeSuccess     = "success"
	ResultSubtypeError       = "error"
	ResultSubtypeCancelled   = "cancelled"
	ResultSubtypeInterrupted = "interrupted"
)

// Content block types inside user/assistant messages.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// RawRecord is one decoded transcript line. Only the fields the pipeline
// consumes are declared; everything else stays in the raw line.
type RawRecord struct {
	Type        string  `json:"type"`
	UUID        string  `json:"uuid,omitempty"`
	ParentUUID  string  `json:"parentUuid,omitempty"`
	SessionID   string  `json:"sessionId,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	IsSidechain bool    `json:"isSidechain,omitempty"`
	IsMeta      bool    `json:"isMeta,omitempty"`
	Subtype     string  `json:"subtype,omitempty"`
	Content     string  `json:"content,omitempty"`
	Message     Message `json:"message,omitempty"`

	// IsAPIErrorMessage marks an assistant record that reports an API
	// failure rather than model output.
	IsAPIErrorMessage bool `json:"isApiErrorMessage,omitempty"`
}

// Message is the nested message payload of user and assistant records. The
// content field is either a plain string or a list of content blocks, so it
// is decoded in two passes.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentBlock is one element of a block-style message content list.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Blocks returns the message content as a block list. A plain-string content
// is wrapped in a single text block so callers handle one shape.
func (m *Message) Blocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []ContentBlock{{Type: BlockTypeText, Text: text}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// BlockText extracts displayable text from a tool_result block's content,
// which is either a string or a nested block list.
func (b *ContentBlock) BlockText() string {
	if len(b.Content) == 0 {
		return b.Text
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var nested []ContentBlock
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return ""
	}
	for _, n := range nested {
		if n.Type == BlockTypeText && n.Text != "" {
			return n.Text
		}
	}
	return ""
}

// Time parses the record timestamp, falling back to the zero time when the
// record carries none or it fails to parse.
func (r *RawRecord) Time() time.Time {
	if r.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// metadataType reports whether the discriminator is in the closed set of
// pure-metadata record types.
func metadataType(recordType string) bool {
	switch recordType {
	case RecordTypeSummary, RecordTypeFileHistorySnapshot, RecordTypeQueueOperation:
		return true
	}
	return false
}
