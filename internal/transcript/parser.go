package transcript

import (
	"bytes"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/pkg/models"
)

// DefaultInactivityWindow bounds how long an unanswered tool call stays a
// correlation candidate. After it elapses the step keeps its executing
// status forever but a late result is treated as an orphan.
const DefaultInactivityWindow = 5 * time.Minute

const maxSummaryRunes = 200

// Event is one parser output: a new or revised step, a session status
// transition, or both.
type Event struct {
	// Step is nil for status-only records such as a terminal result.
	Step *models.NormalizedStep
	// Update marks Step as a revision of an already-emitted step (a tool
	// call whose result arrived) rather than an append.
	Update bool
	// Terminal is non-empty when the record ends the session.
	Terminal models.SessionStatus
	// Resume marks a record that returns a terminal session to running.
	Resume bool
	// Orphan marks a tool result that matched no pending call.
	Orphan bool
}

// Parser turns the appended bytes of one transcript file into normalized
// step events. It owns the file's read cursor and is not safe for concurrent
// use; each transcript file has exactly one parser.
type Parser struct {
	sessionID  string
	offset     int64
	partial    []byte
	nextStepID int64
	pending    map[string]pendingCall
	inactivity time.Duration

	skipped   int64
	metadata  int64
	sidechain int64
}

type pendingCall struct {
	step models.NormalizedStep
	seen time.Time
}

// NewParser creates a parser for one transcript file. sessionID is the id
// derived from the file name; records carrying a different session id are
// still attributed to it, since one file spans one session.
func NewParser(sessionID string, inactivity time.Duration) *Parser {
	if inactivity <= 0 {
		inactivity = DefaultInactivityWindow
	}
	return &Parser{
		sessionID:  sessionID,
		nextStepID: 1,
		pending:    make(map[string]pendingCall),
		inactivity: inactivity,
	}
}

// Restore fast-forwards the cursor past bytes whose steps were already
// recovered from the durable store.
func (p *Parser) Restore(offset, stepCount int64) {
	p.offset = offset
	p.nextStepID = stepCount + 1
}

// RestorePending re-registers recovered tool-call steps that were still
// executing at shutdown, so results arriving after a restart can pair.
func (p *Parser) RestorePending(steps []models.NormalizedStep) {
	now := time.Now()
	for _, step := range steps {
		if step.Kind == models.StepKindToolCall && step.Status == models.StepStatusExecuting && step.ToolCallID != "" {
			p.pending[step.ToolCallID] = pendingCall{step: step, seen: now}
		}
	}
}

// Offset returns the number of transcript bytes read so far, including any
// buffered partial line. This is the position the next read starts from.
func (p *Parser) Offset() int64 {
	return p.offset
}

// CommittedOffset returns the number of transcript bytes fully parsed into
// events, excluding a buffered partial line. This is the cursor safe to
// persist: restarting from it re-reads the torn line whole instead of
// seeking past its first half.
func (p *Parser) CommittedOffset() int64 {
	return p.offset - int64(len(p.partial))
}

// Skipped returns the total count of malformed or unrecognized lines dropped
// so far.
func (p *Parser) Skipped() int64 {
	return p.skipped
}

// SidechainDropped returns the count of records excluded because they belong
// to a subordinate execution.
func (p *Parser) SidechainDropped() int64 {
	return p.sidechain
}

// ParseChunk consumes bytes appended to the transcript since the last call
// and returns the events they produce plus the number of lines skipped in
// this chunk. An incomplete trailing line is buffered and retried on the
// next call, never parsed partially.
func (p *Parser) ParseChunk(data []byte) ([]Event, int64) {
	p.offset += int64(len(data))
	p.expirePending(time.Now())

	buf := data
	if len(p.partial) > 0 {
		buf = append(p.partial, data...)
		p.partial = nil
	}

	var events []Event
	skippedBefore := p.skipped
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		events = append(events, p.parseLine(line)...)
	}
	if len(buf) > 0 {
		p.partial = append([]byte(nil), buf...)
	}
	return events, p.skipped - skippedBefore
}

// parseLine decodes and classifies one complete line. Decode and shape
// errors are contained here so the rest of the batch still processes.
func (p *Parser) parseLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var rec RawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		p.skipped++
		log.Warn().
			Err(err).
			Str("sessionId", p.sessionID).
			Msg("Skipping malformed transcript line")
		return nil
	}
	if rec.Type == "" {
		p.skipped++
		log.Warn().Str("sessionId", p.sessionID).Msg("Skipping transcript line without type")
		return nil
	}
	if metadataType(rec.Type) {
		p.metadata++
		return nil
	}
	if rec.IsSidechain {
		p.sidechain++
		return nil
	}

	switch rec.Type {
	case RecordTypeUser:
		return p.parseUser(&rec)
	case RecordTypeAssistant:
		return p.parseAssistant(&rec)
	case RecordTypeSystem:
		return p.parseSystem(&rec)
	case RecordTypeResult:
		return []Event{{Terminal: resultStatus(rec.Subtype)}}
	default:
		p.skipped++
		log.Debug().
			Str("sessionId", p.sessionID).
			Str("recordType", rec.Type).
			Msg("Skipping unknown transcript record type")
		return nil
	}
}

// parseUser handles user records: plain text becomes a user_message step,
// tool_result blocks resolve (or orphan) pending tool calls.
func (p *Parser) parseUser(rec *RawRecord) []Event {
	if rec.IsMeta {
		p.metadata++
		return nil
	}
	blocks, err := rec.Message.Blocks()
	if err != nil {
		p.skipped++
		log.Warn().
			Err(err).
			Str("sessionId", p.sessionID).
			Msg("Skipping user record with unreadable content")
		return nil
	}

	var events []Event
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case BlockTypeText:
			texts = append(texts, b.Text)
		case BlockTypeToolResult:
			events = append(events, p.resolveToolResult(rec, &b))
		}
	}
	if joined := strings.TrimSpace(strings.Join(texts, "\n")); joined != "" {
		events = append(events, Event{Step: p.newStep(rec, models.StepKindUserMessage, joined)})
	}
	return events
}

// parseAssistant handles assistant records: text blocks become one
// assistant_message step, each tool_use block becomes a tool_call step held
// pending until its result arrives.
func (p *Parser) parseAssistant(rec *RawRecord) []Event {
	blocks, err := rec.Message.Blocks()
	if err != nil {
		p.skipped++
		log.Warn().
			Err(err).
			Str("sessionId", p.sessionID).
			Msg("Skipping assistant record with unreadable content")
		return nil
	}

	var events []Event
	if rec.IsAPIErrorMessage {
		events = append(events, Event{Terminal: models.SessionStatusError})
	}

	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case BlockTypeText:
			texts = append(texts, b.Text)
		case BlockTypeToolUse:
			step := p.newStep(rec, models.StepKindToolCall, toolSummary(b.Name, b.Input))
			step.ToolName = b.Name
			step.ToolCallID = b.ID
			step.Status = models.StepStatusExecuting
			p.pending[b.ID] = pendingCall{step: *step, seen: time.Now()}
			events = append(events, Event{Step: step})
		}
	}
	if joined := strings.TrimSpace(strings.Join(texts, "\n")); joined != "" {
		events = append(events, Event{Step: p.newStep(rec, models.StepKindAssistantMessage, joined)})
	}
	return events
}

// parseSystem handles system records. A resume subtype reopens a terminal
// session; turn bookkeeping subtypes are metadata; the rest surface as
// system_event steps.
func (p *Parser) parseSystem(rec *RawRecord) []Event {
	if rec.IsMeta || rec.Subtype == SystemSubtypeTurnDuration {
		p.metadata++
		return nil
	}

	summary := rec.Content
	if summary == "" {
		summary = rec.Subtype
	}
	step := p.newStep(rec, models.StepKindSystemEvent, summary)

	if rec.Subtype == SystemSubtypeResume {
		return []Event{{Step: step, Resume: true}}
	}
	return []Event{{Step: step}}
}

// resolveToolResult pairs a tool_result block with its pending call. A
// result with no matching call is recorded as an orphan step attached to the
// session rather than dropped.
func (p *Parser) resolveToolResult(rec *RawRecord, b *ContentBlock) Event {
	status := models.StepStatusSuccess
	if b.IsError {
		status = models.StepStatusError
	}

	if call, ok := p.pending[b.ToolUseID]; ok {
		delete(p.pending, b.ToolUseID)
		step := call.step
		step.Status = status
		return Event{Step: &step, Update: true}
	}

	step := p.newStep(rec, models.StepKindToolResult, b.BlockText())
	step.ToolCallID = b.ToolUseID
	step.Status = status
	return Event{Step: step, Orphan: true}
}

// expirePending drops correlation candidates older than the inactivity
// window. The emitted step keeps its executing status; the pending map only
// bounds memory and correlation time.
func (p *Parser) expirePending(now time.Time) {
	for id, call := range p.pending {
		if now.Sub(call.seen) > p.inactivity {
			delete(p.pending, id)
			log.Debug().
				Str("sessionId", p.sessionID).
				Str("toolCallId", id).
				Msg("Finalizing unanswered tool call")
		}
	}
}

func (p *Parser) newStep(rec *RawRecord, kind models.StepKind, summary string) *models.NormalizedStep {
	step := &models.NormalizedStep{
		StepID:         p.nextStepID,
		SessionID:      p.sessionID,
		Kind:           kind,
		Timestamp:      rec.Time(),
		ContentSummary: truncate(summary),
	}
	p.nextStepID++
	return step
}

// resultStatus maps a result record subtype to the final session status.
func resultStatus(subtype string) models.SessionStatus {
	switch subtype {
	case ResultSubtypeCancelled, ResultSubtypeInterrupted:
		return models.SessionStatusCancelled
	case ResultSubtypeSuccess:
		return models.SessionStatusCompleted
	}
	if strings.HasPrefix(subtype, "error") {
		return models.SessionStatusError
	}
	return models.SessionStatusCompleted
}

// toolSummary renders a compact one-line description of a tool invocation.
func toolSummary(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return name
	}
	compact := &bytes.Buffer{}
	if err := json.Compact(compact, input); err != nil {
		return name
	}
	return name + " " + compact.String()
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryRunes {
		return s
	}
	return string(runes[:maxSummaryRunes]) + "…"
}
