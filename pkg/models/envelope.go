package models

// EnvelopeType discriminates the payload of a pushed envelope.
type EnvelopeType string

const (
	// EnvelopeInit carries the full-state bundle sent once on connect.
	EnvelopeInit EnvelopeType = "init"
	// EnvelopeSessionUpdate carries one updated SessionState.
	EnvelopeSessionUpdate EnvelopeType = "session_update"
	// EnvelopeStepsDelta carries steps appended to one session.
	EnvelopeStepsDelta EnvelopeType = "steps_delta"
	// EnvelopeDashboard carries refreshed dashboard aggregates.
	EnvelopeDashboard EnvelopeType = "dashboard"
	// EnvelopeShutdown is the terminal notice sent before the server closes
	// a connection on graceful shutdown.
	EnvelopeShutdown EnvelopeType = "shutdown"
)

// Envelope is the unit pushed to connected clients. Version comes from a
// single process-wide monotonic counter; a client must discard any envelope
// whose version is lower than one it already applied.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	Data    any          `json:"data"`
	Version uint64       `json:"version"`
}

// InitBundle is the Data payload of an EnvelopeInit envelope. It is a
// consistent snapshot of every tracked session plus the dashboard, stamped
// with the version current at snapshot time. A reconnecting client receives
// a fresh bundle instead of a gap-filled delta stream.
type InitBundle struct {
	Sessions  []SessionState              `json:"sessions"`
	Steps     map[string][]NormalizedStep `json:"steps"`
	Dashboard Dashboard                   `json:"dashboard"`
}

// StepsDelta is the Data payload of an EnvelopeStepsDelta envelope. It
// carries the appended (or status-revised) steps together with the session
// state they produced, so one mutation maps to exactly one envelope.
type StepsDelta struct {
	SessionID string           `json:"session_id"`
	Steps     []NormalizedStep `json:"steps"`
	Session   SessionState     `json:"session"`
}
