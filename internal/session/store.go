// Package session holds the authoritative in-memory registry of observed
// agent sessions. All writes pass through per-method locking so readers
// always see a consistent snapshot, never a torn intermediate state.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/thebtf/agentlens/pkg/models"
)

// Filter selects which sessions a listing surfaces. Thresholds are product
// tuning, injected from configuration rather than hard-coded here.
type Filter struct {
	// Statuses limits results to the given statuses; empty means all.
	Statuses []models.SessionStatus
	// MinSteps hides sessions with fewer steps.
	MinSteps int64
	// ActiveWithin hides sessions idle longer than the window; zero
	// disables the check.
	ActiveWithin time.Duration
}

// Match reports whether the session passes the filter at the given time.
func (f Filter) Match(s *models.SessionState, now time.Time) bool {
	if s.StepCount < f.MinSteps {
		return false
	}
	if f.ActiveWithin > 0 && now.Sub(s.LastActivityAt) > f.ActiveWithin {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

type entry struct {
	state models.SessionState
	steps []models.NormalizedStep
}

// Store is the session state registry. It is the only broadly shared mutable
// resource in the pipeline; per-session write ordering is guaranteed by the
// single parse worker that owns each transcript file.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// GetOrCreate returns the session state for the id, creating a running
// session atomically if it is unseen.
func (s *Store) GetOrCreate(sessionID string) models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(sessionID).state
}

func (s *Store) getOrCreateLocked(sessionID string) *entry {
	e, ok := s.sessions[sessionID]
	if !ok {
		e = &entry{state: models.SessionState{
			SessionID: sessionID,
			Status:    models.SessionStatusRunning,
		}}
		s.sessions[sessionID] = e
	}
	return e
}

// ApplyStep appends a step (or, when update is set, revises the status of an
// already-appended tool step) and updates counts and activity. Re-applying
// an already-seen step is a no-op, which makes restart-time replay safe.
// The returned flag reports whether state actually changed.
func (s *Store) ApplyStep(step models.NormalizedStep, update, orphan bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(step.SessionID)

	if update {
		i := sort.Search(len(e.steps), func(i int) bool {
			return e.steps[i].StepID >= step.StepID
		})
		if i >= len(e.steps) || e.steps[i].StepID != step.StepID {
			return false
		}
		if e.steps[i].Status == step.Status {
			return false
		}
		e.steps[i].Status = step.Status
		s.touchLocked(e, step.Timestamp)
		return true
	}

	// Steps arrive in strictly increasing step id order per session; an id
	// at or below the last one was already applied.
	if n := len(e.steps); n > 0 && step.StepID <= e.steps[n-1].StepID {
		return false
	}

	e.steps = append(e.steps, step)
	e.state.StepCount++
	if step.Kind == models.StepKindToolCall {
		e.state.ToolCallCount++
	}
	if orphan {
		e.state.OrphanResults++
	}
	if e.state.StartedAt.IsZero() {
		e.state.StartedAt = step.Timestamp
	}
	s.touchLocked(e, step.Timestamp)
	return true
}

func (s *Store) touchLocked(e *entry, ts time.Time) {
	if ts.After(e.state.LastActivityAt) {
		e.state.LastActivityAt = ts
	}
}

// SetStatus moves the session to the given status. Reports whether the
// status changed.
func (s *Store) SetStatus(sessionID string, status models.SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(sessionID)
	if e.state.Status == status {
		return false
	}
	e.state.Status = status
	return true
}

// Resume returns a terminal session to running. A resume record is the only
// way a terminal status reverses.
func (s *Store) Resume(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(sessionID)
	if e.state.Status == models.SessionStatusRunning {
		return false
	}
	e.state.Status = models.SessionStatusRunning
	return true
}

// AddSkipped records lines that could not be parsed for the session. The
// count is user-visible next to the steps that did parse.
func (s *Store) AddSkipped(sessionID string, n int64) bool {
	if n <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(sessionID)
	e.state.SkippedLines += n
	return true
}

// MarkOutOfSync flags the session as diverged from its durable copy after a
// persistence failure. In-memory updates continue regardless.
func (s *Store) MarkOutOfSync(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(sessionID)
	if e.state.OutOfSync {
		return false
	}
	e.state.OutOfSync = true
	return true
}

// ClearOutOfSync drops the divergence flag once durable writes succeed
// again.
func (s *Store) ClearOutOfSync(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(sessionID)
	if !e.state.OutOfSync {
		return false
	}
	e.state.OutOfSync = false
	return true
}

// Restore installs a session snapshot rebuilt from the durable store. It is
// only called before the pipeline starts applying live events.
func (s *Store) Restore(state models.SessionState, steps []models.NormalizedStep) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreateLocked(state.SessionID)
	e.state = state
	e.steps = append([]models.NormalizedStep(nil), steps...)
}

// Session returns a copy of the session state.
func (s *Store) Session(sessionID string) (models.SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return models.SessionState{}, false
	}
	return e.state, true
}

// List returns the sessions passing the filter, most recently active first.
func (s *Store) List(f Filter) []models.SessionState {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SessionState, 0, len(s.sessions))
	for _, e := range s.sessions {
		if f.Match(&e.state, now) {
			out = append(out, e.state)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Steps returns one page of the session's primary step sequence plus the
// total step count.
func (s *Store) Steps(sessionID string, offset, limit int) ([]models.NormalizedStep, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, 0
	}
	total := int64(len(e.steps))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(e.steps) {
		return nil, total
	}
	end := len(e.steps)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]models.NormalizedStep, end-offset)
	copy(out, e.steps[offset:end])
	return out, total
}

// Dashboard aggregates all tracked sessions.
func (s *Store) Dashboard() models.Dashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dashboardLocked()
}

func (s *Store) dashboardLocked() models.Dashboard {
	var d models.Dashboard
	d.SessionCount = len(s.sessions)
	for _, e := range s.sessions {
		if e.state.Status == models.SessionStatusRunning {
			d.RunningCount++
		}
		d.StepCount += e.state.StepCount
		d.ToolCallCount += e.state.ToolCallCount
		d.SkippedLines += e.state.SkippedLines
	}
	return d
}

// Snapshot builds the full-state bundle for a newly connected client under
// one read lock, so the bundle is internally consistent.
func (s *Store) Snapshot() models.InitBundle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bundle := models.InitBundle{
		Sessions:  make([]models.SessionState, 0, len(s.sessions)),
		Steps:     make(map[string][]models.NormalizedStep, len(s.sessions)),
		Dashboard: s.dashboardLocked(),
	}
	for id, e := range s.sessions {
		bundle.Sessions = append(bundle.Sessions, e.state)
		steps := make([]models.NormalizedStep, len(e.steps))
		copy(steps, e.steps)
		bundle.Steps[id] = steps
	}
	sort.Slice(bundle.Sessions, func(i, j int) bool {
		return bundle.Sessions[i].SessionID < bundle.Sessions[j].SessionID
	})
	return bundle
}
