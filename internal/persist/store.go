// Package persist keeps a durable local copy of every tracked session: an
// append-only step log plus an atomically rewritten metadata file. The copy
// exists for history and restart; the in-memory store stays authoritative.
package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/pkg/models"
)

const (
	stepLogName  = "steps.jsonl"
	metaFileName = "meta.json"

	// maxOpenLogs caps cached step-log file handles. The least recently
	// used handle is closed when the cap is hit; appends reopen on demand,
	// so descriptor use stays bounded however many sessions accumulate.
	maxOpenLogs = 64
)

// ErrCorrupt marks a durable session copy that cannot be trusted. The caller
// falls back to re-parsing the original transcript from byte zero, which is
// safe because replaying already-seen steps is a no-op.
var ErrCorrupt = errors.New("durable session copy is corrupt")

// Meta is the atomically rewritten per-session metadata file. Cursor is the
// transcript byte offset whose steps are covered by the step log.
type Meta struct {
	State          models.SessionState `json:"state"`
	Cursor         int64               `json:"cursor"`
	TranscriptPath string              `json:"transcript_path"`
}

// Recovered is one session rebuilt from the durable store. Steps carry the
// final status of every tool call that resolved before shutdown.
type Recovered struct {
	Meta  Meta
	Steps []models.NormalizedStep
}

type openLog struct {
	f       *os.File
	lastUse uint64
}

// Store writes session copies under root, one directory per session id.
type Store struct {
	root string

	mu   sync.Mutex
	logs map[string]*openLog
	use  uint64
}

// NewStore creates the root directory if needed and returns the store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create durable store root: %w", err)
	}
	return &Store{root: root, logs: make(map[string]*openLog)}, nil
}

// AppendStep appends one step record to the session's step log. Status
// transitions are appended as fresh records for the same step id; recovery
// keeps the last occurrence, so the log itself stays append-only.
func (s *Store) AppendStep(step models.NormalizedStep) error {
	line, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.stepLogLocked(step.SessionID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

// WriteMeta rewrites the session metadata atomically: write to a temp file
// in the same directory, then rename over the target.
func (s *Store) WriteMeta(sessionID string, meta Meta) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	tmp, err := os.CreateTemp(dir, metaFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp meta: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metaFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

// ReadMeta loads the session metadata file.
func (s *Store) ReadMeta(sessionID string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.root, sessionID, metaFileName))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return meta, nil
}

// Recover rebuilds every session whose durable copy is present and intact.
// Sessions with a missing or corrupt copy are skipped with a warning; the
// pipeline re-parses their transcripts from byte zero instead.
func (s *Store) Recover() (map[string]Recovered, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read durable store root: %w", err)
	}

	out := make(map[string]Recovered)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		rec, err := s.recoverSession(sessionID)
		if err != nil {
			log.Warn().
				Err(err).
				Str("sessionId", sessionID).
				Msg("Durable copy unusable, transcript will be re-parsed")
			continue
		}
		out[sessionID] = rec
	}
	return out, nil
}

// recoverSession reads one session's meta and step log. Interior decode
// errors mean corruption; a partial trailing line without a terminator is
// tolerated, since a crash mid-append leaves exactly that.
func (s *Store) recoverSession(sessionID string) (Recovered, error) {
	meta, err := s.ReadMeta(sessionID)
	if err != nil {
		return Recovered{}, err
	}

	f, err := os.Open(filepath.Join(s.root, sessionID, stepLogName))
	if err != nil {
		if os.IsNotExist(err) && meta.State.StepCount == 0 {
			return Recovered{Meta: meta}, nil
		}
		return Recovered{}, err
	}
	defer f.Close()

	byID := make(map[int64]models.NormalizedStep)
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Recovered{}, err
		}
		var step models.NormalizedStep
		if err := json.Unmarshal(line, &step); err != nil {
			return Recovered{}, fmt.Errorf("%w: step log line: %v", ErrCorrupt, err)
		}
		byID[step.StepID] = step
	}

	if int64(len(byID)) != meta.State.StepCount {
		return Recovered{}, fmt.Errorf("%w: %d logged steps, meta says %d",
			ErrCorrupt, len(byID), meta.State.StepCount)
	}

	steps := make([]models.NormalizedStep, 0, len(byID))
	for _, step := range byID {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })

	return Recovered{Meta: meta, Steps: steps}, nil
}

// Close flushes and closes every open step log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, l := range s.logs {
		if err := l.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logs, id)
	}
	return firstErr
}

func (s *Store) sessionDir(sessionID string) (string, error) {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// stepLogLocked returns the cached append handle for the session, opening
// it (and evicting the least recently used handle past the cap) on a miss.
// Caller holds s.mu.
func (s *Store) stepLogLocked(sessionID string) (*os.File, error) {
	s.use++
	if l, ok := s.logs[sessionID]; ok {
		l.lastUse = s.use
		return l.f, nil
	}

	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, stepLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open step log: %w", err)
	}

	if len(s.logs) >= maxOpenLogs {
		s.evictOldestLocked()
	}
	s.logs[sessionID] = &openLog{f: f, lastUse: s.use}
	return f, nil
}

func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldestUse uint64
	for id, l := range s.logs {
		if oldestID == "" || l.lastUse < oldestUse {
			oldestID = id
			oldestUse = l.lastUse
		}
	}
	if oldestID == "" {
		return
	}
	if err := s.logs[oldestID].f.Close(); err != nil {
		log.Warn().Err(err).Str("sessionId", oldestID).Msg("Failed to close idle step log")
	}
	delete(s.logs, oldestID)
}
