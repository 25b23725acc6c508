// Package pipeline wires the watcher, parser, session store, durable store
// and broadcaster into the session-synchronization loop: one worker per
// transcript file, serialized within the file, independent across files.
package pipeline

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentlens/internal/broadcast"
	"github.com/thebtf/agentlens/internal/persist"
	"github.com/thebtf/agentlens/internal/session"
	"github.com/thebtf/agentlens/internal/transcript"
	"github.com/thebtf/agentlens/internal/watcher"
	"github.com/thebtf/agentlens/pkg/models"
)

const (
	// readBackoff paces retries after a transient read failure on one
	// transcript, e.g. a file momentarily locked or absent.
	readBackoff = 500 * time.Millisecond

	// DefaultDashboardInterval paces coalesced dashboard envelopes. Zero
	// disables them (used by tests that count broadcasts).
	DefaultDashboardInterval = 2 * time.Second
)

// Options configures a Pipeline.
type Options struct {
	WatchRoots        []string
	StoreRoot         string
	Debounce          time.Duration
	ToolWindow        time.Duration
	DashboardInterval time.Duration
}

// Pipeline owns the file workers and the stores they feed.
type Pipeline struct {
	opts    Options
	store   *session.Store
	durable *persist.Store
	hub     *broadcast.Hub

	mu      sync.Mutex
	workers map[string]*fileWorker
	wg      sync.WaitGroup
}

// New creates a pipeline over the given stores and hub.
func New(opts Options, store *session.Store, durable *persist.Store, hub *broadcast.Hub) *Pipeline {
	if opts.Debounce <= 0 {
		opts.Debounce = watcher.DefaultDebounce
	}
	if opts.ToolWindow <= 0 {
		opts.ToolWindow = transcript.DefaultInactivityWindow
	}
	return &Pipeline{
		opts:    opts,
		store:   store,
		durable: durable,
		hub:     hub,
		workers: make(map[string]*fileWorker),
	}
}

// Store exposes the session registry for the query surface.
func (p *Pipeline) Store() *session.Store {
	return p.store
}

// Run recovers durable state, scans the roots for existing transcripts,
// then watches for changes until ctx is cancelled. In-flight parses finish
// before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	recovered, err := p.recover()
	if err != nil {
		return err
	}

	w, err := watcher.New(p.opts.WatchRoots, p.opts.Debounce)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	p.scanExisting(ctx, recovered)

	var dashboard <-chan time.Time
	if p.opts.DashboardInterval > 0 {
		ticker := time.NewTicker(p.opts.DashboardInterval)
		defer ticker.Stop()
		dashboard = ticker.C
	}
	var lastDashboard models.Dashboard

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.hub.Shutdown()
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				p.wg.Wait()
				p.hub.Shutdown()
				return nil
			}
			p.dispatch(ctx, ev.Path, nil)

		case <-dashboard:
			if d := p.store.Dashboard(); d != lastDashboard {
				lastDashboard = d
				p.hub.Publish(models.EnvelopeDashboard, d)
			}
		}
	}
}

// recover rebuilds session state from the durable store. Unusable copies
// were already skipped inside Recover; their transcripts re-parse from
// byte zero, which re-applies steps as no-ops.
func (p *Pipeline) recover() (map[string]persist.Recovered, error) {
	recovered, err := p.durable.Recover()
	if err != nil {
		return nil, err
	}
	for id, rec := range recovered {
		p.store.Restore(rec.Meta.State, rec.Steps)
		log.Info().
			Str("sessionId", id).
			Int64("steps", rec.Meta.State.StepCount).
			Int64("cursor", rec.Meta.Cursor).
			Msg("Session recovered from durable store")
	}
	return recovered, nil
}

// scanExisting walks the roots and starts a worker for every transcript
// already on disk.
func (p *Pipeline) scanExisting(ctx context.Context, recovered map[string]persist.Recovered) {
	for _, root := range p.opts.WatchRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() || watcher.SessionIDFromPath(path) == "" {
				return nil
			}
			var rec *persist.Recovered
			if r, ok := recovered[watcher.SessionIDFromPath(path)]; ok && r.Meta.TranscriptPath == path {
				rec = &r
			}
			p.dispatch(ctx, path, rec)
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("root", root).Msg("Failed to scan watch root")
		}
	}
}

// dispatch routes a transcript change to its worker, creating the worker on
// first sight of the file.
func (p *Pipeline) dispatch(ctx context.Context, path string, rec *persist.Recovered) {
	sessionID := watcher.SessionIDFromPath(path)
	if sessionID == "" {
		return
	}

	p.mu.Lock()
	fw, ok := p.workers[path]
	if !ok {
		fw = newFileWorker(p, path, sessionID, rec)
		p.workers[path] = fw
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			fw.run(ctx)
		}()
	}
	p.mu.Unlock()

	fw.poke()
}

// fileWorker owns one transcript file: its parser cursor, its pending tool
// calls and the serialization of every apply for its session.
type fileWorker struct {
	p         *Pipeline
	path      string
	sessionID string
	parser    *transcript.Parser
	notify    chan struct{}
}

func newFileWorker(p *Pipeline, path, sessionID string, rec *persist.Recovered) *fileWorker {
	parser := transcript.NewParser(sessionID, p.opts.ToolWindow)
	if rec != nil {
		parser.Restore(rec.Meta.Cursor, rec.Meta.State.StepCount)
		parser.RestorePending(rec.Steps)
	}
	return &fileWorker{
		p:         p,
		path:      path,
		sessionID: sessionID,
		parser:    parser,
		notify:    make(chan struct{}, 1),
	}
}

// poke schedules a read without blocking; a notification arriving while one
// is pending coalesces with it.
func (w *fileWorker) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *fileWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
			if err := w.process(); err != nil {
				log.Warn().
					Err(err).
					Str("path", w.path).
					Msg("Transcript read failed, retrying")
				w.retryLater(ctx)
			}
		}
	}
}

// retryLater re-arms the notification after a backoff, keeping transient
// I/O failures isolated to this one file.
func (w *fileWorker) retryLater(ctx context.Context) {
	time.AfterFunc(readBackoff, func() {
		if ctx.Err() == nil {
			w.poke()
		}
	})
}

// process reads the bytes appended since the cursor and applies them.
func (w *fileWorker) process() error {
	data, err := w.readAppended()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	events, skipped := w.parser.ParseChunk(data)
	for _, ev := range events {
		w.apply(ev)
	}
	if skipped > 0 {
		if w.p.store.AddSkipped(w.sessionID, skipped) {
			w.publishSessionUpdate()
		}
	}
	w.persistMeta()
	return nil
}

func (w *fileWorker) readAppended() ([]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(w.parser.Offset(), io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

// apply feeds one parser event into the session store and publishes exactly
// one envelope per state change.
func (w *fileWorker) apply(ev transcript.Event) {
	changed := false

	if ev.Step != nil {
		if w.p.store.ApplyStep(*ev.Step, ev.Update, ev.Orphan) {
			changed = true
			w.persistStep(*ev.Step)
		}
	}
	if ev.Resume {
		if w.p.store.Resume(w.sessionID) {
			changed = true
		}
	}
	if ev.Terminal != "" {
		if w.p.store.SetStatus(w.sessionID, ev.Terminal) {
			// Status-only transition: one session_update envelope.
			w.publishSessionUpdate()
		}
		return
	}

	if !changed {
		return
	}

	if ev.Step != nil {
		state, _ := w.p.store.Session(w.sessionID)
		w.p.hub.Publish(models.EnvelopeStepsDelta, models.StepsDelta{
			SessionID: w.sessionID,
			Steps:     []models.NormalizedStep{*ev.Step},
			Session:   state,
		})
	} else {
		w.publishSessionUpdate()
	}
}

func (w *fileWorker) publishSessionUpdate() {
	state, ok := w.p.store.Session(w.sessionID)
	if !ok {
		return
	}
	w.p.hub.Publish(models.EnvelopeSessionUpdate, state)
}

// persistStep appends the step to the durable log. A write failure degrades
// this one session to out-of-sync; in-memory processing continues.
func (w *fileWorker) persistStep(step models.NormalizedStep) {
	if err := w.p.durable.AppendStep(step); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", w.sessionID).
			Msg("Durable step write failed, session out of sync with disk")
		if w.p.store.MarkOutOfSync(w.sessionID) {
			w.publishSessionUpdate()
		}
		return
	}
	if w.p.store.ClearOutOfSync(w.sessionID) {
		w.publishSessionUpdate()
	}
}

// persistMeta atomically rewrites the session metadata with the current
// state and cursor.
func (w *fileWorker) persistMeta() {
	state, ok := w.p.store.Session(w.sessionID)
	if !ok {
		return
	}
	meta := persist.Meta{
		State:          state,
		Cursor:         w.parser.CommittedOffset(),
		TranscriptPath: w.path,
	}
	if err := w.p.durable.WriteMeta(w.sessionID, meta); err != nil {
		log.Error().
			Err(err).
			Str("sessionId", w.sessionID).
			Msg("Durable meta write failed, session out of sync with disk")
		if w.p.store.MarkOutOfSync(w.sessionID) {
			w.publishSessionUpdate()
		}
	}
}
