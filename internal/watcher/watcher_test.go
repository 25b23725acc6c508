package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionFile = "1f0c9b8a-7d6e-4f5a-8b3c-2d1e0f9a8b7c.jsonl"

// TestSessionIDFromPath tests transcript file name recognition.
func TestSessionIDFromPath(t *testing.T) {
	id := SessionIDFromPath("/roots/proj/" + testSessionFile)
	assert.Equal(t, "1f0c9b8a-7d6e-4f5a-8b3c-2d1e0f9a8b7c", id)

	// Background subagent artifacts and anything else are ignored.
	assert.Empty(t, SessionIDFromPath("/roots/proj/agent-scratch.jsonl"))
	assert.Empty(t, SessionIDFromPath("/roots/proj/notes.txt"))
	assert.Empty(t, SessionIDFromPath("/roots/proj/1f0c9b8a-7d6e-4f5a-8b3c-2d1e0f9a8b7c.json"))
	assert.Empty(t, SessionIDFromPath("/roots/proj/1f0c9b8a.jsonl"))
}

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

// TestWatcherEmitsOnAppend tests that appending to a transcript produces a
// debounced event.
func TestWatcherEmitsOnAppend(t *testing.T) {
	root := t.TempDir()
	w, err := New([]string{root}, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	path := filepath.Join(root, testSessionFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644))

	ev := waitForEvent(t, w.Events())
	assert.Equal(t, path, ev.Path)
}

// TestWatcherIgnoresOtherFiles tests that non-transcript files produce no
// events.
func TestWatcherIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New([]string{root}, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(root, "scratch.txt"), []byte("x"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestWatcherPicksUpNewDirectories tests recursive watching of directories
// created after Start.
func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	w, err := New([]string{root}, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	sub := filepath.Join(root, "project-a")
	require.NoError(t, os.Mkdir(sub, 0o755))

	// Give the watcher a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, testSessionFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644))

	ev := waitForEvent(t, w.Events())
	assert.Equal(t, path, ev.Path)
}

// TestWatcherDebouncesBursts tests that a burst of appends coalesces into
// few events rather than one per write.
func TestWatcherDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	w, err := New([]string{root}, 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	path := filepath.Join(root, testSessionFile)
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err = f.WriteString(`{"type":"user"}` + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	waitForEvent(t, w.Events())

	// The burst happened inside one debounce window; at most a stray
	// second event may follow, never twenty.
	count := 1
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case <-w.Events():
			count++
		case <-deadline:
			assert.LessOrEqual(t, count, 3)
			return
		}
	}
}

// TestWatcherStopsOnCancel tests that cancellation closes the event stream.
func TestWatcherStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	w, err := New([]string{root}, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("event channel not closed after cancel")
	}
}
