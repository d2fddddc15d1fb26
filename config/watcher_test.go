package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string, initial *Snapshot) <-chan *Snapshot {
	t.Helper()
	w := NewWatcher(path, initial, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Snapshot, 8)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(s *Snapshot) { changes <- s })
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// give fsnotify time to register the directory
	time.Sleep(50 * time.Millisecond)
	return changes
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_EmitsChangedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapter.yaml")
	writeFile(t, path, serviceYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	changes := startWatcher(t, path, initial)
	writeFile(t, path, strings.Replace(serviceYAML, "pollPeriod: 5000", "pollPeriod: 1000", 1))

	select {
	case next := <-changes:
		assert.Equal(t, int64(1000), next.Services[0].PollPeriod)
		assert.Equal(t, filepath.Dir(path), next.BaseDir)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot emitted")
	}
}

func TestWatcher_IgnoresUnchangedAndInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapter.yaml")
	writeFile(t, path, serviceYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	changes := startWatcher(t, path, initial)

	// rewriting identical content and writing garbage emit nothing
	writeFile(t, path, serviceYAML)
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "services: [unclosed")
	time.Sleep(100 * time.Millisecond)

	select {
	case s := <-changes:
		t.Fatalf("unexpected snapshot: %+v", s)
	default:
	}

	// a valid change after the bad one is still picked up
	writeFile(t, path, "active: false\n")
	select {
	case next := <-changes:
		assert.False(t, next.Active)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot emitted after recovery")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.yaml")
	writeFile(t, path, serviceYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	changes := startWatcher(t, path, initial)
	writeFile(t, filepath.Join(dir, "other.yaml"), "active: false\n")

	select {
	case s := <-changes:
		t.Fatalf("unexpected snapshot: %+v", s)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing", "adapter.yaml"), nil, nil)
	err := w.Run(context.Background(), func(*Snapshot) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to watch")
}
