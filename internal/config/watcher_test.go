package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dharsan99/voicelink/internal/config"
)

const watcherValidYAML = `
client:
  server_url: wss://voice.example.com/ws
logging:
  level: info
`

const watcherUpdatedYAML = `
client:
  server_url: wss://voice.example.com/ws
logging:
  level: debug
`

const watcherInvalidYAML = `
logging:
  level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Logging.Level != config.LogInfo {
		t.Errorf("level = %q, want info", cfg.Logging.Level)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for invalid initial config, got nil")
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var changes int
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		changes++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Ensure a different mtime, then rewrite.
	time.Sleep(30 * time.Millisecond)
	writeFile(t, cfgPath, watcherUpdatedYAML)

	deadline := time.After(3 * time.Second)
	for {
		if w.Current().Logging.Level == config.LogDebug {
			break
		}
		select {
		case <-deadline:
			t.Fatal("config never reloaded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if changes != 1 {
		t.Errorf("onChange calls = %d, want 1", changes)
	}
}

func TestWatcher_InvalidRewriteKeepsOldConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(200 * time.Millisecond)

	if got := w.Current().Logging.Level; got != config.LogInfo {
		t.Errorf("level = %q, want the previous value info", got)
	}
}
