package config_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/MrWong99/convoxa/internal/config"
)

// watchedFile writes content into a temp config file and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content)
	return path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// watcherYAML renders a minimal valid config with the given log level and
// meter rate, the two knobs these tests flip.
func watcherYAML(level string, rate int) string {
	return `
server:
  log_level: ` + level + `
provider:
  api_key: test-key
quota:
  tokens_per_minute: ` + strconv.Itoa(rate) + `
gateway:
  approved_domains:
    - app.example.com
`
}

// startWatcher builds a fast-polling watcher whose callback feeds a channel.
func startWatcher(t *testing.T, path string) (*config.Watcher, <-chan config.ConfigDiff) {
	t.Helper()
	diffs := make(chan config.ConfigDiff, 8)
	w, err := config.NewWatcher(path, func(_ *config.Config, d config.ConfigDiff) {
		diffs <- d
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, diffs
}

func TestWatcherLoadsImmediately(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, watcherYAML("info", 60))
	w, _ := startWatcher(t, path)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() is nil right after construction")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestWatcherRefusesMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher("/nonexistent/config.yaml", nil); err == nil {
		t.Fatal("NewWatcher succeeded on a missing file")
	}
}

func TestWatcherReportsHotChanges(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, watcherYAML("info", 60))
	w, diffs := startWatcher(t, path)

	// mtime granularity can swallow immediate rewrites; nudge the clock.
	time.Sleep(50 * time.Millisecond)
	rewrite(t, path, watcherYAML("debug", 120))

	select {
	case d := <-diffs:
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
			t.Errorf("diff %+v, want log level change to debug", d)
		}
		if !d.MeterRateChanged || d.NewTokensPerMinute != 120 {
			t.Errorf("diff %+v, want meter rate change to 120", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload observed")
	}

	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log level = %q, want debug", got)
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, watcherYAML("info", 60))
	w, diffs := startWatcher(t, path)

	time.Sleep(50 * time.Millisecond)
	rewrite(t, path, "server:\n  log_level: bananas\n")

	select {
	case d := <-diffs:
		t.Fatalf("invalid file produced a reload: %+v", d)
	case <-time.After(300 * time.Millisecond):
	}

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log level = %q, want the pre-change info", got)
	}
}

func TestWatcherIgnoresTouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, watcherYAML("info", 60))
	_, diffs := startWatcher(t, path)

	time.Sleep(50 * time.Millisecond)
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}

	select {
	case d := <-diffs:
		t.Fatalf("touch-only update produced a reload: %+v", d)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherSwapsConfigWithoutCallbackForColdChanges(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, watcherYAML("info", 60))
	w, diffs := startWatcher(t, path)

	// Changing only the provider key swaps the config but is not
	// hot-applicable, so no callback fires.
	time.Sleep(50 * time.Millisecond)
	rewrite(t, path, `
server:
  log_level: info
provider:
  api_key: rotated-key
quota:
  tokens_per_minute: 60
gateway:
  approved_domains:
    - app.example.com
`)

	select {
	case d := <-diffs:
		t.Fatalf("cold-only change produced a callback: %+v", d)
	case <-time.After(300 * time.Millisecond):
	}

	if got := w.Current().Provider.APIKey; got != "rotated-key" {
		t.Errorf("Current() api key = %q, want the rotated value", got)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := watchedFile(t, watcherYAML("info", 60))
	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	for range 3 {
		w.Stop()
	}
}
