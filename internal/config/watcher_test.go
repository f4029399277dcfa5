package config

import (
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `
router:
  balanced_model: claude-balanced
rate_limit:
  user_requests_per_minute: 10
`)

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, 20*time.Millisecond, func(cfg *Config) {
		reloaded <- cfg
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	updated := `
router:
  balanced_model: claude-balanced
rate_limit:
  user_requests_per_minute: 99
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.RateLimit.UserRequestsPerMinute != 99 {
			t.Errorf("UserRequestsPerMinute = %v, want 99", cfg.RateLimit.UserRequestsPerMinute)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_StartIsIdempotent(t *testing.T) {
	path := writeConfig(t, `
router:
  balanced_model: claude-balanced
`)
	w := NewWatcher(path, 10*time.Millisecond, func(*Config) {})
	if err := w.Start(); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
}

func TestWatcher_StopBeforeStartIsSafe(t *testing.T) {
	w := NewWatcher("/nonexistent/turnloop.yaml", 0, func(*Config) {})
	w.Stop()
}

func TestWatcher_BadReloadKeepsGoing(t *testing.T) {
	path := writeConfig(t, `
router:
  balanced_model: claude-balanced
`)
	calls := make(chan struct{}, 4)
	w := NewWatcher(path, 10*time.Millisecond, func(*Config) {
		calls <- struct{}{}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("not: valid: yaml: at: all: ["), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	select {
	case <-calls:
		t.Fatal("onReload should not fire for an invalid document")
	default:
	}
}
