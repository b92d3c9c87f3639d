package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"visaquest/pkg/logx"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./vq.db"},
		"http": {"enabled": true, "addr": "127.0.0.1:9000"},
		"reminder": {"enabled": true, "sweep_interval": "30s"},
		"notifier": {"enabled": true, "workers": 4}
	}`)
	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
	if got := Duration(cfg.Reminder.SweepInterval, time.Minute); got != 30*time.Second {
		t.Fatalf("sweep = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed snapshot")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", `
logging:
  level: info
  console: true
storage:
  driver: memory
notifier:
  enabled: true
  rate_per_sec: 2
`)
	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Notifier.RatePerSec != 2 {
		t.Fatalf("rate = %d", cfg.Notifier.RatePerSec)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{"loging": {"level": "info"}}`)
	if _, err := NewManager(path, logx.Nop()).Load(); err == nil {
		t.Fatal("typoed section should be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.json", `{"logging": {"level": "info", "console": true}} {"extra": 1}`)
	if _, err := NewManager(path, logx.Nop()).Load(); err == nil {
		t.Fatal("trailing document should be rejected")
	}
}

func TestDurationHelper(t *testing.T) {
	t.Parallel()
	if got := Duration("", time.Minute); got != time.Minute {
		t.Fatalf("empty = %v", got)
	}
	if got := Duration("90s", time.Minute); got != 90*time.Second {
		t.Fatalf("90s = %v", got)
	}
	if got := Duration("bogus", time.Minute); got != time.Minute {
		t.Fatalf("bogus = %v", got)
	}
	if got := Duration("-5s", time.Minute); got != time.Minute {
		t.Fatalf("negative = %v", got)
	}
}

func TestSubscribePublishCoalesces(t *testing.T) {
	t.Parallel()
	m := NewManager("unused", logx.Nop())
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a, b := Default(), Default()
	b.HTTP.Addr = "127.0.0.1:9999"
	m.publish(a)
	m.publish(b) // drops a, pushes b

	select {
	case got := <-ch:
		if got.HTTP.Addr != "127.0.0.1:9999" {
			t.Fatalf("expected the newest snapshot, got addr %q", got.HTTP.Addr)
		}
	default:
		t.Fatal("no snapshot delivered")
	}
}
