package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/logger"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestConfigWatcher_ReloadNotifiesCallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, "log_level: info\n")

	initial, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}
	initial.ConfigFile = path

	w, err := NewConfigWatcher(path, initial)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	var calls atomic.Int32
	var seen atomic.Value
	w.RegisterCallback(func(c *Config) {
		calls.Add(1)
		seen.Store(c)
	})

	writeConfig(t, path, `
log_level: debug
environments:
  localnet:
    proxy_port: 44340
`)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("expected 1 callback, got %d", calls.Load())
	}
	got := seen.Load().(*Config)
	if got.LogLevel != "debug" {
		t.Errorf("expected reloaded log level debug, got %s", got.LogLevel)
	}
	if got.ConfigFile != path {
		t.Errorf("config file path should carry over, got %q", got.ConfigFile)
	}
	if w.Current() != got {
		t.Error("Current() should return the reloaded config")
	}
}

func TestConfigWatcher_InvalidReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, "log_level: info\n")

	initial := DefaultConfig()
	w, err := NewConfigWatcher(path, initial)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	called := false
	w.RegisterCallback(func(*Config) { called = true })

	writeConfig(t, path, "log_level: loud\n")
	if err := w.Reload(); err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("callback must not run for an invalid config")
	}
	if w.Current() != initial {
		t.Error("current config should be unchanged")
	}
}

func TestConfigWatcher_FileEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, "log_level: info\n")

	w, err := NewConfigWatcher(path, DefaultConfig())
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.Stop()

	reloaded := make(chan struct{}, 1)
	w.RegisterCallback(func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	writeConfig(t, path, "log_level: warn\n")

	select {
	case <-reloaded:
		if w.Current().LogLevel != "warn" {
			t.Errorf("expected log level warn, got %s", w.Current().LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestConfigWatcher_LogChanges(t *testing.T) {
	var buf bytes.Buffer
	logger.Init("info", "json")
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	old := DefaultConfig()
	updated := DefaultConfig()
	updated.ListenAddress = "127.0.0.2"
	updated.ForwardTimeout = 5 * time.Second
	updated.ConnectTimeout = 2 * time.Second

	w := &ConfigWatcher{}
	w.logChanges(old, updated)

	var listen, forward, connect string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		switch {
		case strings.Contains(line, `"field":"listen_address"`):
			listen = line
		case strings.Contains(line, `"field":"forward_timeout"`):
			forward = line
		case strings.Contains(line, `"field":"connect_timeout"`):
			connect = line
		}
	}

	if !strings.Contains(listen, `"msg":"config_changed"`) || !strings.Contains(listen, `"applies_to":"new_ports"`) {
		t.Errorf("listen_address should apply to new ports, got %q", listen)
	}
	if !strings.Contains(forward, `"applies_to":"new_ports"`) {
		t.Errorf("forward_timeout should apply to new ports, got %q", forward)
	}
	if !strings.Contains(connect, `"msg":"config_change_ignored"`) {
		t.Errorf("connect_timeout should require a restart, got %q", connect)
	}
}
