// Package config handles configuration parsing and hot reloading.
package config

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cr0hn/rpc-gateway/internal/logger"
)

// DefaultDebounceInterval is the interval for debouncing file events.
const DefaultDebounceInterval = 100 * time.Millisecond

// ConfigWatcher watches a configuration file for changes and notifies callbacks.
type ConfigWatcher struct {
	path      string
	current   atomic.Value // *Config
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	stopCh    chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
}

// NewConfigWatcher creates a new ConfigWatcher for the given config file path.
func NewConfigWatcher(path string, initial *Config) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		path:    path,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}
	cw.current.Store(initial)

	return cw, nil
}

// Start begins watching the configuration file for changes.
func (w *ConfigWatcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}

	go w.watchLoop()
	logger.Info("config_watcher_started", "path", w.path)
	return nil
}

// Stop stops the configuration watcher.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		logger.Info("config_watcher_stopped")
	})
}

// Current returns the current configuration.
func (w *ConfigWatcher) Current() *Config {
	return w.current.Load().(*Config)
}

// RegisterCallback adds a callback to be called when configuration changes.
func (w *ConfigWatcher) RegisterCallback(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Reload manually reloads the configuration file.
func (w *ConfigWatcher) Reload() error {
	return w.reload()
}

// watchLoop watches for file changes with debouncing.
func (w *ConfigWatcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only react to write and create events
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
					if err := w.reload(); err != nil {
						logger.Error("config_reload_failed", "error", err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("config_watcher_error", "error", err)

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reload loads the configuration from file and notifies callbacks.
func (w *ConfigWatcher) reload() error {
	newCfg, err := LoadFromFile(w.path)
	if err != nil {
		return err
	}

	oldCfg := w.Current()

	// Settings that need a restart keep their running value
	newCfg.ConfigFile = oldCfg.ConfigFile

	if err := newCfg.validateReloadable(); err != nil {
		return err
	}

	w.current.Store(newCfg)
	w.logChanges(oldCfg, newCfg)

	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(newCfg)
	}

	logger.Info("config_reloaded", "path", w.path)
	return nil
}

// logChanges logs which configuration values changed.
func (w *ConfigWatcher) logChanges(old, new *Config) {
	if old.LogLevel != new.LogLevel {
		logger.Info("config_changed", "field", "log_level", "old", old.LogLevel, "new", new.LogLevel)
	}
	if old.LogFormat != new.LogFormat {
		logger.Info("config_changed", "field", "log_format", "old", old.LogFormat, "new", new.LogFormat)
	}
	if old.MaxInFlightPerPort != new.MaxInFlightPerPort {
		logger.Info("config_changed", "field", "max_in_flight_per_port", "old", old.MaxInFlightPerPort, "new", new.MaxInFlightPerPort)
	}
	// Port server settings take effect on ports created after the reload.
	if old.ListenAddress != new.ListenAddress {
		logger.Info("config_changed", "field", "listen_address", "old", old.ListenAddress, "new", new.ListenAddress, "applies_to", "new_ports")
	}
	if old.ForwardTimeout != new.ForwardTimeout {
		logger.Info("config_changed", "field", "forward_timeout", "old", old.ForwardTimeout, "new", new.ForwardTimeout, "applies_to", "new_ports")
	}
	if old.IdleTimeout != new.IdleTimeout {
		logger.Info("config_changed", "field", "idle_timeout", "old", old.IdleTimeout, "new", new.IdleTimeout, "applies_to", "new_ports")
	}
	if old.RateLimitRPS != new.RateLimitRPS || old.RateLimitBurst != new.RateLimitBurst {
		logger.Info("config_changed", "field", "rate_limit", "old_rps", old.RateLimitRPS, "new_rps", new.RateLimitRPS, "new_burst", new.RateLimitBurst)
	}
	for _, name := range new.EnvironmentNames() {
		prev, existed := old.Environments[name]
		switch {
		case !existed:
			logger.Info("config_changed", "field", "environments", "environment", name, "change", "added")
		case !reflect.DeepEqual(prev, new.Environments[name]):
			logger.Info("config_changed", "field", "environments", "environment", name, "change", "modified")
		}
	}
	for _, name := range old.EnvironmentNames() {
		if _, kept := new.Environments[name]; !kept {
			logger.Info("config_changed", "field", "environments", "environment", name, "change", "removed")
		}
	}

	// Warn about non-reloadable fields that changed
	if old.ConnectTimeout != new.ConnectTimeout {
		logger.Warn("config_change_ignored", "field", "connect_timeout", "reason", "requires restart")
	}
	if old.MetricsPort != new.MetricsPort {
		logger.Warn("config_change_ignored", "field", "metrics_port", "reason", "requires restart")
	}
	if old.HealthCheckType != new.HealthCheckType || old.HealthCheckInterval != new.HealthCheckInterval {
		logger.Warn("config_change_ignored", "field", "health_check", "reason", "requires restart")
	}
}
