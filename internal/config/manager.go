package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
)

// Manager holds the current configuration and reloads it when the file
// changes on disk. Invalid edits are logged and the previous config kept.
type Manager struct {
	path string
	log  zerolog.Logger

	mu       sync.RWMutex
	config   *Config
	onReload []func(*Config)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func NewManager() (*Manager, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return NewManagerForFile(configPath)
}

func NewManagerForFile(configPath string) (*Manager, error) {
	log := logging.WithComponent("config")

	config, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		log.Warn().Err(err).Msg("validation warning")
	}

	return &Manager{
		path:   configPath,
		log:    log,
		config: config,
	}, nil
}

func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configCopy := *m.config
	configCopy.Events.Brokers = append([]string(nil), m.config.Events.Brokers...)
	return &configCopy
}

// OnReload registers fn to run with the new config after every successful
// reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	m.onReload = append(m.onReload, fn)
	m.mu.Unlock()
}

func (m *Manager) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// the directory, so editors that replace the file are seen
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop(ctx)

	m.log.Info().Str("path", m.path).Msg("watching for changes")
	return nil
}

func (m *Manager) Stop() {
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()
	configFileName := filepath.Base(m.path)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFileName {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				m.log.Info().Str("file", event.Name).Msg("change detected, reloading")
				m.Reload()
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("watcher error")

		case <-ctx.Done():
			return
		}
	}
}

// Reload re-reads the file. It reports whether the new config was applied.
func (m *Manager) Reload() bool {
	newConfig, err := LoadFile(m.path)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to reload config")
		return false
	}
	if err := newConfig.Validate(); err != nil {
		m.log.Error().Err(err).Msg("invalid config after reload, keeping previous")
		return false
	}

	m.mu.Lock()
	m.config = newConfig
	hooks := append([]func(*Config){}, m.onReload...)
	m.mu.Unlock()

	m.log.Info().Msg("configuration reloaded")
	for _, fn := range hooks {
		fn(newConfig)
	}
	return true
}
