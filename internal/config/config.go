// Package config provides configuration management for agentlens.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when no config file is present.
const (
	DefaultListenAddr      = "127.0.0.1:7781"
	DefaultDebounceMs      = 50
	DefaultClientQueueSize = 256
	DefaultToolWindowSec   = 300
)

// Config holds all agentlens settings.
type Config struct {
	// WatchRoots are the directories scanned recursively for transcript
	// files. Default: ~/.claude/projects.
	WatchRoots []string `yaml:"watch_roots"`
	// StoreDir is the durable store root. Default: <data dir>/store.
	StoreDir string `yaml:"store_dir"`
	// ListenAddr is the HTTP/websocket listen address.
	ListenAddr string `yaml:"listen_addr"`
	// DebounceMs is the file-event debounce window in milliseconds.
	DebounceMs int `yaml:"debounce_ms"`
	// ClientQueueSize bounds each connection's outbound envelope queue.
	ClientQueueSize int `yaml:"client_queue_size"`
	// ToolWindowSec bounds tool-call/result correlation in seconds.
	ToolWindowSec int `yaml:"tool_window_sec"`

	// Session list filter policy. Tuning heuristics for which sessions a
	// UI list surfaces, not core invariants.
	ListMinSteps     int64 `yaml:"list_min_steps"`
	ListActiveWithin int   `yaml:"list_active_within_min"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WatchRoots:      []string{filepath.Join(homeDir(), ".claude", "projects")},
		StoreDir:        filepath.Join(DataDir(), "store"),
		ListenAddr:      DefaultListenAddr,
		DebounceMs:      DefaultDebounceMs,
		ClientQueueSize: DefaultClientQueueSize,
		ToolWindowSec:   DefaultToolWindowSec,
	}
}

// Load reads the config file, filling unset fields from defaults. A missing
// file yields the defaults without error.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	def := Default()
	if len(cfg.WatchRoots) == 0 {
		cfg.WatchRoots = def.WatchRoots
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = def.StoreDir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = def.DebounceMs
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = def.ClientQueueSize
	}
	if cfg.ToolWindowSec <= 0 {
		cfg.ToolWindowSec = def.ToolWindowSec
	}
	return cfg, nil
}

// DataDir returns the agentlens data directory.
func DataDir() string {
	return filepath.Join(homeDir(), ".agentlens")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}
