// SPDX-License-Identifier: MIT

// Package config implements the daemon-settings layer of SPEC_FULL.md §2:
// a typed Config struct loaded from YAML + environment variables via
// koanf (see koanf.go), persisted through the same temp-file-then-rename
// atomic write every other on-disk writer in this module uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the daemon's configuration
// file.
const ConfigFilePath = "/etc/capturemgrd/config.yaml"

// Config is the complete capturemgrd daemon configuration.
type Config struct {
	// StateRoot is the Store's root directory (SPEC_FULL.md §4.1).
	StateRoot string `yaml:"state_root" koanf:"state_root"`

	Bus        BusConfig        `yaml:"bus" koanf:"bus"`
	Supervisor SupervisorConfig `yaml:"supervisor" koanf:"supervisor"`
	Signal     SignalConfig     `yaml:"signal" koanf:"signal"`
	Auto       AutoConfig       `yaml:"auto" koanf:"auto"`
	Health     HealthConfig     `yaml:"health" koanf:"health"`
}

// BusConfig holds the bind address for the external bus transport, which is
// external to this module (SPEC_FULL.md §6): nothing here binds ListenAddr,
// and the menu only displays it.
type BusConfig struct {
	ListenAddr string `yaml:"listen_addr" koanf:"listen_addr"`
}

// SupervisorConfig mirrors internal/supervisor's functional options.
type SupervisorConfig struct {
	Launcher  string        `yaml:"launcher" koanf:"launcher"`
	StopGrace time.Duration `yaml:"stop_grace" koanf:"stop_grace"`
}

// SignalConfig mirrors internal/signalmon's adaptive poll intervals.
type SignalConfig struct {
	PollNoSignalSeconds     float64 `yaml:"poll_no_signal_seconds" koanf:"poll_no_signal_seconds"`
	PollSignalActiveSeconds float64 `yaml:"poll_signal_active_seconds" koanf:"poll_signal_active_seconds"`
	PollStabilityMillis     int     `yaml:"poll_stability_millis" koanf:"poll_stability_millis"`
}

// AutoConfig seeds the auto-instance controller's config if no blob has
// been persisted yet; see internal/instance.DefaultAutoConfig for the
// built-in fallback this layers over.
type AutoConfig struct {
	GopIntervalSeconds float64 `yaml:"gop_interval_seconds" koanf:"gop_interval_seconds"`
	BitrateKbps        int     `yaml:"bitrate_kbps" koanf:"bitrate_kbps"`
	SrtPort            int     `yaml:"srt_port" koanf:"srt_port"`
	AutostartOnReady   bool    `yaml:"autostart_on_ready" koanf:"autostart_on_ready"`
}

// HealthConfig controls the health/metrics surface's bind address.
type HealthConfig struct {
	Addr string `yaml:"addr" koanf:"addr"`
}

// LoadConfig reads and parses the daemon configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
// Tests can replace this with a function returning a mock atomicFile.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config file may name bind addresses and filesystem paths; restrict to
	// owner+group only.
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.StateRoot == "" {
		return fmt.Errorf("state_root must not be empty")
	}
	if c.Supervisor.Launcher == "" {
		return fmt.Errorf("supervisor.launcher must not be empty")
	}
	if c.Supervisor.StopGrace <= 0 {
		return fmt.Errorf("supervisor.stop_grace must be positive")
	}
	if c.Auto.SrtPort <= 0 || c.Auto.SrtPort > 65535 {
		return fmt.Errorf("auto.srt_port must be a valid port number")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StateRoot: "/var/lib/capturemgrd",
		Bus: BusConfig{
			ListenAddr: "unix:/run/capturemgrd/bus.sock",
		},
		Supervisor: SupervisorConfig{
			Launcher:  "gst-launch-1.0",
			StopGrace: 10 * time.Second,
		},
		Signal: SignalConfig{
			PollNoSignalSeconds:     2.0,
			PollSignalActiveSeconds: 5.0,
			PollStabilityMillis:     500,
		},
		Auto: AutoConfig{
			GopIntervalSeconds: 1.0,
			BitrateKbps:        20000,
			SrtPort:            8888,
			AutostartOnReady:   true,
		},
		Health: HealthConfig{
			Addr: "127.0.0.1:9998",
		},
	}
}
