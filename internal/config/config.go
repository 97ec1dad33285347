// Package config loads runtime options for the host library. Zero values
// mean "unspecified" and fall back to the built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"carton/internal/discovery"
	"carton/internal/proc"
	"carton/internal/rpc"
	"carton/internal/wire"
)

// Config holds the tunables recognized by the core.
type Config struct {
	RunnerDir          string `json:"runner_dir" yaml:"runner_dir" toml:"runner_dir"`
	RunnerSpawnTimeout string `json:"runner_spawn_timeout" yaml:"runner_spawn_timeout" toml:"runner_spawn_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MaxFrameBytes      uint64 `json:"max_frame_bytes" yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	QueueDepth         int    `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// EffectiveRunnerDir resolves the discovery root, honoring CARTON_RUNNER_DIR.
func (c Config) EffectiveRunnerDir() string { return discovery.RunnerDir(c.RunnerDir) }

func parseTimeout(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EffectiveSpawnTimeout returns the spawn timeout, default 60s.
func (c Config) EffectiveSpawnTimeout() time.Duration {
	return parseTimeout(c.RunnerSpawnTimeout, proc.DefaultSpawnTimeout)
}

// EffectiveShutdownTimeout returns the shutdown grace, default 5s.
func (c Config) EffectiveShutdownTimeout() time.Duration {
	return parseTimeout(c.ShutdownTimeout, proc.DefaultShutdownTimeout)
}

// EffectiveMaxFrameBytes returns the frame limit, default 2 GiB - 1.
func (c Config) EffectiveMaxFrameBytes() uint64 {
	if c.MaxFrameBytes == 0 {
		return wire.DefaultMaxFrameBytes
	}
	return c.MaxFrameBytes
}

// EffectiveQueueDepth returns the outbound queue depth, default 32.
func (c Config) EffectiveQueueDepth() int {
	if c.QueueDepth <= 0 {
		return rpc.DefaultQueueDepth
	}
	return c.QueueDepth
}
