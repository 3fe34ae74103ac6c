package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// HTTPAddr is the listen address of the HTTP surface.
	HTTPAddr string `env:"TRACEPIPE_HTTP" json:"httpAddr" yaml:"httpAddr"`
	// CPUs is the number of per-CPU ring buffers; 0 means one per
	// available processor.
	CPUs int `env:"TRACEPIPE_CPUS" json:"cpus" yaml:"cpus"`
	// BufferSize is the per-CPU ring capacity in entries.
	BufferSize int `env:"TRACEPIPE_BUFFER_SIZE" json:"bufferSize" yaml:"bufferSize"`
	// SeqSize is the per-session output buffer capacity in bytes.
	SeqSize int `env:"TRACEPIPE_SEQ_SIZE" json:"seqSize" yaml:"seqSize"`
	// Overwrite controls whether full rings evict their oldest entry
	// (counted as a lost event) or reject the write.
	Overwrite bool `env:"TRACEPIPE_OVERWRITE" json:"overwrite" yaml:"overwrite"`

	LogLevel  string `env:"TRACEPIPE_LOG_LEVEL" json:"logLevel" yaml:"logLevel"`
	LogFormat string `env:"TRACEPIPE_LOG_FORMAT" json:"logFormat" yaml:"logFormat"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:   ":8080",
		CPUs:       0,
		BufferSize: 2048,
		SeqSize:    4096,
		Overwrite:  true,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// Load reads configuration from a YAML or JSON file (by extension) on top
// of the defaults. An empty path returns defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// FromEnv overlays TRACEPIPE_* environment variables onto cfg.
func FromEnv(cfg *Config) error {
	return env.Parse(cfg)
}

// EffectiveCPUs resolves the auto value to the host processor count.
func (c Config) EffectiveCPUs() int {
	if c.CPUs > 0 {
		return c.CPUs
	}
	return runtime.NumCPU()
}
