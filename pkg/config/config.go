// Package config provides configuration loading, validation, and defaults for
// the document analysis engine.
//
// Configuration is deliberately separated from state: chunking defaults, rate
// limits, and retention policy live here; session metadata, query results, and
// usage counters belong to the store. Access is value-based — Load returns a
// copy and callers never share a mutable Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidChunkConfig wraps every chunk configuration validation failure.
var ErrInvalidChunkConfig = errors.New("invalid chunk config")

// Storage layout constants. These are algorithm parameters, not user settings.
const (
	// StorageDirName is the per-project directory holding all durable state.
	StorageDirName = ".docscope"
	// SessionsIndexFile is the lightweight session index inside StorageDirName.
	SessionsIndexFile = "sessions.json"
	// SessionsDirName holds one subdirectory per session.
	SessionsDirName = "sessions"
)

// Chunking bounds. Segment sizes outside this range are rejected at session
// creation, not clamped.
const (
	MinSegmentSize = 500
	MaxSegmentSize = 50000
)

// Chunking holds segment derivation defaults.
type Chunking struct {
	SegmentSize int    `yaml:"segment_size"`
	Overlap     int    `yaml:"overlap"`
	Strategy    string `yaml:"strategy"` // "fixed", "line", "boundary"
}

// Analysis holds sub-LLM invocation settings.
type Analysis struct {
	Model          string        `yaml:"model"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxIterations  int           `yaml:"max_iterations"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Sessions holds store policy settings.
type Sessions struct {
	RetentionDays  int `yaml:"retention_days"`
	MaxPerProject  int `yaml:"max_per_project"`
}

// Worker holds worker process settings.
type Worker struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	RPCTimeout  time.Duration `yaml:"rpc_timeout"`
	AllowEval   bool          `yaml:"allow_eval"`
}

// Config is the full configuration surface.
type Config struct {
	Chunking Chunking `yaml:"chunking"`
	Analysis Analysis `yaml:"analysis"`
	Sessions Sessions `yaml:"sessions"`
	Worker   Worker   `yaml:"worker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Chunking: Chunking{
			SegmentSize: 4000,
			Overlap:     200,
			Strategy:    "fixed",
		},
		Analysis: Analysis{
			Model:          "claude-sonnet-4-5",
			MaxConcurrent:  4,
			MaxIterations:  3,
			RequestTimeout: 120 * time.Second,
		},
		Sessions: Sessions{
			RetentionDays: 30,
			MaxPerProject: 10,
		},
		Worker: Worker{
			Command:    "docscope-worker",
			RPCTimeout: 30 * time.Second,
			AllowEval:  false,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
// A missing file is not an error — defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects configurations that would violate store or chunker
// invariants. Called on every load; callers constructing a Config by hand
// should call it too.
func (c *Config) Validate() error {
	if err := ValidateChunkConfig(c.Chunking.SegmentSize, c.Chunking.Overlap); err != nil {
		return err
	}
	switch c.Chunking.Strategy {
	case "fixed", "line", "boundary":
	default:
		return fmt.Errorf("unknown chunking strategy %q", c.Chunking.Strategy)
	}
	if c.Analysis.MaxConcurrent < 1 {
		return fmt.Errorf("analysis.max_concurrent must be at least 1, got %d", c.Analysis.MaxConcurrent)
	}
	if c.Analysis.MaxIterations < 1 {
		return fmt.Errorf("analysis.max_iterations must be at least 1, got %d", c.Analysis.MaxIterations)
	}
	if c.Sessions.RetentionDays < 1 {
		return fmt.Errorf("sessions.retention_days must be at least 1, got %d", c.Sessions.RetentionDays)
	}
	if c.Sessions.MaxPerProject < 1 {
		return fmt.Errorf("sessions.max_per_project must be at least 1, got %d", c.Sessions.MaxPerProject)
	}
	return nil
}

// ValidateChunkConfig enforces the chunking invariants shared by the config,
// the store, and the chunker: size within bounds, 0 <= overlap < size.
func ValidateChunkConfig(segmentSize, overlap int) error {
	if segmentSize < MinSegmentSize || segmentSize > MaxSegmentSize {
		return fmt.Errorf("%w: segment size %d outside allowed range [%d, %d]", ErrInvalidChunkConfig, segmentSize, MinSegmentSize, MaxSegmentSize)
	}
	if overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidChunkConfig, overlap)
	}
	if overlap >= segmentSize {
		return fmt.Errorf("%w: overlap %d must be smaller than segment size %d", ErrInvalidChunkConfig, overlap, segmentSize)
	}
	return nil
}
