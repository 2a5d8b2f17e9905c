package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bhandras/nbruntime/internal/backoff"
	"github.com/bhandras/nbruntime/internal/registry"
	"github.com/bhandras/nbruntime/internal/runtime"
	"github.com/bhandras/nbruntime/internal/worker"
	"github.com/bhandras/nbruntime/pkg/logger"
)

const defaultConfigRelPath = ".nbrt/config.yaml"

// Backend modes.
const (
	ModeServer = "server"
	ModeFrozen = "frozen"
	ModeWorker = "worker"
)

// BackoffConfig is the retry schedule for health checks and redials.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Factor      float64       `yaml:"factor"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WorkerConfig configures the in-process kernel.
type WorkerConfig struct {
	// Notebook is the source file the worker kernel loads.
	Notebook   string  `yaml:"notebook"`
	BufferSize int     `yaml:"buffer_size"`
	FlushRate  float64 `yaml:"flush_rate"`
	MaxBatch   int     `yaml:"max_batch"`
	Watch      bool    `yaml:"watch"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level client configuration.
type Config struct {
	// Mode selects the backend: server, frozen or worker.
	Mode    string         `yaml:"mode"`
	Runtime runtime.Config `yaml:"runtime"`
	// PageURL is the location the UI was loaded from; its query string is
	// forwarded to the backend.
	PageURL string `yaml:"page_url"`
	// Snapshot is the frozen export served in frozen mode.
	Snapshot string `yaml:"snapshot"`

	Backoff          BackoffConfig `yaml:"backoff"`
	PreviewCacheSize int           `yaml:"preview_cache_size"`
	Worker           WorkerConfig  `yaml:"worker"`

	Log         LogConfig `yaml:"log"`
	Debug       bool      `yaml:"debug"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// Load loads YAML config, then applies env overrides. A missing file is not
// an error.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeServer
	}
	def := backoff.Default()
	if c.Backoff.Base == 0 {
		c.Backoff.Base = def.Base
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = def.Factor
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = def.Max
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = def.MaxAttempts
	}
	if c.PreviewCacheSize == 0 {
		c.PreviewCacheSize = registry.DefaultCacheSize
	}
	if c.Worker.BufferSize == 0 {
		c.Worker.BufferSize = worker.DefaultBufferSize
	}
	if c.Worker.FlushRate == 0 {
		c.Worker.FlushRate = worker.DefaultFlushRate
	}
	if c.Worker.MaxBatch == 0 {
		c.Worker.MaxBatch = worker.DefaultMaxBatch
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects unknown modes and missing mode inputs.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer:
		if strings.TrimSpace(c.Runtime.URL) == "" {
			return errors.New("runtime.url cannot be empty in server mode")
		}
	case ModeFrozen:
		if strings.TrimSpace(c.Snapshot) == "" {
			return errors.New("snapshot cannot be empty in frozen mode")
		}
	case ModeWorker:
		if strings.TrimSpace(c.Worker.Notebook) == "" {
			return errors.New("worker.notebook cannot be empty in worker mode")
		}
	default:
		return fmt.Errorf("invalid mode %q (expected server, frozen, or worker)", c.Mode)
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Policy is the retry schedule for health checks and socket redials.
func (c *Config) Policy() backoff.Policy {
	return backoff.Policy{
		Base:        c.Backoff.Base,
		Factor:      c.Backoff.Factor,
		Max:         c.Backoff.Max,
		MaxAttempts: c.Backoff.MaxAttempts,
	}
}

// RuntimeMode maps Mode onto the Manager's view of the backend. Only a live
// server is probed.
func (c *Config) RuntimeMode() runtime.Mode {
	if c.Mode == ModeServer {
		return runtime.ModeServer
	}
	return runtime.ModeFrozen
}

// LogLevel is the configured level, raised to debug when Debug is set.
func (c *Config) LogLevel() logger.Level {
	if c.Debug {
		return logger.LevelDebug
	}
	lvl, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.LevelInfo
	}
	return lvl
}

// WorkerOptions builds the bridge options. src is the notebook source.
func (c *Config) WorkerOptions(src string) worker.Options {
	return worker.Options{
		Filename:   filepath.Base(c.Worker.Notebook),
		Source:     src,
		BufferSize: c.Worker.BufferSize,
		FlushRate:  c.Worker.FlushRate,
		MaxBatch:   c.Worker.MaxBatch,
	}
}

func applyEnvOverrides(c *Config) {
	setString(&c.Mode, "NBRT_MODE", "")
	setString(&c.Runtime.URL, "NBRT_URL", "MARIMO_RUNTIME_URL")
	setString(&c.Runtime.ServerToken, "NBRT_SERVER_TOKEN", "MARIMO_SERVER_TOKEN")
	setString(&c.Runtime.AuthToken, "NBRT_AUTH_TOKEN", "MARIMO_AUTH_TOKEN")
	setBool(&c.Runtime.Lazy, "NBRT_LAZY", "")
	setString(&c.PageURL, "NBRT_PAGE_URL", "")
	setString(&c.Snapshot, "NBRT_SNAPSHOT", "")
	setString(&c.Worker.Notebook, "NBRT_NOTEBOOK", "")
	setInt(&c.PreviewCacheSize, "NBRT_PREVIEW_CACHE_SIZE")
	setInt(&c.Backoff.MaxAttempts, "NBRT_BACKOFF_MAX_ATTEMPTS")
	setString(&c.Log.Level, "NBRT_LOG_LEVEL", "")
	setString(&c.MetricsAddr, "NBRT_METRICS_ADDR", "")
	setBool(&c.Debug, "NBRT_DEBUG", "DEBUG")
}

func getenvFirst(primary, fallback string) string {
	if val := os.Getenv(primary); val != "" {
		return val
	}
	if fallback == "" {
		return ""
	}
	return os.Getenv(fallback)
}

func setString(dst *string, primary, fallback string) {
	if v := getenvFirst(primary, fallback); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, primary, fallback string) {
	switch getenvFirst(primary, fallback) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
