// Package config loads service configuration from a YAML file and
// FILEOPS_* environment overrides.
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
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Local paths reachable through the API. Empty means no local access.
	SandboxRoots []string `yaml:"sandbox_roots"`

	Jobs     JobsConfig     `yaml:"jobs"`
	Sessions SessionsConfig `yaml:"sessions"`
	Spool    SpoolConfig    `yaml:"spool"`
	Transfer TransferConfig `yaml:"transfer"`
	Progress ProgressConfig `yaml:"progress"`

	// Optional bbolt file recording finished jobs.
	HistoryPath string `yaml:"history_path"`
}

type JobsConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	MaxJobs   int           `yaml:"max_jobs"`
	TTL       time.Duration `yaml:"ttl"`
}

type SessionsConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	KnownHosts     string        `yaml:"known_hosts"`
}

type SpoolConfig struct {
	Dir        string        `yaml:"dir"`
	LimitBytes int64         `yaml:"limit_bytes"`
	StaleAge   time.Duration `yaml:"stale_age"`
}

type TransferConfig struct {
	ChunkSize        int    `yaml:"chunk_size"`
	FXP              bool   `yaml:"fxp"`
	LftpPath         string `yaml:"lftp_path"`
	RequireFreeSpace bool   `yaml:"require_free_space"`
}

type ProgressConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8088",
		LogLevel:   "info",
		LogFormat:  "json",
		Jobs: JobsConfig{
			Workers:   1,
			QueueSize: 64,
			MaxJobs:   200,
			TTL:       time.Hour,
		},
		Sessions: SessionsConfig{
			TTL:            30 * time.Minute,
			DialTimeout:    15 * time.Second,
			CommandTimeout: 5 * time.Minute,
		},
		Spool: SpoolConfig{
			Dir:        filepath.Join(os.TempDir(), "fileops-spool"),
			LimitBytes: 256 << 20,
			StaleAge:   6 * time.Hour,
		},
		Transfer: TransferConfig{
			ChunkSize: 1 << 20,
			FXP:       true,
			LftpPath:  "lftp",
		},
		Progress: ProgressConfig{
			PollInterval: 300 * time.Millisecond,
		},
	}
}

// Load starts from Default, overlays the YAML file at path when path is not
// empty, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("FILEOPS_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = envOr("FILEOPS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("FILEOPS_LOG_FORMAT", c.LogFormat)
	if v := os.Getenv("FILEOPS_SANDBOX_ROOTS"); v != "" {
		c.SandboxRoots = filepath.SplitList(v)
	}
	c.HistoryPath = envOr("FILEOPS_HISTORY_PATH", c.HistoryPath)

	c.Jobs.Workers = envInt("FILEOPS_WORKERS", c.Jobs.Workers)
	c.Jobs.QueueSize = envInt("FILEOPS_QUEUE_SIZE", c.Jobs.QueueSize)
	c.Jobs.MaxJobs = envInt("FILEOPS_MAX_JOBS", c.Jobs.MaxJobs)
	c.Jobs.TTL = envDuration("FILEOPS_JOB_TTL", c.Jobs.TTL)

	c.Sessions.TTL = envDuration("FILEOPS_SESSION_TTL", c.Sessions.TTL)
	c.Sessions.DialTimeout = envDuration("FILEOPS_DIAL_TIMEOUT", c.Sessions.DialTimeout)
	c.Sessions.CommandTimeout = envDuration("FILEOPS_COMMAND_TIMEOUT", c.Sessions.CommandTimeout)
	c.Sessions.KnownHosts = envOr("FILEOPS_KNOWN_HOSTS", c.Sessions.KnownHosts)

	c.Spool.Dir = envOr("FILEOPS_SPOOL_DIR", c.Spool.Dir)
	c.Spool.LimitBytes = envInt64("FILEOPS_SPOOL_LIMIT", c.Spool.LimitBytes)
	c.Spool.StaleAge = envDuration("FILEOPS_SPOOL_STALE_AGE", c.Spool.StaleAge)

	c.Transfer.ChunkSize = envInt("FILEOPS_CHUNK_SIZE", c.Transfer.ChunkSize)
	c.Transfer.FXP = envBool("FILEOPS_FXP", c.Transfer.FXP)
	c.Transfer.LftpPath = envOr("FILEOPS_LFTP_PATH", c.Transfer.LftpPath)
	c.Transfer.RequireFreeSpace = envBool("FILEOPS_REQUIRE_FREE_SPACE", c.Transfer.RequireFreeSpace)

	c.Progress.PollInterval = envDuration("FILEOPS_POLL_INTERVAL", c.Progress.PollInterval)
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers))
	}
	if c.Jobs.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("jobs.queue_size must be at least 1, got %d", c.Jobs.QueueSize))
	}
	if c.Jobs.MaxJobs < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_jobs must be at least 1, got %d", c.Jobs.MaxJobs))
	}
	if c.Spool.Dir == "" {
		errs = append(errs, errors.New("spool.dir is required"))
	}
	if c.Spool.LimitBytes <= 0 {
		errs = append(errs, errors.New("spool.limit_bytes must be positive"))
	}
	if c.Transfer.ChunkSize < 4096 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be at least 4096, got %d", c.Transfer.ChunkSize))
	}
	if c.Progress.PollInterval < 10*time.Millisecond {
		errs = append(errs, errors.New("progress.poll_interval must be at least 10ms"))
	}
	for i, r := range c.SandboxRoots {
		if !filepath.IsAbs(strings.TrimSpace(r)) {
			errs = append(errs, fmt.Errorf("sandbox_roots[%d]: %q is not absolute", i, r))
		}
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
