package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the recon pipeline
type Config struct {
	// Output settings
	Output OutputConfig `yaml:"output" json:"output"`

	// Checkpoint persistence and locking
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`

	// Batch execution settings
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// External tool settings
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// Rate limiting of external tool invocations
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// OutputConfig holds output directory configuration
type OutputConfig struct {
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
}

// CheckpointConfig holds checkpoint store configuration
type CheckpointConfig struct {
	LockTimeout      time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	LockPollInterval time.Duration `yaml:"lock_poll_interval" json:"lock_poll_interval"`
	StaleLockAge     time.Duration `yaml:"stale_lock_age" json:"stale_lock_age"`
	LockRetries      int           `yaml:"lock_retries" json:"lock_retries"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	MaxBackups       int           `yaml:"max_backups" json:"max_backups"`
}

// BatchConfig holds batch coordinator configuration
type BatchConfig struct {
	Size        int           `yaml:"size" json:"size"`
	Workers     int           `yaml:"workers" json:"workers"`
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
	CacheSize   int           `yaml:"cache_size" json:"cache_size"`
}

// ToolsConfig holds external binary configuration
type ToolsConfig struct {
	BinDirectory  string            `yaml:"bin_directory" json:"bin_directory"`
	TemplatesPath string            `yaml:"templates_path" json:"templates_path"`
	Severities    []string          `yaml:"severities" json:"severities"`
	Args          map[string]string `yaml:"args" json:"args"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	InvocationsPerMinute int `yaml:"invocations_per_minute" json:"invocations_per_minute"`
	BurstSize            int `yaml:"burst_size" json:"burst_size"`
}

// MetricsConfig holds the Prometheus listener configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

var validSeverities = map[string]bool{
	"info": true, "low": true, "medium": true, "high": true, "critical": true,
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Output: OutputConfig{
			BaseDirectory: "./output",
		},
		Checkpoint: CheckpointConfig{
			LockTimeout:      10 * time.Second,
			LockPollInterval: 100 * time.Millisecond,
			StaleLockAge:     time.Hour,
			LockRetries:      3,
			Interval:         5 * time.Minute,
			MaxBackups:       5,
		},
		Batch: BatchConfig{
			Size:        100,
			Workers:     4,
			ToolTimeout: 30 * time.Minute,
			GracePeriod: 30 * time.Second,
			CacheSize:   10000,
		},
		Tools: ToolsConfig{
			BinDirectory:  "",
			TemplatesPath: "./nuclei-templates",
			Severities:    []string{"critical", "high", "medium"},
			Args: map[string]string{
				"subfinder": "-silent",
				"httpx":     "-silent",
				"nuclei":    "-silent -jsonl",
			},
		},
		RateLimit: RateLimitConfig{
			InvocationsPerMinute: 60,
			BurstSize:            4,
		},
		Metrics: MetricsConfig{
			ListenAddress: "",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if outputDir := os.Getenv("RECONPIPE_OUTPUT_DIR"); outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}

	// Checkpoint
	if v := os.Getenv("RECONPIPE_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECONPIPE_LOCK_TIMEOUT: %w", err))
		} else {
			c.Checkpoint.LockTimeout = d
		}
	}
	if v := os.Getenv("RECONPIPE_CHECKPOINT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECONPIPE_CHECKPOINT_INTERVAL: %w", err))
		} else {
			c.Checkpoint.Interval = d
		}
	}

	// Batch
	if v := os.Getenv("RECONPIPE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECONPIPE_BATCH_SIZE: %w", err))
		} else if n > 0 {
			c.Batch.Size = n
		}
	}
	if v := os.Getenv("RECONPIPE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RECONPIPE_WORKERS: %w", err))
		} else if n > 0 {
			c.Batch.Workers = n
		}
	}

	// Tools
	if v := os.Getenv("RECONPIPE_BIN_DIR"); v != "" {
		c.Tools.BinDirectory = v
	}
	if v := os.Getenv("RECONPIPE_TEMPLATES"); v != "" {
		c.Tools.TemplatesPath = v
	}
	if v := os.Getenv("RECONPIPE_SEVERITIES"); v != "" {
		c.Tools.Severities = splitList(v)
	}

	if v := os.Getenv("RECONPIPE_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddress = v
	}

	// Logging level
	if logLevel := os.Getenv("RECONPIPE_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile := os.Getenv("RECONPIPE_LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".reconpipe.yaml",
		".reconpipe.yml",
		filepath.Join(home, ".config", "reconpipe", "config.yaml"),
		filepath.Join(home, ".config", "reconpipe", "config.yml"),
		filepath.Join(home, ".reconpipe.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Output.BaseDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}

	// Checkpoint
	if c.Checkpoint.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock timeout must be positive"))
	}
	if c.Checkpoint.LockPollInterval <= 0 {
		errs = append(errs, errors.New("lock poll interval must be positive"))
	}
	if c.Checkpoint.LockPollInterval > c.Checkpoint.LockTimeout {
		errs = append(errs, errors.New("lock poll interval cannot exceed lock timeout"))
	}
	if c.Checkpoint.StaleLockAge < c.Checkpoint.LockTimeout {
		errs = append(errs, errors.New("stale lock age must be at least the lock timeout"))
	}
	if c.Checkpoint.LockRetries < 0 {
		errs = append(errs, errors.New("lock retries cannot be negative"))
	}
	if c.Checkpoint.Interval <= 0 {
		errs = append(errs, errors.New("checkpoint interval must be positive"))
	}
	if c.Checkpoint.MaxBackups <= 0 {
		errs = append(errs, errors.New("max backups must be positive"))
	}

	// Batch
	if c.Batch.Size <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Batch.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Batch.Workers > 64 {
		errs = append(errs, errors.New("workers should not exceed 64"))
	}
	if c.Batch.ToolTimeout <= 0 {
		errs = append(errs, errors.New("tool timeout must be positive"))
	}
	if c.Batch.GracePeriod < 0 {
		errs = append(errs, errors.New("grace period cannot be negative"))
	}
	if c.Batch.CacheSize <= 0 {
		errs = append(errs, errors.New("cache size must be positive"))
	}

	for _, s := range c.Tools.Severities {
		if !validSeverities[strings.ToLower(s)] {
			errs = append(errs, fmt.Errorf("invalid severity: %s", s))
		}
	}

	if c.RateLimit.InvocationsPerMinute < 0 {
		errs = append(errs, errors.New("invocations per minute cannot be negative"))
	}
	if c.RateLimit.InvocationsPerMinute > 0 && c.RateLimit.BurstSize <= 0 {
		errs = append(errs, errors.New("burst size must be positive"))
	}

	// Validate logging
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Keys match the cobra flag names.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}
	if size, ok := flags["batch-size"].(int); ok && size > 0 {
		c.Batch.Size = size
	}
	if workers, ok := flags["workers"].(int); ok && workers > 0 {
		c.Batch.Workers = workers
	}
	if timeout, ok := flags["tool-timeout"].(time.Duration); ok && timeout > 0 {
		c.Batch.ToolTimeout = timeout
	}
	if timeout, ok := flags["lock-timeout"].(time.Duration); ok && timeout > 0 {
		c.Checkpoint.LockTimeout = timeout
	}
	if interval, ok := flags["checkpoint-interval"].(time.Duration); ok && interval > 0 {
		c.Checkpoint.Interval = interval
	}
	if templates, ok := flags["templates"].(string); ok && templates != "" {
		c.Tools.TemplatesPath = templates
	}
	if severities, ok := flags["severities"].(string); ok && severities != "" {
		c.Tools.Severities = splitList(severities)
	}
	if addr, ok := flags["metrics-addr"].(string); ok && addr != "" {
		c.Metrics.ListenAddress = addr
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile, ok := flags["log-file"].(string); ok && logFile != "" {
		c.Logging.File = logFile
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".reconpipe.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
