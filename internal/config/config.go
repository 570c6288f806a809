package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the automation engine
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Logging   LoggingConfig   `koanf:"logging"`
	Queue     QueueConfig     `koanf:"queue"`
	Workers   WorkersConfig   `koanf:"workers"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	AI        AIConfig        `koanf:"ai"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	API       APIConfig       `koanf:"api"`
	Ingest    IngestConfig    `koanf:"ingest"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Listen          string `koanf:"listen"`           // Listen address
	Port            int    `koanf:"port"`             // HTTP port for triggers
	ShutdownTimeout string `koanf:"shutdown_timeout"` // Graceful shutdown timeout
}

// StorageConfig holds storage paths configuration
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`      // Base data directory
	DatabasePath string `koanf:"database_path"` // SQLite database path
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// QueueConfig holds Redis queue configuration
type QueueConfig struct {
	RedisURL    string `koanf:"redis_url"`     // Redis connection URL
	Prefix      string `koanf:"prefix"`        // Key prefix for queue entries
	MaxRetries  int    `koanf:"max_retries"`   // Maximum handler attempts
	RetryMaxAge string `koanf:"retry_max_age"` // Max time to retry (e.g., "24h")
}

// WorkersConfig holds per-queue parallelism
type WorkersConfig struct {
	AutomationJobs   int    `koanf:"automation_jobs"`   // Concurrent automation job runs
	ScheduledActions int    `koanf:"scheduled_actions"` // Concurrent scheduled action deliveries
	PollInterval     string `koanf:"poll_interval"`     // Idle dequeue backoff
	RecoveryInterval string `koanf:"recovery_interval"` // Stale processing sweep interval
	StaleAfter       string `koanf:"stale_after"`       // Processing age considered abandoned
}

// SchedulerConfig holds automation job polling configuration
type SchedulerConfig struct {
	BatchSize int    `koanf:"batch_size"` // Due jobs examined per tick
	Interval  string `koanf:"interval"`   // In-process tick interval, empty disables
}

// AIConfig holds classifier configuration
type AIConfig struct {
	Enabled       bool    `koanf:"enabled"`
	APIKey        string  `koanf:"api_key"`        // Overridden by OPENAI_API_KEY
	BaseURL       string  `koanf:"base_url"`       // Optional OpenAI-compatible endpoint
	Model         string  `koanf:"model"`          // Chat model name
	MinConfidence float64 `koanf:"min_confidence"` // Below this the classifier result is ignored
	Timeout       string  `koanf:"timeout"`        // Per classification call
}

// SMTPConfig holds outbound relay configuration for REPLY/FORWARD/SEND actions
type SMTPConfig struct {
	RelayHost      string `koanf:"relay_host"`      // host:port
	Username       string `koanf:"username"`        // Optional AUTH PLAIN user
	Password       string `koanf:"password"`        // Overridden by SMTP_PASSWORD
	RequireTLS     bool   `koanf:"require_tls"`     // Fail when STARTTLS is unavailable
	ConnectTimeout string `koanf:"connect_timeout"` // TCP connection timeout
	DKIMDomain     string `koanf:"dkim_domain"`     // Signing domain, empty disables signing
	DKIMSelector   string `koanf:"dkim_selector"`   // DKIM selector
	DKIMKeyFile    string `koanf:"dkim_key_file"`   // PEM private key
}

// APIConfig holds trigger authentication
type APIConfig struct {
	SecretHash string `koanf:"secret_hash"` // argon2id hash of the trigger bearer secret
}

// IngestConfig holds the inbound SMTP listener that feeds messages to the engine
type IngestConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Listen          string `koanf:"listen"`            // host:port
	Domain          string `koanf:"domain"`            // Greeting hostname
	MaxMessageBytes int    `koanf:"max_message_bytes"` // Larger messages are refused
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1",
			Port:            8090,
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			DataDir:      "/var/lib/mail-automation",
			DatabasePath: "/var/lib/mail-automation/automation.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			RedisURL:    "redis://localhost:6379/0",
			Prefix:      "automation",
			MaxRetries:  5,
			RetryMaxAge: "24h",
		},
		Workers: WorkersConfig{
			AutomationJobs:   3,
			ScheduledActions: 5,
			PollInterval:     "1s",
			RecoveryInterval: "1m",
			StaleAfter:       "10m",
		},
		Scheduler: SchedulerConfig{
			BatchSize: 100,
			Interval:  "1m",
		},
		AI: AIConfig{
			Enabled:       false,
			Model:         "gpt-4o-mini",
			MinConfidence: 0.8,
			Timeout:       "30s",
		},
		SMTP: SMTPConfig{
			ConnectTimeout: "30s",
			DKIMSelector:   "mail",
		},
		Ingest: IngestConfig{
			Listen:          "127.0.0.1:2525",
			Domain:          "localhost",
			MaxMessageBytes: 25 * 1024 * 1024,
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnv()
		return cfg, nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets secrets live outside the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("AUTOMATION_SECRET_HASH"); v != "" {
		c.API.SecretHash = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got: %d)", c.Server.Port)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	// Queue validation
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Queue.MaxRetries > 100 {
		return fmt.Errorf("queue.max_retries cannot exceed 100")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required")
	}

	// Worker validation
	if c.Workers.AutomationJobs < 1 {
		return fmt.Errorf("workers.automation_jobs must be at least 1")
	}
	if c.Workers.ScheduledActions < 1 {
		return fmt.Errorf("workers.scheduled_actions must be at least 1")
	}
	if c.Workers.AutomationJobs > 100 || c.Workers.ScheduledActions > 100 {
		return fmt.Errorf("workers cannot exceed 100 per queue")
	}

	if c.Scheduler.BatchSize < 1 || c.Scheduler.BatchSize > 1000 {
		return fmt.Errorf("scheduler.batch_size must be between 1 and 1000 (got: %d)", c.Scheduler.BatchSize)
	}

	if c.AI.Enabled {
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai.api_key (or OPENAI_API_KEY) is required when ai is enabled")
		}
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model is required when ai is enabled")
		}
	}
	if c.AI.MinConfidence <= 0 || c.AI.MinConfidence > 1 {
		return fmt.Errorf("ai.min_confidence must be in (0, 1] (got: %v)", c.AI.MinConfidence)
	}

	if c.SMTP.DKIMDomain != "" {
		if c.SMTP.DKIMSelector == "" {
			return fmt.Errorf("smtp.dkim_selector is required when smtp.dkim_domain is set")
		}
		if err := validateFileReadable(c.SMTP.DKIMKeyFile); err != nil {
			return fmt.Errorf("smtp.dkim_key_file: %w", err)
		}
	}

	if c.Ingest.Enabled {
		if c.Ingest.Listen == "" {
			return fmt.Errorf("ingest.listen is required when ingest is enabled")
		}
		if c.Ingest.MaxMessageBytes < 1024 {
			return fmt.Errorf("ingest.max_message_bytes must be at least 1024 (got: %d)", c.Ingest.MaxMessageBytes)
		}
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// validateStorage ensures all storage paths are valid
func (c *Config) validateStorage() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path (got: %s)", c.Storage.DataDir)
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path (got: %s)", c.Storage.DatabasePath)
	}
	return nil
}

// validateTimeouts ensures all duration settings parse and are in range
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
		"queue.retry_max_age":       c.Queue.RetryMaxAge,
		"workers.poll_interval":     c.Workers.PollInterval,
		"workers.recovery_interval": c.Workers.RecoveryInterval,
		"workers.stale_after":       c.Workers.StaleAfter,
		"scheduler.interval":        c.Scheduler.Interval,
		"ai.timeout":                c.AI.Timeout,
		"smtp.connect_timeout":      c.SMTP.ConnectTimeout,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		switch name {
		case "server.shutdown_timeout":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "smtp.connect_timeout", "ai.timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		case "queue.retry_max_age":
			if duration > 30*24*time.Hour {
				return fmt.Errorf("%s is too long, maximum is 30d (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

// Duration parses a validated duration setting, falling back to def when empty.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DatabasePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
