package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want 100", cfg.Scheduler.BatchSize)
	}
	if cfg.Workers.AutomationJobs != 3 {
		t.Errorf("AutomationJobs = %d, want 3", cfg.Workers.AutomationJobs)
	}
	if cfg.AI.MinConfidence != 0.8 {
		t.Errorf("MinConfidence = %v, want 0.8", cfg.AI.MinConfidence)
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
scheduler:
  batch_size: 25
workers:
  automation_jobs: 7
ai:
  model: gpt-test
logging:
  format: text
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Scheduler.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Scheduler.BatchSize)
	}
	if cfg.Workers.AutomationJobs != 7 {
		t.Errorf("AutomationJobs = %d, want 7", cfg.Workers.AutomationJobs)
	}
	if cfg.AI.Model != "gpt-test" {
		t.Errorf("Model = %q, want gpt-test", cfg.AI.Model)
	}
	// untouched keys keep their defaults
	if cfg.Queue.Prefix != "automation" {
		t.Errorf("Prefix = %q, want automation", cfg.Queue.Prefix)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("SMTP_PASSWORD", "pw-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AI.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.AI.APIKey)
	}
	if cfg.SMTP.Password != "pw-env" {
		t.Errorf("Password = %q", cfg.SMTP.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "relative db path", mutate: func(c *Config) { c.Storage.DatabasePath = "db.sqlite" }, wantErr: "absolute"},
		{name: "zero retries", mutate: func(c *Config) { c.Queue.MaxRetries = 0 }, wantErr: "queue.max_retries"},
		{name: "zero workers", mutate: func(c *Config) { c.Workers.AutomationJobs = 0 }, wantErr: "workers.automation_jobs"},
		{name: "batch too big", mutate: func(c *Config) { c.Scheduler.BatchSize = 5000 }, wantErr: "scheduler.batch_size"},
		{name: "ai without key", mutate: func(c *Config) { c.AI.Enabled = true }, wantErr: "ai.api_key"},
		{name: "confidence out of range", mutate: func(c *Config) { c.AI.MinConfidence = 1.5 }, wantErr: "ai.min_confidence"},
		{name: "bad duration", mutate: func(c *Config) { c.Workers.PollInterval = "soon" }, wantErr: "workers.poll_interval"},
		{name: "dkim without key", mutate: func(c *Config) { c.SMTP.DKIMDomain = "example.com" }, wantErr: "smtp.dkim_key_file"},
		{name: "ingest without listener", mutate: func(c *Config) { c.Ingest.Enabled = true; c.Ingest.Listen = "" }, wantErr: "ingest.listen"},
		{name: "ingest tiny limit", mutate: func(c *Config) { c.Ingest.Enabled = true; c.Ingest.MaxMessageBytes = 10 }, wantErr: "ingest.max_message_bytes"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("Duration(\"\") = %v", got)
	}
	if got := Duration("90s", time.Second); got != 90*time.Second {
		t.Errorf("Duration(90s) = %v", got)
	}
	if got := Duration("bogus", time.Minute); got != time.Minute {
		t.Errorf("Duration(bogus) = %v", got)
	}
}
