package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default config", cfg: DefaultConfig()},
		{name: "debug level", cfg: Config{Level: "debug", Format: "json", Output: "stdout"}},
		{name: "warning level (alias)", cfg: Config{Level: "warning", Format: "json", Output: "stdout"}},
		{name: "text format", cfg: Config{Level: "info", Format: "text", Output: "stdout"}},
		{name: "stderr output", cfg: Config{Level: "info", Format: "json", Output: "stderr"}},
		{name: "empty output defaults to stdout", cfg: Config{Level: "info", Format: "json"}},
		{name: "invalid level defaults to info", cfg: Config{Level: "invalid", Format: "json"}},
		{
			name:    "invalid file path",
			cfg:     Config{Level: "info", Format: "json", Output: "/nonexistent/path/log.txt"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, err := New(Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing message, got: %s", data)
	}
}

func TestContextAttrsAreMerged(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	ctx := WithAccountID(context.Background(), "acct-1")
	ctx = WithExecutedRuleID(ctx, "er-9")
	logger.Executor().ErrorContext(ctx, "action crashed", errors.New("boom"), "action", "ARCHIVE")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json log line %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"account_id":       "acct-1",
		"executed_rule_id": "er-9",
		"error":            "boom",
		"action":           "ARCHIVE",
		"component":        "executor",
		"level":            "ERROR",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestTextFormatUsesTint(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info", Format: "text"}, &buf)
	logger.WarnContext(WithJobID(context.Background(), "job-1"), "lookup failed")

	out := buf.String()
	if !strings.Contains(out, "lookup failed") || !strings.Contains(out, "job_id=job-1") {
		t.Errorf("unexpected text output: %q", out)
	}
	if strings.HasPrefix(out, "{") {
		t.Error("text format produced JSON")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)
	logger.InfoContext(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	logger.WarnContext(context.Background(), "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn not logged at warn level")
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := Discard()

	if got := logger.WithError(nil); got != logger {
		t.Error("WithError(nil) should return same logger")
	}
	if got := logger.WithError(errors.New("x")); got == logger {
		t.Error("WithError() should return a new logger instance")
	}
}

func TestComponentLoggers(t *testing.T) {
	logger := Discard()
	for name, l := range map[string]*Logger{
		"matcher":   logger.Matcher(),
		"executor":  logger.Executor(),
		"scheduler": logger.Scheduler(),
		"queue":     logger.Queue(),
		"api":       logger.API(),
		"mailbox":   logger.Mailbox(),
		"ingest":    logger.Ingest(),
	} {
		if l == nil || l.Logger == nil {
			t.Errorf("%s() returned nil logger", name)
		}
	}
}
