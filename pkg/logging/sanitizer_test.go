package logging

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
)

func TestSanitizeConnectionString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"keyword dsn", "host=db user=ekaya password=hunter2 dbname=kb", "host=db user=ekaya password=[REDACTED] dbname=kb"},
		{"url credentials", "postgres://ekaya:hunter2@db:5432/kb", "postgres://[REDACTED]@db:5432/kb"},
		{"no credentials", "redis://cache:6379/0", "redis://cache:6379/0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeConnectionString(tt.input); got != tt.want {
				t.Errorf("SanitizeConnectionString(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	if SanitizeError(nil) != "" {
		t.Error("expected empty string for nil error")
	}

	err := errors.New("embeddings request failed: Authorization: Bearer aaa.bbb.ccc api_key=abcdefghijklmnopqrstu sk-abcdefghijklmnopqrstuv")
	got := SanitizeError(err)

	for _, secret := range []string{"aaa.bbb.ccc", "abcdefghijklmnopqrstu", "sk-abcdefghijklmnopqrstuv"} {
		if strings.Contains(got, secret) {
			t.Errorf("expected %q to be redacted, got %q", secret, got)
		}
	}
	if !strings.Contains(got, "embeddings request failed") {
		t.Errorf("expected message context to survive, got %q", got)
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := TruncateString("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("got %q", got)
	}
	if got := Snippet(strings.Repeat("x", 500)); len(got) != MaxSnippetLength+3 {
		t.Errorf("expected snippet of %d chars, got %d", MaxSnippetLength+3, len(got))
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "chatty"}, nil); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestNewLogger_WritesToRotatedFile(t *testing.T) {
	path := t.TempDir() + "/threatgraph.log"
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, zapcore.AddSync(&strings.Builder{}))
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	logger.Info("hello", zap.String("k", "v"))
	_ = logger.Sync()
}

func TestObserverCapturesNamedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core).Named("threatgraph").Named("ingestion")
	logger.Info("batch finished", zap.Int("received", 3))

	entries := logs.FilterMessage("batch finished").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "threatgraph.ingestion" {
		t.Errorf("unexpected logger name %q", entries[0].LoggerName)
	}
}
