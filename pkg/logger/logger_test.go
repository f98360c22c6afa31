package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"relaygate/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "channel.discord").Info("Gateway ready", "session_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry Entry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Gateway ready" {
		t.Fatalf("message = %q, want %q", entry.Message, "Gateway ready")
	}
	if entry.Component != "channel.discord" {
		t.Fatalf("component = %q, want %q", entry.Component, "channel.discord")
	}
	if entry.Time == "" {
		t.Fatal("expected time")
	}
	if got := entry.Fields["session_id"]; got != "42" {
		t.Fatalf("fields.session_id = %v, want %q", got, "42")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envLogFormat, "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerAddSourceReportsCaller(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", AddSource: true}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Warn("Sender denied", "channel", "telegram")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Fatalf("caller = %q, want logger_test.go prefix", entry.Caller)
	}
}

func TestLoggerRejectsUnknownFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestLoggerJSONLiftsChannelAndRendersErrors(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "gateway.manager").
		Error("Delivery failed", "channel", "discord", "error", errors.New("status 403"), "retry_after", 1500*time.Millisecond)

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Channel != "discord" {
		t.Fatalf("channel = %q, want %q", entry.Channel, "discord")
	}
	if _, ok := entry.Fields["channel"]; ok {
		t.Fatal("channel should not be repeated in fields")
	}
	if got := entry.Fields["error"]; got != "status 403" {
		t.Fatalf("fields.error = %v, want %q", got, "status 403")
	}
	if got := entry.Fields["retry_after"]; got != "1.5s" {
		t.Fatalf("fields.retry_after = %v, want %q", got, "1.5s")
	}
}

func TestLoggerGroupedAttrsKeepChannelInFields(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("route").Info("Routed", "channel", "telegram")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Channel != "" {
		t.Fatalf("channel = %q, want empty for grouped attr", entry.Channel)
	}
	if got := entry.Fields["route.channel"]; got != "telegram" {
		t.Fatalf("fields.route.channel = %v, want %q", got, "telegram")
	}
}

func TestLoggerLevelAliases(t *testing.T) {
	unsetLoggingEnv(t)

	for input, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"Error":   slog.LevelError,
	} {
		s, err := resolve(config.LoggingConfig{Level: input})
		if err != nil {
			t.Fatalf("resolve(%q) error: %v", input, err)
		}
		if s.level != want {
			t.Fatalf("resolve(%q) level = %v, want %v", input, s.level, want)
		}
	}

	if _, err := resolve(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}

func TestLoggerOutputSelection(t *testing.T) {
	unsetLoggingEnv(t)

	s, err := resolve(config.LoggingConfig{})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if s.output != "stderr" {
		t.Fatalf("output = %q, want stderr", s.output)
	}

	t.Setenv(envLogOutput, "STDOUT")
	s, err = resolve(config.LoggingConfig{Output: "stderr"})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if s.output != "stdout" {
		t.Fatalf("output = %q, want env override stdout", s.output)
	}

	t.Setenv(envLogOutput, "")
	if _, err := New(config.LoggingConfig{Output: "syslog"}); err == nil {
		t.Fatal("expected error for unsupported output")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("expected discarding logger for nil input")
	}
	if OrDiscard(nil).Enabled(context.Background(), slog.LevelError) {
		t.Fatal("discarding logger should not enable error level")
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv(envLogLevel)
	_ = os.Unsetenv(envLogFormat)
	_ = os.Unsetenv(envLogAddSource)
	_ = os.Unsetenv(envLogOutput)
}
