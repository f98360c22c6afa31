package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"relaygate/pkg/config"
)

const (
	envLogLevel     = "RELAYGATE_LOG_LEVEL"
	envLogFormat    = "RELAYGATE_LOG_FORMAT"
	envLogAddSource = "RELAYGATE_LOG_ADD_SOURCE"
	envLogOutput    = "RELAYGATE_LOG_OUTPUT"

	textPrefix = "relaygate"
)

// Entry is one line of JSON log output. component and channel are lifted out
// of the attributes so log pipelines can filter per adapter.
type Entry struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// settings is the logging configuration after RELAYGATE_LOG_* overrides.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
	output    string
}

// New builds the process logger. RELAYGATE_LOG_* environment variables take
// precedence over cfg.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	var writer io.Writer = os.Stderr
	if s.output == "stdout" {
		writer = os.Stdout
	}
	return build(s, writer), nil
}

// Discard returns a logger that drops every record. Components fall back to it
// when constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return Discard()
	}
	return log
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return build(s, writer), nil
}

func build(s settings, writer io.Writer) *slog.Logger {
	if s.format == "json" {
		return slog.New(&jsonHandler{
			level:     s.level,
			addSource: s.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		})
	}

	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLog.Level(s.level),
		Prefix:          textPrefix,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	}))
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	s := settings{
		format:    pick(envLogFormat, cfg.Format, "text"),
		output:    pick(envLogOutput, cfg.Output, "stderr"),
		addSource: cfg.AddSource,
	}
	if env, ok := lookup(envLogAddSource); ok {
		s.addSource = parseBool(env)
	}

	switch s.format {
	case "text", "json":
	default:
		return settings{}, fmt.Errorf("unsupported log format %q", s.format)
	}
	switch s.output {
	case "stderr", "stdout":
	default:
		return settings{}, fmt.Errorf("unsupported log output %q", s.output)
	}

	level, err := parseLevel(pick(envLogLevel, cfg.Level, "info"))
	if err != nil {
		return settings{}, err
	}
	s.level = level

	return s, nil
}

// pick returns the lower-cased environment value, the configured value, or
// fallback, in that order.
func pick(env, configured, fallback string) string {
	if value, ok := lookup(env); ok {
		return strings.ToLower(value)
	}
	if value := strings.TrimSpace(configured); value != "" {
		return strings.ToLower(value)
	}
	return fallback
}

func lookup(env string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(env))
	return value, value != ""
}

func parseLevel(text string) (slog.Level, error) {
	if text == "warning" {
		return slog.LevelWarn, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
	return level, nil
}

func parseBool(input string) bool {
	switch strings.ToLower(input) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type jsonHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := Entry{
		Time:    at.UTC().Format(time.RFC3339Nano),
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
	}

	fields := make(map[string]any)
	collect := func(attr slog.Attr) bool {
		h.addAttr(&entry, fields, attr)
		return true
	}
	for _, attr := range h.attrs {
		collect(attr)
	}
	record.Attrs(collect)

	if len(fields) > 0 {
		entry.Fields = fields
	}
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func (h *jsonHandler) addAttr(entry *Entry, fields map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if len(h.groups) == 0 && attr.Value.Kind() == slog.KindString {
		switch attr.Key {
		case "component":
			entry.Component = attr.Value.String()
			return
		case "channel":
			entry.Channel = attr.Value.String()
			return
		}
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + attr.Key
	}
	fields[key] = plain(attr.Value)
}

// plain converts a slog value into something encoding/json renders usefully.
// Errors become their message instead of an empty object.
func plain(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = plain(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		default:
			return v
		}
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
