package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	accountIDKey ctxKey = "account_id"
)

// Fields promoted from the field map to top-level entry keys.
const (
	fieldRequestID = "request_id"
	fieldAccountID = "account_id"
	fieldProvider  = "provider"
	fieldComponent = "component"
	fieldError     = "error"
	fieldDuration  = "duration_ms"
)

// ContextWithRequestID attaches a request id picked up by WithContext.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithAccountID attaches the connected account being processed.
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelFatal {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps LOG_LEVEL values onto a Level. Unknown values mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// LogEntry is one JSON line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Component string         `json:"component,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Duration  float64        `json:"duration_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger writes structured JSON lines. Derived loggers share the writer
// and its lock.
type Logger struct {
	mu      *sync.Mutex
	level   Level
	output  io.Writer
	service string
	fields  map[string]any
}

// Config for logger
type Config struct {
	Level   Level
	Output  io.Writer
	Service string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init sets up the default logger. Only the first call has an effect.
func Init(cfg Config) {
	once.Do(func() {
		if cfg.Service == "" {
			cfg.Service = "mailsync"
		}
		defaultLogger = New(cfg)
	})
}

// Default returns the default logger
func Default() *Logger {
	Init(Config{Level: LevelInfo})
	return defaultLogger
}

// New creates a standalone logger, mostly for tests.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		mu:      &sync.Mutex{},
		level:   cfg.Level,
		output:  cfg.Output,
		service: cfg.Service,
		fields:  map[string]any{},
	}
}

func (l *Logger) clone(extra int) *Logger {
	fields := make(map[string]any, len(l.fields)+extra)
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{mu: l.mu, level: l.level, output: l.output, service: l.service, fields: fields}
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	n := l.clone(1)
	n.fields[key] = value
	return n
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	n := l.clone(len(fields))
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

// WithContext picks up the request and account ids stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	n := l.clone(2)
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		n.fields[fieldRequestID] = v
	}
	if v, ok := ctx.Value(accountIDKey).(string); ok && v != "" {
		n.fields[fieldAccountID] = v
	}
	return n
}

// WithAccount tags entries with a connected account and its provider.
func (l *Logger) WithAccount(provider, accountID string) *Logger {
	return l.WithFields(map[string]any{fieldProvider: provider, fieldAccountID: accountID})
}

// WithComponent tags entries with the emitting component
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField(fieldComponent, name)
}

// WithError adds error information
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField(fieldError, err.Error())
}

// WithDuration adds duration in milliseconds
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.WithField(fieldDuration, float64(d.Microseconds())/1000.0)
}

func (l *Logger) log(level Level, msg string, args ...any) {
	if level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Service:   l.service,
	}
	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		switch k {
		case fieldRequestID:
			entry.RequestID, _ = v.(string)
		case fieldAccountID:
			entry.AccountID, _ = v.(string)
		case fieldComponent:
			entry.Component, _ = v.(string)
		case fieldError:
			entry.Error, _ = v.(string)
		case fieldDuration:
			entry.Duration, _ = v.(float64)
		case fieldProvider:
			entry.Provider = fmt.Sprint(v)
		default:
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.File = file
			entry.Line = line
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"ERROR","message":"failed to marshal log entry: %s"}`, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write(append(data, '\n'))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }
func (l *Logger) Fatal(msg string, args ...any) {
	l.log(LevelFatal, msg, args...)
	os.Exit(1)
}

// MaskAddress keeps the first character of the local part and the domain,
// so mailbox owners stay traceable without logging full addresses.
func MaskAddress(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		if addr == "" {
			return ""
		}
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

// Package-level functions using default logger
func Debug(msg string, args ...any) { Default().log(LevelDebug, msg, args...) }
func Info(msg string, args ...any)  { Default().log(LevelInfo, msg, args...) }
func Warn(msg string, args ...any)  { Default().log(LevelWarn, msg, args...) }
func Error(msg string, args ...any) { Default().log(LevelError, msg, args...) }
func Fatal(msg string, args ...any) {
	Default().log(LevelFatal, msg, args...)
	os.Exit(1)
}

func WithField(key string, value any) *Logger        { return Default().WithField(key, value) }
func WithFields(fields map[string]any) *Logger       { return Default().WithFields(fields) }
func WithContext(ctx context.Context) *Logger        { return Default().WithContext(ctx) }
func WithAccount(provider, accountID string) *Logger { return Default().WithAccount(provider, accountID) }
func WithError(err error) *Logger                    { return Default().WithError(err) }
func WithDuration(d time.Duration) *Logger           { return Default().WithDuration(d) }
func WithComponent(name string) *Logger              { return Default().WithComponent(name) }
