// Package logging содержит структурированный логгер движка Jingle.
//
// Интерфейс повторяет логгер диалогов softphone, запись выполняется через zerolog.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает имя уровня без учета регистра. Неизвестное имя дает INFO.
func ParseLevel(s string) LogLevel {
	for lvl, name := range logLevelNames {
		if strings.EqualFold(name, s) {
			return lvl
		}
	}
	return LogLevelInfo
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError пишет ошибку уровня ERROR вместе с полями
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// ctxFieldsKey ключ для полей, переносимых через context
type ctxFieldsKey struct{}

// ContextWithFields добавляет поля в контекст. Логгер дописывает их в каждую запись.
func ContextWithFields(ctx context.Context, fields ...Field) context.Context {
	prev, _ := ctx.Value(ctxFieldsKey{}).([]Field)
	merged := make([]Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxFieldsKey{}, merged)
}

// ZerologLogger реализация StructuredLogger поверх zerolog
type ZerologLogger struct {
	// level общий для всех производных логгеров
	level *levelHolder
	zl    zerolog.Logger
}

type levelHolder struct {
	mu    sync.RWMutex
	level LogLevel
}

func (h *levelHolder) get() LogLevel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.level
}

func (h *levelHolder) set(l LogLevel) {
	h.mu.Lock()
	h.level = l
	h.mu.Unlock()
}

// NewZerologLogger создает логгер, пишущий JSON в w
func NewZerologLogger(w io.Writer, level LogLevel) *ZerologLogger {
	if w == nil {
		w = os.Stdout
	}
	return &ZerologLogger{
		level: &levelHolder{level: level},
		zl:    zerolog.New(w).With().Timestamp().Logger(),
	}
}

// NewConsoleLogger создает логгер с человекочитаемым выводом
func NewConsoleLogger(w io.Writer, level LogLevel) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return &ZerologLogger{
		level: &levelHolder{level: level},
		zl:    zerolog.New(cw).With().Timestamp().Logger(),
	}
}

var (
	defaultOnce   sync.Once
	defaultLogger StructuredLogger
)

// Default возвращает логгер по умолчанию (JSON в stdout, уровень INFO)
func Default() StructuredLogger {
	defaultOnce.Do(func() {
		defaultLogger = NewZerologLogger(os.Stdout, LogLevelInfo)
	})
	return defaultLogger
}

func (l *ZerologLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, nil, msg, fields)
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, nil, msg, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, nil, msg, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, nil, msg, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, nil, msg, fields)
}

func (l *ZerologLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, err, msg, fields)
}

func (l *ZerologLogger) WithComponent(component string) StructuredLogger {
	return &ZerologLogger{level: l.level, zl: l.zl.With().Str("component", component).Logger()}
}

func (l *ZerologLogger) WithFields(fields ...Field) StructuredLogger {
	c := l.zl.With()
	for _, f := range fields {
		c = c.Interface(f.Key, fieldValue(f.Value))
	}
	return &ZerologLogger{level: l.level, zl: c.Logger()}
}

func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.level.set(level)
}

func (l *ZerologLogger) IsEnabled(level LogLevel) bool {
	return level >= l.level.get()
}

func (l *ZerologLogger) log(ctx context.Context, level LogLevel, err error, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}
	ev := l.zl.WithLevel(level.zerolog())
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	if ctx != nil {
		if extra, ok := ctx.Value(ctxFieldsKey{}).([]Field); ok {
			for _, f := range extra {
				ev = addField(ev, f)
			}
		}
	}
	for _, f := range fields {
		ev = addField(ev, f)
	}
	ev.Msg(msg)
}

func addField(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case time.Duration:
		return ev.Dur(f.Key, v)
	case error:
		if v == nil {
			return ev
		}
		return ev.AnErr(f.Key, v)
	default:
		return ev.Interface(f.Key, fieldValue(v))
	}
}

// fieldValue приводит Stringer к строке, чтобы JSON не раскрывал внутренности типов
func fieldValue(v interface{}) interface{} {
	switch x := v.(type) {
	case error:
		if x == nil {
			return nil
		}
		return x.Error()
	case interface{ String() string }:
		return x.String()
	default:
		return v
	}
}

// NoOpLogger логгер, который ничего не делает
type NoOpLogger struct{}

func (NoOpLogger) Trace(context.Context, string, ...Field)           {}
func (NoOpLogger) Debug(context.Context, string, ...Field)           {}
func (NoOpLogger) Info(context.Context, string, ...Field)            {}
func (NoOpLogger) Warn(context.Context, string, ...Field)            {}
func (NoOpLogger) Error(context.Context, string, ...Field)           {}
func (NoOpLogger) LogError(context.Context, error, string, ...Field) {}
func (n NoOpLogger) WithComponent(string) StructuredLogger           { return n }
func (n NoOpLogger) WithFields(...Field) StructuredLogger            { return n }
func (NoOpLogger) SetLevel(LogLevel)                                 {}
func (NoOpLogger) IsEnabled(LogLevel) bool                           { return false }
