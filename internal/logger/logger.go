package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given level name
func Init(level string, isService bool) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
	SetLogLevel(lvl)

	return nil
}

// ParseLevel maps a configured level name to a LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(event *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{event.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// contextLogger is a Logger carrying fixed fields. The base logger is
// resolved on every call so that Init may run after construction.
type contextLogger struct {
	fields []string
	base   func() zerolog.Logger
}

// Component returns a Logger that tags every event with the component name.
func Component(name string) Logger {
	return &contextLogger{
		fields: []string{"component", name},
		base:   func() zerolog.Logger { return log },
	}
}

// New returns a Logger writing JSON events to w, independent of the global
// logger. Mainly useful in tests that assert on log output.
func New(w io.Writer) Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &contextLogger{base: func() zerolog.Logger { return zl }}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &contextLogger{base: zerolog.Nop}
}

func (l *contextLogger) logger() zerolog.Logger {
	ctx := l.base().With()
	for i := 0; i+1 < len(l.fields); i += 2 {
		ctx = ctx.Str(l.fields[i], l.fields[i+1])
	}
	return ctx.Logger()
}

func (l *contextLogger) With(key, value string) Logger {
	fields := make([]string, 0, len(l.fields)+2)
	fields = append(fields, l.fields...)
	fields = append(fields, key, value)

	return &contextLogger{fields: fields, base: l.base}
}

func (l *contextLogger) Debug() *LogEvent {
	zl := l.logger()
	return &LogEvent{zl.Debug()}
}

func (l *contextLogger) Info() *LogEvent {
	zl := l.logger()
	return &LogEvent{zl.Info()}
}

func (l *contextLogger) Warn() *LogEvent {
	zl := l.logger()
	return &LogEvent{zl.Warn()}
}

func (l *contextLogger) Error() *LogEvent {
	zl := l.logger()
	return &LogEvent{zl.Error()}
}

func (l *contextLogger) ErrorWithCode(err errors.Error) *LogEvent {
	zl := l.logger()
	return withCode(zl.Error(), err)
}
