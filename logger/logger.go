// Package logger provides the structured logging interface used across
// NotNet, backed by zerolog. Host components derive scoped loggers with With
// (component, session, name, remote) instead of formatting context into
// messages.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Err returns the conventional "error" field for err.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger writes leveled, structured entries. Implementations are safe for
// concurrent use by every session goroutine.
type Logger interface {
	// Debug logs msg at debug level with optional fields.
	Debug(msg string, fields ...Field)

	// Info logs msg at info level with optional fields.
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level with optional fields.
	Warn(msg string, fields ...Field)

	// Error logs msg at error level with optional fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry. The receiver is
	// unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. the rotating log
	// file). Safe to call multiple times; derived loggers never close the
	// parent's file.
	Close() error
}

// Options configures New.
type Options struct {
	// Service is added as the "service" field of every entry.
	Service string
	// Level is the minimum level written; see ParseLevel.
	Level zerolog.Level
	// Pretty switches stdout output to zerolog's human-readable console format.
	Pretty bool
	// Dir, when set, additionally writes JSON entries to daily-rotated files
	// named {Service}_{date}.log inside Dir.
	Dir string
	// Out overrides stdout as the primary destination.
	Out io.Writer
}

type zerologLogger struct {
	logger     zerolog.Logger
	fileWriter *DailyFileWriter
	ownsFile   bool
}

// New builds a Logger from opts.
//
// Parameters:
//   - opts: Destination, level and formatting settings
//
// Returns:
//   - The Logger
//   - An error if Dir is set and the log directory or file cannot be opened
func New(opts Options) (Logger, error) {
	var out io.Writer = os.Stdout
	if opts.Out != nil {
		out = opts.Out
	}

	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	var fileWriter *DailyFileWriter
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		w, err := NewDailyFileWriter(opts.Service, opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create file writer: %w", err)
		}

		fileWriter = w
		out = io.MultiWriter(out, fileWriter)
	}

	return &zerologLogger{
		logger:     zerolog.New(out).With().Str("service", opts.Service).Timestamp().Logger().Level(opts.Level),
		fileWriter: fileWriter,
		ownsFile:   fileWriter != nil,
	}, nil
}

// NewZerologLogger wraps an existing zerolog.Logger, adding the service name
// and a timestamp to every entry.
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewNop returns a Logger that discards everything. Tests use it.
func NewNop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a config string such as "debug" or "WARN" to a zerolog
// level. Empty input selects info.
//
// Parameters:
//   - s: The level name
//
// Returns:
//   - The parsed level
//   - An error naming the rejected value
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}

	return level, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFile {
		return z.fileWriter.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
