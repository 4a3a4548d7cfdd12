package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	// zerolog keeps these as package globals, so they are set at most once
	timeFormatOnce sync.Once
	stackOnce      sync.Once
)

// Logger wraps zerolog with the sinks it owns.
type Logger struct {
	*zerolog.Logger
	closers []io.Closer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console" yaml:"console"`

	// File output settings
	File FileConfig `json:"file" yaml:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// EnableStackTrace for error logs
	EnableStackTrace bool `json:"enable_stack_trace" yaml:"enable_stack_trace"`

	// AsyncWrite uses a diode writer so slow sinks never block the ring loops
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// Writer overrides the console target (tests)
	Writer io.Writer `json:"-" yaml:"-"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`

	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Path   string `json:"path" yaml:"path"`

	// MaxSize in megabytes
	MaxSize int `json:"max_size" yaml:"max_size"`

	// MaxAge in days
	MaxAge     int  `json:"max_age" yaml:"max_age"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups"`
	LocalTime  bool `json:"local_time" yaml:"local_time"`
	Compress   bool `json:"compress" yaml:"compress"`
}

// DefaultConfig returns default logger configuration.
// Console output goes to stderr so it does not interleave with operator output on stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			NoColor:    false,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "ringpeer.log",
			MaxSize:    50,
			MaxAge:     7,
			MaxBackups: 5,
			LocalTime:  true,
			Compress:   true,
		},
		Fields:           make(Fields),
		EnableCaller:     false,
		EnableStackTrace: true,
		AsyncWrite:       false,
		BufferSize:       1000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if config.Console.Enable {
		output := config.Writer
		if output == nil {
			switch config.Console.Output {
			case "stdout":
				output = os.Stdout
			default:
				output = os.Stderr
			}
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  config.File.LocalTime,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closers = append(closers, fileWriter)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		// the diode must flush before the sinks below it close
		closers = append([]io.Closer{dw}, closers...)
	}

	builder := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		builder = builder.Caller()
	}
	for k, v := range config.Fields {
		builder = builder.Interface(k, v)
	}

	if config.EnableStackTrace {
		stackOnce.Do(func() {
			zerolog.ErrorStackMarshaler = func(err error) any {
				return fmt.Sprintf("%+v", err)
			}
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zl := builder.Logger()
	return &Logger{
		Logger:  &zl,
		closers: closers,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl}
}

// WithFields creates a child logger with additional fields.
// The child shares the parent's sinks; only the root logger should be closed.
func (l *Logger) WithFields(fields Fields) *Logger {
	ctx := l.Logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{Logger: &zl}
}

// Close flushes and closes the sinks owned by this logger.
func (l *Logger) Close() error {
	var err error
	for _, c := range l.closers {
		err = multierr.Append(err, c.Close())
	}
	l.closers = nil
	return err
}
