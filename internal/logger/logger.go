// Package logger builds the process-wide zerolog logger and component
// child loggers used throughout mitmrelay.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger.
type Options struct {
	Level    string // "debug", "info", "warn", "error"
	FilePath string // optional rotating log file; empty disables file output
	Pretty   bool   // console-formatted output instead of JSON
}

// Logger wraps zerolog.Logger and remembers whether it was built in debug
// mode, so callers can decide whether an internal invariant violation should
// be fatal (debug builds) or merely logged and the affected exchange dropped
// (release builds), per the error handling design.
type Logger struct {
	zerolog.Logger
	debug bool
}

// New builds the root logger from Options.
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		writers = append(writers, os.Stdout)
	}
	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	base := zerolog.New(io.MultiWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return Logger{Logger: base, debug: level == zerolog.DebugLevel}
}

// Nop returns a logger that discards everything, for use in tests that don't
// care about log output.
func Nop() Logger {
	return Logger{Logger: zerolog.Nop()}
}

// Component returns a child logger tagged with the given subsystem name.
func (l Logger) Component(name string) Logger {
	return Logger{Logger: l.Logger.With().Str("component", name).Logger(), debug: l.debug}
}

// Invariant logs an internal invariant violation. It is fatal only when the
// logger was constructed at debug level; otherwise it logs at error level and
// the caller is expected to drop only the affected exchange.
func (l Logger) Invariant(msg string, kv map[string]any) {
	ev := l.Logger.Error()
	for k, v := range kv {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	if l.debug {
		panic(msg)
	}
}
