// Package logging builds the per-run logger: structured JSON lines appended
// to a dated file plus a console stream for the operator.
package logging

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// RegistrarEnv names an optional external command that is invoked with the
// log file path after the file is opened, so a telemetry collector can pick
// the file up. Registration failures never fail the run.
const RegistrarEnv = "BINSYNC_LOG_REGISTRAR"

// Options configure one run's logger.
type Options struct {
	Dir     string // log directory, created by pathspec
	RunID   string
	JSON    bool // stdout carries machine output, so console logs move to stderr
	Verbose bool
	Quiet   bool
}

// RunLogger owns the log file for one run.
type RunLogger struct {
	Logger zerolog.Logger
	Path   string
	file   *os.File
}

// Open creates or appends to the dated log file and wires the console
// stream. Console output goes to stdout for humans and to stderr when the
// command's stdout is reserved for JSON.
func Open(opts Options) (*RunLogger, error) {
	name := fmt.Sprintf("binsync_%s.log", time.Now().UTC().Format("20060102"))
	path := filepath.Join(opts.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	consoleLevel := level
	if opts.Quiet {
		consoleLevel = zerolog.WarnLevel
	}

	consoleOut := os.Stdout
	if opts.JSON {
		consoleOut = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: consoleOut, TimeFormat: time.RFC3339}

	sink := zerolog.MultiLevelWriter(
		&errorSyncWriter{f: f},
		&minLevelWriter{w: zerolog.MultiLevelWriter(console), min: consoleLevel},
	)

	logger := zerolog.New(sink).Level(level).With().
		Timestamp().
		Str("run_id", opts.RunID).
		Logger()

	l := &RunLogger{Logger: logger, Path: path, file: f}
	l.registerSink()
	return l, nil
}

// Close flushes and closes the log file.
func (l *RunLogger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// registerSink invokes the configured registrar command, if any, with the
// log file path. Errors are logged and swallowed.
func (l *RunLogger) registerSink() {
	registrar := os.Getenv(RegistrarEnv)
	if registrar == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, registrar, l.Path).CombinedOutput()
	if err != nil {
		l.Logger.Warn().Err(err).
			Str("registrar", registrar).
			Bytes("output", out).
			Msg("log sink registration failed")
	}
}

// errorSyncWriter appends events to the log file and forces an fsync after
// anything at error level or above, so failure traces survive a hard stop.
type errorSyncWriter struct {
	f *os.File
}

func (w *errorSyncWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *errorSyncWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err == nil && level >= zerolog.ErrorLevel {
		if serr := w.f.Sync(); serr != nil {
			return n, serr
		}
	}
	return n, err
}

// minLevelWriter drops events below a floor, letting the console run
// quieter than the file.
type minLevelWriter struct {
	w   zerolog.LevelWriter
	min zerolog.Level
}

func (w *minLevelWriter) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func (w *minLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min {
		return len(p), nil
	}
	return w.w.WriteLevel(level, p)
}
