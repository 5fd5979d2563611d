// Package logging builds the process loggers. Output goes to stderr, or to a
// size-rotated file when one is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log destination.
type Options struct {
	// File is the log file path. Empty logs to stderr.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions returns stderr logging with rotation settings ready for
// when a file is set.
func DefaultOptions() Options {
	return Options{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Output is a shared log destination. Close releases the file, if any.
type Output struct {
	w      io.Writer
	closer io.Closer
}

// Open creates the destination described by opts.
func Open(opts Options) (*Output, error) {
	if opts.File == "" {
		return &Output{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &Output{w: lj, closer: lj}, nil
}

// Discard returns an output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger for component, prefixed "[component] ".
func (o *Output) Logger(component string) *log.Logger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return log.New(o.w, prefix, log.LstdFlags)
}

// Close closes the log file. It is a no-op for stderr.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
