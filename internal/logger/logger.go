// Package logger builds the structured loggers used across memclaw.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures a logger created with New.
type Option func(*options)

type options struct {
	debug  bool
	json   bool
	writer io.Writer
	prefix string
}

// WithDebug lowers the level to debug.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithJSON switches to the JSON formatter for service logs.
func WithJSON(json bool) Option {
	return func(o *options) { o.json = json }
}

// WithWriter overrides the output writer. Defaults to os.Stderr so stdout stays
// free for the MCP stdio transport.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithPrefix sets the component prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func New(opts ...Option) *log.Logger {
	o := &options{writer: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	lo := log.Options{
		Prefix:          o.prefix,
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Formatter:       log.TextFormatter,
	}
	if o.debug {
		lo.Level = log.DebugLevel
	}
	if o.json {
		lo.Formatter = log.JSONFormatter
	}
	return log.NewWithOptions(o.writer, lo)
}

// Nop returns a logger that discards everything.
func Nop() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// Component returns l with the given prefix, or a default stderr logger when l is nil.
func Component(l *log.Logger, name string) *log.Logger {
	if l == nil {
		return New(WithPrefix(name))
	}
	return l.WithPrefix(name)
}
