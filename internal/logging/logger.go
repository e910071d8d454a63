// Package logging provides the dispatcher-side structured logger, a thin
// wrapper over logrus configured for level/format/output the same way
// across every long-running orchestrator process.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/synqx/pipeline-core/internal/config"
)

// Logger wraps *logrus.Logger so call sites can use the familiar
// WithField/WithFields/WithError chain.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from LoggingConfig: level parsed leniently
// (defaulting to Info), format either "json" or "text", and output either
// "stdout" or a file path (opened append-only, falling back to stdout on
// failure).
func New(cfg config.LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	l.SetOutput(resolveOutput(cfg.Output))
	return &Logger{Logger: l}
}

// NewDefault returns an Info-level JSON logger on stdout, for callers that
// have not yet loaded full configuration. The component argument is not
// attached to log entries.
func NewDefault(component string) *Logger {
	l := New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"})
	return &Logger{Logger: l.Logger}
}

func resolveOutput(output string) io.Writer {
	switch {
	case output == "" || strings.EqualFold(output, "stdout"):
		return os.Stdout
	case strings.EqualFold(output, "stderr"):
		return os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout
		}
		return io.MultiWriter(os.Stdout, f)
	}
}
