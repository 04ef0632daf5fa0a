// Package logging wires the core's structured logger. It mirrors the
// file-vs-stderr selection the original serving CLI used, but emits
// structured fields through logrus instead of the standard log package so
// every component can be attributed (component=, tier=, context_id=...).
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	base    = logrus.New()
	logFile *os.File
)

// Init configures the base logger. If toFile is true, logs are written
// under <home>/runtime/logs/snapllm-<date>.log instead of stderr, so a
// foreground TUI or interactive CLI built on top of the core never has
// its screen corrupted by log lines.
func Init(toFile bool, home string) error {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if !toFile {
		base.SetOutput(os.Stderr)
		return nil
	}

	logDir := filepath.Join(home, "runtime", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}

	path := filepath.Join(logDir, fmt.Sprintf("snapllm-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	logFile = f
	base.SetOutput(f)
	base.Info("snapllm session started")
	return nil
}

// Close flushes and closes the log file, if one is open.
func Close() {
	if logFile != nil {
		base.Info("snapllm session ended")
		logFile.Close()
		logFile = nil
	}
}

// Discard silences all log output.
func Discard() {
	base.SetOutput(discardWriter{})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// For returns a component-scoped logger entry.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the global log level (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}
