// Package logger provides the structured logging used throughout the undo
// record set engine. It mirrors the teacher's root-level logger package
// (custom timestamp format, caller-frame lookup) but is scoped per
// component rather than exposed as package globals, since a storage engine
// is meant to be embedded, not to own the process's logging configuration.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls where and how verbosely a component logs.
type Config struct {
	Level      string // debug, info, warn, error; default info
	OutputPath string // optional extra file destination
}

// Logger wraps a logrus.Logger tagged with a component name that appears in
// every formatted line.
type Logger struct {
	component string
	entry     *logrus.Entry
}

// New builds a component-scoped logger. Passing a zero Config yields an
// info-level logger writing to stderr.
func New(component string, cfg Config) *Logger {
	base := logrus.New()
	base.SetFormatter(&recordSetFormatter{})
	base.SetLevel(parseLevel(cfg.Level))

	out := io.Writer(os.Stderr)
	if cfg.OutputPath != "" {
		if f, err := openLogFile(cfg.OutputPath); err == nil {
			out = io.MultiWriter(os.Stderr, f)
		} else {
			base.Warnf("logger: could not open %s, falling back to stderr: %v", cfg.OutputPath, err)
		}
	}
	base.SetOutput(out)

	return &Logger{
		component: component,
		entry:     base.WithField("component", component),
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// With returns a logger carrying an additional structured field, e.g. a
// recovery run's correlation id.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{component: l.component, entry: l.entry.WithField(key, value)}
}

type recordSetFormatter struct{}

func (f *recordSetFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05.000 2006/01/02")
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	caller := callerFrame()

	var extra strings.Builder
	for k, v := range entry.Data {
		fmt.Fprintf(&extra, " %s=%v", k, v)
	}

	return []byte(fmt.Sprintf("[%s] [%s] (%s) %s%s\n", timestamp, level, caller, entry.Message, extra.String())), nil
}

func callerFrame() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "/entry.go") || strings.Contains(file, "internal/logger/logger.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "":
		return logrus.InfoLevel
	default:
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return logrus.InfoLevel
		}
		return lvl
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}
