package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogFunc is the printf-style sink handed to components that should not
// depend on a concrete logger.
type LogFunc func(format string, args ...interface{})

// Nop discards everything.
func Nop(string, ...interface{}) {}

type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
	debug  bool
	name   string
}

// New opens (or creates) the log file at path in append mode.
func New(path string) (*Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:   file,
		logger: log.New(file, "", 0),
		debug:  debugFromEnv(),
	}, nil
}

// NewWriter logs to an arbitrary writer, typically stderr for foreground runs.
func NewWriter(w io.Writer) *Logger {
	return &Logger{
		logger: log.New(w, "", 0),
		debug:  debugFromEnv(),
	}
}

func debugFromEnv() bool {
	debugEnv := os.Getenv("RBROKER_DEBUG")
	return debugEnv == "debug" || debugEnv == "trace" || debugEnv == "1"
}

// Named returns a logger sharing the same output whose lines carry a
// component prefix.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.name != "" {
		prefix = l.name + "." + name
	}
	return &Logger{logger: l.logger, debug: l.debug, name: prefix}
}

// SetDebug overrides the RBROKER_DEBUG derived setting.
func (l *Logger) SetDebug(debug bool) {
	l.debug = debug
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level, msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.name != "" {
		l.logger.Printf("[%s] %s: %s: %s", timestamp, level, l.name, msg)
		return
	}
	l.logger.Printf("[%s] %s: %s", timestamp, level, msg)
}

func (l *Logger) Info(msg string) {
	l.log("INFO", msg)
}

func (l *Logger) Warn(msg string) {
	l.log("WARN", msg)
}

func (l *Logger) Error(msg string) {
	l.log("ERROR", msg)
}

func (l *Logger) Debug(msg string) {
	if l.debug {
		l.log("DEBUG", msg)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

// Logf adapts the logger to a LogFunc at info level. A nil logger yields Nop.
func (l *Logger) Logf() LogFunc {
	if l == nil {
		return Nop
	}
	return l.Infof
}

// DebugLogf adapts the logger to a LogFunc at debug level.
func (l *Logger) DebugLogf() LogFunc {
	if l == nil {
		return Nop
	}
	return l.Debugf
}

// OrNop returns fn, or Nop when fn is nil.
func OrNop(fn LogFunc) LogFunc {
	if fn == nil {
		return Nop
	}
	return fn
}

func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/rbroker.log"
	}
	return filepath.Join(home, ".rbroker", "broker.log")
}
