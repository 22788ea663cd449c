package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// levelNames maps each level to the tag written in front of the message.
var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Hook receives every message a Logger writes, after level filtering.
// It must not log through the same Logger.
type Hook func(level, message string)

// Logger is a leveled logger writing through a standard library log.Logger.
type Logger struct {
	level LogLevel
	out   *log.Logger
	hook  Hook
	mu    sync.RWMutex
}

// New creates a Logger at the given level writing to stdout.
func New(level string) *Logger {
	return &Logger{
		level: ParseLogLevel(level),
		out:   log.New(os.Stdout, "[KPTV-TIMESHIFT] ", log.LstdFlags),
	}
}

// getDefaultLogger returns the singleton used by the package-level helpers
func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = New("INFO")
	})
	return defaultLogger
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the level of the default logger.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the level name of the default logger.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetOutput redirects the default logger, mostly for tests.
func SetOutput(w io.Writer) {
	getDefaultLogger().SetOutput(w)
}

// SetHook installs h on the default logger. A nil h removes the hook.
func SetHook(h Hook) {
	getDefaultLogger().SetHook(h)
}

// IsDebug reports whether the default logger emits DEBUG messages.
func IsDebug() bool {
	return getDefaultLogger().shouldLog(DEBUG)
}

func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if name, ok := levelNames[l.level]; ok {
		return name
	}
	return "INFO"
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.SetOutput(w)
}

func (l *Logger) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) write(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	msg := fmt.Sprintf(format, v...)
	l.out.Printf("[%s] %s", levelNames[level], msg)

	l.mu.RLock()
	hook := l.hook
	l.mu.RUnlock()
	if hook != nil {
		hook(levelNames[level], msg)
	}
}

func (l *Logger) Debug(format string, v ...interface{}) { l.write(DEBUG, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.write(INFO, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.write(WARN, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.write(ERROR, format, v...) }

// Package-level helpers, used as logger.Info("{pkg/file - Func} ...").

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }
func Info(format string, v ...interface{})  { getDefaultLogger().Info(format, v...) }
func Warn(format string, v ...interface{})  { getDefaultLogger().Warn(format, v...) }
func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }
