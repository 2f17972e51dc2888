package logger

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Level represents the logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a leveled logger with a component prefix. Each component of the
// sync core constructs its own Logger so log lines are attributable to the
// part that produced them.
type Logger struct {
	level  Level
	prefix string
	out    *log.Logger
}

// NewLogger creates a new Logger with the given component prefix and the
// default INFO level.
func NewLogger(prefix string) *Logger {
	return &Logger{
		level:  INFO,
		prefix: prefix,
		out:    log.New(os.Stdout, "", 0),
	}
}

// SetLevel sets the minimum level that will be emitted.
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	return l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("[%s] [%s] [%s] %s", ts, level, l.prefix, msg)
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}
