package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

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

// Fields carries structured context for a log line
type Fields = map[string]interface{}

// Logger writes line-oriented diagnostics to the device's debug channel.
// Output is best-effort: write errors are dropped, never returned.
type Logger struct {
	mu         *sync.Mutex
	level      Level
	jsonFormat bool
	output     io.Writer
	fields     Fields
	logFile    *os.File
	component  string
	now        func() time.Time
}

// NewLogger creates a logger writing to w
func NewLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		mu:         &sync.Mutex{},
		level:      level,
		jsonFormat: jsonFormat,
		output:     w,
		fields:     make(Fields),
		now:        time.Now,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLogger(io.Discard, ERROR+1, false)
}

// NewFileLogger creates a logger that writes to w and appends a copy of
// every line to path, creating parent directories as needed.
func NewFileLogger(w io.Writer, path string, level Level, jsonFormat bool) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	if w == nil {
		w = os.Stdout
	}

	logger := NewLogger(io.MultiWriter(logFile, w), level, jsonFormat)
	logger.logFile = logFile
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		merged[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: l.now().Format(time.RFC3339Nano),
			Level:     level.String(),
			Component: l.component,
			Message:   message,
			Fields:    merged,
		}
		if len(merged) == 0 {
			entry.Fields = nil
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	timestamp := l.now().Format("2006-01-02 15:04:05.000")
	if l.component != "" {
		fmt.Fprintf(l.output, "[%s] %s %s: %s", timestamp, level.String(), l.component, message)
	} else {
		fmt.Fprintf(l.output, "[%s] %s: %s", timestamp, level.String(), message)
	}
	if len(merged) > 0 {
		fmt.Fprintf(l.output, " %v", merged)
	}
	fmt.Fprintln(l.output)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ERROR, message, first(fields))
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(Fields, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	child := *l
	child.fields = newFields
	child.logFile = nil
	return &child
}

// WithComponent returns a logger tagging every line with component
func (l *Logger) WithComponent(component string) *Logger {
	child := *l
	child.component = component
	child.logFile = nil
	return &child
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}
