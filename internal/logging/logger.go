package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ForwardLog represents one request forwarded to an upstream Selenium
// server, independent of the durable LogStep record the recorder writes
// — this is a lightweight operational line for tailing, not an audit
// record.
type ForwardLog struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  int64     `json:"session_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Logger handles forward-request logging to console and/or a file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Recorder returns the default forward-request logger.
func Recorder() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a forward-request log entry.
func (l *Logger) Log(entry *ForwardLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if entry.Error != "" {
			status = "err"
		}
		fmt.Printf("[forward] %s session=%d %s %s %d %dms\n",
			status, entry.SessionID, entry.Method, entry.Path, entry.StatusCode, entry.DurationMs)
		if entry.Error != "" {
			fmt.Printf("[forward]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
