package coordinator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Icon returns the glyph shown next to an entry.
func (l LogLevel) Icon() string {
	switch l {
	case LogLevelDebug:
		return "·"
	case LogLevelInfo:
		return "ℹ"
	case LogLevelSuccess:
		return "✓"
	case LogLevelWarning:
		return "⚠"
	case LogLevelError:
		return "✗"
	default:
		return "?"
	}
}

// LogEntry records one coordinator transition.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Phase     Phase     `json:"phase"`
	Command   string    `json:"command,omitempty"` // handle, empty for hub events
	Code      string    `json:"code"`              // machine-readable, e.g. "dispatched"
	Message   string    `json:"message"`
}

const (
	logCapacity = 1000
	logTrim     = 100
)

// logStore is a bounded in-memory transition log mirrored to zerolog.
type logStore struct {
	log zerolog.Logger

	mu      sync.RWMutex
	entries []LogEntry
}

func newLogStore(log zerolog.Logger) *logStore {
	return &logStore{log: log, entries: make([]LogEntry, 0, logCapacity)}
}

func (s *logStore) add(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	if len(s.entries) >= logCapacity {
		s.entries = s.entries[logTrim:]
	}
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	event := s.log.Info()
	switch entry.Level {
	case LogLevelError:
		event = s.log.Error()
	case LogLevelWarning:
		event = s.log.Warn()
	case LogLevelDebug:
		event = s.log.Debug()
	}
	if entry.Command != "" {
		event = event.Str("command", entry.Command)
	}
	event.Str("phase", string(entry.Phase)).
		Str("code", entry.Code).
		Msg(entry.Message)
}

func (s *logStore) recent(limit int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	start := len(s.entries) - limit
	result := make([]LogEntry, limit)
	copy(result, s.entries[start:])
	return result
}
