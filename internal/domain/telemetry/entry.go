package telemetry

import (
	"strings"
	"time"
)

// Level classifies a log entry for the viewer.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelThinking Level = "THINKING"
	LevelAction   Level = "ACTION"
	LevelResult   Level = "RESULT"
	LevelError    Level = "ERROR"
	LevelWarning  Level = "WARNING"
	LevelStep     Level = "STEP"
	LevelDebug    Level = "DEBUG"
)

// Levels lists every known level.
var Levels = []Level{
	LevelInfo, LevelThinking, LevelAction, LevelResult,
	LevelError, LevelWarning, LevelStep, LevelDebug,
}

// ParseLevel matches s case-insensitively. An empty string is INFO.
func ParseLevel(s string) (Level, bool) {
	if s == "" {
		return LevelInfo, true
	}
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	switch l {
	case "WARN":
		return LevelWarning, true
	case LevelInfo, LevelThinking, LevelAction, LevelResult,
		LevelError, LevelWarning, LevelStep, LevelDebug:
		return l, true
	}
	return "", false
}

// Entry is one log line in a session stream. Sequence is assigned by the
// hub and starts at 1 for each session.
type Entry struct {
	SessionID string         `json:"session_id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
}
