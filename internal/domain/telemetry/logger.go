package telemetry

import (
	"context"
	"fmt"
)

// Logger writes leveled entries for one session to a Publisher.
type Logger struct {
	pub       Publisher
	sessionID string
}

// NewLogger creates a session logger. A nil pub discards everything.
func NewLogger(pub Publisher, sessionID string) *Logger {
	if pub == nil {
		pub = Nop{}
	}
	return &Logger{pub: pub, sessionID: sessionID}
}

// SessionID returns the session the logger writes to.
func (l *Logger) SessionID() string { return l.sessionID }

// Log publishes a message at level.
func (l *Logger) Log(ctx context.Context, level Level, format string, args ...any) {
	l.pub.Publish(ctx, l.sessionID, Entry{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (l *Logger) Info(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelInfo, format, args...)
}

func (l *Logger) Thinking(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelThinking, format, args...)
}

func (l *Logger) Action(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelAction, format, args...)
}

func (l *Logger) Result(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelResult, format, args...)
}

func (l *Logger) Error(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelError, format, args...)
}

func (l *Logger) Warning(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelWarning, format, args...)
}

func (l *Logger) Step(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelStep, format, args...)
}

func (l *Logger) Debug(ctx context.Context, format string, args ...any) {
	l.Log(ctx, LevelDebug, format, args...)
}
