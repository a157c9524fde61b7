package events

import (
	"context"
	"log/slog"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(e Event) {
	s.Logger.LogAttrs(context.Background(), levelOf(e.Type), string(e.Type), e.Attrs()...)
}

func levelOf(t Type) slog.Level {
	switch t {
	case FatalConsistency, SettlementFailed:
		return slog.LevelError
	case RoundAborted, PeerBanned, ForkDetected, SettlementConflict, SettlementRetrying:
		return slog.LevelWarn
	case FrameRejected, PeerPenalized, RoundOpened:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
