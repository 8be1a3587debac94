// Package audit logs security-relevant and cluster-changing master events.
package audit

import (
	"github.com/rs/zerolog"
)

// Results.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)

// Logger writes audit events with structured fields so they can be
// filtered by event_type.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Bool("audit", true).Logger()}
}

func (l *Logger) level(result string) zerolog.Level {
	switch result {
	case ResultDenied:
		return zerolog.WarnLevel
	case ResultFailed:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogAuth logs a bearer token check. subject is empty when the token was
// rejected before its claims could be read.
func (l *Logger) LogAuth(subject, result, details, sourceIP string) {
	event := l.logger.WithLevel(l.level(result)).
		Str("event_type", "auth").
		Str("result", result).
		Str("source_ip", sourceIP)
	if subject != "" {
		event = event.Str("subject", subject)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogSegment logs a segment mount or unmount.
func (l *Logger) LogSegment(subject, action, segmentID, node, result, details, sourceIP string) {
	event := l.logger.WithLevel(l.level(result)).
		Str("event_type", "segment").
		Str("action", action).
		Str("segment", segmentID).
		Str("result", result).
		Str("source_ip", sourceIP)
	if node != "" {
		event = event.Str("node", node)
	}
	if subject != "" {
		event = event.Str("subject", subject)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Segment event")
}

// LogRemoveAll logs a cache-wide removal.
func (l *Logger) LogRemoveAll(subject string, removed int, sourceIP string) {
	event := l.logger.Info().
		Str("event_type", "remove_all").
		Int("removed", removed).
		Str("source_ip", sourceIP)
	if subject != "" {
		event = event.Str("subject", subject)
	}
	event.Msg("Cache cleared")
}
