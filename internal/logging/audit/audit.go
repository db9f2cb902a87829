// Package audit records security-relevant events: S3 authentication
// decisions and changes to retention or legal holds.
package audit

import (
	"github.com/rs/zerolog"
)

// Results recorded on audit events.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Logger writes structured audit events. A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger that writes to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func levelFor(result string) zerolog.Level {
	if result == ResultAllowed {
		return zerolog.InfoLevel
	}
	return zerolog.WarnLevel
}

// LogAuth logs an authentication decision.
// userID may be empty for failed attempts; method is the credential scheme
// (e.g. "aws_sigv4", "basic", "anonymous").
func (l *Logger) LogAuth(userID, method, result, details, sourceIP string) {
	if l == nil {
		return
	}

	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)
	if userID != "" {
		event = event.Str("user_id", userID)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogS3Op logs a state-changing S3 request such as DeleteObject or
// PutObjectRetention.
func (l *Logger) LogS3Op(userID, operation, bucket, objectKey, result, details, sourceIP string) {
	if l == nil {
		return
	}

	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "s3_op").
		Str("user_id", userID).
		Str("operation", operation).
		Str("bucket", bucket).
		Str("result", result).
		Str("source_ip", sourceIP)
	if objectKey != "" {
		event = event.Str("object_key", objectKey)
	}
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("S3 operation")
}

// LogGovernance logs a retention or legal-hold change made through the
// key-value layer. action is e.g. "lock", "unlock", "hold_apply".
func (l *Logger) LogGovernance(action, key, result, details string) {
	if l == nil {
		return
	}

	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "governance").
		Str("action", action).
		Str("key", key).
		Str("result", result)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Governance event")
}
