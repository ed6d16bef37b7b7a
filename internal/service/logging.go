package service

import (
	"context"

	"docrelay/internal/privacy"
	"docrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// Standard field names used across the relay's log lines.
const (
	// Correlation
	LogFieldRequestID = "request_id"
	LogFieldJobID     = "job_id"
	LogFieldTraceID   = "trace_id"

	// Callback
	LogFieldMessageID   = "message_id"
	LogFieldEventType   = "event_type"
	LogFieldFromUser    = "from_user"
	LogFieldSourceUser  = "source_user"
	LogFieldChannel     = "channel" // "encrypted" or "basic"
	LogFieldWeakDedup   = "weak_dedup_key"
	LogFieldMessageType = "message_type"

	// Job
	LogFieldState    = "state"
	LogFieldStage    = "stage"
	LogFieldBackend  = "backend"
	LogFieldMediaRef = "media_ref"
	LogFieldMediaID  = "media_id"
	LogFieldFileName = "file_name"
	LogFieldSize     = "size_bytes"
	LogFieldNotice   = "notice"

	// HTTP
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldDuration   = "duration_ms"

	// Errors
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// logEntry returns an entry carrying the correlation ids from ctx and the
// given fields, with user and media identifiers masked.
func logEntry(ctx context.Context, logger *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	merged := tracing.Fields(ctx)
	for k, v := range privacy.MaskFields(fields) {
		merged[k] = v
	}
	return logger.WithFields(merged)
}
