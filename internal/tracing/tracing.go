package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobIDKey     contextKey = "job_id"
)

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}

// Fields returns the correlation identifiers carried by ctx as log fields.
func Fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := JobID(ctx); id != "" {
		fields["job_id"] = id
	}
	if id := TraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	return fields
}
