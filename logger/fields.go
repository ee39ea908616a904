package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldRemoteJobID = "remote_job_id"
	FieldJobType     = "job_type"
	FieldConnector   = "connector"
	FieldTransport   = "transport"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldURL       = "url"
	FieldAttempt   = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldElapsed    = "elapsed"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount    = "count"
	FieldSize     = "size"
	FieldProgress = "progress"

	// Status
	FieldStatus    = "status"
	FieldHealthy   = "healthy"
	FieldState     = "state"
	FieldFrameType = "frame_type"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	connectorKey contextKey = "logger_connector"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithConnector adds a connector ID to the context for logging
func WithConnector(ctx context.Context, connectorID string) context.Context {
	return context.WithValue(ctx, connectorKey, connectorID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if connectorID, ok := ctx.Value(connectorKey).(string); ok && connectorID != "" {
		fields = append(fields, FieldConnector, connectorID)
	}

	return fields
}

// FromContext returns base enriched with the fields stored in ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	c := connector.New(cfg, transport, logger.ComponentLogger("connector"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
