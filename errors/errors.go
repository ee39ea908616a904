// Package errors provides error handling for jobconnect.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marker-based classification that survives wrapping
//
// Connector failures are classified by marking them with one of the
// taxonomy sentinels below. Check them with errors.Is:
//
//	if errors.Is(res.Err, errors.ErrTimeout) {
//	    // job, chunk or message level timeout
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	Mark           = crdb.Mark
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Connector error taxonomy. Errors produced by the connector framework are
// marked with exactly one of these so callers can branch on the class
// without string matching.
var (
	// ErrConfiguration indicates an invalid or missing required setting
	ErrConfiguration = New("configuration error")

	// ErrConnection indicates the transport is unavailable
	ErrConnection = New("connection error")

	// ErrRequest indicates the backend rejected or failed a request
	ErrRequest = New("request error")

	// ErrTimeout indicates a job, stream chunk or message deadline passed
	ErrTimeout = New("operation timed out")

	// ErrSizeExceeded indicates a streamed response exceeded its size cap
	ErrSizeExceeded = New("response size exceeded")

	// ErrProtocol indicates an unclassifiable or malformed frame
	ErrProtocol = New("protocol error")

	// ErrCapacity indicates the concurrency ceiling was reached
	ErrCapacity = New("capacity exceeded")

	// ErrCancelled indicates cooperative cancellation of a job
	ErrCancelled = New("job cancelled")

	// ErrNotFound indicates the requested job or connector does not exist
	ErrNotFound = New("not found")
)

// Configurationf creates a configuration error.
func Configurationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConfiguration)
}

// Connectionf creates a connection error.
func Connectionf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConnection)
}

// Timeoutf creates a timeout error.
func Timeoutf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrTimeout)
}

// SizeExceededf creates a size-exceeded error.
func SizeExceededf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrSizeExceeded)
}

// Protocolf creates a protocol error.
func Protocolf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrProtocol)
}

// Capacityf creates a capacity error.
func Capacityf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrCapacity)
}

// Cancelledf creates a cancellation error.
func Cancelledf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrCancelled)
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// WrapConnection wraps err as a connection error.
func WrapConnection(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrConnection)
}

// WrapTimeout wraps err as a timeout error.
func WrapTimeout(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrTimeout)
}

// Code returns a stable short classification of err for metadata, metrics
// and the job ledger. Unclassified errors report "unknown".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrCapacity):
		return "capacity"
	case Is(err, ErrCancelled):
		return "cancelled"
	case Is(err, ErrTimeout):
		return "timeout"
	case Is(err, ErrSizeExceeded):
		return "size_exceeded"
	case Is(err, ErrConfiguration):
		return "configuration"
	case Is(err, ErrConnection):
		return "connection"
	case Is(err, ErrRequest):
		return "request"
	case Is(err, ErrProtocol):
		return "protocol"
	case Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
