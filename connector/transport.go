package connector

import "context"

// Transport is one protocol state machine (REST polling or WebSocket
// duplex) bound to one backend adapter.
type Transport interface {
	// Kind names the transport family ("rest", "websocket").
	Kind() string

	// Start acquires long-lived resources such as a persistent connection.
	Start(ctx context.Context) error

	// Health runs a minimal backend check with no job-state side effects.
	Health(ctx context.Context) error

	// Execute drives job to a terminal state. ctx is cancelled when the job
	// is cancelled; the returned error is classified with package errors.
	// Outcome may be non-nil alongside an error to carry metadata.
	Execute(ctx context.Context, job *ActiveJob, progress Reporter) (*Outcome, error)

	// Cancel asks the backend to stop job. Best effort; a transport without
	// a backend cancel endpoint returns ErrCancelNotSupported.
	Cancel(ctx context.Context, job *ActiveJob) error

	// Capabilities describes what QueryJobStatus can promise.
	Capabilities() Capabilities

	// Close releases every transport-held resource. Idempotent.
	Close(ctx context.Context) error
}

// Outcome is what a transport hands back for a settled job.
type Outcome struct {
	Data     map[string]any
	Metadata map[string]any
}

// Capabilities of a transport.
type Capabilities struct {
	CanCancel    bool // backend-side cancellation exists
	CanReconnect bool // a dropped transport can resume the job
}
