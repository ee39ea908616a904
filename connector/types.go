// Package connector defines the uniform job-lifecycle contract that lets a
// worker dispatch heterogeneous compute jobs to backend services without
// knowing their wire format.
//
// ARCHITECTURE: composition instead of inheritance
//   - Connector owns the lifecycle, the concurrency ceiling and progress delivery
//   - Transport (rest, ws) owns one protocol state machine
//   - Backend adapters plug into a transport through a small capability interface
package connector

import "time"

// JobData is the unit of work handed to a connector. Immutable once submitted.
type JobData struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// JobResult is the terminal outcome of a job, produced exactly once.
// Err carries the classified failure (see package errors) and is not
// serialized; Error carries its message for the wire.
type JobResult struct {
	Success          bool           `json:"success"`
	Data             map[string]any `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata"`
	Err              error          `json:"-"`
}

// ProgressEvent is a best-effort progress notification for a running job.
type ProgressEvent struct {
	JobID       string         `json:"job_id"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ProgressCallback receives progress notifications. Calls for one job are
// ordered; nothing is guaranteed across jobs. The callback must not call
// CancelJob for the job it is being notified about.
type ProgressCallback func(ProgressEvent)

// Status is the connector's advisory availability.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusOffline      Status = "offline"
	StatusError        Status = "error"
)

// Job phases reported through QueryJobStatus.
const (
	PhaseSubmitting = "submitting"
	PhaseQueued     = "queued"
	PhaseRunning    = "running"
	PhasePolling    = "polling"
	PhaseStreaming  = "streaming"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
	PhaseCancelled  = "cancelled"
)

// JobStatus is the answer to QueryJobStatus.
type JobStatus struct {
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CanReconnect bool   `json:"can_reconnect"`
	CanCancel    bool   `json:"can_cancel"`
}

// Info summarizes a connector for health reporting.
type Info struct {
	ID                string    `json:"id"`
	ServiceType       string    `json:"service_type"`
	Transport         string    `json:"transport"`
	Status            Status    `json:"status"`
	ActiveJobs        int       `json:"active_jobs"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	LastHealthCheck   time.Time `json:"last_health_check,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}
