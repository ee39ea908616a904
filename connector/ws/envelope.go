package ws

import (
	"time"

	"github.com/teranos/jobconnect/connector"
)

const timestampFormat = time.RFC3339Nano

// Envelope is the generic frame exchanged over the socket. Field semantics
// per Type are backend-specific and interpreted by the Adapter.
type Envelope struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Stamp sets Timestamp to t.
func (e *Envelope) Stamp(t time.Time) {
	e.Timestamp = t.UTC().Format(timestampFormat)
}

// Time parses Timestamp; ok is false when absent or malformed.
func (e Envelope) Time() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(timestampFormat, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FrameKind is the protocol-level category of an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameConnection
	FrameSubmitAck
	FrameProgress
	FrameComplete
	FrameError
	FrameHeartbeat
)

func (k FrameKind) String() string {
	switch k {
	case FrameConnection:
		return "CONNECTION"
	case FrameSubmitAck:
		return "JOB_SUBMIT_ACK"
	case FrameProgress:
		return "JOB_PROGRESS"
	case FrameComplete:
		return "JOB_COMPLETE"
	case FrameError:
		return "JOB_ERROR"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// jobScoped reports whether frames of this kind are correlated to a job.
func (k FrameKind) jobScoped() bool {
	switch k {
	case FrameSubmitAck, FrameProgress, FrameComplete, FrameError:
		return true
	}
	return false
}

// Progress is an adapter's reading of a JOB_PROGRESS frame.
type Progress struct {
	Percent int
	Message string
	Step    string
}

// Adapter is the capability set a WebSocket backend implements.
type Adapter interface {
	// Classify maps an inbound frame to its category.
	Classify(env Envelope) FrameKind
	// JobID extracts the correlation id from a job-scoped frame.
	JobID(env Envelope) string
	// BuildSubmit builds the frame that submits job.
	BuildSubmit(job connector.JobData) (Envelope, error)
	// BuildHeartbeat builds a heartbeat frame sent at now.
	BuildHeartbeat(now time.Time) Envelope
	// RemoteID extracts the backend's job id from a submit acknowledgment.
	RemoteID(env Envelope) string
	ParseProgress(env Envelope) Progress
	ParseResult(env Envelope) map[string]any
	ParseError(env Envelope) string
}

// Canceller is implemented by adapters whose backend accepts cancel frames.
type Canceller interface {
	BuildCancel(jobID, remoteID string) Envelope
}
