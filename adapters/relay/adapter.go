// Package relay adapts a generic JSON envelope job relay to the WebSocket
// transport.
//
// Outbound frames: submit_job, cancel_job, heartbeat. Inbound frames:
// connected, job_accepted, job_progress, job_completed, job_failed,
// heartbeat and heartbeat_ack. The job id is read from the envelope's
// job_id, falling back to payload.job_id.
package relay

import (
	"time"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/connector/ws"
)

// Name is the adapter name used in configuration.
const Name = "relay"

// Frame types.
const (
	TypeConnected    = "connected"
	TypeJobAccepted  = "job_accepted"
	TypeJobProgress  = "job_progress"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeSubmitJob    = "submit_job"
	TypeCancelJob    = "cancel_job"
)

// Adapter speaks the relay envelope protocol.
type Adapter struct{}

var (
	_ ws.Adapter   = Adapter{}
	_ ws.Canceller = Adapter{}
)

// New creates an adapter.
func New() Adapter { return Adapter{} }

// Classify maps frame types to frame kinds.
func (Adapter) Classify(env ws.Envelope) ws.FrameKind {
	switch env.Type {
	case TypeConnected:
		return ws.FrameConnection
	case TypeJobAccepted:
		return ws.FrameSubmitAck
	case TypeJobProgress:
		return ws.FrameProgress
	case TypeJobCompleted:
		return ws.FrameComplete
	case TypeJobFailed:
		return ws.FrameError
	case TypeHeartbeat, TypeHeartbeatAck:
		return ws.FrameHeartbeat
	default:
		return ws.FrameUnknown
	}
}

// JobID reads the correlation id.
func (Adapter) JobID(env ws.Envelope) string {
	if env.JobID != "" {
		return env.JobID
	}
	return str(env.Payload, "job_id")
}

// BuildSubmit wraps the job in a submit_job frame.
func (Adapter) BuildSubmit(job connector.JobData) (ws.Envelope, error) {
	env := ws.Envelope{
		Type:  TypeSubmitJob,
		JobID: job.ID,
		Payload: map[string]any{
			"job_type": job.Type,
			"data":     job.Payload,
		},
	}
	env.Stamp(time.Now())
	return env, nil
}

// BuildHeartbeat stamps a heartbeat frame; the relay echoes the timestamp
// in heartbeat_ack.
func (Adapter) BuildHeartbeat(now time.Time) ws.Envelope {
	env := ws.Envelope{Type: TypeHeartbeat}
	env.Stamp(now)
	return env
}

// BuildCancel builds a cancel_job frame.
func (Adapter) BuildCancel(jobID, remoteID string) ws.Envelope {
	env := ws.Envelope{Type: TypeCancelJob, JobID: jobID}
	if remoteID != "" {
		env.Payload = map[string]any{"remote_job_id": remoteID}
	}
	env.Stamp(time.Now())
	return env
}

// RemoteID reads payload.remote_job_id from job_accepted.
func (Adapter) RemoteID(env ws.Envelope) string {
	return str(env.Payload, "remote_job_id")
}

// ParseProgress reads payload.progress, payload.message and payload.step.
func (Adapter) ParseProgress(env ws.Envelope) ws.Progress {
	return ws.Progress{
		Percent: number(env.Payload, "progress"),
		Message: str(env.Payload, "message"),
		Step:    str(env.Payload, "step"),
	}
}

// ParseResult returns payload.result, or the payload minus bookkeeping keys.
func (Adapter) ParseResult(env ws.Envelope) map[string]any {
	if r, ok := env.Payload["result"].(map[string]any); ok {
		return r
	}
	if len(env.Payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(env.Payload))
	for k, v := range env.Payload {
		switch k {
		case "job_id", "error":
		default:
			out[k] = v
		}
	}
	return out
}

// ParseError reads payload.error as a string or {message}.
func (Adapter) ParseError(env ws.Envelope) string {
	switch e := env.Payload["error"].(type) {
	case string:
		return e
	case map[string]any:
		return str(e, "message")
	}
	return ""
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func number(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
