package rest

import (
	"context"
	"net/http"
	"net/url"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/stream"
)

// Request describes one backend call relative to the connector's BaseURL.
// A non-nil Body is sent as JSON.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
}

// Submission is what a backend returned for a submit request. An empty
// RemoteID means the response was self-contained and Result is terminal.
type Submission struct {
	RemoteID string
	Result   map[string]any
}

// SelfContained reports whether no polling is needed.
func (s Submission) SelfContained() bool { return s.RemoteID == "" }

// StatusUpdate is an adapter's classification of one status payload.
type StatusUpdate struct {
	Status    string
	Progress  int
	Completed bool
	Failed    bool
	Result    map[string]any
	Error     string
	Message   string
	Metadata  map[string]any // merged into the job result metadata
}

// Adapter is the capability set a REST backend implements.
type Adapter interface {
	// BuildSubmit turns a job into its submit request.
	BuildSubmit(job connector.JobData) (Request, error)
	// ParseSubmit extracts the remote id, or a terminal result, from the
	// submit response body.
	ParseSubmit(job connector.JobData, body []byte) (Submission, error)
	// StatusRequest builds the poll request for a remote job.
	StatusRequest(remoteID string) Request
	// ParseStatus classifies a status payload. An empty payload must yield
	// a queued, not complete, not failed update.
	ParseStatus(remoteID string, body []byte) (StatusUpdate, error)
	// HealthRequest is a minimal health request without job side effects.
	HealthRequest() Request
}

// Canceller is implemented by adapters whose backend exposes a cancel
// endpoint. Without it, cancellation only stops local polling.
type Canceller interface {
	CancelRequest(remoteID string) Request
}

// StreamAdapter is implemented by adapters that can consume the submit
// response as Server-Sent Events instead of polling.
type StreamAdapter interface {
	Streams(job connector.JobData) bool
	NewStreamHandler(job connector.JobData) StreamHandler
}

// StreamHandler accumulates one streamed response.
type StreamHandler interface {
	Handle(ctx context.Context, chunk stream.Chunk) error
	Result() map[string]any
}
