// Package comfyui adapts a ComfyUI server to the REST transport.
//
// Submission is POST /prompt with the workflow graph; the returned prompt_id
// is polled at GET /history/{prompt_id} until the history entry reports
// success or error.
package comfyui

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/connector/rest"
	"github.com/teranos/jobconnect/errors"
)

// Name is the adapter name used in configuration.
const Name = "comfyui"

// Payload keys read from JobData.Payload.
const (
	PayloadWorkflow = "workflow" // node graph, sent as "prompt"
	PayloadPrompt   = "prompt"   // alias for workflow
)

// Status strings reported by ComfyUI history entries.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// Adapter speaks the ComfyUI HTTP API.
type Adapter struct {
	clientID string
}

var (
	_ rest.Adapter   = (*Adapter)(nil)
	_ rest.Canceller = (*Adapter)(nil)
)

// New creates an adapter. An empty clientID gets a random one.
func New(clientID string) *Adapter {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Adapter{clientID: clientID}
}

// ClientID is the client_id sent with every prompt.
func (a *Adapter) ClientID() string { return a.clientID }

type submitRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
	Error      any            `json:"error"`
}

// BuildSubmit wraps the job's workflow graph in a /prompt request.
func (a *Adapter) BuildSubmit(job connector.JobData) (rest.Request, error) {
	graph, ok := job.Payload[PayloadWorkflow].(map[string]any)
	if !ok {
		graph, ok = job.Payload[PayloadPrompt].(map[string]any)
	}
	if !ok || len(graph) == 0 {
		return rest.Request{}, errors.WithHint(
			errors.Newf("job %s has no workflow graph", job.ID),
			"set payload.workflow to a ComfyUI API-format node graph",
		)
	}
	return rest.Request{
		Method: http.MethodPost,
		Path:   "/prompt",
		Body:   submitRequest{Prompt: graph, ClientID: a.clientID},
	}, nil
}

// ParseSubmit extracts prompt_id. Node validation errors fail the job.
func (a *Adapter) ParseSubmit(job connector.JobData, body []byte) (rest.Submission, error) {
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return rest.Submission{}, errors.Mark(errors.Wrap(err, "failed to decode /prompt response"), errors.ErrProtocol)
	}
	if len(resp.NodeErrors) > 0 || resp.Error != nil {
		return rest.Submission{}, errors.Mark(
			errors.Newf("workflow rejected: %s", describe(resp.Error, resp.NodeErrors)),
			errors.ErrRequest,
		)
	}
	if resp.PromptID == "" {
		return rest.Submission{}, errors.Protocolf("/prompt response has no prompt_id")
	}
	return rest.Submission{RemoteID: resp.PromptID}, nil
}

// StatusRequest polls the history entry of one prompt.
func (a *Adapter) StatusRequest(remoteID string) rest.Request {
	return rest.Request{Method: http.MethodGet, Path: "/history/" + url.PathEscape(remoteID)}
}

// CancelRequest interrupts the prompt currently executing. ComfyUI's
// interrupt is global to the server, not scoped to remoteID.
func (a *Adapter) CancelRequest(remoteID string) rest.Request {
	return rest.Request{Method: http.MethodPost, Path: "/interrupt"}
}

// HealthRequest queries /system_stats.
func (a *Adapter) HealthRequest() rest.Request {
	return rest.Request{Method: http.MethodGet, Path: "/system_stats"}
}

type historyEntry struct {
	Status  *historyStatus            `json:"status"`
	Outputs map[string]map[string]any `json:"outputs"`
}

type historyStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
	Messages  []any  `json:"messages"`
}

// ParseStatus reads either {prompt_id: entry} or a flattened entry of the
// form {status: "success", outputs: {...}}. An empty body or object means
// the prompt is still queued.
func (a *Adapter) ParseStatus(remoteID string, body []byte) (rest.StatusUpdate, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return rest.StatusUpdate{Status: connector.PhaseQueued, Message: "queued"}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return rest.StatusUpdate{}, errors.Mark(errors.Wrap(err, "failed to decode history"), errors.ErrProtocol)
	}
	if len(raw) == 0 {
		return rest.StatusUpdate{Status: connector.PhaseQueued, Message: "queued"}, nil
	}

	if nested, ok := raw[remoteID]; ok {
		var entry historyEntry
		if err := json.Unmarshal(nested, &entry); err != nil {
			return rest.StatusUpdate{}, errors.Mark(errors.Wrap(err, "failed to decode history entry"), errors.ErrProtocol)
		}
		return classify(remoteID, entry.Status, entry.Outputs), nil
	}

	var flat struct {
		Status  json.RawMessage           `json:"status"`
		Outputs map[string]map[string]any `json:"outputs"`
		Error   string                    `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return rest.StatusUpdate{}, errors.Mark(errors.Wrap(err, "failed to decode history"), errors.ErrProtocol)
	}
	var str string
	if err := json.Unmarshal(flat.Status, &str); err == nil {
		st := &historyStatus{StatusStr: str, Completed: str == statusSuccess}
		if flat.Error != "" {
			st.Messages = []any{flat.Error}
		}
		return classify(remoteID, st, flat.Outputs), nil
	}
	var st historyStatus
	if err := json.Unmarshal(flat.Status, &st); err == nil && (st.StatusStr != "" || st.Completed) {
		return classify(remoteID, &st, flat.Outputs), nil
	}

	// History holds other prompts only.
	return rest.StatusUpdate{Status: connector.PhaseQueued, Message: "queued"}, nil
}

func classify(remoteID string, st *historyStatus, outputs map[string]map[string]any) rest.StatusUpdate {
	if st == nil {
		return rest.StatusUpdate{Status: connector.PhaseRunning, Progress: 50, Message: "executing"}
	}
	switch {
	case st.StatusStr == statusError:
		return rest.StatusUpdate{
			Status:   connector.PhaseFailed,
			Failed:   true,
			Error:    executionError(st.Messages),
			Metadata: map[string]any{"status_str": st.StatusStr},
		}
	case st.StatusStr == statusSuccess || st.Completed:
		return rest.StatusUpdate{
			Status:    connector.PhaseCompleted,
			Progress:  100,
			Completed: true,
			Message:   "completed",
			Result: map[string]any{
				"prompt_id": remoteID,
				"images":    collectImages(outputs),
			},
			Metadata: map[string]any{"status_str": st.StatusStr},
		}
	default:
		return rest.StatusUpdate{Status: connector.PhaseRunning, Progress: 50, Message: "executing"}
	}
}

// Image describes one generated file. Bytes are fetched by the caller from
// /view with these parameters.
type Image struct {
	NodeID    string `json:"node_id"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// collectImages flattens outputs into image descriptors, ordered by node id.
func collectImages(outputs map[string]map[string]any) []Image {
	nodes := make([]string, 0, len(outputs))
	for id := range outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	images := make([]Image, 0)
	for _, node := range nodes {
		list, _ := outputs[node]["images"].([]any)
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			img := Image{NodeID: node}
			img.Filename, _ = m["filename"].(string)
			img.Subfolder, _ = m["subfolder"].(string)
			img.Type, _ = m["type"].(string)
			if img.Filename != "" {
				images = append(images, img)
			}
		}
	}
	return images
}

// executionError finds the exception message in ComfyUI status messages,
// which are [event, data] pairs.
func executionError(messages []any) string {
	for _, msg := range messages {
		switch m := msg.(type) {
		case string:
			return m
		case []any:
			if len(m) != 2 || m[0] != "execution_error" {
				continue
			}
			if data, ok := m[1].(map[string]any); ok {
				if text, ok := data["exception_message"].(string); ok && text != "" {
					return strings.TrimSpace(text)
				}
			}
		}
	}
	return "workflow execution failed"
}

func describe(errField any, nodeErrors map[string]any) string {
	if m, ok := errField.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok {
			return msg
		}
	}
	if s, ok := errField.(string); ok && s != "" {
		return s
	}
	ids := make([]string, 0, len(nodeErrors))
	for id := range nodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "invalid nodes " + strings.Join(ids, ", ")
}
