// Package openai adapts OpenAI-compatible chat completion APIs (OpenAI,
// OpenRouter, vLLM, Ollama) to the REST transport.
//
// Responses are self-contained: no polling. When the job payload sets
// "stream": true the response is consumed as Server-Sent Events.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/connector/rest"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/stream"
)

// Name is the adapter name used in configuration.
const Name = "openai"

// DefaultModel is used when neither the job nor the config names one.
const DefaultModel = "openai/gpt-4o-mini"

// Payload keys read from JobData.Payload.
const (
	PayloadMessages     = "messages"
	PayloadPrompt       = "prompt"
	PayloadSystemPrompt = "system_prompt"
	PayloadModel        = "model"
	PayloadTemperature  = "temperature"
	PayloadMaxTokens    = "max_tokens"
	PayloadStream       = "stream"
)

// Config holds adapter defaults.
type Config struct {
	Model       string
	Temperature *float64 // nil = backend default
	MaxTokens   *int     // nil = backend default
}

// Adapter speaks /chat/completions.
type Adapter struct {
	cfg Config
}

var (
	_ rest.Adapter       = (*Adapter)(nil)
	_ rest.StreamAdapter = (*Adapter)(nil)
)

// New creates an adapter.
func New(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Adapter{cfg: cfg}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the request body of /chat/completions.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatCompletionResponse is the non-streamed response.
type ChatCompletionResponse struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Choices []Choice  `json:"choices"`
	Usage   *Usage    `json:"usage,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is the error object some providers return with a 200 status.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// BuildSubmit builds the chat completion request from the payload.
func (a *Adapter) BuildSubmit(job connector.JobData) (rest.Request, error) {
	messages, err := buildMessages(job)
	if err != nil {
		return rest.Request{}, err
	}

	req := ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Stream:      a.Streams(job),
	}
	if m, ok := job.Payload[PayloadModel].(string); ok && m != "" {
		req.Model = m
	}
	if v, ok := job.Payload[PayloadTemperature].(float64); ok {
		req.Temperature = &v
	}
	if v, ok := job.Payload[PayloadMaxTokens].(float64); ok {
		n := int(v)
		req.MaxTokens = &n
	}

	header := http.Header{}
	if req.Stream {
		header.Set("Accept", "text/event-stream")
	}
	return rest.Request{
		Method: http.MethodPost,
		Path:   "/chat/completions",
		Header: header,
		Body:   req,
	}, nil
}

func buildMessages(job connector.JobData) ([]Message, error) {
	var messages []Message
	if sys, ok := job.Payload[PayloadSystemPrompt].(string); ok && sys != "" {
		messages = append(messages, Message{Role: "system", Content: sys})
	}

	if raw, ok := job.Payload[PayloadMessages].([]any); ok {
		for i, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errors.Newf("job %s: messages[%d] is not an object", job.ID, i)
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if role == "" {
				return nil, errors.Newf("job %s: messages[%d] has no role", job.ID, i)
			}
			messages = append(messages, Message{Role: role, Content: content})
		}
	} else if prompt, ok := job.Payload[PayloadPrompt].(string); ok && prompt != "" {
		messages = append(messages, Message{Role: "user", Content: prompt})
	}

	if len(messages) == 0 || messages[len(messages)-1].Role == "system" {
		return nil, errors.WithHint(
			errors.Newf("job %s has no user messages", job.ID),
			"set payload.prompt or payload.messages",
		)
	}
	return messages, nil
}

// ParseSubmit turns the completion into a terminal result.
func (a *Adapter) ParseSubmit(job connector.JobData, body []byte) (rest.Submission, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return rest.Submission{}, errors.Mark(errors.Wrap(err, "failed to decode chat completion"), errors.ErrProtocol)
	}
	if resp.Error != nil {
		return rest.Submission{}, errors.Mark(errors.Newf("provider error: %s", resp.Error.Message), errors.ErrRequest)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return rest.Submission{}, errors.Protocolf("chat completion has no choices")
	}

	choice := resp.Choices[0]
	result := map[string]any{
		"content":       choice.Message.Content,
		"model":         resp.Model,
		"finish_reason": choice.FinishReason,
	}
	if resp.ID != "" {
		result["completion_id"] = resp.ID
	}
	if resp.Usage != nil {
		result["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	return rest.Submission{Result: result}, nil
}

// StatusRequest is never used: completions are self-contained.
func (a *Adapter) StatusRequest(remoteID string) rest.Request {
	return rest.Request{Method: http.MethodGet, Path: "/models"}
}

// ParseStatus only understands the empty payload.
func (a *Adapter) ParseStatus(remoteID string, body []byte) (rest.StatusUpdate, error) {
	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "{}" {
		return rest.StatusUpdate{Status: connector.PhaseQueued}, nil
	}
	return rest.StatusUpdate{}, errors.Protocolf("chat completions have no status endpoint")
}

// HealthRequest lists models.
func (a *Adapter) HealthRequest() rest.Request {
	return rest.Request{Method: http.MethodGet, Path: "/models"}
}

// Streams reports whether the job asked for a streamed response.
func (a *Adapter) Streams(job connector.JobData) bool {
	s, _ := job.Payload[PayloadStream].(bool)
	return s
}

// NewStreamHandler accumulates choices[0].delta.content.
func (a *Adapter) NewStreamHandler(job connector.JobData) rest.StreamHandler {
	return &streamHandler{}
}

type streamHandler struct {
	content      strings.Builder
	model        string
	finishReason string
	usage        *Usage
	deltas       int
}

// doneMarker terminates an OpenAI event stream.
const doneMarker = "[DONE]"

func (h *streamHandler) Handle(ctx context.Context, chunk stream.Chunk) error {
	data := bytes.TrimSpace(chunk.Data)
	if len(data) == 0 {
		return nil
	}
	if string(data) == doneMarker {
		return stream.Stop
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to decode stream chunk"), errors.ErrProtocol)
	}
	if resp.Error != nil {
		return errors.Mark(errors.Newf("provider error: %s", resp.Error.Message), errors.ErrRequest)
	}
	if resp.Model != "" {
		h.model = resp.Model
	}
	if resp.Usage != nil {
		h.usage = resp.Usage
	}
	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]
	if choice.Delta != nil && choice.Delta.Content != "" {
		h.content.WriteString(choice.Delta.Content)
		h.deltas++
	}
	if choice.FinishReason != "" {
		h.finishReason = choice.FinishReason
	}
	return nil
}

func (h *streamHandler) Result() map[string]any {
	result := map[string]any{
		"content":       h.content.String(),
		"model":         h.model,
		"finish_reason": h.finishReason,
		"deltas":        h.deltas,
	}
	if h.usage != nil {
		result["usage"] = map[string]any{
			"prompt_tokens":     h.usage.PromptTokens,
			"completion_tokens": h.usage.CompletionTokens,
			"total_tokens":      h.usage.TotalTokens,
		}
	}
	return result
}
