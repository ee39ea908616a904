package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/connector/rest"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/stream"
)

func TestBuildSubmit(t *testing.T) {
	temp := 0.2
	a := New(Config{Temperature: &temp})

	req, err := a.BuildSubmit(connector.JobData{ID: "j", Payload: map[string]any{
		"system_prompt": "be brief",
		"prompt":        "hello",
		"max_tokens":    float64(64),
	}})
	require.NoError(t, err)
	assert.Equal(t, "/chat/completions", req.Path)
	assert.Empty(t, req.Header.Get("Accept"))

	body := req.Body.(ChatCompletionRequest)
	assert.Equal(t, DefaultModel, body.Model)
	assert.Equal(t, []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}}, body.Messages)
	assert.Equal(t, 0.2, *body.Temperature)
	assert.Equal(t, 64, *body.MaxTokens)
	assert.False(t, body.Stream)
}

func TestBuildSubmitMessagesAndStream(t *testing.T) {
	a := New(Config{Model: "local/llama"})
	req, err := a.BuildSubmit(connector.JobData{ID: "j", Payload: map[string]any{
		"model":  "other/model",
		"stream": true,
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
			map[string]any{"role": "user", "content": "again"},
		},
	}})
	require.NoError(t, err)

	body := req.Body.(ChatCompletionRequest)
	assert.Equal(t, "other/model", body.Model)
	assert.Len(t, body.Messages, 3)
	assert.True(t, body.Stream)
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
}

func TestBuildSubmitRejectsEmpty(t *testing.T) {
	a := New(Config{})
	_, err := a.BuildSubmit(connector.JobData{ID: "j", Payload: map[string]any{"system_prompt": "x"}})
	require.Error(t, err)

	_, err = a.BuildSubmit(connector.JobData{ID: "j", Payload: map[string]any{"messages": []any{"text"}}})
	require.Error(t, err)
}

func TestParseSubmit(t *testing.T) {
	a := New(Config{})
	sub, err := a.ParseSubmit(connector.JobData{}, []byte(`{
		"id":"cmpl-1","model":"m",
		"choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	require.NoError(t, err)
	assert.True(t, sub.SelfContained())
	assert.Equal(t, "hi there", sub.Result["content"])
	assert.Equal(t, "stop", sub.Result["finish_reason"])
	assert.Equal(t, 5, sub.Result["usage"].(map[string]any)["total_tokens"])

	_, err = a.ParseSubmit(connector.JobData{}, []byte(`{"error":{"message":"rate limited"}}`))
	assert.True(t, errors.Is(err, errors.ErrRequest))

	_, err = a.ParseSubmit(connector.JobData{}, []byte(`{"choices":[]}`))
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func TestParseStatusEmptyIsQueued(t *testing.T) {
	u, err := New(Config{}).ParseStatus("x", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, connector.PhaseQueued, u.Status)
	assert.False(t, u.Completed)
	assert.False(t, u.Failed)
}

func TestStreamHandler(t *testing.T) {
	h := New(Config{}).NewStreamHandler(connector.JobData{})
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, stream.Chunk{Data: []byte(`{"model":"m","choices":[{"delta":{"role":"assistant"}}]}`)}))
	require.NoError(t, h.Handle(ctx, stream.Chunk{Data: []byte(`{"choices":[{"delta":{"content":"Hel"}}]}`)}))
	require.NoError(t, h.Handle(ctx, stream.Chunk{Data: []byte(`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`)}))
	assert.ErrorIs(t, h.Handle(ctx, stream.Chunk{Data: []byte(`[DONE]`)}), stream.Stop)

	res := h.Result()
	assert.Equal(t, "Hello", res["content"])
	assert.Equal(t, "m", res["model"])
	assert.Equal(t, "stop", res["finish_reason"])
	assert.Equal(t, 2, res["deltas"])

	err := h.Handle(ctx, stream.Chunk{Data: []byte(`{broken`)})
	assert.True(t, errors.Is(err, errors.ErrProtocol))
}

func newConnector(t *testing.T, url string) (*connector.Connector, *rest.Transport) {
	t.Helper()
	cfg := connector.Config{
		ID:                "llm",
		ServiceType:       "text_generation",
		BaseURL:           url,
		Auth:              connector.AuthConfig{Type: connector.AuthBearer, Token: "sk-test"},
		Timeout:           2 * time.Second,
		RetryAttempts:     0,
		MaxConcurrentJobs: 2,
	}
	rcfg := rest.Config{
		PollingInterval: time.Second,
		Stream:          stream.Config{ChunkTimeout: time.Second, ProgressInterval: 2},
	}
	log := zaptest.NewLogger(t).Sugar()
	tr, err := rest.New(cfg, rcfg, New(Config{}), nil, log)
	require.NoError(t, err)
	c, err := connector.New(cfg, tr, log)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	return c, tr
}

func TestAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if !req.Stream {
			_, _ = w.Write([]byte(`{"model":"m","choices":[{"message":{"role":"assistant","content":"whole"},"finish_reason":"stop"}]}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"a", "b", "c", "d"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, tr := newConnector(t, srv.URL)
	assert.False(t, tr.Capabilities().CanCancel)

	res, err := c.ProcessJob(context.Background(), connector.JobData{
		ID: "j1", Type: "text_generation", Payload: map[string]any{"prompt": "hi"},
	}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "whole", res.Data["content"])

	var progress []int
	res, err = c.ProcessJob(context.Background(), connector.JobData{
		ID: "j2", Type: "text_generation", Payload: map[string]any{"prompt": "hi", "stream": true},
	}, func(e connector.ProgressEvent) { progress = append(progress, e.Progress) })
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "abcd", res.Data["content"])
	assert.Equal(t, true, res.Metadata["stream_stopped"])
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
}
