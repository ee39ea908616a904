package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/connector/ws"
	"github.com/teranos/jobconnect/errors"
)

func TestClassify(t *testing.T) {
	a := New()
	tests := map[string]ws.FrameKind{
		"connected":     ws.FrameConnection,
		"job_accepted":  ws.FrameSubmitAck,
		"job_progress":  ws.FrameProgress,
		"job_completed": ws.FrameComplete,
		"job_failed":    ws.FrameError,
		"heartbeat":     ws.FrameHeartbeat,
		"heartbeat_ack": ws.FrameHeartbeat,
		"mystery":       ws.FrameUnknown,
	}
	for typ, want := range tests {
		assert.Equal(t, want, a.Classify(ws.Envelope{Type: typ}), typ)
	}
}

func TestJobIDFallsBackToPayload(t *testing.T) {
	a := New()
	assert.Equal(t, "top", a.JobID(ws.Envelope{JobID: "top", Payload: map[string]any{"job_id": "inner"}}))
	assert.Equal(t, "inner", a.JobID(ws.Envelope{Payload: map[string]any{"job_id": "inner"}}))
	assert.Empty(t, a.JobID(ws.Envelope{}))
}

func TestParsing(t *testing.T) {
	a := New()

	p := a.ParseProgress(ws.Envelope{Payload: map[string]any{"progress": 42.0, "message": "rendering", "step": "sample"}})
	assert.Equal(t, ws.Progress{Percent: 42, Message: "rendering", Step: "sample"}, p)

	assert.Equal(t, map[string]any{"text": "ok"},
		a.ParseResult(ws.Envelope{Payload: map[string]any{"job_id": "j", "result": map[string]any{"text": "ok"}}}))
	assert.Equal(t, map[string]any{"text": "ok"},
		a.ParseResult(ws.Envelope{Payload: map[string]any{"job_id": "j", "text": "ok"}}))

	assert.Equal(t, "boom", a.ParseError(ws.Envelope{Payload: map[string]any{"error": "boom"}}))
	assert.Equal(t, "gpu lost", a.ParseError(ws.Envelope{Payload: map[string]any{"error": map[string]any{"message": "gpu lost"}}}))
	assert.Equal(t, "r-9", a.RemoteID(ws.Envelope{Payload: map[string]any{"remote_job_id": "r-9"}}))
}

func TestBuildFrames(t *testing.T) {
	a := New()
	env, err := a.BuildSubmit(connector.JobData{ID: "j1", Type: "tts", Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, TypeSubmitJob, env.Type)
	assert.Equal(t, "j1", env.JobID)
	assert.Equal(t, "tts", env.Payload["job_type"])
	_, ok := env.Time()
	assert.True(t, ok)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hb := a.BuildHeartbeat(now)
	ts, ok := hb.Time()
	require.True(t, ok)
	assert.True(t, now.Equal(ts))

	c := a.BuildCancel("j1", "r-1")
	assert.Equal(t, TypeCancelJob, c.Type)
	assert.Equal(t, "r-1", c.Payload["remote_job_id"])
}

// relayServer acknowledges every submit, reports progress, then completes
// or fails depending on data.fail.
func relayServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(ws.Envelope{Type: TypeConnected})

		for {
			var env ws.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Type {
			case TypeHeartbeat:
				_ = conn.WriteJSON(ws.Envelope{Type: TypeHeartbeatAck, Timestamp: env.Timestamp})
			case TypeSubmitJob:
				data, _ := env.Payload["data"].(map[string]any)
				_ = conn.WriteJSON(ws.Envelope{Type: TypeJobAccepted, JobID: env.JobID, Payload: map[string]any{"remote_job_id": "r-" + env.JobID}})
				_ = conn.WriteJSON(ws.Envelope{Type: TypeJobProgress, Payload: map[string]any{"job_id": env.JobID, "progress": 60, "message": "working"}})
				if fail, _ := data["fail"].(bool); fail {
					_ = conn.WriteJSON(ws.Envelope{Type: TypeJobFailed, JobID: env.JobID, Payload: map[string]any{"error": "model crashed"}})
					continue
				}
				_ = conn.WriteJSON(ws.Envelope{Type: TypeJobCompleted, JobID: env.JobID, Payload: map[string]any{"result": map[string]any{"echo": data["text"]}}})
			}
		}
	}))
}

func TestAgainstServer(t *testing.T) {
	srv := relayServer(t)
	defer srv.Close()

	cfg := connector.Config{
		ID:                "relay",
		ServiceType:       "tts",
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		MaxConcurrentJobs: 2,
	}
	wcfg := ws.Config{
		HeartbeatInterval:    time.Second,
		HeartbeatGrace:       time.Second,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 1,
		MessageTimeout:       2 * time.Second,
	}
	log := zaptest.NewLogger(t).Sugar()
	tr, err := ws.New(cfg, wcfg, New(), log)
	require.NoError(t, err)
	c, err := connector.New(cfg, tr, log)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	defer func() { _ = c.Cleanup(context.Background()) }()

	var events []connector.ProgressEvent
	res, err := c.ProcessJob(context.Background(), connector.JobData{
		ID: "j1", Type: "tts", Payload: map[string]any{"text": "hello"},
	}, func(e connector.ProgressEvent) { events = append(events, e) })
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hello", res.Data["echo"])
	assert.Equal(t, "r-j1", res.Metadata[connector.MetaRemoteJobID])
	require.NotEmpty(t, events)
	assert.Equal(t, 60, events[0].Progress)

	res, err = c.ProcessJob(context.Background(), connector.JobData{
		ID: "j2", Type: "tts", Payload: map[string]any{"text": "x", "fail": true},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "model crashed")
	assert.True(t, errors.Is(res.Err, errors.ErrRequest))
}
