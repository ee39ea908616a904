package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobconnect/connector"
)

// stubTransport completes jobs immediately unless block is set.
type stubTransport struct {
	block     bool
	fail      error
	startErr  error
	healthErr error
	closed    atomic.Int32
	started   chan string
}

func (s *stubTransport) Kind() string                     { return "stub" }
func (s *stubTransport) Start(ctx context.Context) error  { return s.startErr }
func (s *stubTransport) Health(ctx context.Context) error { return s.healthErr }
func (s *stubTransport) Capabilities() connector.Capabilities {
	return connector.Capabilities{}
}

func (s *stubTransport) Close(ctx context.Context) error {
	s.closed.Add(1)
	return nil
}

func (s *stubTransport) Cancel(ctx context.Context, job *connector.ActiveJob) error {
	return connector.ErrCancelNotSupported
}

func (s *stubTransport) Execute(ctx context.Context, job *connector.ActiveJob, progress connector.Reporter) (*connector.Outcome, error) {
	if s.started != nil {
		s.started <- job.ID
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.fail != nil {
		return nil, s.fail
	}
	progress.Report(100, "done", connector.PhaseCompleted, nil)
	return &connector.Outcome{Data: map[string]any{"by": job.Data.Type}}, nil
}

func newStubConnector(t *testing.T, id, serviceType string, max int, tr *stubTransport) *connector.Connector {
	t.Helper()
	c, err := connector.New(connector.Config{
		ID:                id,
		ServiceType:       serviceType,
		BaseURL:           "http://" + id + ".invalid",
		Timeout:           5 * time.Second,
		MaxConcurrentJobs: max,
	}, tr, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return c
}
