package connector

import (
	"context"
	"sync"
	"sync/atomic"
)

// fakeTransport runs jobs through a caller-supplied function.
type fakeTransport struct {
	run       func(ctx context.Context, job *ActiveJob, progress Reporter) (*Outcome, error)
	startErr  error
	healthErr error
	cancelErr error
	caps      Capabilities

	mu         sync.Mutex
	cancelled  []string
	closeCount atomic.Int32
}

func (f *fakeTransport) Kind() string                     { return "fake" }
func (f *fakeTransport) Start(ctx context.Context) error  { return f.startErr }
func (f *fakeTransport) Health(ctx context.Context) error { return f.healthErr }
func (f *fakeTransport) Capabilities() Capabilities       { return f.caps }

func (f *fakeTransport) Close(ctx context.Context) error {
	f.closeCount.Add(1)
	return nil
}

func (f *fakeTransport) Execute(ctx context.Context, job *ActiveJob, progress Reporter) (*Outcome, error) {
	if f.run == nil {
		return &Outcome{Data: map[string]any{"ok": true}}, nil
	}
	return f.run(ctx, job, progress)
}

func (f *fakeTransport) Cancel(ctx context.Context, job *ActiveJob) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, job.ID)
	f.mu.Unlock()
	return f.cancelErr
}

// blockUntilDone parks the job until its context ends.
func blockUntilDone(started chan<- string) func(context.Context, *ActiveJob, Reporter) (*Outcome, error) {
	return func(ctx context.Context, job *ActiveJob, _ Reporter) (*Outcome, error) {
		if started != nil {
			started <- job.ID
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}
