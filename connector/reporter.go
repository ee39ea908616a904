package connector

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/internal/util"
)

// Reporter is how a transport emits progress for one job.
type Reporter interface {
	Report(progress int, message, step string, metadata map[string]any)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(progress int, message, step string, metadata map[string]any)

// Report implements Reporter.
func (f ReporterFunc) Report(progress int, message, step string, metadata map[string]any) {
	f(progress, message, step, metadata)
}

// NopReporter discards progress.
var NopReporter Reporter = ReporterFunc(func(int, string, string, map[string]any) {})

// jobReporter delivers progress for a single job to the worker callback.
//
// Delivery is serialized. Once close returns no new event starts; an event
// already being delivered when close is called is allowed to finish, which
// lets a callback cancel its own job. Progress is clamped to [0,100] and
// never decreases within a job.
type jobReporter struct {
	mu         sync.Mutex // serializes delivery
	closed     atomic.Bool
	delivering atomic.Bool
	job        *ActiveJob
	cb         ProgressCallback
	last       int
	logger     *zap.SugaredLogger
}

func newJobReporter(job *ActiveJob, cb ProgressCallback, logger *zap.SugaredLogger) *jobReporter {
	return &jobReporter{job: job, cb: cb, last: -1, logger: logger}
}

func (r *jobReporter) Report(progress int, message, step string, metadata map[string]any) {
	if r.closed.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}

	progress = util.Clamp(progress, 0, 100)
	if progress < r.last {
		progress = r.last
	}
	r.last = progress
	r.job.setProgress(progress)

	if r.cb == nil {
		return
	}

	r.delivering.Store(true)
	defer func() {
		r.delivering.Store(false)
		if rec := recover(); rec != nil {
			r.logger.Warnw("Progress callback panicked",
				"job_id", r.job.ID,
				"panic", rec,
			)
		}
	}()

	r.cb(ProgressEvent{
		JobID:       r.job.ID,
		Progress:    progress,
		Message:     message,
		CurrentStep: step,
		Metadata:    metadata,
	})
}

// close stops delivery. Safe to call more than once, and from inside the
// callback.
func (r *jobReporter) close() {
	r.closed.Store(true)
	if r.delivering.Load() {
		return
	}
	// A Report may hold mu between its closed check and the callback; wait
	// for it so nothing is delivered after close returns.
	r.mu.Lock()
	r.mu.Unlock()
}
