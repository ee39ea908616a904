package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/jobconnect/errors"
)

// ActiveJob is a job the connector has accepted and not yet settled.
// It is owned by the Registry; transports read Data and record their
// correlation handle and phase on it.
type ActiveJob struct {
	ID        string
	Data      JobData
	StartTime time.Time

	mu       sync.Mutex
	remoteID string
	phase    string
	progress int

	cancel           context.CancelFunc
	cancelled        atomic.Bool
	backendCancelled atomic.Bool
	reporter         *jobReporter
}

// SetRemoteID records the backend's identifier for this job.
func (j *ActiveJob) SetRemoteID(id string) {
	j.mu.Lock()
	j.remoteID = id
	j.mu.Unlock()
}

// RemoteID returns the backend's identifier, or "" if none was assigned yet.
func (j *ActiveJob) RemoteID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.remoteID
}

// SetPhase records the transport state of this job.
func (j *ActiveJob) SetPhase(phase string) {
	j.mu.Lock()
	j.phase = phase
	j.mu.Unlock()
}

// Cancelled reports whether CancelJob was called for this job.
func (j *ActiveJob) Cancelled() bool {
	return j.cancelled.Load()
}

func (j *ActiveJob) setProgress(p int) {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
}

func (j *ActiveJob) snapshot() (phase string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase, j.progress
}

// Registry tracks active jobs and enforces the concurrency ceiling.
// Reserve checks capacity and registers in one critical section so
// concurrent submissions can never transiently exceed the limit.
type Registry struct {
	mu   sync.Mutex
	max  int
	jobs map[string]*ActiveJob
}

// NewRegistry creates a registry admitting at most max concurrent jobs.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:  max,
		jobs: make(map[string]*ActiveJob, max),
	}
}

// Reserve registers data as an active job. Fails with a capacity error when
// the ceiling is reached and with an invalid-request error when a job with
// the same id is already active.
func (r *Registry) Reserve(data JobData, now time.Time) (*ActiveJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[data.ID]; exists {
		return nil, errors.Newf("job %s is already active", data.ID)
	}
	if len(r.jobs) >= r.max {
		err := errors.Capacityf("concurrency ceiling reached: %d/%d jobs active", len(r.jobs), r.max)
		return nil, errors.WithHint(err, "retry after an active job completes or raise max_concurrent_jobs")
	}

	job := &ActiveJob{
		ID:        data.ID,
		Data:      data,
		StartTime: now,
		phase:     PhaseSubmitting,
	}
	r.jobs[data.ID] = job
	return job, nil
}

// Release removes job. It reports false if job was already released,
// which makes removal idempotent and exactly-once.
func (r *Registry) Release(job *ActiveJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[job.ID]
	if !ok || current != job {
		return false
	}
	delete(r.jobs, job.ID)
	return true
}

// Get returns the active job with the given id.
func (r *Registry) Get(id string) (*ActiveJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Len returns the number of active jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Max returns the concurrency ceiling.
func (r *Registry) Max() int {
	return r.max
}

// Snapshot returns the currently active jobs in no particular order.
func (r *Registry) Snapshot() []*ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]*ActiveJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}
