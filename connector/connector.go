package connector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

// Metadata keys attached to every JobResult.
const (
	MetaConnectorID      = "connector_id"
	MetaServiceType      = "service_type"
	MetaTransport        = "transport"
	MetaJobType          = "job_type"
	MetaRemoteJobID      = "remote_job_id"
	MetaErrorCode        = "error_code"
	MetaBackendCancelled = "backend_cancelled"
)

// Connector presents the uniform job-lifecycle contract on top of one
// Transport. It owns the active-job registry, the concurrency ceiling and
// progress delivery; the transport owns the wire protocol.
type Connector struct {
	cfg       Config
	transport Transport
	registry  *Registry
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu              sync.RWMutex
	status          Status
	lastHealthCheck time.Time
	lastError       string
	closed          bool
}

// New creates a connector. cfg is validated here and never re-read from
// the environment afterwards.
func New(cfg Config, transport Transport, log *zap.SugaredLogger) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.Configurationf("connector %s: transport is required", cfg.ID)
	}
	log = logger.OrNop(log)

	return &Connector{
		cfg:       cfg,
		transport: transport,
		registry:  NewRegistry(cfg.MaxConcurrentJobs),
		logger:    log.Named(cfg.ID).With(logger.FieldConnector, cfg.ID),
		now:       time.Now,
		status:    StatusInitializing,
	}, nil
}

// ID returns the connector id.
func (c *Connector) ID() string { return c.cfg.ID }

// Config returns the immutable connector settings.
func (c *Connector) Config() Config { return c.cfg }

// Initialize starts the transport. On failure the connector reports offline.
func (c *Connector) Initialize(ctx context.Context) error {
	c.logger.Infow("Initializing connector",
		logger.FieldTransport, c.transport.Kind(),
		"service_type", c.cfg.ServiceType,
		"base_url", c.cfg.BaseURL,
	)

	if err := c.transport.Start(ctx); err != nil {
		c.setStatus(StatusOffline, err)
		return errors.Wrapf(err, "initialize connector %s", c.cfg.ID)
	}

	c.setStatus(StatusReady, nil)
	return nil
}

// CheckHealth checks the backend. Advisory only: it updates the reported
// status and never touches in-flight jobs.
func (c *Connector) CheckHealth(ctx context.Context) bool {
	err := c.transport.Health(ctx)

	c.mu.Lock()
	c.lastHealthCheck = c.now()
	c.mu.Unlock()

	switch {
	case err == nil:
		c.setStatus(c.availability(), nil)
		return true
	case errors.Is(err, errors.ErrConnection):
		c.setStatus(StatusOffline, err)
	default:
		c.setStatus(StatusError, err)
	}

	c.logger.Warnw("Health check failed",
		logger.FieldError, err.Error(),
		logger.FieldErrorCode, errors.Code(err),
	)
	return false
}

// CanProcessJob reports whether the job type is accepted and a slot is free.
func (c *Connector) CanProcessJob(data JobData) bool {
	if c.isClosed() || !c.cfg.Accepts(data.Type) {
		return false
	}
	return c.registry.Len() < c.registry.Max()
}

// ProcessJob drives one job to its terminal result.
//
// A non-nil error means the job was rejected before it was accepted
// (capacity, duplicate id, unsupported type, closed connector). Once
// accepted, every outcome is a JobResult; failures carry Err.
func (c *Connector) ProcessJob(ctx context.Context, data JobData, cb ProgressCallback) (JobResult, error) {
	if c.isClosed() {
		return JobResult{}, errors.Connectionf("connector %s is closed", c.cfg.ID)
	}
	if data.ID == "" {
		return JobResult{}, errors.New("job id is required")
	}
	if !c.cfg.Accepts(data.Type) {
		return JobResult{}, errors.Newf("connector %s does not handle job type %q", c.cfg.ID, data.Type)
	}

	job, err := c.registry.Reserve(data, c.now())
	if err != nil {
		return JobResult{}, err
	}

	log := c.logger.With(logger.FieldJobID, job.ID, logger.FieldJobType, data.Type)
	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	job.cancel = cancel
	job.reporter = newJobReporter(job, cb, log)
	c.refreshAvailability()

	log.Debugw("Job accepted", "active", c.registry.Len(), "max", c.registry.Max())

	outcome, execErr := c.execute(jobCtx, job, log)

	job.reporter.close()
	cancel()
	c.registry.Release(job)
	c.refreshAvailability()

	// A cancelled job settles as cancelled regardless of what the transport
	// observed while being torn down.
	if job.Cancelled() {
		execErr = errors.Cancelledf("job %s cancelled", job.ID)
	} else if execErr != nil && ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && !errors.Is(execErr, errors.ErrTimeout) {
		execErr = errors.WrapTimeout(execErr, "job exceeded timeout")
	}

	result := c.buildResult(job, outcome, execErr)
	if execErr != nil {
		job.SetPhase(PhaseFailed)
		log.Infow("Job failed",
			logger.FieldError, execErr.Error(),
			logger.FieldErrorCode, errors.Code(execErr),
			logger.FieldDurationMS, result.ProcessingTimeMs,
		)
	} else {
		job.SetPhase(PhaseCompleted)
		log.Infow("Job completed", logger.FieldDurationMS, result.ProcessingTimeMs)
	}
	return result, nil
}

// execute runs the transport, turning a panic into a job failure so that
// the job still settles exactly once.
func (c *Connector) execute(ctx context.Context, job *ActiveJob, log *zap.SugaredLogger) (outcome *Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorw("Transport panicked", "panic", rec)
			outcome = nil
			err = errors.AssertionFailedf("transport panic: %v", rec)
		}
	}()
	return c.transport.Execute(ctx, job, job.reporter)
}

func (c *Connector) buildResult(job *ActiveJob, outcome *Outcome, err error) JobResult {
	meta := map[string]any{
		MetaConnectorID: c.cfg.ID,
		MetaServiceType: c.cfg.ServiceType,
		MetaTransport:   c.transport.Kind(),
		MetaJobType:     job.Data.Type,
	}
	if remote := job.RemoteID(); remote != "" {
		meta[MetaRemoteJobID] = remote
	}

	result := JobResult{
		ProcessingTimeMs: c.now().Sub(job.StartTime).Milliseconds(),
		Metadata:         meta,
	}
	if outcome != nil {
		for k, v := range outcome.Metadata {
			meta[k] = v
		}
		result.Data = outcome.Data
	}

	if job.Cancelled() {
		meta[MetaBackendCancelled] = job.backendCancelled.Load()
	}

	if err != nil {
		meta[MetaErrorCode] = errors.Code(err)
		result.Err = err
		result.Error = err.Error()
		return result
	}

	result.Success = true
	return result
}

// CancelJob cooperatively cancels an active job. Once it returns, no further
// ProgressEvent is delivered for the job. Backend-side abort is best effort.
func (c *Connector) CancelJob(ctx context.Context, id string) error {
	job, ok := c.registry.Get(id)
	if !ok {
		return errors.NotFoundf("job %s is not active on connector %s", id, c.cfg.ID)
	}
	c.cancelJob(ctx, job)
	return nil
}

func (c *Connector) cancelJob(ctx context.Context, job *ActiveJob) {
	if !job.cancelled.CompareAndSwap(false, true) {
		return
	}
	job.SetPhase(PhaseCancelled)
	if job.reporter != nil {
		job.reporter.close()
	}

	// Ask the backend before tearing down the job context so the transport
	// still has the remote id and its connection.
	err := c.transport.Cancel(ctx, job)
	switch {
	case err == nil:
		job.backendCancelled.Store(true)
	case errors.Is(err, ErrCancelNotSupported):
		c.logger.Debugw("Backend has no cancel endpoint, stopping locally", logger.FieldJobID, job.ID)
	default:
		c.logger.Warnw("Backend cancel failed", logger.FieldJobID, job.ID, logger.FieldError, err.Error())
	}

	if job.cancel != nil {
		job.cancel()
	}
	c.logger.Infow("Job cancelled", logger.FieldJobID, job.ID)
}

// QueryJobStatus reports the state of an active job.
func (c *Connector) QueryJobStatus(id string) (JobStatus, bool) {
	job, ok := c.registry.Get(id)
	if !ok {
		return JobStatus{}, false
	}
	phase, progress := job.snapshot()
	caps := c.transport.Capabilities()
	return JobStatus{
		Status:       phase,
		Progress:     progress,
		CanReconnect: caps.CanReconnect,
		CanCancel:    caps.CanCancel,
	}, true
}

// Info returns a health snapshot of the connector.
func (c *Connector) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:                c.cfg.ID,
		ServiceType:       c.cfg.ServiceType,
		Transport:         c.transport.Kind(),
		Status:            c.status,
		ActiveJobs:        c.registry.Len(),
		MaxConcurrentJobs: c.registry.Max(),
		LastHealthCheck:   c.lastHealthCheck,
		LastError:         c.lastError,
	}
}

// Status returns the advisory status.
func (c *Connector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Cleanup cancels every active job and closes the transport. Safe to call
// with jobs still active, and more than once.
func (c *Connector) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	active := c.registry.Snapshot()
	if len(active) > 0 {
		c.logger.Infow("Cancelling active jobs during cleanup", logger.FieldCount, len(active))
	}
	for _, job := range active {
		c.cancelJob(ctx, job)
	}

	err := c.transport.Close(ctx)
	c.setStatus(StatusOffline, nil)
	if err != nil {
		return errors.Wrapf(err, "close transport for connector %s", c.cfg.ID)
	}
	return nil
}

func (c *Connector) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connector) availability() Status {
	if c.registry.Len() >= c.registry.Max() {
		return StatusBusy
	}
	return StatusReady
}

// refreshAvailability flips between ready and busy; offline and error are
// only cleared by a successful health check.
func (c *Connector) refreshAvailability() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusReady || c.status == StatusBusy {
		c.status = c.availability()
	}
}

func (c *Connector) setStatus(s Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	if err != nil {
		c.lastError = err.Error()
	}
}

// ErrCancelNotSupported is returned by Transport.Cancel when the backend has
// no cancel endpoint; the stop is then local-only.
var ErrCancelNotSupported = errors.New("backend cancel not supported")
