package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/ledger"
	"github.com/teranos/jobconnect/logger"
	"github.com/teranos/jobconnect/metrics"
)

// Recorder stores terminal job outcomes. *ledger.Ledger implements it.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) error
}

// Dispatcher processes jobs on registered connectors.
type Dispatcher struct {
	registry *Registry
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder records every terminal result.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics updates m on every job and health check.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher over reg.
func New(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: reg, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logger.OrNop(d.logger).Named("dispatch")
	return d
}

// Registry returns the connector registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs job on the first connector that accepts it. Connectors
// that turn out to be full when the job is submitted are skipped in favor
// of the next candidate.
//
// As with Connector.ProcessJob, a non-nil error means no connector
// accepted the job; otherwise the result is terminal and was recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, job connector.JobData, cb connector.ProgressCallback) (connector.JobResult, error) {
	ctx = logger.WithJobID(ctx, job.ID)
	log := logger.FromContext(ctx, d.logger).With(logger.FieldJobType, job.Type)

	var lastErr error
	for attempt := 0; attempt < d.registry.Len(); attempt++ {
		c, err := d.registry.Select(job)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		d.metrics.JobStarted(c.ID())
		cctx := logger.WithConnector(ctx, c.ID())
		res, err := c.ProcessJob(cctx, job, cb)
		if err != nil {
			d.metrics.JobRejected(c.ID())
			lastErr = err
			if errors.Is(err, errors.ErrCapacity) {
				log.Debugw("Connector filled up, trying next", logger.FieldConnector, c.ID())
				continue
			}
			break
		}

		outcome := metrics.OutcomeSuccess
		if !res.Success {
			outcome = errors.Code(res.Err)
			if outcome == "" {
				outcome = "unknown"
			}
		}
		d.metrics.JobFinished(c.ID(), outcome, time.Duration(res.ProcessingTimeMs)*time.Millisecond)
		d.record(ctx, job, res, log)

		logger.FromContext(cctx, d.logger).Infow("Job finished",
			logger.FieldJobType, job.Type,
			logger.FieldStatus, outcome,
			logger.FieldDurationMS, res.ProcessingTimeMs,
		)
		return res, nil
	}

	if lastErr == nil {
		lastErr = errors.NotFoundf("no connectors registered")
	}
	log.Warnw("Job rejected",
		logger.FieldError, lastErr.Error(),
		logger.FieldErrorCode, errors.Code(lastErr),
	)
	return connector.JobResult{}, lastErr
}

// record stores res. The job context may already be cancelled, so the
// write gets its own short deadline.
func (d *Dispatcher) record(ctx context.Context, job connector.JobData, res connector.JobResult, log *zap.SugaredLogger) {
	if d.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.recorder.Record(rctx, ledger.NewEntry(job, res, d.now())); err != nil {
		log.Warnw("Failed to record job outcome", logger.FieldError, err.Error())
	}
}

// Cancel cancels jobID on whichever connector is running it.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	for _, c := range d.registry.All() {
		if _, ok := c.QueryJobStatus(jobID); ok {
			return c.CancelJob(ctx, jobID)
		}
	}
	return errors.NotFoundf("job %s is not active on any connector", jobID)
}

// InitializeAll initializes every connector concurrently. All connectors
// are attempted; the first failure is returned and the failed connectors
// stay offline.
func (d *Dispatcher) InitializeAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range d.registry.All() {
		g.Go(func() error {
			if err := c.Initialize(ctx); err != nil {
				d.logger.Warnw("Connector failed to initialize",
					logger.FieldConnector, c.ID(),
					logger.FieldError, err.Error(),
				)
				return errors.Wrapf(err, "initialize %s", c.ID())
			}
			return nil
		})
	}
	return g.Wait()
}

// CheckAll runs every connector's health check concurrently and returns
// the results by connector id.
func (d *Dispatcher) CheckAll(ctx context.Context) map[string]bool {
	all := d.registry.All()
	healthy := make([]bool, len(all))

	var g errgroup.Group
	g.SetLimit(8)
	for i, c := range all {
		g.Go(func() error {
			healthy[i] = c.CheckHealth(ctx)
			d.metrics.SetHealthy(c.ID(), healthy[i])
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(all))
	for i, c := range all {
		out[c.ID()] = healthy[i]
	}
	return out
}

// CleanupAll cancels every active job and closes every connector.
func (d *Dispatcher) CleanupAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range d.registry.All() {
		g.Go(func() error {
			return errors.Wrapf(c.Cleanup(ctx), "cleanup %s", c.ID())
		})
	}
	return g.Wait()
}
