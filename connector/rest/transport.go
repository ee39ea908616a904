// Package rest implements the submit-then-poll transport.
//
// Per job: SUBMITTING -> POLLING -> {COMPLETED | FAILED | TIMEOUT | CANCELLED}.
// Self-contained submit responses skip POLLING, and adapters implementing
// StreamAdapter consume the submit response as an event stream instead.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/internal/httpclient"
	"github.com/teranos/jobconnect/logger"
	"github.com/teranos/jobconnect/stream"
	"github.com/teranos/jobconnect/version"
)

// Kind is the transport family name.
const Kind = "rest"

const cancelRequestTimeout = 5 * time.Second

// Config holds REST-specific settings.
type Config struct {
	PollingInterval   time.Duration
	RequestsPerSecond float64 // zero disables client-side rate limiting
	Burst             int
	Stream            stream.Config
}

// Validate checks the REST settings.
func (c Config) Validate() error {
	if c.PollingInterval <= 0 {
		return errors.Configurationf("polling_interval_ms must be > 0")
	}
	if c.RequestsPerSecond < 0 {
		return errors.Configurationf("requests_per_second must be >= 0, got %v", c.RequestsPerSecond)
	}
	return c.Stream.Validate()
}

// Transport drives jobs against a REST backend.
type Transport struct {
	cfg       connector.Config
	rcfg      Config
	adapter   Adapter
	client    *httpclient.Client
	limiter   *rate.Limiter
	processor *stream.Processor
	logger    *zap.SugaredLogger
}

// New creates a REST transport. client may be nil.
func New(cfg connector.Config, rcfg Config, adapter Adapter, client *httpclient.Client, log *zap.SugaredLogger) (*Transport, error) {
	if err := rcfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "connector %s", cfg.ID)
	}
	if adapter == nil {
		return nil, errors.Configurationf("connector %s: rest adapter is required", cfg.ID)
	}
	if client == nil {
		client = httpclient.New(0, httpclient.Options{})
	}
	log = logger.OrNop(log).Named("rest")

	t := &Transport{
		cfg:       cfg,
		rcfg:      rcfg,
		adapter:   adapter,
		client:    client,
		processor: stream.NewProcessor(rcfg.Stream, log),
		logger:    log,
	}
	if rcfg.RequestsPerSecond > 0 {
		burst := rcfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rcfg.RequestsPerSecond), burst)
	}
	return t, nil
}

// Kind implements connector.Transport.
func (t *Transport) Kind() string { return Kind }

// Start validates the backend URL; REST holds no long-lived connection.
func (t *Transport) Start(ctx context.Context) error {
	if _, err := t.client.ValidateURL(t.cfg.BaseURL); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid base_url"), errors.ErrConfiguration)
	}
	return nil
}

// Health sends the adapter's health request.
func (t *Transport) Health(ctx context.Context) error {
	_, err := t.do(ctx, t.adapter.HealthRequest())
	return err
}

// Capabilities implements connector.Transport.
func (t *Transport) Capabilities() connector.Capabilities {
	_, canCancel := t.adapter.(Canceller)
	return connector.Capabilities{CanCancel: canCancel, CanReconnect: true}
}

// Close releases idle connections.
func (t *Transport) Close(ctx context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}

// Cancel sends the backend cancel request when the adapter has one.
func (t *Transport) Cancel(ctx context.Context, job *connector.ActiveJob) error {
	canceller, ok := t.adapter.(Canceller)
	if !ok {
		return connector.ErrCancelNotSupported
	}
	remoteID := job.RemoteID()
	if remoteID == "" {
		return errors.Wrap(connector.ErrCancelNotSupported, "job not yet submitted")
	}

	ctx, cancel := context.WithTimeout(ctx, cancelRequestTimeout)
	defer cancel()
	_, err := t.do(ctx, canceller.CancelRequest(remoteID))
	return err
}

// Execute implements connector.Transport.
func (t *Transport) Execute(ctx context.Context, job *connector.ActiveJob, progress connector.Reporter) (*connector.Outcome, error) {
	log := t.logger.With(logger.FieldJobID, job.ID)

	req, err := t.adapter.BuildSubmit(job.Data)
	if err != nil {
		return nil, errors.Wrap(err, "build submit request")
	}

	if sa, ok := t.adapter.(StreamAdapter); ok && sa.Streams(job.Data) {
		return t.executeStream(ctx, job, sa, req, progress, log)
	}

	job.SetPhase(connector.PhaseSubmitting)
	body, err := t.doWithRetry(ctx, req, "submit")
	if err != nil {
		return nil, err
	}

	sub, err := t.adapter.ParseSubmit(job.Data, body)
	if err != nil {
		return nil, errors.Wrap(err, "parse submit response")
	}
	if sub.SelfContained() {
		log.Debugw("Self-contained response, skipping poll")
		progress.Report(100, "completed", connector.PhaseCompleted, nil)
		return &connector.Outcome{Data: sub.Result}, nil
	}

	job.SetRemoteID(sub.RemoteID)
	log.Debugw("Job submitted", logger.FieldRemoteJobID, sub.RemoteID)
	return t.poll(ctx, job, sub.RemoteID, progress, log)
}

// poll runs the status loop until a terminal update or ctx ends. No request
// is issued once ctx is done.
func (t *Transport) poll(ctx context.Context, job *connector.ActiveJob, remoteID string, progress connector.Reporter, log *zap.SugaredLogger) (*connector.Outcome, error) {
	job.SetPhase(connector.PhasePolling)

	timer := time.NewTimer(t.rcfg.PollingInterval)
	defer timer.Stop()

	lastProgress, lastMessage := -1, ""
	for {
		select {
		case <-ctx.Done():
			return nil, t.contextError(ctx, job)
		case <-timer.C:
		}

		body, err := t.doWithRetry(ctx, t.adapter.StatusRequest(remoteID), "status")
		if err != nil {
			return nil, err
		}
		var upd StatusUpdate
		if len(bytes.TrimSpace(body)) == 0 {
			upd = StatusUpdate{Status: connector.PhaseQueued}
		} else if upd, err = t.adapter.ParseStatus(remoteID, body); err != nil {
			return nil, errors.Wrap(err, "parse status response")
		}

		meta := map[string]any{"backend_status": upd.Status}
		for k, v := range upd.Metadata {
			meta[k] = v
		}

		// Failure wins over completion in the same poll.
		if upd.Failed {
			msg := upd.Error
			if msg == "" {
				msg = "backend reported failure"
			}
			return &connector.Outcome{Data: upd.Result, Metadata: meta},
				errors.Mark(errors.Newf("job %s failed: %s", remoteID, msg), errors.ErrRequest)
		}
		if upd.Completed {
			progress.Report(100, "completed", upd.Status, nil)
			return &connector.Outcome{Data: upd.Result, Metadata: meta}, nil
		}

		if upd.Progress != lastProgress || upd.Message != lastMessage {
			lastProgress, lastMessage = upd.Progress, upd.Message
			progress.Report(upd.Progress, upd.Message, upd.Status, nil)
		}

		log.Debugw("Polled job status",
			logger.FieldStatus, upd.Status,
			logger.FieldProgress, upd.Progress,
		)
		timer.Reset(t.rcfg.PollingInterval)
	}
}

func (t *Transport) executeStream(ctx context.Context, job *connector.ActiveJob, sa StreamAdapter, req Request, progress connector.Reporter, log *zap.SugaredLogger) (*connector.Outcome, error) {
	job.SetPhase(connector.PhaseSubmitting)
	resp, err := t.sendWithRetry(ctx, req, "submit")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	job.SetPhase(connector.PhaseStreaming)
	src := stream.NewSSESource(resp.Body)
	defer src.Close()

	handler := sa.NewStreamHandler(job.Data)
	res := t.processor.Run(ctx, src, handler.Handle, func(r stream.Report) {
		meta := map[string]any{"items": r.ItemsProcessed, "bytes": r.ResponseSize}
		if r.Err != nil {
			meta["error"] = r.Err.Error()
		}
		progress.Report(r.Progress, r.Message, connector.PhaseStreaming, meta)
	})

	meta := map[string]any{
		"stream_items":   res.ItemsProcessed,
		"stream_bytes":   res.ResponseSize,
		"stream_stopped": res.Stopped,
	}
	if !res.Success {
		if ctx.Err() != nil {
			return &connector.Outcome{Metadata: meta}, t.contextError(ctx, job)
		}
		return &connector.Outcome{Metadata: meta}, res.Err
	}

	log.Debugw("Stream finished",
		logger.FieldCount, res.ItemsProcessed,
		logger.FieldSize, res.ResponseSize,
	)
	return &connector.Outcome{Data: handler.Result(), Metadata: meta}, nil
}

func (t *Transport) contextError(ctx context.Context, job *connector.ActiveJob) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Timeoutf("job %s did not finish within %s", job.ID, t.cfg.Timeout)
	}
	return errors.Cancelledf("job %s cancelled", job.ID)
}

// doWithRetry sends req and reads the body, retrying network errors and 5xx
// responses with linear backoff. 4xx responses are returned immediately.
func (t *Transport) doWithRetry(ctx context.Context, req Request, op string) ([]byte, error) {
	resp, err := t.sendWithRetry(ctx, req, op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return t.client.ReadBody(resp.Body)
}

func (t *Transport) sendWithRetry(ctx context.Context, req Request, op string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := t.cfg.RetryDelay * time.Duration(attempt)
			t.logger.Debugw("Retrying backend request",
				logger.FieldOperation, op,
				logger.FieldMethod, req.Method,
				logger.FieldAttempt, attempt,
				"delay", delay,
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, t.wrapContext(ctx, lastErr)
			}
		}

		resp, err := t.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !errors.IsRetryable(err) {
			return nil, err
		}
		t.logger.Warnw("Backend request failed",
			logger.FieldOperation, op,
			logger.FieldAttempt, attempt+1,
			logger.FieldError, err.Error(),
		)
	}
	return nil, errors.Wrapf(lastErr, "%s failed after %d attempts", op, t.cfg.RetryAttempts+1)
}

// do sends req once and reads the body.
func (t *Transport) do(ctx context.Context, req Request) ([]byte, error) {
	resp, err := t.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return t.client.ReadBody(resp.Body)
}

// send issues one request. Failures are *errors.RequestError values;
// a context that ended mid-request is reported as timeout or cancellation.
func (t *Transport) send(ctx context.Context, r Request) (*http.Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	target := strings.TrimRight(t.cfg.BaseURL, "/") + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(data)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, t.wrapContext(ctx, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	t.cfg.Auth.Apply(req)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, t.wrapContext(ctx, err)
		}
		return nil, &errors.RequestError{Method: method, URL: target, Cause: err}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &errors.RequestError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

func (t *Transport) wrapContext(ctx context.Context, err error) error {
	if err == nil {
		err = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.WrapTimeout(err, "request deadline")
	}
	return errors.Mark(errors.Wrap(err, "request cancelled"), errors.ErrCancelled)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ connector.Transport = (*Transport)(nil)
