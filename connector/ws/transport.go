// Package ws implements the persistent duplex transport: one WebSocket
// connection multiplexing every active job of a connector.
//
// Connection lifecycle:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> RECONNECTING -> CONNECTED
//	                                         \-> (attempts exhausted) -> DISCONNECTED
//	CONNECTED -> CLOSING -> DISCONNECTED
//
// Only the protocol layer touches the socket: one reader goroutine, one
// writer goroutine and one heartbeat goroutine per physical connection.
// Jobs enqueue frames and wait for their correlated outcome.
//
// In-flight jobs are not resubmitted after a reconnect. They stay correlated
// and either receive their outcome on the new connection or fail through
// MessageTimeout. If reconnection is exhausted every active job fails with a
// connection error.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
	"github.com/teranos/jobconnect/version"
)

// Kind is the transport family name.
const Kind = "websocket"

// Config holds WebSocket-specific settings.
type Config struct {
	URL                  string // defaults to BaseURL with the scheme switched to ws/wss
	HeartbeatInterval    time.Duration
	HeartbeatGrace       time.Duration // extra silence tolerated beyond HeartbeatInterval
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MessageTimeout       time.Duration // per-job inactivity bound; zero disables
	PendingQueueSize     int           // submissions buffered while RECONNECTING; zero fails fast
	SendBuffer           int
}

// Validate checks the WebSocket settings.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.Configurationf("heartbeat_interval_ms must be > 0")
	}
	if c.HeartbeatGrace < 0 {
		return errors.Configurationf("heartbeat_grace_ms must be >= 0")
	}
	if c.ReconnectDelay < 0 {
		return errors.Configurationf("reconnect_delay_ms must be >= 0")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.Configurationf("max_reconnect_attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	if c.MessageTimeout < 0 {
		return errors.Configurationf("message_timeout_ms must be >= 0")
	}
	if c.PendingQueueSize < 0 {
		return errors.Configurationf("pending_queue_size must be >= 0, got %d", c.PendingQueueSize)
	}
	return nil
}

// StateObserver is notified of every state transition. It runs while the
// transport's state lock is held and must not call back into the transport.
type StateObserver func(from, to State)

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithStateObserver registers fn for state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(t *Transport) { t.observers = append(t.observers, fn) }
}

// WithKeepaliveObserver forwards frame and heartbeat events to o.
func WithKeepaliveObserver(o KeepaliveObserver) Option {
	return func(t *Transport) { t.metrics.observer = o }
}

// Transport is a WebSocket connector transport.
type Transport struct {
	cfg       connector.Config
	wcfg      Config
	url       string
	adapter   Adapter
	dialer    Dialer
	observers []StateObserver
	metrics   *KeepaliveMetrics
	logger    *zap.SugaredLogger

	// lifetime of background goroutines
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	closed   bool
	gen      uint64
	conn     Conn
	sendCh   chan Envelope
	connDone chan struct{}
	jobs     map[string]*pendingJob
	queue    []*pendingJob

	lastSeen atomic.Int64
}

type pendingJob struct {
	job      *connector.ActiveJob
	reporter connector.Reporter
	frame    Envelope
	queued   bool
	done     chan jobOutcome
	activity chan struct{}
	progress chan Progress // drained by await; oldest dropped when full
}

// progressBacklog bounds undelivered progress per job.
const progressBacklog = 16

type jobOutcome struct {
	data map[string]any
	err  error
}

// New creates a WebSocket transport. The connection is opened by Start.
func New(cfg connector.Config, wcfg Config, adapter Adapter, log *zap.SugaredLogger, opts ...Option) (*Transport, error) {
	if err := wcfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "connector %s", cfg.ID)
	}
	if adapter == nil {
		return nil, errors.Configurationf("connector %s: websocket adapter is required", cfg.ID)
	}
	url := wcfg.URL
	if url == "" {
		url = websocketURL(cfg.BaseURL)
	}
	if wcfg.SendBuffer <= 0 {
		wcfg.SendBuffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		wcfg:    wcfg,
		url:     url,
		adapter: adapter,
		dialer:  GorillaDialer{WriteTimeout: 10 * time.Second},
		metrics: newKeepaliveMetrics(),
		logger:  logger.OrNop(log).Named("ws"),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		jobs:    make(map[string]*pendingJob),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// Kind implements connector.Transport.
func (t *Transport) Kind() string { return Kind }

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Metrics returns the keepalive metrics.
func (t *Transport) Metrics() *KeepaliveMetrics { return t.metrics }

// Capabilities implements connector.Transport.
func (t *Transport) Capabilities() connector.Capabilities {
	_, canCancel := t.adapter.(Canceller)
	return connector.Capabilities{CanCancel: canCancel, CanReconnect: true}
}

// setStateLocked performs a guarded transition. Callers hold t.mu.
func (t *Transport) setStateLocked(to State) bool {
	from := t.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		t.logger.Warnw("Rejected connection state transition", "from", from.String(), "to", to.String())
		return false
	}
	t.state = to
	t.logger.Debugw("Connection state changed", "from", from.String(), logger.FieldState, to.String())
	for _, fn := range t.observers {
		fn(from, to)
	}
	return true
}

// Start opens the connection with a single attempt.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.Connectionf("transport is closed")
	}
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	conn, err := t.dialer.Dial(ctx, t.url, t.handshakeHeader())
	if err != nil {
		t.mu.Lock()
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		return errors.WrapConnection(err, "connect "+t.url)
	}

	if !t.attach(conn) {
		return errors.Connectionf("transport closed while connecting")
	}
	t.logger.Infow("WebSocket connected", logger.FieldURL, t.url)
	return nil
}

// Health reports whether the connection is up.
func (t *Transport) Health(ctx context.Context) error {
	if st := t.State(); st != StateConnected {
		return errors.Connectionf("websocket is %s", st)
	}
	return nil
}

// attach installs conn as the live connection, starts its goroutines and
// flushes queued submissions. Returns false if the transport was closed.
func (t *Transport) attach(conn Conn) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return false
	}

	t.gen++
	gen := t.gen
	t.conn = conn
	t.sendCh = make(chan Envelope, t.wcfg.SendBuffer)
	t.connDone = make(chan struct{})
	t.lastSeen.Store(time.Now().UnixNano())
	t.setStateLocked(StateConnected)

	sendCh, connDone := t.sendCh, t.connDone
	flush := t.queue
	t.queue = nil
	for _, p := range flush {
		p.queued = false
	}

	t.wg.Add(3)
	go t.readLoop(gen, conn)
	go t.writeLoop(gen, conn, sendCh, connDone)
	go t.heartbeatLoop(gen, sendCh, connDone)
	t.mu.Unlock()

	t.metrics.connected(time.Now())

	for _, p := range flush {
		select {
		case sendCh <- p.frame:
		case <-connDone:
			return true
		}
	}
	if len(flush) > 0 {
		t.logger.Infow("Flushed queued submissions", logger.FieldCount, len(flush))
	}
	return true
}

// Execute submits job and waits for its correlated outcome.
func (t *Transport) Execute(ctx context.Context, job *connector.ActiveJob, progress connector.Reporter) (*connector.Outcome, error) {
	frame, err := t.adapter.BuildSubmit(job.Data)
	if err != nil {
		return nil, errors.Wrap(err, "build submit frame")
	}

	p := &pendingJob{
		job:      job,
		reporter: progress,
		frame:    frame,
		done:     make(chan jobOutcome, 1),
		activity: make(chan struct{}, 1),
		progress: make(chan Progress, progressBacklog),
	}

	sendCh, connDone, err := t.register(p)
	if err != nil {
		return nil, err
	}

	if sendCh != nil {
		select {
		case sendCh <- frame:
		case <-connDone:
			// Connection dropped before the frame left; the job stays
			// correlated and is bounded by MessageTimeout.
		case <-ctx.Done():
			t.remove(p)
			return nil, t.contextError(ctx, job)
		}
	}

	return t.await(ctx, p)
}

// register adds p to the correlation table. When connected it returns the
// live send channel; when reconnecting with queue space it queues p.
func (t *Transport) register(p *pendingJob) (chan Envelope, chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := p.job.ID
	if _, exists := t.jobs[id]; exists {
		return nil, nil, errors.Newf("job %s already in flight", id)
	}

	switch {
	case t.state == StateConnected:
		t.jobs[id] = p
		p.job.SetPhase(connector.PhaseSubmitting)
		return t.sendCh, t.connDone, nil

	case t.state == StateReconnecting && len(t.queue) < t.wcfg.PendingQueueSize:
		p.queued = true
		t.jobs[id] = p
		t.queue = append(t.queue, p)
		p.job.SetPhase(connector.PhaseQueued)
		t.logger.Debugw("Queued submission until reconnect",
			logger.FieldJobID, id,
			"queue_len", len(t.queue),
		)
		return nil, nil, nil

	default:
		return nil, nil, errors.Connectionf("websocket is %s, cannot submit job %s", t.state, id)
	}
}

func (t *Transport) await(ctx context.Context, p *pendingJob) (*connector.Outcome, error) {
	var timeout <-chan time.Time
	var timer *time.Timer
	if t.wcfg.MessageTimeout > 0 {
		timer = time.NewTimer(t.wcfg.MessageTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case out := <-p.done:
			p.flushProgress()
			if out.err != nil {
				return &connector.Outcome{Data: out.data}, out.err
			}
			return &connector.Outcome{Data: out.data}, nil

		case pr := <-p.progress:
			p.reporter.Report(pr.Percent, pr.Message, pr.Step, nil)

		case <-p.activity:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.wcfg.MessageTimeout)
			}

		case <-timeout:
			if !t.remove(p) {
				// Settled concurrently; take that outcome.
				continue
			}
			return nil, errors.Timeoutf("no message for job %s within %s", p.job.ID, t.wcfg.MessageTimeout)

		case <-ctx.Done():
			t.remove(p)
			return nil, t.contextError(ctx, p.job)
		}
	}
}

// remove deletes p from the correlation table and the queue. It reports
// false if p had already been removed.
func (t *Transport) remove(p *pendingJob) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(p)
}

func (t *Transport) removeLocked(p *pendingJob) bool {
	current, ok := t.jobs[p.job.ID]
	if !ok || current != p {
		return false
	}
	delete(t.jobs, p.job.ID)
	if p.queued {
		for i, q := range t.queue {
			if q == p {
				t.queue = append(t.queue[:i], t.queue[i+1:]...)
				break
			}
		}
		p.queued = false
	}
	return true
}

// settle removes the job and delivers its outcome exactly once.
func (t *Transport) settle(p *pendingJob, out jobOutcome) {
	if t.remove(p) {
		p.done <- out
	}
}

func (t *Transport) lookup(id string) *pendingJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs[id]
}

func (t *Transport) contextError(ctx context.Context, job *connector.ActiveJob) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Timeoutf("job %s did not finish within %s", job.ID, t.cfg.Timeout)
	}
	return errors.Cancelledf("job %s cancelled", job.ID)
}

// Cancel sends a cancel frame when connected and removes the job locally
// regardless of acknowledgment.
func (t *Transport) Cancel(ctx context.Context, job *connector.ActiveJob) error {
	t.mu.Lock()
	p := t.jobs[job.ID]
	if p != nil {
		t.removeLocked(p)
	}
	connected := t.state == StateConnected
	sendCh, connDone := t.sendCh, t.connDone
	t.mu.Unlock()

	canceller, ok := t.adapter.(Canceller)
	if !ok {
		return connector.ErrCancelNotSupported
	}
	if !connected {
		return errors.Connectionf("websocket is not connected, cancel for job %s not sent", job.ID)
	}

	frame := canceller.BuildCancel(job.ID, job.RemoteID())
	select {
	case sendCh <- frame:
		return nil
	case <-connDone:
		return errors.Connectionf("connection closed before cancel for job %s was sent", job.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop owns reads for one connection generation.
func (t *Transport) readLoop(gen uint64, conn Conn) {
	defer t.wg.Done()
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.connectionLost(gen, errors.WrapConnection(err, "read frame"))
			return
		}
		t.lastSeen.Store(time.Now().UnixNano())
		t.metrics.recordFrameIn()
		t.dispatch(env)
	}
}

// writeLoop is the only writer of conn.
func (t *Transport) writeLoop(gen uint64, conn Conn, sendCh <-chan Envelope, connDone <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-connDone:
			return
		case env := <-sendCh:
			if err := conn.WriteJSON(env); err != nil {
				t.connectionLost(gen, errors.WrapConnection(err, "write frame"))
				return
			}
			t.metrics.recordFrameOut()
		}
	}
}

// heartbeatLoop sends heartbeats and force-closes a silent connection.
func (t *Transport) heartbeatLoop(gen uint64, sendCh chan<- Envelope, connDone <-chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.wcfg.HeartbeatInterval)
	defer ticker.Stop()

	limit := t.wcfg.HeartbeatInterval + t.wcfg.HeartbeatGrace
	for {
		select {
		case <-connDone:
			return
		case now := <-ticker.C:
			silence := now.Sub(time.Unix(0, t.lastSeen.Load()))
			if silence > limit {
				t.logger.Warnw("Heartbeat timeout, forcing reconnect", "silence", silence, "limit", limit)
				t.connectionLost(gen, errors.Connectionf("no traffic for %s", silence.Round(time.Millisecond)))
				return
			}

			select {
			case sendCh <- t.adapter.BuildHeartbeat(now):
				t.metrics.recordHeartbeat()
			default:
				// Writer is backed up; traffic is flowing anyway.
			}
		}
	}
}

// dispatch routes one inbound frame.
func (t *Transport) dispatch(env Envelope) {
	kind := t.adapter.Classify(env)

	switch kind {
	case FrameHeartbeat:
		var latency time.Duration
		if sent, ok := env.Time(); ok {
			latency = time.Since(sent)
		}
		t.metrics.recordAck(latency)
		return
	case FrameConnection:
		t.logger.Debugw("Connection frame received", logger.FieldFrameType, env.Type)
		return
	case FrameUnknown:
		err := errors.Protocolf("unclassified frame type %q", env.Type)
		t.logger.Warnw("Ignoring unclassified frame", logger.FieldFrameType, env.Type, logger.FieldError, err.Error())
		return
	}

	if !kind.jobScoped() {
		return
	}
	id := t.adapter.JobID(env)
	p := t.lookup(id)
	if p == nil {
		t.logger.Debugw("Ignoring frame for unknown job",
			logger.FieldJobID, id,
			logger.FieldFrameType, kind.String(),
		)
		return
	}

	switch kind {
	case FrameSubmitAck:
		if remote := t.adapter.RemoteID(env); remote != "" {
			p.job.SetRemoteID(remote)
		}
		p.job.SetPhase(connector.PhaseQueued)
		t.touch(p)

	case FrameProgress:
		pr := t.adapter.ParseProgress(env)
		p.job.SetPhase(connector.PhaseRunning)
		p.offer(pr)
		t.touch(p)

	case FrameComplete:
		t.settle(p, jobOutcome{data: t.adapter.ParseResult(env)})

	case FrameError:
		msg := t.adapter.ParseError(env)
		if msg == "" {
			msg = "backend reported failure"
		}
		t.settle(p, jobOutcome{
			data: t.adapter.ParseResult(env),
			err:  errors.Mark(errors.Newf("job %s failed: %s", id, msg), errors.ErrRequest),
		})
	}
}

// offer queues pr for the job's own goroutine so a slow callback never
// stalls the read loop. When the backlog is full the oldest update goes.
func (p *pendingJob) offer(pr Progress) {
	for {
		select {
		case p.progress <- pr:
			return
		default:
		}
		select {
		case <-p.progress:
		default:
		}
	}
}

// flushProgress delivers whatever progress arrived before the outcome.
func (p *pendingJob) flushProgress() {
	for {
		select {
		case pr := <-p.progress:
			p.reporter.Report(pr.Percent, pr.Message, pr.Step, nil)
		default:
			return
		}
	}
}

func (t *Transport) touch(p *pendingJob) {
	select {
	case p.activity <- struct{}{}:
	default:
	}
}

// connectionLost tears down generation gen and starts the reconnect loop.
// Stale generations and repeated reports are ignored, so at most one
// reconnect loop runs.
func (t *Transport) connectionLost(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	t.teardownLocked()
	t.setStateLocked(StateReconnecting)
	t.mu.Unlock()

	t.logger.Warnw("WebSocket connection lost", logger.FieldError, cause.Error())

	t.wg.Add(1)
	go t.reconnectLoop()
}

func (t *Transport) teardownLocked() {
	if t.connDone != nil {
		close(t.connDone)
		t.connDone = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.sendCh = nil
}

func (t *Transport) reconnectLoop() {
	defer t.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= t.wcfg.MaxReconnectAttempts; attempt++ {
		if err := sleep(t.ctx, t.wcfg.ReconnectDelay); err != nil {
			return
		}
		t.metrics.recordReconnect()

		conn, err := t.dialer.Dial(t.ctx, t.url, t.handshakeHeader())
		if err == nil {
			if t.attach(conn) {
				t.logger.Infow("WebSocket reconnected", logger.FieldAttempt, attempt)
			}
			return
		}
		lastErr = err
		t.logger.Warnw("Reconnect attempt failed",
			logger.FieldAttempt, attempt,
			"max_attempts", t.wcfg.MaxReconnectAttempts,
			logger.FieldError, err.Error(),
		)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateDisconnected)
	stranded := t.drainLocked()
	t.mu.Unlock()

	t.logger.Errorw("Reconnect attempts exhausted",
		"max_attempts", t.wcfg.MaxReconnectAttempts,
		"failed_jobs", len(stranded),
	)
	err := errors.Connectionf("connection lost after %d reconnect attempts", t.wcfg.MaxReconnectAttempts)
	if lastErr != nil {
		err = errors.WithSecondaryError(err, lastErr)
	}
	for _, p := range stranded {
		p.done <- jobOutcome{err: err}
	}
}

// drainLocked removes every correlated job and returns them.
func (t *Transport) drainLocked() []*pendingJob {
	out := make([]*pendingJob, 0, len(t.jobs))
	for id, p := range t.jobs {
		out = append(out, p)
		delete(t.jobs, id)
		p.queued = false
	}
	t.queue = nil
	return out
}

// Close shuts the connection down and fails anything still in flight.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.setStateLocked(StateClosing)
	t.teardownLocked()
	stranded := t.drainLocked()
	t.mu.Unlock()

	t.cancel()
	for _, p := range stranded {
		p.done <- jobOutcome{err: errors.Connectionf("transport closed")}
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.WrapTimeout(ctx.Err(), "waiting for websocket goroutines")
	}

	t.mu.Lock()
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()
	return err
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

func (t *Transport) handshakeHeader() http.Header {
	h := t.cfg.Auth.Header()
	h.Set("User-Agent", version.UserAgent())
	return h
}
