package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/jobconnect/connector"
	"github.com/teranos/jobconnect/errors"
)

var errConnClosed = errors.New("fake connection closed")

// fakeConn is a channel-backed Conn. The test plays the backend through
// toClient and fromClient.
type fakeConn struct {
	toClient   chan Envelope
	fromClient chan Envelope
	closed     chan struct{}
	once       sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient:   make(chan Envelope, 64),
		fromClient: make(chan Envelope, 64),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case env := <-c.toClient:
		*v.(*Envelope) = env
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.fromClient <- v.(Envelope):
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// send pushes a backend frame to the client.
func (c *fakeConn) send(env Envelope) { c.toClient <- env }

// next returns the next non-heartbeat frame the client wrote.
func (c *fakeConn) next(timeout time.Duration) (Envelope, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.fromClient:
			if env.Type == "ping" {
				continue
			}
			return env, true
		case <-deadline:
			return Envelope{}, false
		}
	}
}

// fakeDialer hands out connections produced by next; nil means refuse.
type fakeDialer struct {
	mu       sync.Mutex
	next     func(attempt int) (*fakeConn, error)
	attempts atomic.Int32
	header   http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	n := int(d.attempts.Add(1))
	d.mu.Lock()
	d.header = header
	next := d.next
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := next(n)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *fakeDialer) setNext(fn func(attempt int) (*fakeConn, error)) {
	d.mu.Lock()
	d.next = fn
	d.mu.Unlock()
}

// testAdapter speaks a tiny envelope dialect:
// submit/ack/progress/done/fail/ping/pong/cancel.
type testAdapter struct{}

func (testAdapter) Classify(env Envelope) FrameKind {
	switch env.Type {
	case "hello":
		return FrameConnection
	case "ack":
		return FrameSubmitAck
	case "progress":
		return FrameProgress
	case "done":
		return FrameComplete
	case "fail":
		return FrameError
	case "pong":
		return FrameHeartbeat
	default:
		return FrameUnknown
	}
}

func (testAdapter) JobID(env Envelope) string { return env.JobID }

func (testAdapter) BuildSubmit(job connector.JobData) (Envelope, error) {
	return Envelope{Type: "submit", JobID: job.ID, Payload: job.Payload}, nil
}

func (testAdapter) BuildHeartbeat(now time.Time) Envelope {
	env := Envelope{Type: "ping"}
	env.Stamp(now)
	return env
}

func (testAdapter) RemoteID(env Envelope) string {
	s, _ := env.Payload["remote_id"].(string)
	return s
}

func (testAdapter) ParseProgress(env Envelope) Progress {
	p, _ := env.Payload["progress"].(int)
	return Progress{Percent: p, Message: "working"}
}

func (testAdapter) ParseResult(env Envelope) map[string]any { return env.Payload }

func (testAdapter) ParseError(env Envelope) string {
	s, _ := env.Payload["error"].(string)
	return s
}

func (testAdapter) BuildCancel(jobID, remoteID string) Envelope {
	return Envelope{Type: "cancel", JobID: jobID}
}

// countingObserver tallies keepalive events.
type countingObserver struct {
	sent, received, acks atomic.Int64
}

func (o *countingObserver) FrameReceived()                 { o.received.Add(1) }
func (o *countingObserver) FrameSent()                     { o.sent.Add(1) }
func (o *countingObserver) HeartbeatAcked(d time.Duration) { o.acks.Add(1) }
