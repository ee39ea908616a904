package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/jobconnect/errors"
)

// Conn abstracts the WebSocket connection for testability.
// The real implementation wraps gorilla/websocket; tests use channels.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// GorillaDialer dials real sockets with gorilla/websocket.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.WrapConnection(err, "websocket handshake failed: "+resp.Status)
		}
		return nil, errors.WrapConnection(err, "websocket dial failed")
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &gorillaConn{conn: c, writeTimeout: d.WriteTimeout}, nil
}

// gorillaConn bounds writes and sends a close frame on Close.
type gorillaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (g *gorillaConn) ReadJSON(v interface{}) error {
	return g.conn.ReadJSON(v)
}

func (g *gorillaConn) WriteJSON(v interface{}) error {
	if g.writeTimeout > 0 {
		_ = g.conn.SetWriteDeadline(time.Now().Add(g.writeTimeout))
	}
	return g.conn.WriteJSON(v)
}

func (g *gorillaConn) Close() error {
	var err error
	g.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = g.conn.Close()
	})
	return err
}
