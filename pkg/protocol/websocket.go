package protocol

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a WebSocket connection to net.Conn so line-based code
// can run over it unchanged. Every inbound message is one line; a newline is
// appended when the peer omits it. Every Write becomes one text message.
// A zero-length Write sends a ping instead, which makes it usable as a
// liveness probe.
//
// Read deadlines are enforced here rather than by the underlying connection,
// which cannot be read from again after a timeout.
type WebSocketConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	readMu   sync.Mutex
	pending  []byte
	incoming chan []byte
	readErr  error // valid once incoming is closed

	deadlineMu   sync.Mutex
	readDeadline time.Time

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketConn wraps ws
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		ws:       ws,
		incoming: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (c *WebSocketConn) readPump() {
	defer close(c.incoming)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		select {
		case c.incoming <- data:
		case <-c.done:
			c.readErr = net.ErrClosed
			return
		}
	}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.startOnce.Do(func() { go c.readPump() })

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		data, err := c.next()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *WebSocketConn) next() ([]byte, error) {
	c.deadlineMu.Lock()
	deadline := c.readDeadline
	c.deadlineMu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data, ok := <-c.incoming:
		if !ok {
			return nil, c.readErr
		}
		return data, nil
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(p) == 0 {
		return 0, c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
