package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnClosed is returned when writing to a connection that was already closed
var ErrConnClosed = errors.New("connection closed")

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from interleaving lines on the wire.
//
// A session's own goroutine writes replies while other sessions' goroutines
// push MessageText lines to it; both go through WriteLine.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	closed       atomic.Bool
	failed       atomic.Bool
	writeTimeout time.Duration
}

// NewSafeConn wraps a net.Conn with write synchronization.
// A writeTimeout of zero disables write deadlines.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// WriteLine sends one protocol line followed by a newline
func (sc *SafeConn) WriteLine(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	return sc.write(buf, sc.writeTimeout)
}

// Probe checks that the connection is still writable. It writes zero bytes
// under a short deadline, which fails once the socket has been torn down.
func (sc *SafeConn) Probe(timeout time.Duration) error {
	if sc.closed.Load() {
		return ErrConnClosed
	}
	if sc.failed.Load() {
		return errors.New("previous write failed")
	}
	return sc.write(nil, timeout)
}

func (sc *SafeConn) write(data []byte, timeout time.Duration) error {
	if sc.closed.Load() {
		return ErrConnClosed
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if timeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer sc.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := sc.conn.Write(data); err != nil {
		sc.failed.Store(true)
		return err
	}
	return nil
}

// Close closes the underlying connection. Calling it more than once is safe.
func (sc *SafeConn) Close() error {
	if sc.closed.Swap(true) {
		return nil
	}
	return sc.conn.Close()
}

// Closed reports whether Close has been called
func (sc *SafeConn) Closed() bool {
	return sc.closed.Load()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
