package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultTCPPort  = "6465"
	defaultHTTPPort = "8080"
	defaultTimeout  = 5 * time.Second
)

var (
	ErrClosed   = errors.New("connection closed")
	ErrRejected = errors.New("request rejected by server")
)

// ServerError is a MessageError line received in place of a result
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Text
}

// Connection is a synchronous line-protocol client. Calls block until the
// matching Result arrives; MessageText lines seen in the meantime are queued
// for NextMessage.
type Connection struct {
	addr           string
	connectionType string // "tcp", "tls" or "websocket"
	conn           net.Conn
	reader         *protocol.Reader
	timeout        time.Duration
	logger         *log.Logger

	sendMu sync.Mutex // Protects concurrent writes
	recvMu sync.Mutex // Protects the reader and the queue
	queue  []*protocol.ChatMessage

	mu     sync.Mutex // Protects closed
	closed bool
}

// Dial connects to a server address. Accepted forms are host:port,
// tcp://host:port, tls://host:port, ws://host:port and wss://host:port.
// Missing ports default to 6465 (tcp, tls) or 8080 (ws, wss).
func Dial(addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", cfg.display, err)
	}
	c := NewConnection(conn)
	c.addr = cfg.display
	c.connectionType = cfg.connType
	return c, nil
}

// DialTLS connects over TLS with a caller supplied configuration
func DialTLS(addr string, tlsConfig *tls.Config) (*Connection, error) {
	host, port, err := splitHostPortWithDefault(strings.TrimPrefix(addr, "tls://"), defaultTCPPort)
	if err != nil {
		return nil, err
	}
	address := net.JoinHostPort(host, port)
	conn, err := dialTLS(address, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial tls://%s failed: %w", address, err)
	}
	c := NewConnection(conn)
	c.addr = "tls://" + address
	c.connectionType = "tls"
	return c, nil
}

// NewConnection wraps an established connection
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		addr:           conn.RemoteAddr().String(),
		connectionType: "tcp",
		conn:           conn,
		reader:         protocol.NewReader(conn, protocol.MaxLineLength),
		timeout:        defaultTimeout,
		logger:         log.New(io.Discard, "", 0),
	}
}

// SetLogger sets a logger for connection debug output
func (c *Connection) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetTimeout sets how long Call waits for a result
func (c *Connection) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Addr returns the display address including the scheme
func (c *Connection) Addr() string {
	return c.addr
}

// GetConnectionType returns "tcp", "tls" or "websocket"
func (c *Connection) GetConnectionType() string {
	return c.connectionType
}

// Close closes the connection
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendRaw writes one line as-is. A trailing newline is added.
func (c *Connection) SendRaw(line string) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	c.logger.Printf("→ %s", line)
	return nil
}

// Send encodes and writes a command line
func (c *Connection) Send(cmd protocol.Command, fields ...string) error {
	return c.SendRaw(protocol.EncodeCommand(cmd, fields...))
}

// ReadLine reads and decodes the next line from the server
func (c *Connection) ReadLine(timeout time.Duration) (*protocol.Line, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.readLineLocked(timeout)
}

func (c *Connection) readLineLocked(timeout time.Duration) (*protocol.Line, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline failed: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	raw, err := c.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	c.logger.Printf("← %s", raw)
	return protocol.Decode(raw)
}

// Call sends a command and waits for its Result. A MessageError reply is
// returned as *ServerError.
func (c *Connection) Call(cmd protocol.Command, fields ...string) (*protocol.Reply, error) {
	if err := c.Send(cmd, fields...); err != nil {
		return nil, err
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	deadline := time.Now().Add(c.timeout)
	for {
		remaining := time.Until(deadline)
		if c.timeout > 0 && remaining <= 0 {
			return nil, fmt.Errorf("%s: timed out waiting for result", cmd)
		}
		line, err := c.readLineLocked(remaining)
		if err != nil {
			return nil, err
		}

		switch line.Name {
		case protocol.KindResult:
			reply, err := protocol.ParseReply(line)
			if err != nil {
				return nil, err
			}
			if reply.Command != cmd {
				c.logger.Printf("Ignoring stray result for %s while waiting for %s", reply.Command, cmd)
				continue
			}
			return reply, nil
		case protocol.KindMessageText:
			msg, err := protocol.ParseChatMessage(line)
			if err != nil {
				return nil, err
			}
			c.queue = append(c.queue, msg)
		case protocol.KindMessageError:
			return nil, &ServerError{Text: line.Field(0)}
		default:
			c.logger.Printf("Ignoring unexpected line %q", line.Name)
		}
	}
}

// NextMessage returns the next queued or incoming chat message
func (c *Connection) NextMessage(timeout time.Duration) (*protocol.ChatMessage, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue = c.queue[1:]
		return msg, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for message: %w", errTimeout)
		}
		line, err := c.readLineLocked(remaining)
		if err != nil {
			return nil, err
		}
		switch line.Name {
		case protocol.KindMessageText:
			return protocol.ParseChatMessage(line)
		case protocol.KindMessageError:
			return nil, &ServerError{Text: line.Field(0)}
		default:
			c.logger.Printf("Ignoring %s while waiting for a message", line.Name)
		}
	}
}

// Pending returns the number of queued chat messages
func (c *Connection) Pending() int {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return len(c.queue)
}

var errTimeout = errors.New("timeout")

// IsTimeout reports whether err came from a read deadline or wait expiring
func IsTimeout(err error) bool {
	if errors.Is(err, errTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type dialConfig struct {
	display  string
	connType string
	dial     func(tlsConfig *tls.Config) (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  address,
			connType: "tcp",
			dial: func(*tls.Config) (net.Conn, error) {
				conn, err := net.DialTimeout("tcp", address, defaultTimeout)
				if err != nil {
					return nil, err
				}
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					tcpConn.SetNoDelay(true)
				}
				return conn, nil
			},
		}, nil

	case "tls":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  "tls://" + address,
			connType: "tls",
			dial: func(tlsConfig *tls.Config) (net.Conn, error) {
				return dialTLS(address, tlsConfig)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		target := fmt.Sprintf("%s://%s/ws", scheme, address)
		return &dialConfig{
			display:  fmt.Sprintf("%s://%s", scheme, address),
			connType: "websocket",
			dial: func(tlsConfig *tls.Config) (net.Conn, error) {
				return DialWebSocket(target, tlsConfig)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func dialTLS(address string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	dialer := &net.Dialer{Timeout: defaultTimeout}
	return tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
}

// DialWebSocket opens a WebSocket to a full ws:// or wss:// URL and returns
// it as a line stream
func DialWebSocket(target string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultTimeout,
		TLSClientConfig:  tlsConfig,
	}
	ws, resp, err := dialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return protocol.NewWebSocketConn(ws), nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
