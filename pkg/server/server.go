package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/database"
	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
)

const (
	probeTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the chatroom server
type Server struct {
	db        *database.DB // nil when running without storage
	accounts  *database.Accounts
	chatrooms *database.Chatrooms
	sessions  *SessionManager
	handlers  map[protocol.Command]commandHandler
	config    ServerConfig
	metrics   *Metrics
	startTime time.Time

	// namespaceMu serializes account and chatroom creation so the shared
	// name space never holds the same name twice
	namespaceMu sync.Mutex

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	shutdown      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort      int // 0 picks a free port
	HTTPPort     int // WebSocket endpoint (0 = disabled)
	MetricsPort  int // Internal /metrics and /health (0 = disabled)
	DatabasePath string
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string

	MaxMessageLength int           // characters per SendMessage text
	SessionTimeout   time.Duration // idle time before a token expires
	CommandRateLimit float64       // commands per second per connection (0 = unlimited)
	CommandBurst     int
	WriteTimeout     time.Duration

	CleanupInterval time.Duration
	ChatroomGrace   time.Duration

	PasswordHashCost int // bcrypt cost (0 = library default)
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          6465,
		HTTPPort:         0,
		MetricsPort:      9090,
		DatabasePath:     "~/.chatroom/chatroom.db",
		MaxMessageLength: protocol.MaxMessageLength,
		SessionTimeout:   30 * time.Minute,
		CommandRateLimit: 20,
		CommandBurst:     40,
		WriteTimeout:     10 * time.Second,
		CleanupInterval:  5 * time.Minute,
		ChatroomGrace:    time.Minute,
	}
}

// NewServer opens storage, loads both registries and sets up logging
func NewServer(config ServerConfig) (*Server, error) {
	dbPath, err := expandHome(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	s := newServer(db, config, NewMetrics())
	if err := s.accounts.Load(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.chatrooms.Load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newServer wires the registries and dispatch table around an already
// opened store. db and metrics may be nil.
func newServer(db *database.DB, config ServerConfig, metrics *Metrics) *Server {
	var accountStore database.AccountStore
	var chatroomStore database.ChatroomStore
	if db != nil {
		accountStore, chatroomStore = db, db
	}

	accounts := database.NewAccounts(accountStore)
	if config.PasswordHashCost > 0 {
		accounts.SetHashCost(config.PasswordHashCost)
	}
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = protocol.MaxMessageLength
	}

	sessions := NewSessionManager(config.WriteTimeout, config.CommandRateLimit, config.CommandBurst)
	if metrics != nil {
		sessions.SetMetrics(metrics)
	}

	s := &Server{
		db:        db,
		accounts:  accounts,
		chatrooms: database.NewChatrooms(chatroomStore),
		sessions:  sessions,
		config:    config,
		metrics:   metrics,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
	s.handlers = s.commandTable()
	return s
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "chatroom")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "chatroom")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log is discarded unless EnableDebugLogging is called
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log (also used by the database package) goes to stdout and server.log
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))
	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens the listeners and starts the background loops
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	connType := "tcp"
	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		connType = "tls"
	}
	s.listener = listener
	log.Printf("Listening on %s (%s)", listener.Addr(), connType)

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 && s.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func(srv *http.Server) {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}(s.metricsServer)
	}

	// WebSocket transport for browser clients
	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           publicMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func(srv *http.Server) {
			log.Printf("WebSocket server listening on %s (/ws)", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("WebSocket server error: %v", err)
			}
		}(s.httpServer)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.maintenanceLoop()

	s.wg.Add(1)
	go s.acceptLoop(connType)

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server. It is safe to call more than once.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		stopErr = s.stop()
	})
	return stopErr
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errorLog.Printf("HTTP server shutdown: %v", err)
			}
		}
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	log.Println("Persisting registries...")
	var firstErr error
	if err := s.accounts.Persist(); err != nil {
		errorLog.Printf("Final account persist failed: %v", err)
		firstErr = err
	}
	if err := s.chatrooms.Persist(); err != nil {
		errorLog.Printf("Final chatroom persist failed: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errorLog.Printf("Error during database close: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	log.Println("Graceful shutdown complete")
	return firstErr
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(connType string) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		go s.handleConnection(conn, connType)
	}
}

// handleConnection registers the connection and runs its read loop
func (s *Server) handleConnection(conn net.Conn, connType string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(connType, conn)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %d)", connType, conn.RemoteAddr(), sess.ID)

	s.messageLoop(sess, conn)
}

// messageLoop reads lines until the peer goes away. Malformed input never
// ends the loop; only transport errors do.
func (s *Server) messageLoop(sess *Session, conn net.Conn) {
	defer s.removeSession(sess.ID)

	reader := protocol.NewReader(conn, protocol.MaxLineLength)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				if werr := s.sendError(sess, protocol.ErrTextLineTooLong); werr != nil {
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		sess.Touch(time.Now())

		if err := s.handleLine(sess, line); err != nil {
			debugLog.Printf("Session %d: write error: %v", sess.ID, err)
			return
		}
	}
}

// removeSession unregisters the session; the user's token stays valid
func (s *Server) removeSession(sessionID uint64) {
	if s.sessions.RemoveSession(sessionID) {
		s.disconnectionsSinceReport.Add(1)
		if s.metrics != nil {
			s.metrics.RecordOnlineUsers(s.sessions.CountOnlineUsers())
		}
	}
}

// HealthHandler reports liveness and a few counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok\nuptime_seconds %d\nsessions %d\nonline_users %d\naccounts %d\nchatrooms %d\n",
		int64(time.Since(s.startTime).Seconds()),
		s.sessions.CountSessions(),
		s.sessions.CountOnlineUsers(),
		s.accounts.Count(),
		s.chatrooms.Count())
}

// metricsLoggingLoop logs connection churn once a minute
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Sessions: %d, online users: %d, connected since last: %d, disconnected since last: %d",
				s.sessions.CountSessions(), s.sessions.CountOnlineUsers(), connected, disconnected)
		}
	}
}
