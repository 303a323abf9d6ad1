package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/client"
	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
)

var (
	// ErrMessageRejected is returned when the server refuses a SendMessage
	ErrMessageRejected = errors.New("message rejected")
	// ErrSessionExpired is returned by Run when the server stops accepting the token
	ErrSessionExpired = errors.New("session expired")
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port, or a tcp://, tls://, ws://, wss:// URL)
	Server string

	// Account credentials
	Username string
	Password string

	// Register creates the account before logging in. An existing
	// account is not an error.
	Register bool

	// Chatrooms to join and monitor. Missing ones are created as public.
	Rooms []string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// PingInterval for keepalive (default: 30s)
	PingInterval time.Duration

	// PollInterval bounds how long the receive loop blocks before
	// checking for shutdown and pings (default: 250ms)
	PollInterval time.Duration
}

// Bot represents a chatroom bot instance.
type Bot struct {
	config Config
	conn   *client.Connection
	logger *log.Logger
	token  string

	rooms   map[string]bool
	roomsMu sync.RWMutex

	// Handlers
	onMessage MessageHandler
	onDirect  MessageHandler
	onMention MessageHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 250 * time.Millisecond
	}

	return &Bot{
		config: config,
		logger: config.Logger,
		rooms:  make(map[string]bool),
		stopCh: make(chan struct{}),
	}
}

// OnMessage registers a handler for chatroom messages no other handler claimed.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnDirect registers a handler for direct messages to the bot.
func (b *Bot) OnDirect(handler MessageHandler) {
	b.onDirect = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Rooms returns the chatrooms the bot joined, sorted.
func (b *Bot) Rooms() []string {
	b.roomsMu.RLock()
	defer b.roomsMu.RUnlock()
	names := make([]string, 0, len(b.rooms))
	for name := range b.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run connects to the server and starts processing messages.
// Blocks until ctx is done, Stop() is called or the connection is lost.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Printf("Connecting to %s...", b.config.Server)
	conn, err := client.Dial(b.config.Server)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	return b.run(ctx, conn)
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *Bot) run(ctx context.Context, conn *client.Connection) error {
	b.conn = conn
	conn.SetTimeout(b.config.ResponseTimeout)

	if err := b.login(); err != nil {
		conn.Close()
		return err
	}
	if err := b.joinRooms(); err != nil {
		conn.Close()
		return fmt.Errorf("join rooms: %w", err)
	}

	b.logger.Printf("Bot is running as %s", b.config.Username)
	err := b.receiveLoop(ctx)
	b.shutdown()
	return err
}

func (b *Bot) login() error {
	if b.config.Register {
		ok, err := b.conn.CreateLogin(b.config.Username, b.config.Password)
		if err != nil {
			return fmt.Errorf("create login: %w", err)
		}
		if ok {
			b.logger.Printf("Registered account %s", b.config.Username)
		}
	}

	token, err := b.conn.Login(b.config.Username, b.config.Password)
	if err != nil {
		return fmt.Errorf("login as %s: %w", b.config.Username, err)
	}
	b.token = token
	b.logger.Printf("Logged in as %s", b.config.Username)
	return nil
}

func (b *Bot) joinRooms() error {
	existing, err := b.conn.ListChatrooms(b.token)
	if err != nil {
		return fmt.Errorf("list chatrooms: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}

	for _, name := range b.config.Rooms {
		if !known[name] {
			ok, err := b.conn.CreateChatroom(b.token, name, true)
			if err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
			if !ok {
				b.logger.Printf("Warning: could not create chatroom %q", name)
				continue
			}
		}

		ok, err := b.conn.JoinChatroom(b.token, name, b.config.Username)
		if err != nil {
			return fmt.Errorf("join %s: %w", name, err)
		}
		if !ok {
			b.logger.Printf("Warning: failed to join %q", name)
			continue
		}

		b.roomsMu.Lock()
		b.rooms[name] = true
		b.roomsMu.Unlock()
		b.logger.Printf("Joined chatroom: %s", name)
	}

	if len(b.config.Rooms) > 0 && len(b.Rooms()) == 0 {
		return fmt.Errorf("no chatrooms joined")
	}
	return nil
}

// receiveLoop owns every read on the connection, including keepalive pings,
// so results are never consumed by another goroutine.
func (b *Bot) receiveLoop(ctx context.Context) error {
	lastPing := time.Now()

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Shutdown signal received")
			return nil
		case <-b.stopCh:
			b.logger.Printf("Stop requested")
			return nil
		default:
		}

		if time.Since(lastPing) >= b.config.PingInterval {
			ok, err := b.conn.Ping(b.token)
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			if !ok {
				return ErrSessionExpired
			}
			lastPing = time.Now()
		}

		msg, err := b.conn.NextMessage(b.config.PollInterval)
		if err != nil {
			if client.IsTimeout(err) {
				continue
			}
			var serverErr *client.ServerError
			if errors.As(err, &serverErr) {
				b.logger.Printf("Server error: %s", serverErr.Text)
				continue
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		b.dispatch(msg)
	}
}

func (b *Bot) shutdown() {
	if _, err := b.conn.Logout(b.token); err != nil {
		b.logger.Printf("Logout failed: %v", err)
	}
	b.conn.Close()
	b.logger.Printf("Bot stopped")
}

func (b *Bot) dispatch(cm *protocol.ChatMessage) {
	// Skip our own messages
	if cm.Sender == b.config.Username {
		return
	}

	msg := &Message{
		Sender:  cm.Sender,
		Target:  cm.Target,
		Text:    cm.Text,
		botName: b.config.Username,
	}
	ctx := &Context{bot: b, message: msg}

	if msg.IsDirect() && b.onDirect != nil {
		b.onDirect(ctx, msg)
		return
	}

	if msg.MentionsMe() && b.onMention != nil {
		b.onMention(ctx, msg)
		return
	}

	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
}

func (b *Bot) send(target, text string) error {
	ok, err := b.conn.SendMessage(b.token, target, text)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: to %s", ErrMessageRejected, target)
	}
	return nil
}
