package botlib

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/client"
	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lineTimeout = 2 * time.Second

// fakeServer answers the commands a bot sends and can push chat lines
type fakeServer struct {
	conn     net.Conn
	writeMu  sync.Mutex
	received chan string

	mu      sync.Mutex
	rooms   []string
	loginOK bool
	pingOK  bool
}

func newFakeServer(t *testing.T, rooms ...string) (*fakeServer, *client.Connection) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	fs := &fakeServer{
		conn:     serverSide,
		received: make(chan string, 64),
		rooms:    rooms,
		loginOK:  true,
		pingOK:   true,
	}
	go fs.serve()
	t.Cleanup(func() { serverSide.Close() })

	return fs, client.NewConnection(clientSide)
}

func (fs *fakeServer) serve() {
	reader := protocol.NewReader(fs.conn, 0)
	for {
		raw, err := reader.ReadLine()
		if err != nil {
			return
		}
		fs.received <- raw
		line, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if err := fs.push(fs.respond(line)); err != nil {
			return
		}
	}
}

func (fs *fakeServer) respond(line *protocol.Line) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cmd := protocol.Command(line.Name)
	switch cmd {
	case protocol.CmdCreateLogin:
		return protocol.Result(cmd, false)
	case protocol.CmdLogin:
		if !fs.loginOK {
			return protocol.Result(cmd, false)
		}
		return protocol.Result(cmd, true, "tok1")
	case protocol.CmdListChatrooms:
		return protocol.Result(cmd, true, fs.rooms...)
	case protocol.CmdCreateChatroom:
		fs.rooms = append(fs.rooms, line.Field(1))
		return protocol.Result(cmd, true)
	case protocol.CmdPing:
		return protocol.Result(cmd, fs.pingOK)
	case protocol.CmdSendMessage:
		return protocol.Result(cmd, line.Field(1) != "closed")
	case protocol.CmdListChatroomUsers:
		return protocol.Result(cmd, true, "alice", "helper")
	case protocol.CmdJoinChatroom, protocol.CmdLogout, protocol.CmdUserOnline:
		return protocol.Result(cmd, true)
	default:
		return protocol.MessageError(protocol.ErrTextInvalidCommand)
	}
}

func (fs *fakeServer) push(line string) error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	_, err := fs.conn.Write([]byte(line + "\n"))
	return err
}

// expect reads received lines until want arrives
func (fs *fakeServer) expect(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(lineTimeout)
	for {
		select {
		case got := <-fs.received:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// startBot runs the bot against the fake server and returns its exit channel
func startBot(t *testing.T, b *Bot, conn *client.Connection) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- b.run(context.Background(), conn)
		close(exited)
	}()
	t.Cleanup(func() {
		b.Stop()
		select {
		case <-exited:
		case <-time.After(lineTimeout):
		}
	})
	return done
}

func waitExit(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(lineTimeout):
		t.Fatal("bot did not stop")
		return nil
	}
}

func newTestBot(rooms ...string) *Bot {
	return New(Config{
		Username:     "helper",
		Password:     "secret",
		Register:     true,
		Rooms:        rooms,
		Logger:       quietLogger(),
		PollInterval: 20 * time.Millisecond,
	})
}

func TestBotLoginAndJoin(t *testing.T) {
	fs, conn := newFakeServer(t, "lobby")
	b := newTestBot("lobby", "dev")
	done := startBot(t, b, conn)

	fs.expect(t, "CreateLogin|helper|secret")
	fs.expect(t, "Login|helper|secret")
	fs.expect(t, "ListChatrooms|tok1")
	fs.expect(t, "JoinChatroom|tok1|lobby|helper")
	fs.expect(t, "CreateChatroom|tok1|dev|true")
	fs.expect(t, "JoinChatroom|tok1|dev|helper")

	require.Eventually(t, func() bool { return len(b.Rooms()) == 2 }, lineTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"dev", "lobby"}, b.Rooms())

	b.Stop()
	assert.NoError(t, waitExit(t, done))
	fs.expect(t, "Logout|tok1")
}

func TestBotLoginRejected(t *testing.T) {
	fs, conn := newFakeServer(t)
	fs.mu.Lock()
	fs.loginOK = false
	fs.mu.Unlock()

	b := newTestBot()
	err := b.run(context.Background(), conn)
	assert.ErrorIs(t, err, client.ErrRejected)
}

func TestBotRepliesToMention(t *testing.T) {
	fs, conn := newFakeServer(t, "lobby")
	b := newTestBot("lobby")
	b.OnMention(func(ctx *Context, msg *Message) {
		assert.Equal(t, "lobby", ctx.Room())
		ctx.Reply("pong: " + msg.MentionedContent())
	})
	startBot(t, b, conn)
	fs.expect(t, "JoinChatroom|tok1|lobby|helper")

	require.NoError(t, fs.push(protocol.MessageText("alice", "lobby", "@helper ping")))
	fs.expect(t, "SendMessage|tok1|lobby|pong: ping")
}

func TestBotRepliesToDirectMessage(t *testing.T) {
	fs, conn := newFakeServer(t)
	b := newTestBot()
	b.OnDirect(func(ctx *Context, msg *Message) {
		users, err := ctx.ListChatroomUsers("lobby")
		if assert.NoError(t, err) {
			ctx.Reply(msg.Text + " " + users[0])
		}
	})
	startBot(t, b, conn)
	fs.expect(t, "ListChatrooms|tok1")

	require.NoError(t, fs.push(protocol.MessageText("alice", "helper", "hi")))
	fs.expect(t, "ListChatroomUsers|tok1|lobby")
	fs.expect(t, "SendMessage|tok1|alice|hi alice")
}

func TestBotSkipsOwnMessages(t *testing.T) {
	fs, conn := newFakeServer(t, "lobby")
	b := newTestBot("lobby")

	seen := make(chan string, 4)
	b.OnMessage(func(ctx *Context, msg *Message) {
		seen <- msg.Sender + ":" + msg.Text
	})
	startBot(t, b, conn)
	fs.expect(t, "JoinChatroom|tok1|lobby|helper")

	require.NoError(t, fs.push(protocol.MessageText("helper", "lobby", "echo")))
	require.NoError(t, fs.push(protocol.MessageText("bob", "lobby", "hello")))

	select {
	case got := <-seen:
		assert.Equal(t, "bob:hello", got)
	case <-time.After(lineTimeout):
		t.Fatal("handler not called")
	}
}

func TestBotSendRejected(t *testing.T) {
	fs, conn := newFakeServer(t)
	b := newTestBot()

	result := make(chan error, 1)
	b.OnDirect(func(ctx *Context, msg *Message) {
		result <- ctx.Send("closed", "hello")
	})
	startBot(t, b, conn)
	fs.expect(t, "ListChatrooms|tok1")

	require.NoError(t, fs.push(protocol.MessageText("alice", "helper", "go")))
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrMessageRejected))
	case <-time.After(lineTimeout):
		t.Fatal("handler not called")
	}
}

func TestBotKeepalivePing(t *testing.T) {
	fs, conn := newFakeServer(t)
	b := newTestBot()
	b.config.PingInterval = 30 * time.Millisecond
	startBot(t, b, conn)

	fs.expect(t, "Ping|tok1")
	fs.expect(t, "Ping|tok1")
}

func TestBotStopsWhenSessionExpires(t *testing.T) {
	fs, conn := newFakeServer(t)
	fs.mu.Lock()
	fs.pingOK = false
	fs.mu.Unlock()

	b := newTestBot()
	b.config.PingInterval = 30 * time.Millisecond
	done := startBot(t, b, conn)

	assert.ErrorIs(t, waitExit(t, done), ErrSessionExpired)
}

func TestBotStopsOnContextCancel(t *testing.T) {
	_, conn := newFakeServer(t)
	b := newTestBot()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.run(ctx, conn) }()

	cancel()
	assert.NoError(t, waitExit(t, done))
}

func TestBotReportsLostConnection(t *testing.T) {
	fs, conn := newFakeServer(t)
	b := newTestBot()
	done := startBot(t, b, conn)
	fs.expect(t, "ListChatrooms|tok1")

	fs.conn.Close()
	err := waitExit(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}
