package client

import (
	"net"
	"testing"
	"time"

	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer answers each received line with the lines the respond
// callback returns. Received lines are sent to the returned channel.
func scriptedServer(t *testing.T, respond func(line string) []string) (*Connection, <-chan string) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	received := make(chan string, 32)

	go func() {
		defer serverSide.Close()
		reader := protocol.NewReader(serverSide, 0)
		for {
			line, err := reader.ReadLine()
			if err != nil {
				return
			}
			received <- line
			for _, out := range respond(line) {
				if _, err := serverSide.Write([]byte(out + "\n")); err != nil {
					return
				}
			}
		}
	}()

	conn := NewConnection(clientSide)
	conn.SetTimeout(2 * time.Second)
	t.Cleanup(func() { conn.Close() })
	return conn, received
}

func TestCallReturnsMatchingResult(t *testing.T) {
	conn, received := scriptedServer(t, func(line string) []string {
		return []string{protocol.Result(protocol.CmdLogin, true, "abc123")}
	})

	token, err := conn.Login("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
	assert.Equal(t, "Login|alice|secret", <-received)
}

func TestCallQueuesChatMessages(t *testing.T) {
	conn, _ := scriptedServer(t, func(line string) []string {
		return []string{
			protocol.MessageText("bob", "lobby", "hi there"),
			protocol.Result(protocol.CmdPing, true),
		}
	})

	ok, err := conn.Ping("")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, conn.Pending())

	msg, err := conn.NextMessage(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, &protocol.ChatMessage{Sender: "bob", Target: "lobby", Text: "hi there"}, msg)
	assert.Zero(t, conn.Pending())
}

func TestCallSkipsStrayResults(t *testing.T) {
	conn, _ := scriptedServer(t, func(line string) []string {
		return []string{
			protocol.Result(protocol.CmdLogout, true),
			protocol.Result(protocol.CmdUserOnline, false),
		}
	})

	ok, err := conn.UserOnline("tok", "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallServerError(t *testing.T) {
	conn, _ := scriptedServer(t, func(line string) []string {
		return []string{protocol.MessageError(protocol.ErrTextInvalidCommand)}
	})

	_, err := conn.Call(protocol.CmdPing)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.ErrTextInvalidCommand, serverErr.Text)
}

func TestListCommands(t *testing.T) {
	conn, received := scriptedServer(t, func(line string) []string {
		switch {
		case line == "ListChatrooms|tok":
			return []string{protocol.Result(protocol.CmdListChatrooms, true, "lobby", "random")}
		default:
			return []string{protocol.Result(protocol.CmdListChatroomUsers, false)}
		}
	})

	rooms, err := conn.ListChatrooms("tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby", "random"}, rooms)
	<-received

	_, err = conn.ListChatroomUsers("tok", "secret")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestCommandEncoding(t *testing.T) {
	conn, received := scriptedServer(t, func(line string) []string {
		cmd, _, err := protocol.ParseCommand(line)
		if err != nil {
			return []string{protocol.MessageError(protocol.ErrTextInvalidCommand)}
		}
		return []string{protocol.Result(cmd, true)}
	})

	tests := []struct {
		name string
		call func() (bool, error)
		want string
	}{
		{"create login", func() (bool, error) { return conn.CreateLogin("alice", "pw") }, "CreateLogin|alice|pw"},
		{"change password", func() (bool, error) { return conn.ChangePassword("tok", "new") }, "ChangePassword|tok|new"},
		{"delete login", func() (bool, error) { return conn.DeleteLogin("tok") }, "DeleteLogin|tok"},
		{"logout own session", func() (bool, error) { return conn.Logout("") }, "Logout"},
		{"logout token", func() (bool, error) { return conn.Logout("tok") }, "Logout|tok"},
		{"create chatroom", func() (bool, error) { return conn.CreateChatroom("tok", "lobby", true) }, "CreateChatroom|tok|lobby|true"},
		{"join", func() (bool, error) { return conn.JoinChatroom("tok", "lobby", "alice") }, "JoinChatroom|tok|lobby|alice"},
		{"leave", func() (bool, error) { return conn.LeaveChatroom("tok", "lobby", "alice") }, "LeaveChatroom|tok|lobby|alice"},
		{"delete chatroom", func() (bool, error) { return conn.DeleteChatroom("tok", "lobby") }, "DeleteChatroom|tok|lobby"},
		{"ping token", func() (bool, error) { return conn.Ping("tok") }, "Ping|tok"},
		{"send escaped", func() (bool, error) { return conn.SendMessage("tok", "lobby", "a|b") }, `SendMessage|tok|lobby|a\|b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.call()
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.want, <-received)
		})
	}
}

func TestNextMessageTimeout(t *testing.T) {
	conn, _ := scriptedServer(t, func(line string) []string { return nil })

	_, err := conn.NextMessage(50 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestClosedConnection(t *testing.T) {
	conn, _ := scriptedServer(t, func(line string) []string { return nil })
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send(protocol.CmdPing), ErrClosed)
	_, err := conn.ReadLine(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		raw      string
		display  string
		connType string
		wantErr  bool
	}{
		{raw: "localhost", display: "localhost:6465", connType: "tcp"},
		{raw: "localhost:7000", display: "localhost:7000", connType: "tcp"},
		{raw: "tcp://example.com", display: "example.com:6465", connType: "tcp"},
		{raw: "tls://example.com:7443", display: "tls://example.com:7443", connType: "tls"},
		{raw: "ws://example.com", display: "ws://example.com:8080", connType: "websocket"},
		{raw: "wss://example.com:443", display: "wss://example.com:443", connType: "websocket"},
		{raw: "[::1]", display: "[::1]:6465", connType: "tcp"},
		{raw: "", wantErr: true},
		{raw: "ssh://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.Equal(t, tt.connType, cfg.connType)
		})
	}
}
