package client

import (
	"strconv"

	"github.com/FHNW-Dream-Team/chat/pkg/protocol"
)

// ok runs a command whose reply carries only the success flag
func (c *Connection) ok(cmd protocol.Command, fields ...string) (bool, error) {
	reply, err := c.Call(cmd, fields...)
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}

// list runs a command whose successful reply carries a list of names
func (c *Connection) list(cmd protocol.Command, fields ...string) ([]string, error) {
	reply, err := c.Call(cmd, fields...)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, ErrRejected
	}
	names := make([]string, 0, len(reply.Extra))
	for _, name := range reply.Extra {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Connection) CreateLogin(username, password string) (bool, error) {
	return c.ok(protocol.CmdCreateLogin, username, password)
}

// Login returns the issued token, or ErrRejected on bad credentials
func (c *Connection) Login(username, password string) (string, error) {
	reply, err := c.Call(protocol.CmdLogin, username, password)
	if err != nil {
		return "", err
	}
	if !reply.OK || len(reply.Extra) == 0 {
		return "", ErrRejected
	}
	return reply.Extra[0], nil
}

func (c *Connection) ChangePassword(token, newPassword string) (bool, error) {
	return c.ok(protocol.CmdChangePassword, token, newPassword)
}

func (c *Connection) DeleteLogin(token string) (bool, error) {
	return c.ok(protocol.CmdDeleteLogin, token)
}

// Logout ends the session bound to token. An empty token logs out the
// connection's own session.
func (c *Connection) Logout(token string) (bool, error) {
	if token == "" {
		return c.ok(protocol.CmdLogout)
	}
	return c.ok(protocol.CmdLogout, token)
}

func (c *Connection) CreateChatroom(token, name string, public bool) (bool, error) {
	return c.ok(protocol.CmdCreateChatroom, token, name, strconv.FormatBool(public))
}

func (c *Connection) JoinChatroom(token, room, username string) (bool, error) {
	return c.ok(protocol.CmdJoinChatroom, token, room, username)
}

func (c *Connection) LeaveChatroom(token, room, username string) (bool, error) {
	return c.ok(protocol.CmdLeaveChatroom, token, room, username)
}

func (c *Connection) DeleteChatroom(token, room string) (bool, error) {
	return c.ok(protocol.CmdDeleteChatroom, token, room)
}

// ListChatrooms returns the public chatroom names
func (c *Connection) ListChatrooms(token string) ([]string, error) {
	return c.list(protocol.CmdListChatrooms, token)
}

// Ping checks the connection, and the token when one is given
func (c *Connection) Ping(token string) (bool, error) {
	if token == "" {
		return c.ok(protocol.CmdPing)
	}
	return c.ok(protocol.CmdPing, token)
}

func (c *Connection) SendMessage(token, target, text string) (bool, error) {
	return c.ok(protocol.CmdSendMessage, token, target, text)
}

func (c *Connection) UserOnline(token, username string) (bool, error) {
	return c.ok(protocol.CmdUserOnline, token, username)
}

func (c *Connection) ListChatroomUsers(token, room string) ([]string, error) {
	return c.list(protocol.CmdListChatroomUsers, token, room)
}
