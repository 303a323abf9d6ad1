package botlib

import (
	"fmt"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions. Handlers run on the bot's receive goroutine,
// so server queries made through the context are safe.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply answers in the chatroom the message came from, or back to the
// sender for direct messages.
func (c *Context) Reply(text string) error {
	return c.bot.send(c.message.ReplyTarget(), text)
}

// Send posts text to a chatroom or user.
func (c *Context) Send(target, text string) error {
	return c.bot.send(target, text)
}

// Room returns the chatroom of the message, "" for direct messages.
func (c *Context) Room() string {
	return c.message.Room()
}

// Author returns the username of the message sender.
func (c *Context) Author() string {
	return c.message.Sender
}

// BotName returns the bot's username.
func (c *Context) BotName() string {
	return c.bot.config.Username
}

// ListChatrooms returns the chatrooms visible to the bot.
func (c *Context) ListChatrooms() ([]string, error) {
	return c.bot.conn.ListChatrooms(c.bot.token)
}

// ListChatroomUsers returns the members of room.
func (c *Context) ListChatroomUsers(room string) ([]string, error) {
	return c.bot.conn.ListChatroomUsers(c.bot.token, room)
}

// UserOnline reports whether username has a live session.
func (c *Context) UserOnline(username string) (bool, error) {
	return c.bot.conn.UserOnline(c.bot.token, username)
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{target=%s, author=%s}", c.message.Target, c.message.Sender)
}
