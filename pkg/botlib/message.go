// Package botlib provides a simple library for building chatroom bots.
package botlib

import (
	"strings"
)

// Message represents a chat message received by the bot.
type Message struct {
	Sender string
	Target string // chatroom name, or the bot's username for direct messages
	Text   string

	// Internal: the bot's username for mention detection
	botName string
}

// IsDirect returns true if the message was sent straight to the bot.
func (m *Message) IsDirect() bool {
	return m.botName != "" && m.Target == m.botName
}

// Room returns the chatroom the message was posted in, or "" for direct messages.
func (m *Message) Room() string {
	if m.IsDirect() {
		return ""
	}
	return m.Target
}

// ReplyTarget is where a reply goes: the sender for direct messages,
// the chatroom otherwise.
func (m *Message) ReplyTarget() string {
	if m.IsDirect() {
		return m.Sender
	}
	return m.Target
}

// MentionsMe returns true if the message text mentions the bot.
// Checks for @username patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}

	text := strings.ToLower(m.Text)
	name := strings.ToLower(m.botName)

	if strings.Contains(text, "@"+name) {
		return true
	}

	// Also check for username at start of message (common pattern)
	return strings.HasPrefix(text, name+":") ||
		strings.HasPrefix(text, name+",") ||
		strings.HasPrefix(text, name+" ")
}

// MentionedContent returns the message text with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botName == "" {
		return m.Text
	}

	text := m.Text
	name := m.botName

	text = strings.ReplaceAll(text, "@"+name, "")
	text = strings.ReplaceAll(text, "@"+strings.ToLower(name), "")

	lower := strings.ToLower(text)
	lowerName := strings.ToLower(name)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerName+sep) {
			text = text[len(name)+1:]
			break
		}
	}

	return strings.TrimSpace(text)
}
