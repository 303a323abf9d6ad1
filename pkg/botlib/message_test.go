package botlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageMentions(t *testing.T) {
	tests := []struct {
		text     string
		mentions bool
		content  string
	}{
		{"@helper what time is it", true, "what time is it"},
		{"hey @helper!", true, "hey !"},
		{"helper: rooms", true, "rooms"},
		{"Helper, help", true, "help"},
		{"helper ping", true, "ping"},
		{"helpers are nice", false, "helpers are nice"},
		{"nothing here", false, "nothing here"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			msg := &Message{Sender: "alice", Target: "lobby", Text: tt.text, botName: "helper"}
			assert.Equal(t, tt.mentions, msg.MentionsMe())
			if tt.mentions {
				assert.Equal(t, tt.content, msg.MentionedContent())
			}
		})
	}
}

func TestMessageMentionsCaseInsensitive(t *testing.T) {
	msg := &Message{Text: "hey @HELPER", botName: "helper"}
	assert.True(t, msg.MentionsMe())
}

func TestMessageWithoutBotName(t *testing.T) {
	msg := &Message{Sender: "alice", Target: "lobby", Text: "@helper hi"}
	assert.False(t, msg.MentionsMe())
	assert.False(t, msg.IsDirect())
	assert.Equal(t, "@helper hi", msg.MentionedContent())
}

func TestMessageReplyTarget(t *testing.T) {
	room := &Message{Sender: "alice", Target: "lobby", botName: "helper"}
	assert.False(t, room.IsDirect())
	assert.Equal(t, "lobby", room.Room())
	assert.Equal(t, "lobby", room.ReplyTarget())

	direct := &Message{Sender: "alice", Target: "helper", botName: "helper"}
	assert.True(t, direct.IsDirect())
	assert.Empty(t, direct.Room())
	assert.Equal(t, "alice", direct.ReplyTarget())
}
