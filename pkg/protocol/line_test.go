package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		fields []string
	}{
		{"plain", "Login|alice|secret", "Login", []string{"alice", "secret"}},
		{"no fields", "Ping", "Ping", []string{}},
		{"lf terminated", "Ping\n", "Ping", []string{}},
		{"crlf terminated", "Ping|tok\r\n", "Ping", []string{"tok"}},
		{"escaped separator", `SendMessage|tok|room|a\|b`, "SendMessage", []string{"tok", "room", "a|b"}},
		{"escaped backslash before separator", `X|a\\|b`, "X", []string{`a\`, "b"}},
		{"escaped newline", `X|line1\nline2`, "X", []string{"line1\nline2"}},
		{"trailing empty field", "Result|ListChatrooms|true|", "Result", []string{"ListChatrooms", "true", ""}},
		{"unknown escape kept", `X|a\qb`, "X", []string{`a\qb`}},
		{"dangling backslash kept", `X|abc\`, "X", []string{`abc\`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Decode(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, line.Name)
			assert.Equal(t, tt.fields, line.Fields)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"", "\n", "\r\n", "|alice"} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrMalformedLine, "raw=%q", raw)
	}
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "Ping", Encode("Ping"))
	assert.Equal(t, "Login|alice|secret", Encode("Login", "alice", "secret"))
	assert.Equal(t, `SendMessage|tok|room|a\|b\\c\nd`, Encode("SendMessage", "tok", "room", "a|b\\c\nd"))
	assert.Equal(t, "Result|ListChatrooms|true|", Encode("Result", "ListChatrooms", "true", ""))
}

func TestLineHelpers(t *testing.T) {
	line, err := Decode("Login|alice|secret")
	require.NoError(t, err)

	assert.Equal(t, "alice", line.Field(0))
	assert.Equal(t, "", line.Field(5))
	assert.Equal(t, "", line.Field(-1))
	assert.Equal(t, "Login|alice|secret", line.String())
}

func TestReaderLines(t *testing.T) {
	r := NewReader(strings.NewReader("Ping\r\nLogin|a|b\nLogout"), 0)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Ping", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Login|a|b", line)

	// final line without terminator
	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "Logout", line)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTooLong(t *testing.T) {
	t.Run("within buffer", func(t *testing.T) {
		r := NewReader(strings.NewReader(strings.Repeat("x", 100)+"\nPing\n"), 16)

		_, err := r.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)

		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "Ping", line)
	})

	t.Run("spanning buffer refills", func(t *testing.T) {
		r := NewReader(strings.NewReader(strings.Repeat("x", 10000)+"\nok\n"), 10)

		_, err := r.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)

		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "ok", line)
	})

	t.Run("boundary", func(t *testing.T) {
		r := NewReader(strings.NewReader(strings.Repeat("x", 10)+"\n"+strings.Repeat("y", 11)+"\n"), 10)

		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Len(t, line, 10)

		_, err = r.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)
	})
}
