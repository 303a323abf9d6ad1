package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// FieldSeparator separates the fields of a line
	FieldSeparator = '|'

	// EscapeChar prefixes an escaped separator, backslash, CR or LF inside a field
	EscapeChar = '\\'

	// MaxLineLength bounds a single inbound line (64 KiB, terminator excluded)
	MaxLineLength = 64 * 1024

	// MaxMessageLength is the longest text SendMessage accepts, in characters
	MaxMessageLength = 1024
)

var (
	ErrMalformedLine  = errors.New("malformed line")
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrMalformedLine)
	ErrFieldCount     = fmt.Errorf("%w: wrong number of fields", ErrMalformedLine)
	ErrLineTooLong    = errors.New("line exceeds maximum length")
)

// Line is one decoded protocol line: a name followed by zero or more fields.
// Fields are stored unescaped.
type Line struct {
	Name   string
	Fields []string
}

// Field returns the i-th field or "" when absent
func (l *Line) Field(i int) string {
	if i < 0 || i >= len(l.Fields) {
		return ""
	}
	return l.Fields[i]
}

// String re-encodes the line without its terminator
func (l *Line) String() string {
	return Encode(l.Name, l.Fields...)
}

// Decode splits a raw line on unescaped separators and unescapes every field.
// A trailing CR and/or LF is stripped first. An empty line is malformed.
func Decode(raw string) (*Line, error) {
	raw = strings.TrimSuffix(raw, "\n")
	raw = strings.TrimSuffix(raw, "\r")
	if raw == "" {
		return nil, ErrMalformedLine
	}

	parts := splitUnescaped(raw, FieldSeparator)
	name := Unescape(parts[0])
	if name == "" {
		return nil, ErrMalformedLine
	}

	fields := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		fields = append(fields, Unescape(p))
	}
	return &Line{Name: name, Fields: fields}, nil
}

// Encode joins name and fields with the separator, escaping each part.
// The result has no line terminator.
func Encode(name string, fields ...string) string {
	var b strings.Builder
	b.WriteString(Escape(name))
	for _, f := range fields {
		b.WriteByte(FieldSeparator)
		b.WriteString(Escape(f))
	}
	return b.String()
}

// Escape makes a field safe to embed in a line
func Escape(s string) string {
	if !strings.ContainsAny(s, "|\\\n\r") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch r {
		case '|':
			b.WriteString(`\|`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escapes and a dangling backslash are kept literally.
func Unescape(s string) string {
	if !strings.ContainsRune(s, EscapeChar) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		if escaped {
			switch r {
			case '|':
				b.WriteRune('|')
			case '\\':
				b.WriteRune('\\')
			case 'n':
				b.WriteRune('\n')
			case 'r':
				b.WriteRune('\r')
			default:
				b.WriteRune(EscapeChar)
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == EscapeChar {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	if escaped {
		b.WriteRune(EscapeChar)
	}
	return b.String()
}

// splitUnescaped splits s on sep, ignoring separators preceded by an escape.
// Escape sequences are left intact for Unescape.
func splitUnescaped(s string, sep rune) []string {
	var parts []string
	var current strings.Builder
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}
		if r == EscapeChar {
			escaped = true
			current.WriteRune(r)
			continue
		}
		if r == sep {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	return append(parts, current.String())
}
