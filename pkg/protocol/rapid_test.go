package protocol

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// alphabet is biased toward the characters the codec treats specially
var alphabet = []rune{'a', 'b', 'z', '0', ' ', '|', '\\', '\n', '\r', 'n', 'r', 'é', '世', ','}

func fieldGen() *rapid.Generator[string] {
	return rapid.StringOfN(rapid.RuneFrom(alphabet), 0, 40, -1)
}

// TestLineRoundTrip checks that any name and field list survive Encode then Decode
func TestLineRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringOfN(rapid.RuneFrom(alphabet), 1, 20, -1).Draw(t, "name")
		fields := rapid.SliceOfN(fieldGen(), 0, 6).Draw(t, "fields")

		encoded := Encode(name, fields...)
		if strings.ContainsAny(encoded, "\n\r") {
			t.Fatalf("encoded line contains a raw terminator: %q", encoded)
		}

		line, err := Decode(encoded + "\n")
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if line.Name != name {
			t.Fatalf("name mismatch: got %q, want %q", line.Name, name)
		}
		if len(line.Fields) != len(fields) {
			t.Fatalf("field count mismatch: got %d, want %d", len(line.Fields), len(fields))
		}
		for i := range fields {
			if line.Fields[i] != fields[i] {
				t.Fatalf("field %d mismatch: got %q, want %q", i, line.Fields[i], fields[i])
			}
		}
	})
}

// TestEscapeIsSingleField checks that an escaped value never splits into more than one field
func TestEscapeIsSingleField(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := fieldGen().Draw(t, "s")

		parts := splitUnescaped(Escape(s), FieldSeparator)
		if len(parts) != 1 {
			t.Fatalf("escaped %q split into %d parts", s, len(parts))
		}
		if got := Unescape(parts[0]); got != s {
			t.Fatalf("unescape mismatch: got %q, want %q", got, s)
		}
	})
}

// TestReaderNeverExceedsLimit checks that ReadLine only returns lines within the bound
func TestReaderNeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 64).Draw(t, "max")
		lines := rapid.SliceOfN(rapid.StringOfN(rapid.RuneFrom([]rune{'a', 'b', '|'}), 0, 100, -1), 1, 10).Draw(t, "lines")

		r := NewReader(strings.NewReader(strings.Join(lines, "\n")+"\n"), max)
		for i, want := range lines {
			got, err := r.ReadLine()
			if len(want) > max {
				if err != ErrLineTooLong {
					t.Fatalf("line %d: expected ErrLineTooLong, got %v", i, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("line %d: unexpected error %v", i, err)
			}
			if got != want {
				t.Fatalf("line %d: got %q, want %q", i, got, want)
			}
		}
	})
}
