package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Reader reads newline-terminated lines with an upper bound on line length.
// An oversized line is discarded up to its terminator and reported as
// ErrLineTooLong; the reader stays usable afterwards.
type Reader struct {
	br  *bufio.Reader
	max int

	// A read interrupted by a deadline resumes from here
	partial []byte
	tooLong bool
}

// NewReader wraps r. A max of zero or less means MaxLineLength.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = MaxLineLength
	}
	return &Reader{br: bufio.NewReaderSize(r, 4096), max: max}
}

// ReadLine returns the next line without its CR/LF terminator.
// A final unterminated line before EOF is returned as a normal line.
func (r *Reader) ReadLine() (string, error) {
	buf, tooLong := r.partial, r.tooLong
	r.partial, r.tooLong = nil, false

	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			// +2 leaves room for the CRLF terminator
			if len(buf)+len(chunk) > r.max+2 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) > 0 && !tooLong {
					return trimTerminator(string(buf)), nil
				}
				return "", err
			}
			r.partial, r.tooLong = buf, tooLong
			return "", err
		}
		break
	}

	if tooLong {
		return "", ErrLineTooLong
	}
	line := trimTerminator(string(buf))
	if len(line) > r.max {
		return "", ErrLineTooLong
	}
	return line, nil
}

func trimTerminator(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
