package wire

import (
	"bytes"
	"errors"
	"io"
)

// MaxLineBytes is the default bound on a single protocol line.
const MaxLineBytes = 16 * 1024

// ErrLineTooLong is returned once for each line that exceeds the bound. The
// rest of that line is skipped.
var ErrLineTooLong = errors.New("wire: line too long")

// LineReader splits a stream into lines. Unlike bufio.Scanner it survives
// read errors such as deadline timeouts: bytes of a partial line stay
// buffered and the next call resumes where the last one stopped.
type LineReader struct {
	r        io.Reader
	max      int
	pending  []byte
	buf      []byte
	skipping bool
}

// NewLineReader returns a reader bounded to max bytes per line. max <= 0
// uses MaxLineBytes.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxLineBytes
	}
	return &LineReader{r: r, max: max, buf: make([]byte, 4096)}
}

// ReadLine returns the next non-blank line with surrounding whitespace
// trimmed. Errors from the underlying reader are returned as is.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		if line, ok := lr.next(); ok {
			if len(line) == 0 {
				continue
			}
			if len(line) > lr.max {
				return nil, ErrLineTooLong
			}
			return line, nil
		}
		if !lr.skipping && len(lr.pending) > lr.max {
			lr.pending = nil
			lr.skipping = true
			return nil, ErrLineTooLong
		}
		if lr.skipping {
			lr.pending = lr.pending[:0]
		}

		n, err := lr.r.Read(lr.buf)
		lr.pending = append(lr.pending, lr.buf[:n]...)
		if err != nil {
			if n > 0 && bytes.IndexByte(lr.buf[:n], '\n') >= 0 {
				if line, ok := lr.next(); ok && len(line) > 0 && len(line) <= lr.max {
					return line, nil
				}
			}
			return nil, err
		}
	}
}

// buffered reports whether a complete line is already pending.
func (lr *LineReader) buffered() bool {
	return bytes.IndexByte(lr.pending, '\n') >= 0
}

// next pops one complete line from pending.
func (lr *LineReader) next() ([]byte, bool) {
	i := bytes.IndexByte(lr.pending, '\n')
	if i < 0 {
		return nil, false
	}
	line := bytes.Clone(bytes.TrimSpace(lr.pending[:i]))
	lr.pending = append(lr.pending[:0], lr.pending[i+1:]...)
	if lr.skipping {
		lr.skipping = false
		return nil, true
	}
	return line, true
}
