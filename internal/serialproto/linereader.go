package serialproto

import "io"

// MaxLineLength is the longest line accepted; further characters are dropped
// until the line is terminated or edited.
const MaxLineLength = 39

// LineReader assembles lines from single bytes as they trickle in. CR or LF
// ends a line, backspace and DEL edit it and other control bytes are ignored.
type LineReader struct {
	buf  []byte
	echo io.Writer
}

// NewLineReader returns a reader that echoes accepted input to echo, if set.
func NewLineReader(echo io.Writer) *LineReader {
	return &LineReader{buf: make([]byte, 0, MaxLineLength), echo: echo}
}

// Pending reports whether a line has been started but not finished.
func (r *LineReader) Pending() bool {
	return len(r.buf) > 0
}

// Feed consumes one byte and returns a line once it is complete. Empty lines
// are not returned.
func (r *LineReader) Feed(b byte) (string, bool) {
	switch {
	case b == '\r' || b == '\n':
		if len(r.buf) == 0 {
			return "", false
		}
		line := string(r.buf)
		r.buf = r.buf[:0]
		r.write([]byte("\r\n"))
		return line, true
	case b == '\b' || b == 0x7f:
		if len(r.buf) > 0 {
			r.buf = r.buf[:len(r.buf)-1]
			r.write([]byte("\b \b"))
		}
	case b < 32 || b > 126:
	case len(r.buf) >= MaxLineLength:
	default:
		r.buf = append(r.buf, b)
		r.write([]byte{b})
	}
	return "", false
}

func (r *LineReader) write(p []byte) {
	if r.echo != nil {
		r.echo.Write(p)
	}
}
