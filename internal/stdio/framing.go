// Package stdio serves the router over a Content-Length framed byte stream,
// normally the process's stdin and stdout.
package stdio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxFrameSize bounds a single message body.
const MaxFrameSize = 32 << 20

// ErrFraming reports a malformed frame header.
var ErrFraming = errors.New("malformed frame")

// ReadFrame reads one "Content-Length: n" framed message. It returns io.EOF
// when the stream ends cleanly before a new frame starts.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	sawHeader := false

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: unexpected end of header", ErrFraming)
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Tolerate blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: invalid header line %q", ErrFraming, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrFraming, value)
			}
			length = n
		}
	}

	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrFraming)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", ErrFraming, length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: short body: %v", ErrFraming, err)
	}
	return body, nil
}

// WriteFrame writes body with a Content-Length header.
func WriteFrame(w io.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
