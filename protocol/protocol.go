// Package protocol implements the Content-Length frame format used by jsoncomm.
//
// JSON is not self-delimiting on a byte stream, so every message is preceded by
// a small text header announcing the exact body size. The receiver reads header
// lines up to the first blank line, then reads exactly that many bytes.
//
// Frame format:
//
//	Content-Length: 27\n
//	\n
//	{"type":"event","seq":1,...}
//	└──────── 27 bytes ────────┘
//
// The length is the UTF-8 byte count of the body, never a character count.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// ContentLengthHeader is the only header the protocol requires.
	ContentLengthHeader = "Content-Length"

	// DefaultMaxContentLength bounds the body allocation for a single frame.
	DefaultMaxContentLength = 64 << 20
)

var (
	// ErrFraming is wrapped by every error that means the byte stream can no
	// longer be trusted to be aligned on frame boundaries.
	ErrFraming = errors.New("framing error")

	ErrMalformedHeader      = fmt.Errorf("%w: malformed header, expected 'name: value'", ErrFraming)
	ErrMissingContentLength = fmt.Errorf("%w: Content-Length not specified", ErrFraming)
	ErrInvalidContentLength = fmt.Errorf("%w: invalid Content-Length", ErrFraming)
	ErrContentTooLarge      = fmt.Errorf("%w: Content-Length exceeds limit", ErrFraming)
	ErrTruncatedContent     = fmt.Errorf("%w: content length does not match Content-Length header", ErrFraming)
)

type flusher interface {
	Flush() error
}

// WriteFrame writes header and body to w in a single Write call and flushes w
// if it buffers. The caller must still serialize concurrent writers sharing w:
// a short write followed by a retry can otherwise interleave frames.
func WriteFrame(w io.Writer, body []byte) error {
	if _, err := w.Write(EncodeFrame(body)); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// EncodeFrame returns the complete wire form of body.
func EncodeFrame(body []byte) []byte {
	header := ContentLengthHeader + ": " + strconv.Itoa(len(body)) + "\n\n"
	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	return append(buf, body...)
}

// Reader decodes frames from a byte stream. It is not safe for concurrent use;
// a connection has exactly one reading goroutine.
type Reader struct {
	br         *bufio.Reader
	maxContent int
}

// NewReader wraps r. A maxContent of zero or less selects DefaultMaxContentLength.
func NewReader(r io.Reader, maxContent int) *Reader {
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br, maxContent: maxContent}
}

// ReadFrame reads one frame and returns its body.
//
// io.EOF is returned when the stream ends before a complete header block or
// before the first body byte: the peer went away between messages. Malformed
// input yields an error wrapping ErrFraming.
func (r *Reader) ReadFrame() ([]byte, error) {
	headers, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	value, ok := headers[strings.ToLower(ContentLengthHeader)]
	if !ok {
		return nil, ErrMissingContentLength
	}
	length, convErr := strconv.Atoi(value)
	if convErr != nil || length < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContentLength, value)
	}
	if length > r.maxContent {
		return nil, fmt.Errorf("%w: %d > %d", ErrContentTooLarge, length, r.maxContent)
	}

	body := make([]byte, length)
	n, readErr := io.ReadFull(r.br, body)
	switch {
	case readErr == nil:
		return body, nil
	case n == 0 && errors.Is(readErr, io.EOF):
		return nil, io.EOF
	case errors.Is(readErr, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: expected %d bytes but read %d", ErrTruncatedContent, length, n)
	default:
		return nil, readErr
	}
}

// readHeaders collects header lines until the blank line that ends them.
// Header names are folded to lower case.
func (r *Reader) readHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			// A partial line at end of stream is not a header.
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) == 0 {
				// stray separator between frames
				continue
			}
			return headers, nil
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
}
