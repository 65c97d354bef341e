package rpc

// codec.go - Content-Length framed JSON-RPC 2.0 encoding and resumable decoding.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const (
	// MaxHeaderBytes bounds the header block of a single frame.
	MaxHeaderBytes = 8 << 10

	// DefaultMaxContentLength bounds a single frame body.
	DefaultMaxContentLength = 32 << 20

	contentLengthHeader = "Content-Length"
	readChunkSize       = 32 << 10
)

// Decode parses one frame from the start of buf. On success it returns the
// message and the number of bytes the frame occupied.
//
// It returns ErrIncompleteFrame with n == 0 when buf ends before the frame
// does. A *ParseError comes with the number of bytes to drop: the header
// block when Content-Length is missing or invalid, the whole frame when the
// body is not a JSON-RPC message. A response body must carry exactly one of
// result and error.
func Decode(buf []byte) (jsonrpc.Message, int, error) {
	return decodeFrame(buf, DefaultMaxContentLength)
}

func decodeFrame(buf []byte, maxContentLength int) (jsonrpc.Message, int, error) {
	length := -1
	var headerErr error
	off := 0
	for {
		i := bytes.IndexByte(buf[off:], '\n')
		if i < 0 {
			if len(buf) > MaxHeaderBytes {
				return nil, 0, ErrFrameTooLarge
			}
			return nil, 0, ErrIncompleteFrame
		}
		line := bytes.TrimSuffix(buf[off:off+i], []byte{'\r'})
		off += i + 1
		if off > MaxHeaderBytes {
			return nil, 0, ErrFrameTooLarge
		}
		if len(line) == 0 {
			break
		}
		key, val, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			if headerErr == nil {
				headerErr = fmt.Errorf("malformed header line %q", line)
			}
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(string(key)), contentLengthHeader) {
			continue
		}
		digits := strings.TrimSpace(string(val))
		n, err := strconv.Atoi(digits)
		if err != nil || digits[0] < '0' || digits[0] > '9' {
			headerErr = fmt.Errorf("invalid Content-Length %q", bytes.TrimSpace(val))
			continue
		}
		length = n
	}

	if headerErr == nil && length < 0 {
		headerErr = errors.New("missing Content-Length header")
	}
	if headerErr != nil {
		return nil, off, &ParseError{Reason: "header", Err: headerErr}
	}
	if length > maxContentLength {
		return nil, 0, fmt.Errorf("%w: Content-Length %d exceeds %d", ErrFrameTooLarge, length, maxContentLength)
	}
	if len(buf)-off < length {
		return nil, 0, ErrIncompleteFrame
	}

	end := off + length
	msg, err := jsonrpc.DecodeMessage(buf[off:end])
	if err == nil {
		err = checkResponse(msg, buf[off:end])
	}
	if err != nil {
		return nil, end, &ParseError{Reason: "body", Err: err}
	}
	return msg, end, nil
}

// checkResponse rejects a response with neither or both of result and error.
// An explicit "error": null counts as absent.
func checkResponse(msg jsonrpc.Message, body []byte) error {
	if _, ok := msg.(*jsonrpc.Response); !ok {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return err
	}
	_, hasResult := fields["result"]
	errField, hasError := fields["error"]
	if hasError && string(bytes.TrimSpace(errField)) == "null" {
		hasError = false
	}
	if hasResult == hasError {
		return errors.New("response must carry exactly one of result and error")
	}
	return nil
}

// Encode serializes msg and prefixes it with a Content-Length header counting
// the body's bytes.
func Encode(msg jsonrpc.Message) ([]byte, error) {
	body, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, contentLengthHeader+": "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, "\r\n\r\n"...)
	return append(frame, body...), nil
}

// Reader decodes frames from a byte stream, holding partial frames until the
// rest arrives.
type Reader struct {
	r                io.Reader
	buf              []byte
	chunk            []byte
	err              error
	maxContentLength int

	// After a bad header block the body length is unknown, so input is
	// skipped up to the next Content-Length header.
	resync bool
}

// NewReader returns a Reader on r. A non-positive maxContentLength selects
// DefaultMaxContentLength.
func NewReader(r io.Reader, maxContentLength int) *Reader {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Reader{
		r:                r,
		chunk:            make([]byte, readChunkSize),
		maxContentLength: maxContentLength,
	}
}

// Read returns the next message. A *ParseError leaves the Reader positioned
// after the bad frame, or for a bad header, at the next Content-Length header.
// Any other error is final.
func (r *Reader) Read() (jsonrpc.Message, error) {
	for {
		if r.resync {
			r.skipToHeader()
		}
		if !r.resync && len(r.buf) > 0 {
			msg, n, err := decodeFrame(r.buf, r.maxContentLength)
			r.buf = r.buf[n:]
			var perr *ParseError
			if errors.As(err, &perr) && perr.Reason == "header" {
				r.resync = true
			}
			if !errors.Is(err, ErrIncompleteFrame) {
				return msg, err
			}
		}
		if r.err != nil {
			if r.err == io.EOF && len(r.buf) > 0 && !r.resync {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}
		n, err := r.r.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		if err != nil {
			r.err = err
		}
	}
}

// skipToHeader drops buffered input up to the next Content-Length token,
// compared without regard to case. The tail that could still begin the
// token is kept until more input arrives.
func (r *Reader) skipToHeader() {
	token := []byte(contentLengthHeader)
	for i := 0; i+len(token) <= len(r.buf); i++ {
		if bytes.EqualFold(r.buf[i:i+len(token)], token) {
			r.buf = r.buf[i:]
			r.resync = false
			return
		}
	}
	if keep := len(token) - 1; len(r.buf) > keep {
		r.buf = r.buf[len(r.buf)-keep:]
	}
}

// Writer writes whole frames; concurrent writers never interleave.
type Writer struct {
	mu sync.Mutex // protects w
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes msg and writes the frame in a single call.
func (w *Writer) Write(msg jsonrpc.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
