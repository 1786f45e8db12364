// Package handshake implements the server side of the websocket opening
// handshake over a raw connection: it reads the HTTP upgrade request,
// computes the Sec-WebSocket-Accept key and writes the
// 101 Switching Protocols response.
package handshake

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
)

// DefaultMaxHeaderBytes is the maximum size of the request header
// block when none is specified.
const DefaultMaxHeaderBytes = 4096

// GUID is the fixed string appended to the client key to compute the
// accept key (RFC 6455, section 1.3).
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// List of errors returned by the handshake functions.
var (
	// ErrMalformedRequest is returned when the end of the header block
	// cannot be found.
	ErrMalformedRequest = errors.New("socklet/handshake: malformed request")

	// ErrHeaderTooLarge is returned when the header block exceeds the
	// maximum allowed size.
	ErrHeaderTooLarge = errors.New("socklet/handshake: request header too large")

	// ErrMissingKey is returned when the Sec-WebSocket-Key header is
	// absent or empty.
	ErrMissingKey = errors.New("socklet/handshake: missing Sec-WebSocket-Key")

	// ErrSendFailed is returned when the response cannot be written.
	ErrSendFailed = errors.New("socklet/handshake: failed to send response")
)

var (
	crlf        = []byte("\r\n")
	endOfHeader = []byte("\r\n\r\n")
)

// Request is a parsed upgrade request.
type Request struct {
	// Method and URI are taken from the request line. They are empty if
	// the first line is not a valid request line.
	Method string
	URI    string

	// Raw is the header block as received, request line included, up to
	// but excluding the final empty line.
	Raw []byte

	// Header holds the parsed header fields.
	Header http.Header

	// Key is the value of the Sec-WebSocket-Key header.
	Key string

	// Rest holds the bytes received after the header block, if the
	// client sent data before getting the response.
	Rest []byte
}

// Read reads from r until the end of the header block and parses the
// request. At most max bytes are read, if max <= 0, DefaultMaxHeaderBytes
// is used.
func Read(r io.Reader, max int) (*Request, error) {
	if max <= 0 {
		max = DefaultMaxHeaderBytes
	}

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		// the marker may straddle two reads, look back a few bytes
		start := len(buf) - n - len(endOfHeader) + 1
		if start < 0 {
			start = 0
		}
		if i := bytes.Index(buf[start:], endOfHeader); i >= 0 {
			if start+i > max {
				return nil, ErrHeaderTooLarge
			}
			return Parse(buf)
		}
		if len(buf) > max {
			return nil, ErrHeaderTooLarge
		}
		if err != nil {
			if err == io.EOF {
				return nil, ErrMalformedRequest
			}
			return nil, err
		}
	}
}

// Parse parses the upgrade request in b, which must contain the complete
// header block.
func Parse(b []byte) (*Request, error) {
	end := bytes.Index(b, endOfHeader)
	if end < 0 {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Raw:  append([]byte(nil), b[:end]...),
		Rest: append([]byte(nil), b[end+len(endOfHeader):]...),
	}

	line := req.Raw
	if i := bytes.Index(line, crlf); i >= 0 {
		line = line[:i]
	}
	if parts := strings.Fields(string(line)); len(parts) == 3 && strings.HasPrefix(parts[2], "HTTP/") {
		req.Method, req.URI = parts[0], parts[1]
	}

	// textproto needs the terminating empty line and skips the request line
	// only if told to, so read it first.
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(b[:end+len(endOfHeader)])))
	if _, err := tr.ReadLine(); err != nil {
		return nil, ErrMalformedRequest
	}
	hdr, err := tr.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req.Header = http.Header(hdr)

	req.Key = strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if req.Key == "" {
		return nil, ErrMissingKey
	}
	return req, nil
}

// AcceptKey computes the Sec-WebSocket-Accept value for the client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Response returns the 101 Switching Protocols response for the client
// key.
func Response(key string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n")
}

// WriteResponse writes the 101 Switching Protocols response for the
// client key to w.
func WriteResponse(w io.Writer, key string) error {
	if _, err := w.Write(Response(key)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// WriteUnauthorized writes a 401 Unauthorized response to w.
func WriteUnauthorized(w io.Writer) error {
	if _, err := io.WriteString(w, "HTTP/1.1 401 Unauthorized\r\n\r\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}
