package handshake

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Authorization: Bearer 123456\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

func TestAcceptKey(t *testing.T) {
	t.Parallel()

	// reference value from RFC 6455, section 1.3
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
	for i := 0; i < 3; i++ {
		assert.Equal(t, AcceptKey("x3JJHMbDL1EzLkh9GBhXDw=="), AcceptKey("x3JJHMbDL1EzLkh9GBhXDw=="), "deterministic")
	}
	assert.Equal(t, "HSmrc0sMlYUkAGmm5OPpG2HaGWk=", AcceptKey("x3JJHMbDL1EzLkh9GBhXDw=="))
}

func TestParse(t *testing.T) {
	t.Parallel()

	req, err := Parse([]byte(validRequest + "\x81\x80abcd"))
	require.NoError(t, err, "Parse")

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/chat", req.URI)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", req.Key)
	assert.Equal(t, "Bearer 123456", req.Header.Get("Authorization"))
	assert.Equal(t, strings.TrimSuffix(validRequest, "\r\n\r\n"), string(req.Raw))
	assert.Equal(t, []byte("\x81\x80abcd"), req.Rest)
}

func TestParseKeyCaseInsensitive(t *testing.T) {
	t.Parallel()

	req, err := Parse([]byte("GET / HTTP/1.1\r\nsec-websocket-key:   abc==  \r\n\r\n"))
	require.NoError(t, err, "Parse")
	assert.Equal(t, "abc==", req.Key)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in  string
		err error
	}{
		{"", ErrMalformedRequest},
		{"GET / HTTP/1.1\r\nSec-WebSocket-Key: abc\r\n", ErrMalformedRequest},
		{"GET / HTTP/1.1\r\nHost: x\r\n\r\n", ErrMissingKey},
		{"GET / HTTP/1.1\r\nSec-WebSocket-Key: \r\n\r\n", ErrMissingKey},
		{"\r\n\r\n", ErrMissingKey},
	}
	for i, c := range cases {
		_, err := Parse([]byte(c.in))
		assert.True(t, errors.Is(err, c.err), "%d: expected %v, got %v", i, c.err, err)
	}
}

func TestRead(t *testing.T) {
	t.Parallel()

	// one byte at a time, so the end marker straddles reads
	req, err := Read(iotest.OneByteReader(strings.NewReader(validRequest)), 0)
	require.NoError(t, err, "Read")
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", req.Key)

	_, err = Read(strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n"), 0)
	assert.Equal(t, ErrMalformedRequest, err, "EOF before end of headers")

	long := "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 200) + "\r\n\r\n"
	_, err = Read(strings.NewReader(long), 64)
	assert.Equal(t, ErrHeaderTooLarge, err, "header too large")
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteResponse(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, "dGhlIHNhbXBsZSBub25jZQ=="))
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n", buf.String())

	err := WriteResponse(failWriter{}, "k")
	assert.ErrorIs(t, err, ErrSendFailed)

	buf.Reset()
	require.NoError(t, WriteUnauthorized(&buf))
	assert.Equal(t, "HTTP/1.1 401 Unauthorized\r\n\r\n", buf.String())
}
