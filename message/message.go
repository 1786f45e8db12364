// Package message defines the application envelope exchanged over
// socklet connections. An envelope is a JSON object with a type, an
// event name and optional data:
//
//     {"type": "socklet:dispatch", "event": "message", "data": "hi"}
//
// Only envelopes with the DispatchType type are dispatched to event
// handlers.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mna/socklet/jsonmap"
	"github.com/sugawarayuuta/sonnet"
)

// DispatchType is the envelope type that triggers the dispatch of the
// event to its handler.
const DispatchType = "socklet:dispatch"

// Maximum length of the envelope fields, in bytes. Longer values fail
// to decode with jsonmap.ErrStringTooLong.
var (
	MaxTypeLen  = 64
	MaxEventLen = 256
	MaxDataLen  = 64 << 10
)

// ErrUnencodable is returned by Marshal when a field contains bytes
// that the envelope format cannot carry, as they would need to be
// escaped.
var ErrUnencodable = errors.New("socklet/message: unencodable value")

// Envelope is the application message envelope.
type Envelope struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// NewDispatch returns a dispatch envelope for the event and data.
func NewDispatch(event, data string) *Envelope {
	return &Envelope{Type: DispatchType, Event: event, Data: data}
}

// IsDispatch returns true if the envelope is a dispatch envelope.
func (e *Envelope) IsDispatch() bool {
	return e.Type == DispatchType
}

// String returns a short representation of the envelope, without its
// data.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s %q (%d bytes)", e.Type, e.Event, len(e.Data))
}

// Unmarshal decodes the envelope in b. The type and event fields are
// required, data is optional. The returned error, if any, wraps a
// jsonmap error.
func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	fields := []jsonmap.Field{
		{Key: "type", Kind: jsonmap.String, Target: &e.Type, Size: MaxTypeLen, Required: true},
		{Key: "event", Kind: jsonmap.String, Target: &e.Event, Size: MaxEventLen, Required: true},
		{Key: "data", Kind: jsonmap.String, Target: &e.Data, Size: MaxDataLen},
	}
	if err := jsonmap.Decode(b, fields); err != nil {
		return nil, err
	}
	return &e, nil
}

// Marshal encodes the envelope so that it can be decoded by Unmarshal.
func Marshal(e *Envelope) ([]byte, error) {
	for _, s := range []string{e.Type, e.Event, e.Data} {
		if err := checkEncodable(s); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := sonnet.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func checkEncodable(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid UTF-8", ErrUnencodable)
	}
	if i := strings.IndexAny(s, "\u2028\u2029"); i >= 0 {
		return fmt.Errorf("%w: line or paragraph separator at %d", ErrUnencodable, i)
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '"' || c == '\\' || c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: byte %#x at %d", ErrUnencodable, c, i)
		}
	}
	return nil
}
