package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	blockLength = 0
	templateID  = 1
	schemaID    = 1
	version     = 0
	// length of the message header that precedes every envelope
	tagSize = 8
	// envelope tag plus the two group counts
	HeaderSize = tagSize + 4 + 4
)

var (
	ErrMalformed       = errors.New("malformed envelope")
	ErrMessageTooLarge = errors.New("message does not fit in an empty envelope")
	ErrHeadersTooLarge = errors.New("headers do not fit in an envelope")
)

// EstimateSize returns the exact number of bytes the message takes up in an
// encoded envelope. Lengths are counted in UTF-8 bytes.
func EstimateSize(m Message) int {
	return 4 + len(m.Key) + 4 + len(m.Value) + 4 + HeadersSize(m.Headers)
}

// HeadersSize returns the number of bytes the headers take up when encoded,
// not counting the group count.
func HeadersSize(headers []Header) int {
	n := 0
	for _, h := range headers {
		n += 4 + len(h.Key) + 4 + len(h.Value)
	}
	return n
}

// IsEnvelope reports whether b starts with the envelope tag. It does not
// validate the rest of the buffer.
func IsEnvelope(b []byte) bool {
	if len(b) < tagSize {
		return false
	}
	return binary.LittleEndian.Uint16(b[2:]) == templateID &&
		binary.LittleEndian.Uint16(b[4:]) == schemaID &&
		binary.LittleEndian.Uint16(b[6:]) == version
}

// Encode renders the envelope. There is no size ceiling; use a MessageBuilder
// to stay within a byte budget.
func Encode(e *Envelope) []byte {
	return encode(e.Headers, e.Messages, HeaderSize+e.EstimateSize())
}

func encode(headers []Header, messages []Message, size int) []byte {
	b := make([]byte, 0, size)
	b = binary.LittleEndian.AppendUint16(b, blockLength)
	b = binary.LittleEndian.AppendUint16(b, templateID)
	b = binary.LittleEndian.AppendUint16(b, schemaID)
	b = binary.LittleEndian.AppendUint16(b, version)
	b = appendHeaders(b, headers)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(messages)))
	for _, m := range messages {
		b = appendString(b, m.Key)
		b = appendString(b, m.Value)
		b = appendHeaders(b, m.Headers)
	}
	return b
}

func appendHeaders(b []byte, headers []Header) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(headers)))
	for _, h := range headers {
		b = appendString(b, h.Key)
		b = appendString(b, h.Value)
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// Decode parses an encoded envelope. All errors wrap ErrMalformed.
func Decode(b []byte) (*Envelope, error) {
	if !IsEnvelope(b) {
		return nil, fmt.Errorf("%w: missing or unknown envelope tag", ErrMalformed)
	}
	r := &reader{b: b, pos: tagSize}
	e := &Envelope{}
	var err error
	if e.Headers, err = r.headers(); err != nil {
		return nil, err
	}
	n, err := r.count(12) // smallest possible message
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.Messages = make([]Message, n)
	}
	for i := range e.Messages {
		m := &e.Messages[i]
		if m.Key, err = r.string(); err != nil {
			return nil, err
		}
		if m.Value, err = r.string(); err != nil {
			return nil, err
		}
		if m.Headers, err = r.headers(); err != nil {
			return nil, err
		}
	}
	if r.pos != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b)-r.pos)
	}
	return e, nil
}

type reader struct {
	b   []byte
	pos int
}

func (r *reader) uint32() (uint32, error) {
	if len(r.b)-r.pos < 4 {
		return 0, fmt.Errorf("%w: short buffer at %d", ErrMalformed, r.pos)
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

// count reads a group count and checks that the remaining bytes could hold
// that many entries of at least minEntry bytes each.
func (r *reader) count(minEntry int) (int, error) {
	n, err := r.uint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minEntry) > uint64(len(r.b)-r.pos) {
		return 0, fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrMalformed, n, len(r.b)-r.pos)
	}
	return int(n), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(r.b)-r.pos) {
		return "", fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, len(r.b)-r.pos)
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) headers() ([]Header, error) {
	n, err := r.count(8)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	headers := make([]Header, n)
	for i := range headers {
		if headers[i].Key, err = r.string(); err != nil {
			return nil, err
		}
		if headers[i].Value, err = r.string(); err != nil {
			return nil, err
		}
	}
	return headers, nil
}
