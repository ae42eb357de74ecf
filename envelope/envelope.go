// Package envelope implements a compact binary format that packs many
// key/value messages, each with its own headers, into a single kafka record
// value. An envelope also carries headers common to all of its messages.
package envelope

type Header struct {
	Key   string
	Value string
}

type Message struct {
	Key     string
	Value   string
	Headers []Header
}

type Envelope struct {
	Headers  []Header
	Messages []Message
}

// Equal compares envelopes structurally. Order matters. Nil and empty slices
// are equal.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	if !headersEqual(e.Headers, o.Headers) {
		return false
	}
	if len(e.Messages) != len(o.Messages) {
		return false
	}
	for i := range e.Messages {
		if !e.Messages[i].Equal(o.Messages[i]) {
			return false
		}
	}
	return true
}

func (m Message) Equal(o Message) bool {
	return m.Key == o.Key && m.Value == o.Value && headersEqual(m.Headers, o.Headers)
}

func headersEqual(a, b []Header) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EstimateSize returns the number of bytes the envelope adds to HeaderSize
// when encoded.
func (e *Envelope) EstimateSize() int {
	n := HeadersSize(e.Headers)
	for _, m := range e.Messages {
		n += EstimateSize(m)
	}
	return n
}
