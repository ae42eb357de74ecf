package envelope

// MessageBuilder accumulates messages into an envelope without letting its
// encoded size exceed a byte budget. Not safe for concurrent use.
type MessageBuilder struct {
	maxBytes   int
	size       int
	headersSet bool
	headers    []Header
	messages   []Message
}

func NewMessageBuilder(maxBytes int) *MessageBuilder {
	return &MessageBuilder{maxBytes: maxBytes, size: HeaderSize}
}

// SetHeaders sets the headers common to all messages in the envelope. It
// returns false, leaving the builder unchanged, if the headers would not fit,
// if headers have already been set, or if messages have already been added.
func (b *MessageBuilder) SetHeaders(headers []Header) bool {
	if b.headersSet || len(b.messages) > 0 {
		return false
	}
	n := HeadersSize(headers)
	if b.size+n > b.maxBytes {
		return false
	}
	b.headers = append([]Header(nil), headers...)
	b.headersSet = true
	b.size += n
	return true
}

// AddMessage appends the message if the envelope stays within budget.
// Returns false, leaving the builder unchanged, otherwise.
func (b *MessageBuilder) AddMessage(m Message) bool {
	n := EstimateSize(m)
	if b.size+n > b.maxBytes {
		return false
	}
	m.Headers = append([]Header(nil), m.Headers...)
	b.messages = append(b.messages, m)
	b.size += n
	return true
}

// Size returns the encoded size of the envelope in its current state.
func (b *MessageBuilder) Size() int { return b.size }

// Len returns the number of messages added.
func (b *MessageBuilder) Len() int { return len(b.messages) }

// Bytes renders the current state. It can be called any number of times and
// does not reset the builder.
func (b *MessageBuilder) Bytes() []byte {
	return encode(b.headers, b.messages, b.size)
}
