package envelope

import (
	"sync"
)

// Batch is an encoded envelope ready to be produced. If BuildError is set
// Bytes is nil and NumMessages is the number of messages that were dropped.
type Batch struct {
	Bytes       []byte
	NumMessages int
	BuildError  error
}

type set struct {
	headers  []Header
	messages []Message
	size     int
	err      error
}

// SequentialBuilder packs messages into envelopes. Make sure to set public
// field values before calling Start. Do not change them after calling Start.
// Messages are assigned to envelopes in the order they are received, and
// envelopes are emitted in no particular order when NumWorkers > 1.
type SequentialBuilder struct {
	// Encoded envelopes will not be larger than this. Must be >HeaderSize.
	MaxBytes int
	// Set on every envelope. If they do not fit in MaxBytes every message
	// is returned in a batch with ErrHeadersTooLarge.
	Headers []Header
	// Must be >0
	NumWorkers int
	//
	in   <-chan []Message
	sets chan *set
	out  chan *Batch
	wg   sync.WaitGroup
}

func (b *SequentialBuilder) newBuilder() (*MessageBuilder, bool) {
	mb := NewMessageBuilder(b.MaxBytes)
	return mb, mb.SetHeaders(b.Headers)
}

func (b *SequentialBuilder) flush(mb *MessageBuilder) {
	if mb.Len() == 0 {
		return
	}
	b.sets <- &set{headers: mb.headers, messages: mb.messages, size: mb.size}
}

func (b *SequentialBuilder) collectLoop() {
	defer close(b.sets)
	mb, ok := b.newBuilder()
	if !ok {
		for messages := range b.in {
			if len(messages) > 0 {
				b.sets <- &set{messages: messages, err: ErrHeadersTooLarge}
			}
		}
		return
	}
	for messages := range b.in {
		for _, m := range messages {
			if mb.AddMessage(m) {
				continue
			}
			b.flush(mb)
			mb, _ = b.newBuilder() // headers fit, checked above
			if !mb.AddMessage(m) {
				b.sets <- &set{messages: []Message{m}, err: ErrMessageTooLarge}
			}
		}
	}
	b.flush(mb)
}

func (b *SequentialBuilder) buildLoop() {
	for s := range b.sets {
		if s.err != nil {
			b.out <- &Batch{NumMessages: len(s.messages), BuildError: s.err}
			continue
		}
		b.out <- &Batch{
			Bytes:       encode(s.headers, s.messages, s.size),
			NumMessages: len(s.messages),
		}
	}
}

// Start building envelopes. Returns channel to which workers send completed
// batches. When input channel is closed the workers drain it, output any
// remaining partial envelope, exit, and the output channel is closed. You
// should call Start only once.
func (b *SequentialBuilder) Start(input <-chan []Message) <-chan *Batch {
	b.in = input
	b.sets = make(chan *set, b.NumWorkers)
	go b.collectLoop()
	b.out = make(chan *Batch, b.NumWorkers)
	for i := 0; i < b.NumWorkers; i++ {
		b.wg.Add(1)
		go func() {
			b.buildLoop()
			b.wg.Done()
		}()
	}
	go func() {
		b.wg.Wait()
		close(b.out)
	}()
	return b.out
}
