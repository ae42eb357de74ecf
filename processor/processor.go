// Package processor tracks records from the moment they are handed to a
// handler until the handler reports completion, and computes which offsets
// are safe to commit. A partition's watermark only moves past an offset once
// that offset and every offset registered before it have completed
// successfully. The first handler failure is latched and is fatal.
package processor

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mkocikowski/kafkasubscriber"
	"go.uber.org/zap"
)

type entry struct {
	offset int64
	done   bool
}

// cursor holds the offset tracking state for one partition.
type cursor struct {
	sync.Mutex
	// in registration order; all above the watermark
	pending []*entry
	// highest offset such that it and all offsets registered before it
	// completed. -1 before any completion.
	acked     int64
	committed int64
}

func newCursor() *cursor {
	return &cursor{acked: -1, committed: -1}
}

func (c *cursor) advance() {
	i := 0
	for ; i < len(c.pending) && c.pending[i].done; i++ {
		c.acked = c.pending[i].offset
	}
	if i > 0 {
		c.pending = append(c.pending[:0:0], c.pending[i:]...)
	}
}

// Processor is safe for concurrent use. Process is meant to be called from a
// single poll goroutine; completions may come from any goroutine.
type Processor struct {
	handler Handler
	logger  *zap.Logger
	cursors sync.Map // kafkasubscriber.TopicPartition -> *cursor
	failure atomic.Pointer[FailedError]
}

func New(subscriberID string, h Handler, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		handler: h,
		logger:  logger.With(zap.String("subscriber", subscriberID)),
	}
}

func (p *Processor) cursor(tp kafkasubscriber.TopicPartition) *cursor {
	if c, ok := p.cursors.Load(tp); ok {
		return c.(*cursor)
	}
	c, _ := p.cursors.LoadOrStore(tp, newCursor())
	return c.(*cursor)
}

// Process registers the record as pending and hands it to the handler. If a
// handler has already failed the record is not registered and the failure is
// returned.
func (p *Processor) Process(r *kafkasubscriber.Record) error {
	if err := p.Failure(); err != nil {
		return err
	}
	tp := r.TopicPartition()
	c := p.cursor(tp)
	e := &entry{offset: r.Offset}
	c.Lock()
	c.pending = append(c.pending, e)
	c.Unlock()
	var once int32
	done := func(err error) {
		if !atomic.CompareAndSwapInt32(&once, 0, 1) {
			p.logger.Warn("completion reported more than once",
				zap.Stringer("partition", tp), zap.Int64("offset", r.Offset))
			return
		}
		if err != nil {
			p.fail(tp, r.Offset, err)
			return
		}
		p.complete(c, e)
	}
	p.handle(r, done)
	return nil
}

func (p *Processor) handle(r *kafkasubscriber.Record, done func(error)) {
	defer func() {
		if v := recover(); v != nil {
			done(kafkasubscriber.Errorf("panic: %v", v))
		}
	}()
	p.handler.Handle(r, done)
}

func (p *Processor) complete(c *cursor, e *entry) {
	c.Lock()
	defer c.Unlock()
	e.done = true
	if p.failure.Load() != nil {
		return
	}
	c.advance()
}

func (p *Processor) fail(tp kafkasubscriber.TopicPartition, offset int64, err error) {
	f := &FailedError{TopicPartition: tp, Offset: offset, Err: err}
	if p.failure.CompareAndSwap(nil, f) {
		p.logger.Error("message handling failed",
			zap.Stringer("partition", tp), zap.Int64("offset", offset), zap.Error(err))
		return
	}
	p.logger.Debug("message handling failed after earlier failure",
		zap.Stringer("partition", tp), zap.Int64("offset", offset), zap.Error(err))
}

// Failure returns nil, or the first handler failure as a *FailedError.
func (p *Processor) Failure() error {
	if f := p.failure.Load(); f != nil {
		return f
	}
	return nil
}

// OffsetsToCommit returns, for every partition whose watermark moved past the
// last offset noted with NoteOffsetsCommitted, the watermark. The watermark
// is the last completed offset, not the next offset to consume.
func (p *Processor) OffsetsToCommit() map[kafkasubscriber.TopicPartition]int64 {
	out := make(map[kafkasubscriber.TopicPartition]int64)
	p.cursors.Range(func(k, v any) bool {
		c := v.(*cursor)
		c.Lock()
		if c.acked > c.committed {
			out[k.(kafkasubscriber.TopicPartition)] = c.acked
		}
		c.Unlock()
		return true
	})
	return out
}

// NoteOffsetsCommitted records offsets (as returned by OffsetsToCommit) that
// were committed successfully.
func (p *Processor) NoteOffsetsCommitted(offsets map[kafkasubscriber.TopicPartition]int64) {
	for tp, o := range offsets {
		c := p.cursor(tp)
		c.Lock()
		if o > c.committed {
			c.committed = o
		}
		c.Unlock()
	}
}

// Backlog returns the number of registered records that are not yet below a
// watermark. Records that completed out of order count until the watermark
// passes them.
func (p *Processor) Backlog() int {
	n := 0
	p.cursors.Range(func(_, v any) bool {
		c := v.(*cursor)
		c.Lock()
		n += len(c.pending)
		c.Unlock()
		return true
	})
	return n
}

// Pending returns the offsets above the watermark for partitions that have
// any.
func (p *Processor) Pending() map[kafkasubscriber.TopicPartition][]int64 {
	out := make(map[kafkasubscriber.TopicPartition][]int64)
	p.cursors.Range(func(k, v any) bool {
		c := v.(*cursor)
		c.Lock()
		if len(c.pending) > 0 {
			offsets := make([]int64, len(c.pending))
			for i, e := range c.pending {
				offsets[i] = e.offset
			}
			out[k.(kafkasubscriber.TopicPartition)] = offsets
		}
		c.Unlock()
		return true
	})
	return out
}

// Watermark returns the watermark for the partition, -1 if nothing completed.
func (p *Processor) Watermark(tp kafkasubscriber.TopicPartition) int64 {
	v, ok := p.cursors.Load(tp)
	if !ok {
		return -1
	}
	c := v.(*cursor)
	c.Lock()
	defer c.Unlock()
	return c.acked
}

// Partitions returns the partitions the processor has seen records from,
// sorted.
func (p *Processor) Partitions() []kafkasubscriber.TopicPartition {
	var out []kafkasubscriber.TopicPartition
	p.cursors.Range(func(k, _ any) bool {
		out = append(out, k.(kafkasubscriber.TopicPartition))
		return true
	})
	kafkasubscriber.SortTopicPartitions(out)
	return out
}

// IsHandlingFailure reports whether err is (or wraps) a handler failure.
func IsHandlingFailure(err error) bool {
	return errors.Is(err, ErrHandlingFailed)
}
