package processor

import (
	"errors"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/mkocikowski/kafkasubscriber"
)

// deferred is a handler that holds on to completions until the test calls
// them.
type deferred struct {
	sync.Mutex
	done map[int64]func(error)
}

func (d *deferred) Handle(r *kafkasubscriber.Record, done func(error)) {
	d.Lock()
	defer d.Unlock()
	if d.done == nil {
		d.done = make(map[int64]func(error))
	}
	d.done[r.Offset] = done
}

func (d *deferred) complete(offset int64, err error) {
	d.Lock()
	done := d.done[offset]
	d.Unlock()
	done(err)
}

var tp0 = kafkasubscriber.TopicPartition{Topic: "t", Partition: 0}

func record(partition int32, offset int64) *kafkasubscriber.Record {
	return &kafkasubscriber.Record{Topic: "t", Partition: partition, Offset: offset}
}

func TestUnitContiguousCommit(t *testing.T) {
	c := qt.New(t)
	h := &deferred{}
	p := New("test", h, nil)
	for o := int64(10); o < 13; o++ {
		c.Assert(p.Process(record(0, o)), qt.IsNil)
	}
	c.Assert(p.Backlog(), qt.Equals, 3)
	c.Assert(p.OffsetsToCommit(), qt.HasLen, 0)
	// out of order completion does not move the watermark
	h.complete(11, nil)
	c.Assert(p.OffsetsToCommit(), qt.HasLen, 0)
	c.Assert(p.Backlog(), qt.Equals, 3)
	c.Assert(p.Pending(), qt.DeepEquals, map[kafkasubscriber.TopicPartition][]int64{tp0: {10, 11, 12}})
	h.complete(10, nil)
	c.Assert(p.OffsetsToCommit(), qt.DeepEquals, map[kafkasubscriber.TopicPartition]int64{tp0: 11})
	c.Assert(p.Backlog(), qt.Equals, 1)
	h.complete(12, nil)
	c.Assert(p.OffsetsToCommit(), qt.DeepEquals, map[kafkasubscriber.TopicPartition]int64{tp0: 12})
	c.Assert(p.Backlog(), qt.Equals, 0)
	c.Assert(p.Pending(), qt.HasLen, 0)
}

func TestUnitNoteOffsetsCommitted(t *testing.T) {
	c := qt.New(t)
	p := New("test", Sync(func(*kafkasubscriber.Record) error { return nil }), nil)
	p.Process(record(0, 0))
	p.Process(record(1, 5))
	offsets := p.OffsetsToCommit()
	c.Assert(offsets, qt.HasLen, 2)
	// only partition 0 commit succeeded; partition 1 is reported again
	p.NoteOffsetsCommitted(map[kafkasubscriber.TopicPartition]int64{tp0: 0})
	c.Assert(p.OffsetsToCommit(), qt.DeepEquals, map[kafkasubscriber.TopicPartition]int64{
		{Topic: "t", Partition: 1}: 5,
	})
	p.NoteOffsetsCommitted(p.OffsetsToCommit())
	c.Assert(p.OffsetsToCommit(), qt.HasLen, 0)
}

func TestUnitOffsetGaps(t *testing.T) {
	// compacted topics have gaps in offsets
	p := New("test", Sync(func(*kafkasubscriber.Record) error { return nil }), nil)
	for _, o := range []int64{3, 7, 20} {
		p.Process(record(0, o))
	}
	if o := p.Watermark(tp0); o != 20 {
		t.Fatal(o)
	}
}

func TestUnitFailureLatch(t *testing.T) {
	c := qt.New(t)
	h := &deferred{}
	p := New("test", h, nil)
	for o := int64(0); o < 3; o++ {
		c.Assert(p.Process(record(0, o)), qt.IsNil)
	}
	h.complete(0, nil)
	cause := errors.New("boom")
	h.complete(1, cause)
	err := p.Failure()
	c.Assert(errors.Is(err, ErrHandlingFailed), qt.IsTrue)
	c.Assert(errors.Is(err, cause), qt.IsTrue)
	c.Assert(IsHandlingFailure(err), qt.IsTrue)
	var f *FailedError
	c.Assert(errors.As(err, &f), qt.IsTrue)
	c.Assert(f.Offset, qt.Equals, int64(1))
	c.Assert(f.TopicPartition, qt.Equals, tp0)
	// later completions do not move the watermark
	h.complete(2, nil)
	c.Assert(p.Watermark(tp0), qt.Equals, int64(0))
	// new work is rejected
	c.Assert(p.Process(record(0, 3)), qt.Equals, err)
	c.Assert(p.Backlog(), qt.Equals, 2)
	// first failure wins
	p.fail(tp0, 9, errors.New("second"))
	c.Assert(p.Failure(), qt.Equals, err)
}

func TestUnitSyncPanic(t *testing.T) {
	p := New("test", Sync(func(*kafkasubscriber.Record) error { panic("oops") }), nil)
	if err := p.Process(record(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := p.Failure(); !errors.Is(err, ErrHandlingFailed) {
		t.Fatal(err)
	}
}

func TestUnitHandlerPanic(t *testing.T) {
	p := New("test", HandlerFunc(func(*kafkasubscriber.Record, func(error)) { panic("oops") }), nil)
	p.Process(record(0, 0))
	if err := p.Failure(); !errors.Is(err, ErrHandlingFailed) {
		t.Fatal(err)
	}
}

func TestUnitDoneTwice(t *testing.T) {
	h := &deferred{}
	p := New("test", h, nil)
	p.Process(record(0, 0))
	h.complete(0, nil)
	h.complete(0, errors.New("late"))
	if err := p.Failure(); err != nil {
		t.Fatal(err)
	}
	if o := p.Watermark(tp0); o != 0 {
		t.Fatal(o)
	}
}

func TestUnitConcurrentCompletion(t *testing.T) {
	const n = 1000
	pool := &WorkerPool{
		NumWorkers: 8,
		QueueSize:  16,
		Handle:     func(*kafkasubscriber.Record) error { return nil },
	}
	p := New("test", pool.Start(), nil)
	for o := int64(0); o < n; o++ {
		for part := int32(0); part < 4; part++ {
			if err := p.Process(record(part, o)); err != nil {
				t.Fatal(err)
			}
		}
	}
	pool.Stop()
	offsets := p.OffsetsToCommit()
	if len(offsets) != 4 {
		t.Fatalf("%+v", offsets)
	}
	for tp, o := range offsets {
		if o != n-1 {
			t.Fatal(tp, o)
		}
	}
	if b := p.Backlog(); b != 0 {
		t.Fatal(b)
	}
	if s := p.Partitions(); len(s) != 4 || s[0].Partition != 0 {
		t.Fatal(s)
	}
}
