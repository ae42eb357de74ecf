package saramaclient

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/consumer"
)

type fakeOffsets struct {
	sync.Mutex
	next      map[kafkasubscriber.TopicPartition]int64
	poms      map[kafkasubscriber.TopicPartition]*fakePOM
	committed map[kafkasubscriber.TopicPartition]int64
	commitErr error
	closed    bool
}

func newFakeOffsets() *fakeOffsets {
	return &fakeOffsets{
		next:      make(map[kafkasubscriber.TopicPartition]int64),
		poms:      make(map[kafkasubscriber.TopicPartition]*fakePOM),
		committed: make(map[kafkasubscriber.TopicPartition]int64),
	}
}

func (o *fakeOffsets) ManagePartition(topic string, partition int32) (sarama.PartitionOffsetManager, error) {
	o.Lock()
	defer o.Unlock()
	tp := kafkasubscriber.TopicPartition{Topic: topic, Partition: partition}
	next, ok := o.next[tp]
	if !ok {
		next = sarama.OffsetOldest
	}
	pom := &fakePOM{tp: tp, next: next, marked: -1, errors: make(chan *sarama.ConsumerError, 8)}
	o.poms[tp] = pom
	return pom, nil
}

func (o *fakeOffsets) Commit() {
	o.Lock()
	defer o.Unlock()
	for tp, pom := range o.poms {
		if pom.marked < 0 {
			continue
		}
		if o.commitErr != nil {
			pom.errors <- &sarama.ConsumerError{Topic: tp.Topic, Partition: tp.Partition, Err: o.commitErr}
			continue
		}
		o.committed[tp] = pom.marked
	}
}

func (o *fakeOffsets) Close() error {
	o.Lock()
	defer o.Unlock()
	o.closed = true
	return nil
}

type fakePOM struct {
	tp     kafkasubscriber.TopicPartition
	next   int64
	marked int64
	errors chan *sarama.ConsumerError
}

func (p *fakePOM) NextOffset() (int64, string)          { return p.next, "" }
func (p *fakePOM) MarkOffset(offset int64, _ string)    { p.marked = offset }
func (p *fakePOM) ResetOffset(offset int64, _ string)   { p.marked = offset }
func (p *fakePOM) Errors() <-chan *sarama.ConsumerError { return p.errors }
func (p *fakePOM) AsyncClose()                          {}
func (p *fakePOM) Close() error                         { return nil }

var (
	tp0 = kafkasubscriber.TopicPartition{Topic: "t", Partition: 0}
	tp1 = kafkasubscriber.TopicPartition{Topic: "t", Partition: 1}
)

func setup(t *testing.T) (*Client, *mocks.Consumer, *fakeOffsets) {
	mc := mocks.NewConsumer(t, NewConfig("test", true))
	mc.SetTopicMetadata(map[string][]int32{"t": {0, 1}})
	om := newFakeOffsets()
	om.next[tp1] = 5
	return NewFromParts(mc, om, nil), mc, om
}

func pollN(t *testing.T, c *Client, n int) []*kafkasubscriber.Record {
	t.Helper()
	var records []*kafkasubscriber.Record
	deadline := time.Now().Add(5 * time.Second)
	for len(records) < n && time.Now().Before(deadline) {
		rr, err := c.Poll(10 * time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, rr...)
	}
	if len(records) != n {
		t.Fatalf("%+v", records)
	}
	return records
}

func TestUnitPartitionsFor(t *testing.T) {
	c, mc, _ := setup(t)
	mc.ExpectConsumePartition("t", 0, sarama.OffsetOldest)
	mc.ExpectConsumePartition("t", 1, 5)
	partitions, err := c.PartitionsFor("t")
	if err != nil || len(partitions) != 2 {
		t.Fatal(partitions, err)
	}
	partitions, err = c.PartitionsFor("missing")
	if err != nil || len(partitions) != 0 {
		t.Fatal(partitions, err)
	}
	if err := c.Subscribe([]string{"t"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestUnitPollCommitClose(t *testing.T) {
	c, mc, om := setup(t)
	pc0 := mc.ExpectConsumePartition("t", 0, sarama.OffsetOldest)
	pc1 := mc.ExpectConsumePartition("t", 1, 5)
	if err := c.Subscribe([]string{"t"}); err != nil {
		t.Fatal(err)
	}
	pc0.YieldMessage(&sarama.ConsumerMessage{Value: []byte("foo")})
	pc0.YieldMessage(&sarama.ConsumerMessage{Value: []byte("bar"),
		Headers: []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("x")}}})
	pc1.YieldMessage(&sarama.ConsumerMessage{Value: []byte("baz")})
	offsets := map[kafkasubscriber.TopicPartition][]int64{}
	for _, r := range pollN(t, c, 3) {
		offsets[r.TopicPartition()] = append(offsets[r.TopicPartition()], r.Offset)
		if r.Offset == 1 && (len(r.Headers) != 1 || r.Headers[0].Key != "h") {
			t.Fatalf("%+v", r)
		}
	}
	if o := offsets[tp0]; len(o) != 2 || o[0] != 0 || o[1] != 1 {
		t.Fatal(o)
	}
	if o := offsets[tp1]; len(o) != 1 || o[0] != 5 {
		t.Fatal(o)
	}
	if err := c.CommitSync(map[kafkasubscriber.TopicPartition]int64{tp0: 1, tp1: 5}); err != nil {
		t.Fatal(err)
	}
	if o := om.committed[tp0]; o != 2 {
		t.Fatal(o)
	}
	if o := om.committed[tp1]; o != 6 {
		t.Fatal(o)
	}
	// errors reported through the partition offset managers
	boom := errors.New("boom")
	om.commitErr = boom
	if err := c.CommitSync(map[kafkasubscriber.TopicPartition]int64{tp0: 1}); !errors.Is(err, boom) {
		t.Fatal(err)
	}
	if err := c.CommitSync(map[kafkasubscriber.TopicPartition]int64{{Topic: "x"}: 1}); err == nil {
		t.Fatal("expected error for unknown partition")
	}
	if err := c.Close(time.Second); err != nil {
		t.Fatal(err)
	}
	if !om.closed {
		t.Fatal("expected offset manager closed")
	}
	if _, err := c.Poll(time.Millisecond); err != consumer.ErrClientClosed {
		t.Fatal(err)
	}
}

func TestUnitPauseResume(t *testing.T) {
	c, mc, _ := setup(t)
	pc0 := mc.ExpectConsumePartition("t", 0, sarama.OffsetOldest)
	mc.ExpectConsumePartition("t", 1, 5)
	if err := c.Subscribe([]string{"t"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Pause([]kafkasubscriber.TopicPartition{tp0}); err != nil {
		t.Fatal(err)
	}
	if !pc0.IsPaused() {
		t.Fatal("expected paused")
	}
	if err := c.Resume([]kafkasubscriber.TopicPartition{tp0}); err != nil {
		t.Fatal(err)
	}
	if pc0.IsPaused() {
		t.Fatal("expected resumed")
	}
	c.Close(time.Second)
}

func TestUnitPauseHoldsBufferedMessages(t *testing.T) {
	c, mc, _ := setup(t)
	pc0 := mc.ExpectConsumePartition("t", 0, sarama.OffsetOldest)
	pc1 := mc.ExpectConsumePartition("t", 1, 5)
	if err := c.Subscribe([]string{"t"}); err != nil {
		t.Fatal(err)
	}
	pc0.YieldMessage(&sarama.ConsumerMessage{Value: []byte("foo")})
	pc0.YieldMessage(&sarama.ConsumerMessage{Value: []byte("bar")})
	deadline := time.Now().Add(5 * time.Second)
	for len(c.messages) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("messages not buffered")
		}
		time.Sleep(time.Millisecond)
	}
	// already buffered, but must not be returned while paused
	if err := c.Pause([]kafkasubscriber.TopicPartition{tp0}); err != nil {
		t.Fatal(err)
	}
	pc1.YieldMessage(&sarama.ConsumerMessage{Value: []byte("baz")})
	records := pollN(t, c, 1)
	if r := records[0]; r.TopicPartition() != tp1 || string(r.Value) != "baz" {
		t.Fatalf("%+v", r)
	}
	if rr, err := c.Poll(10 * time.Millisecond); err != nil || len(rr) != 0 {
		t.Fatal(rr, err)
	}
	if n := len(c.held[tp0]); n != 2 {
		t.Fatal(n)
	}
	if err := c.Resume([]kafkasubscriber.TopicPartition{tp0}); err != nil {
		t.Fatal(err)
	}
	records = pollN(t, c, 2)
	for i, v := range []string{"foo", "bar"} {
		if r := records[i]; r.TopicPartition() != tp0 || r.Offset != int64(i) || string(r.Value) != v {
			t.Fatalf("%+v", r)
		}
	}
	c.Close(time.Second)
}
