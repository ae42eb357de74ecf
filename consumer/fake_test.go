package consumer

import (
	"sync"
	"testing"
	"time"

	"github.com/mkocikowski/kafkasubscriber"
)

// fakeClient returns batches of records pushed by the test.
type fakeClient struct {
	sync.Mutex
	partitions    map[string][]int32
	partitionsErr error
	subscribeErr  error
	subscribeWait time.Duration
	subscribes    int
	pollErr       error
	pollPanic     bool
	pollTimeouts  []time.Duration
	commitErr     error
	polls         chan []*kafkasubscriber.Record
	subscribed    []string
	committed     map[kafkasubscriber.TopicPartition]int64
	commitCalls   int
	pauses        [][]kafkasubscriber.TopicPartition
	resumes       [][]kafkasubscriber.TopicPartition
	closed        bool
	closeTimeout  time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		partitions: map[string][]int32{"t": {0, 1}},
		polls:      make(chan []*kafkasubscriber.Record, 16),
		committed:  make(map[kafkasubscriber.TopicPartition]int64),
	}
}

func (c *fakeClient) PartitionsFor(topic string) ([]int32, error) {
	c.Lock()
	defer c.Unlock()
	return c.partitions[topic], c.partitionsErr
}

func (c *fakeClient) Subscribe(topics []string) error {
	c.Lock()
	defer c.Unlock()
	time.Sleep(c.subscribeWait)
	c.subscribes++
	c.subscribed = topics
	return c.subscribeErr
}

func (c *fakeClient) Poll(timeout time.Duration) ([]*kafkasubscriber.Record, error) {
	c.Lock()
	err, panics := c.pollErr, c.pollPanic
	c.pollTimeouts = append(c.pollTimeouts, timeout)
	c.Unlock()
	if panics {
		panic("poll")
	}
	if err != nil {
		return nil, err
	}
	select {
	case records := <-c.polls:
		return records, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (c *fakeClient) Pause(tps []kafkasubscriber.TopicPartition) error {
	c.Lock()
	defer c.Unlock()
	c.pauses = append(c.pauses, tps)
	return nil
}

func (c *fakeClient) Resume(tps []kafkasubscriber.TopicPartition) error {
	c.Lock()
	defer c.Unlock()
	c.resumes = append(c.resumes, tps)
	return nil
}

func (c *fakeClient) CommitSync(offsets map[kafkasubscriber.TopicPartition]int64) error {
	c.Lock()
	defer c.Unlock()
	c.commitCalls++
	if c.commitErr != nil {
		return c.commitErr
	}
	for tp, o := range offsets {
		c.committed[tp] = o
	}
	return nil
}

func (c *fakeClient) Close(timeout time.Duration) error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	c.closeTimeout = timeout
	return nil
}

func (c *fakeClient) committedOffset(tp kafkasubscriber.TopicPartition) (int64, bool) {
	c.Lock()
	defer c.Unlock()
	o, ok := c.committed[tp]
	return o, ok
}

func records(partition int32, offsets ...int64) []*kafkasubscriber.Record {
	var out []*kafkasubscriber.Record
	for _, o := range offsets {
		out = append(out, &kafkasubscriber.Record{Topic: "t", Partition: partition, Offset: o})
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
