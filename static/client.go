// Package static implements consumer.Client on top of libkafka partition
// fetchers. All partitions of the subscribed topics are consumed (there is no
// group membership); offsets are committed to a group with
// offsets.DumbOffsetsManager.
package static

import (
	"errors"
	"time"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/compression"
	"github.com/mkocikowski/kafkasubscriber/consumer"
	"github.com/mkocikowski/kafkasubscriber/offsets"
	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/client"
	"github.com/mkocikowski/libkafka/client/fetcher"
	"go.uber.org/zap"
)

// OffsetsManager is implemented by offsets.DumbOffsetsManager.
type OffsetsManager interface {
	// Fetch returns -1 if there is no committed offset.
	Fetch(topic string, partition int32) (int64, error)
	Commit(topic string, partition int32, offset int64) error
	Close() error
}

// Client fetches from one partition at a time, round robin over partitions
// that are not paused. Make sure to set public field values before calling
// Subscribe. Not safe for concurrent use.
type Client struct {
	// Kafka bootstrap either host:port or SRV
	Bootstrap string
	GroupId   string
	// Defaults to compression.Decompressors()
	Decompressors map[int16]batch.Decompressor
	// Defaults to DefaultHandleFetchResponse
	HandleResponse func(FetcherSeekerCloser, *Exchange)
	// Defaults to a DumbOffsetsManager for GroupId
	Offsets OffsetsManager
	// Nil means no logging.
	Logger *zap.Logger
	//
	partitionsFor func(topic string) ([]int32, error)
	newFetcher    func(topic string, partition int32) FetcherSeekerCloser
	fetchers      map[kafkasubscriber.TopicPartition]FetcherSeekerCloser
	order         []kafkasubscriber.TopicPartition
	next          int
	paused        map[kafkasubscriber.TopicPartition]bool
	logger        *zap.Logger
	closed        bool
}

var _ consumer.Client = (*Client)(nil)

func (c *Client) init() {
	if c.logger != nil {
		return
	}
	c.logger = c.Logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.Decompressors == nil {
		c.Decompressors = compression.Decompressors()
	}
	if c.HandleResponse == nil {
		c.HandleResponse = DefaultHandleFetchResponse
	}
	if c.Offsets == nil {
		c.Offsets = &offsets.DumbOffsetsManager{Bootstrap: c.Bootstrap, GroupId: c.GroupId}
	}
	if c.partitionsFor == nil {
		c.partitionsFor = c.leaders
	}
	if c.newFetcher == nil {
		c.newFetcher = func(topic string, partition int32) FetcherSeekerCloser {
			return &fetcher.PartitionFetcher{
				PartitionClient: client.PartitionClient{
					Bootstrap: c.Bootstrap,
					Topic:     topic,
					Partition: partition,
				},
			}
		}
	}
	c.fetchers = make(map[kafkasubscriber.TopicPartition]FetcherSeekerCloser)
	c.paused = make(map[kafkasubscriber.TopicPartition]bool)
}

func (c *Client) leaders(topic string) ([]int32, error) {
	leaders, err := client.PartitionLeaders(c.Bootstrap, topic)
	if err != nil {
		return nil, err
	}
	partitions := make([]int32, 0, len(leaders))
	for partition := range leaders {
		partitions = append(partitions, partition)
	}
	return partitions, nil
}

func (c *Client) PartitionsFor(topic string) ([]int32, error) {
	c.init()
	return c.partitionsFor(topic)
}

// Subscribe sets up a fetcher for every partition of the topics, starting at
// the committed offset. Partitions without a committed offset start at the
// newest offset.
func (c *Client) Subscribe(topics []string) error {
	c.init()
	for _, topic := range topics {
		partitions, err := c.partitionsFor(topic)
		if err != nil {
			return kafkasubscriber.Errorf("error getting partitions for %s: %w", topic, err)
		}
		for _, p := range partitions {
			tp := kafkasubscriber.TopicPartition{Topic: topic, Partition: p}
			if c.fetchers[tp] != nil {
				continue
			}
			offset, err := c.Offsets.Fetch(topic, p)
			if err != nil {
				return kafkasubscriber.Errorf("error fetching committed offset for %s: %w", tp, err)
			}
			f := c.newFetcher(topic, p)
			if offset < 0 {
				if err := f.Seek(fetcher.MessageNewest); err != nil {
					return kafkasubscriber.Errorf("error seeking to newest for %s: %w", tp, err)
				}
			} else {
				f.SetOffset(offset)
			}
			c.fetchers[tp] = f
			c.order = append(c.order, tp)
			c.logger.Debug("fetching partition", zap.Stringer("partition", tp), zap.Int64("offset", f.Offset()))
		}
	}
	kafkasubscriber.SortTopicPartitions(c.order)
	return nil
}

// Poll fetches from partitions in turn until one returns records, every
// partition has been tried once, or timeout passes. Fetch request errors are
// logged; the fetcher reconnects on the next call. A batch that can not be
// decoded is an error: the partition can not move past it.
func (c *Client) Poll(timeout time.Duration) ([]*kafkasubscriber.Record, error) {
	c.init()
	if c.closed {
		return nil, consumer.ErrClientClosed
	}
	deadline := time.Now().Add(timeout)
	tried := 0
	for i := 0; i < len(c.order) && time.Now().Before(deadline); i++ {
		tp := c.order[c.next]
		c.next = (c.next + 1) % len(c.order)
		if c.paused[tp] {
			continue
		}
		tried++
		records, err := c.fetch(tp)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	if tried == 0 {
		// nothing to fetch from
		time.Sleep(time.Until(deadline))
	}
	return nil, nil
}

func (c *Client) fetch(tp kafkasubscriber.TopicPartition) ([]*kafkasubscriber.Record, error) {
	f := c.fetchers[tp]
	e := &Exchange{InitialOffset: f.Offset()}
	e.parseResponse(f.Fetch())
	return c.handle(tp, f, e)
}

// handle decodes the batches before HandleResponse moves the fetcher offset,
// so the offset never moves past a batch that did not decode.
func (c *Client) handle(tp kafkasubscriber.TopicPartition, f FetcherSeekerCloser, e *Exchange) ([]*kafkasubscriber.Record, error) {
	var records []*kafkasubscriber.Record
	if e.RequestError == nil && e.ErrorCode == libkafka.ERR_NONE {
		var err error
		if records, err = c.decode(e); err != nil {
			return nil, kafkasubscriber.Errorf("error decoding %s at offset %d: %w", tp, e.InitialOffset, err)
		}
	}
	c.HandleResponse(f, e)
	if e.RequestError != nil {
		c.logger.Warn("fetch request error", zap.Stringer("partition", tp), zap.Error(e.RequestError))
		return nil, nil
	}
	return records, nil
}

// decode converts batches to records in order. A malformed last batch is
// dropped from e.Batches and fetched again next time. Any other failed batch
// is returned as an error.
func (c *Client) decode(e *Exchange) ([]*kafkasubscriber.Record, error) {
	var records []*kafkasubscriber.Record
	for i, b := range e.Batches {
		if errors.Is(b.Error, ErrMalformedBatch) && i == len(e.Batches)-1 {
			c.logger.Debug("partial batch", zap.Int64("offset", e.InitialOffset), zap.Error(b.Error))
			e.Batches = e.Batches[:i]
			break
		}
		b.Decompress(c.Decompressors)
		rr, err := b.Records(e.InitialOffset)
		if err != nil {
			return nil, kafkasubscriber.Errorf("batch %d of %d: %w", i+1, len(e.Batches), err)
		}
		records = append(records, rr...)
	}
	return records, nil
}

func (c *Client) Pause(tps []kafkasubscriber.TopicPartition) error {
	c.init()
	for _, tp := range tps {
		c.paused[tp] = true
	}
	return nil
}

func (c *Client) Resume(tps []kafkasubscriber.TopicPartition) error {
	c.init()
	for _, tp := range tps {
		delete(c.paused, tp)
	}
	return nil
}

// CommitSync commits the offset after each watermark, one partition at a
// time. All errors are returned, joined.
func (c *Client) CommitSync(offsets map[kafkasubscriber.TopicPartition]int64) error {
	c.init()
	var errs []error
	for tp, o := range offsets {
		if err := c.Offsets.Commit(tp.Topic, tp.Partition, o+1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) Close(timeout time.Duration) error {
	c.init()
	if c.closed {
		return nil
	}
	c.closed = true
	return consumer.CloseWithin(timeout, func() error {
		var errs []error
		for _, f := range c.fetchers {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.Offsets.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}
