// Package saramaclient implements consumer.Client on top of IBM/sarama. All
// partitions of the subscribed topics are consumed (there is no group
// membership); offsets are stored with a sarama OffsetManager under a group
// id.
package saramaclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/consumer"
	"go.uber.org/zap"
)

const defaultMaxPollRecords = 500

type partition struct {
	pc  sarama.PartitionConsumer
	pom sarama.PartitionOffsetManager
}

// Client must be created with New or NewFromParts.
type Client struct {
	// Most records returned by a single Poll.
	MaxPollRecords int
	//
	consumer   sarama.Consumer
	offsets    sarama.OffsetManager
	client     sarama.Client // nil when not owned
	logger     *zap.Logger
	partitions map[kafkasubscriber.TopicPartition]*partition
	messages   chan *sarama.ConsumerMessage
	// messages of paused partitions that were already buffered
	paused  map[kafkasubscriber.TopicPartition]bool
	held    map[kafkasubscriber.TopicPartition][]*sarama.ConsumerMessage
	resumed []*sarama.ConsumerMessage
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ consumer.Client = (*Client)(nil)

// NewConfig returns a sarama config with what the client needs: consumer
// errors are returned, offsets are not auto committed, and the initial offset
// is oldest or newest.
func NewConfig(clientID string, oldest bool) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if oldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return cfg
}

func New(brokers []string, group string, cfg *sarama.Config, logger *zap.Logger) (*Client, error) {
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, kafkasubscriber.Errorf("error creating sarama client: %w", err)
	}
	c, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, kafkasubscriber.Errorf("error creating sarama consumer: %w", err)
	}
	om, err := sarama.NewOffsetManagerFromClient(group, client)
	if err != nil {
		c.Close()
		client.Close()
		return nil, kafkasubscriber.Errorf("error creating sarama offset manager: %w", err)
	}
	out := NewFromParts(c, om, logger)
	out.client = client
	return out, nil
}

// NewFromParts builds a client around an existing consumer and offset
// manager. Both are closed by Close.
func NewFromParts(c sarama.Consumer, om sarama.OffsetManager, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		MaxPollRecords: defaultMaxPollRecords,
		consumer:       c,
		offsets:        om,
		logger:         logger,
		partitions:     make(map[kafkasubscriber.TopicPartition]*partition),
		messages:       make(chan *sarama.ConsumerMessage, defaultMaxPollRecords),
		paused:         make(map[kafkasubscriber.TopicPartition]bool),
		held:           make(map[kafkasubscriber.TopicPartition][]*sarama.ConsumerMessage),
		done:           make(chan struct{}),
	}
}

func (c *Client) PartitionsFor(topic string) ([]int32, error) {
	partitions, err := c.consumer.Partitions(topic)
	if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return nil, nil
	}
	return partitions, err
}

// Subscribe starts consuming every partition of the topics from the
// committed offset, or from the configured initial offset if there is none.
func (c *Client) Subscribe(topics []string) error {
	for _, topic := range topics {
		partitions, err := c.consumer.Partitions(topic)
		if err != nil {
			return kafkasubscriber.Errorf("error getting partitions for %s: %w", topic, err)
		}
		for _, p := range partitions {
			if err := c.consumePartition(topic, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) consumePartition(topic string, p int32) error {
	tp := kafkasubscriber.TopicPartition{Topic: topic, Partition: p}
	if c.partitions[tp] != nil {
		return nil
	}
	pom, err := c.offsets.ManagePartition(topic, p)
	if err != nil {
		return kafkasubscriber.Errorf("error managing offsets for %s: %w", tp, err)
	}
	offset, _ := pom.NextOffset()
	pc, err := c.consumer.ConsumePartition(topic, p, offset)
	if err != nil {
		pom.Close()
		return kafkasubscriber.Errorf("error consuming %s from offset %d: %w", tp, offset, err)
	}
	c.partitions[tp] = &partition{pc: pc, pom: pom}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for m := range pc.Messages() {
			select {
			case c.messages <- m:
			case <-c.done:
				for range pc.Messages() {
				}
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range pc.Errors() {
			c.logger.Warn("partition consumer error", zap.Stringer("partition", tp), zap.Error(err))
		}
	}()
	c.logger.Debug("consuming partition", zap.Stringer("partition", tp), zap.Int64("offset", offset))
	return nil
}

// Poll waits up to timeout for the first message and then takes whatever
// else is already buffered, up to MaxPollRecords. Messages of paused
// partitions that were buffered before the pause are held back and returned,
// in order, after the partition is resumed.
func (c *Client) Poll(timeout time.Duration) ([]*kafkasubscriber.Record, error) {
	select {
	case <-c.done:
		return nil, consumer.ErrClientClosed
	default:
	}
	if len(c.resumed) > 0 {
		return c.takeResumed(), nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	var records []*kafkasubscriber.Record
	for len(records) == 0 {
		select {
		case m := <-c.messages:
			records = c.accept(records, m)
		case <-t.C:
			return nil, nil
		case <-c.done:
			return nil, consumer.ErrClientClosed
		}
	}
	for len(records) < c.MaxPollRecords {
		select {
		case m := <-c.messages:
			records = c.accept(records, m)
		default:
			return records, nil
		}
	}
	return records, nil
}

func (c *Client) accept(records []*kafkasubscriber.Record, m *sarama.ConsumerMessage) []*kafkasubscriber.Record {
	tp := kafkasubscriber.TopicPartition{Topic: m.Topic, Partition: m.Partition}
	if c.paused[tp] {
		c.held[tp] = append(c.held[tp], m)
		return records
	}
	return append(records, convert(m))
}

// takeResumed returns held messages before anything newer from the same
// partitions is read.
func (c *Client) takeResumed() []*kafkasubscriber.Record {
	n := min(len(c.resumed), max(c.MaxPollRecords, 1))
	records := make([]*kafkasubscriber.Record, n)
	for i, m := range c.resumed[:n] {
		records[i] = convert(m)
	}
	c.resumed = c.resumed[n:]
	return records
}

func convert(m *sarama.ConsumerMessage) *kafkasubscriber.Record {
	var headers []kafkasubscriber.Header
	if len(m.Headers) > 0 {
		headers = make([]kafkasubscriber.Header, len(m.Headers))
		for i, h := range m.Headers {
			headers[i] = kafkasubscriber.Header{Key: string(h.Key), Value: h.Value}
		}
	}
	return &kafkasubscriber.Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Timestamp: m.Timestamp,
	}
}

func topicPartitions(tps []kafkasubscriber.TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func (c *Client) Pause(tps []kafkasubscriber.TopicPartition) error {
	for _, tp := range tps {
		c.paused[tp] = true
	}
	c.consumer.Pause(topicPartitions(tps))
	return nil
}

func (c *Client) Resume(tps []kafkasubscriber.TopicPartition) error {
	for _, tp := range tps {
		delete(c.paused, tp)
		c.resumed = append(c.resumed, c.held[tp]...)
		delete(c.held, tp)
	}
	c.consumer.Resume(topicPartitions(tps))
	return nil
}

// CommitSync marks the offset after each watermark and flushes the offset
// manager. Errors reported by the partition offset managers during the flush
// are returned, joined.
func (c *Client) CommitSync(offsets map[kafkasubscriber.TopicPartition]int64) error {
	for tp, o := range offsets {
		p := c.partitions[tp]
		if p == nil {
			return kafkasubscriber.Errorf("commit for unknown partition %s", tp)
		}
		p.pom.MarkOffset(o+1, "")
	}
	c.offsets.Commit()
	var errs []error
	for tp := range offsets {
		p := c.partitions[tp]
	drain:
		for {
			select {
			case err, ok := <-p.pom.Errors():
				if !ok {
					break drain
				}
				errs = append(errs, fmt.Errorf("%s: %w", tp, err))
			default:
				break drain
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return kafkasubscriber.Errorf("error committing offsets: %w", err)
	}
	return nil
}

func (c *Client) Close(timeout time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = consumer.CloseWithin(timeout, c.close)
	})
	return err
}

func (c *Client) close() error {
	var errs []error
	for _, p := range c.partitions {
		p.pc.AsyncClose()
	}
	c.wg.Wait()
	for _, p := range c.partitions {
		if err := p.pom.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.offsets.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
