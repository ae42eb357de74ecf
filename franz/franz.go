// Package franz implements consumer.Client on top of franz-go. Partitions are
// assigned through a kafka consumer group; offsets are committed to the group.
package franz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/consumer"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

type Config struct {
	Brokers []string
	// Consumer group. Required.
	Group    string
	ClientID string
	// Where to start when the group has no committed offset: "earliest"
	// or "latest" (default).
	ResetOffset string
	// Zero means the franz-go default.
	FetchMaxBytes int32
	// Bound on metadata and commit requests. Zero means 10s.
	RequestTimeout time.Duration
	// Nil means no logging.
	Logger *zap.Logger
	// Appended to the options built from the fields above.
	Opts []kgo.Opt
}

// Client is safe for use from a single goroutine.
type Client struct {
	cl      *kgo.Client
	adm     *kadm.Client
	timeout time.Duration
	logger  *zap.Logger
}

var _ consumer.Client = (*Client)(nil)

func (c Config) opts() ([]kgo.Opt, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("no brokers")
	}
	if c.Group == "" {
		return nil, errors.New("no consumer group")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ConsumerGroup(c.Group),
		kgo.DisableAutoCommit(),
	}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	switch c.ResetOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "", "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		return nil, fmt.Errorf("unknown reset offset %q", c.ResetOffset)
	}
	if c.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(c.FetchMaxBytes))
	}
	if c.Logger != nil {
		opts = append(opts, kgo.WithLogger(kzap.New(c.Logger)))
	}
	return append(opts, c.Opts...), nil
}

func New(cfg Config) (*Client, error) {
	opts, err := cfg.opts()
	if err != nil {
		return nil, kafkasubscriber.Errorf("invalid franz client config: %w", err)
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, kafkasubscriber.Errorf("error creating franz client: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cl:      cl,
		adm:     kadm.NewClient(cl),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (c *Client) PartitionsFor(topic string) ([]int32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	topics, err := c.adm.ListTopics(ctx, topic)
	if err != nil {
		return nil, kafkasubscriber.Errorf("error listing topic %s: %w", topic, err)
	}
	if !topics.Has(topic) {
		return nil, nil
	}
	td := topics[topic]
	if td.Err != nil {
		if errors.Is(td.Err, kerr.UnknownTopicOrPartition) {
			return nil, nil
		}
		return nil, kafkasubscriber.Errorf("error listing topic %s: %w", topic, td.Err)
	}
	partitions := make([]int32, 0, len(td.Partitions))
	for p := range td.Partitions {
		partitions = append(partitions, p)
	}
	return partitions, nil
}

func (c *Client) Subscribe(topics []string) error {
	c.cl.AddConsumeTopics(topics...)
	return nil
}

// Poll returns an empty result when timeout passes. Retriable fetch errors
// are logged and skipped; franz-go retries them.
func (c *Client) Poll(timeout time.Duration) ([]*kafkasubscriber.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		if kerr.IsRetriable(fe.Err) {
			c.logger.Warn("retriable fetch error",
				zap.String("topic", fe.Topic), zap.Int32("partition", fe.Partition), zap.Error(fe.Err))
			continue
		}
		return nil, kafkasubscriber.Errorf("fetch error for %s-%d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	var records []*kafkasubscriber.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, convert(r))
	})
	return records, nil
}

func convert(r *kgo.Record) *kafkasubscriber.Record {
	var headers []kafkasubscriber.Header
	if len(r.Headers) > 0 {
		headers = make([]kafkasubscriber.Header, len(r.Headers))
		for i, h := range r.Headers {
			headers[i] = kafkasubscriber.Header{Key: h.Key, Value: h.Value}
		}
	}
	return &kafkasubscriber.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
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
	c.cl.PauseFetchPartitions(topicPartitions(tps))
	return nil
}

func (c *Client) Resume(tps []kafkasubscriber.TopicPartition) error {
	c.cl.ResumeFetchPartitions(topicPartitions(tps))
	return nil
}

// Paused returns the partitions currently paused in the franz-go client.
func (c *Client) Paused() map[string][]int32 {
	return c.cl.PauseFetchPartitions(nil)
}

// CommitSync commits the offset after each watermark. All partition errors
// are returned, joined.
func (c *Client) CommitSync(offsets map[kafkasubscriber.TopicPartition]int64) error {
	uncommitted := make(map[string]map[int32]kgo.EpochOffset)
	for tp, o := range offsets {
		if uncommitted[tp.Topic] == nil {
			uncommitted[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		uncommitted[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: o + 1}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var errs []error
	c.cl.CommitOffsetsSync(ctx, uncommitted, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		for _, topic := range resp.Topics {
			for _, p := range topic.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					errs = append(errs, fmt.Errorf("%s-%d: %w", topic.Topic, p.Partition, err))
				}
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return kafkasubscriber.Errorf("error committing offsets: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client.
func (c *Client) Close(timeout time.Duration) error {
	return consumer.CloseWithin(timeout, func() error {
		c.cl.Close()
		return nil
	})
}
