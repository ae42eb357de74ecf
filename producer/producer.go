// Package producer implements an asynchronous envelope producer.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/envelope"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Exchange records what happened to a single envelope. Errors are recorded
// in order. There will be at most Producer.NumAttempts errors. An envelope
// that failed to build is not sent; its BuildError is the only error.
type Exchange struct {
	Batch   *envelope.Batch
	Success bool
	Errors  []error
	Elapsed time.Duration
}

// MessageWriter is implemented by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer sends envelopes to Kafka, one kafka record per envelope. Make sure
// to set public field values before calling Start. Do not change them after
// calling Start.
type Producer struct {
	Brokers []string
	Topic   string
	// Spin up this many workers. Each worker is synchronous and processes
	// one envelope at a time, so NumWorkers is the maximum number of "in
	// flight" envelopes. Must be >0.
	NumWorkers int
	// 1 means 1 initial attempt and no retries. Must be >0.
	NumAttempts int
	// One of "", "none", "gzip", "snappy", "lz4", "zstd".
	Compression string
	// Optional. Used as the kafka record key; records are assigned to
	// partitions by hash of the key.
	Key func(*envelope.Batch) []byte
	// Optional. Defaults to a kafka-go writer built from the fields above.
	Writer MessageWriter
	// Nil means no logging.
	Logger *zap.Logger
	//
	logger *zap.Logger
	in     <-chan *envelope.Batch
	out    chan *Exchange
	wg     sync.WaitGroup
}

func compression(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

func (p *Producer) newWriter() (MessageWriter, error) {
	if len(p.Brokers) == 0 {
		return nil, kafkasubscriber.Errorf("no brokers")
	}
	c, err := compression(p.Compression)
	if err != nil {
		return nil, kafkasubscriber.Errorf("error configuring producer: %w", err)
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(p.Brokers...),
		Topic:        p.Topic,
		Balancer:     &HashBalancer{},
		MaxAttempts:  1, // retries are done by the workers
		BatchSize:    1,
		RequiredAcks: kafka.RequireAll,
		Compression:  c,
	}, nil
}

func (p *Producer) produce(e *Exchange) {
	msg := kafka.Message{Value: e.Batch.Bytes}
	if p.Key != nil {
		msg.Key = p.Key(e.Batch)
	}
	if err := p.Writer.WriteMessages(context.Background(), msg); err != nil {
		p.logger.Warn("error producing envelope",
			zap.Int("messages", e.Batch.NumMessages), zap.Int("attempt", len(e.Errors)+1), zap.Error(err))
		e.Errors = append(e.Errors, err)
		return
	}
	e.Success = true
}

func (p *Producer) run() {
	for b := range p.in {
		e := &Exchange{Batch: b}
		start := time.Now()
		if b.BuildError != nil {
			e.Errors = append(e.Errors, b.BuildError)
			p.out <- e
			continue
		}
		for i := 0; i < p.NumAttempts; i++ {
			p.produce(e)
			if e.Success {
				break
			}
		}
		e.Elapsed = time.Since(start)
		p.out <- e
	}
}

// Start sending envelopes to Kafka. When input channel is closed the workers
// drain it, send any remaining envelopes, output the final Exchanges, exit,
// and close the output channel. You should call Start only once.
func (p *Producer) Start(input <-chan *envelope.Batch) (<-chan *Exchange, error) {
	if p.NumWorkers < 1 || p.NumAttempts < 1 {
		return nil, kafkasubscriber.Errorf("NumWorkers and NumAttempts must be >0")
	}
	if p.Writer == nil {
		w, err := p.newWriter()
		if err != nil {
			return nil, err
		}
		p.Writer = w
	}
	p.logger = p.Logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.With(zap.String("topic", p.Topic))
	p.in = input
	p.out = make(chan *Exchange)
	for i := 0; i < p.NumWorkers; i++ {
		p.wg.Add(1)
		go func() {
			p.run()
			p.wg.Done()
		}()
	}
	go func() {
		p.wg.Wait()
		if err := p.Writer.Close(); err != nil {
			p.logger.Warn("error closing writer", zap.Error(err))
		}
		close(p.out)
	}()
	return p.out, nil
}
