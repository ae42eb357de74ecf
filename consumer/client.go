package consumer

import (
	"time"

	"github.com/mkocikowski/kafkasubscriber"
)

// Client is what the subscriber needs from a broker client. Implementations
// are in packages franz, saramaclient, and static. All methods are called
// from the poll goroutine only.
type Client interface {
	// PartitionsFor returns the partitions of the topic. It is used to
	// verify that the topic exists.
	PartitionsFor(topic string) ([]int32, error)
	Subscribe(topics []string) error
	// Poll returns the next records, waiting at most about timeout. An
	// empty result is not an error.
	Poll(timeout time.Duration) ([]*kafkasubscriber.Record, error)
	Pause(partitions []kafkasubscriber.TopicPartition) error
	Resume(partitions []kafkasubscriber.TopicPartition) error
	// CommitSync commits offsets synchronously. Values are the last
	// processed offset in each partition; kafka clients commit the offset
	// after it.
	CommitSync(offsets map[kafkasubscriber.TopicPartition]int64) error
	// Close releases the client. A timeout of 0 means no bound.
	Close(timeout time.Duration) error
}

var (
	ErrCloseTimeout = kafkasubscriber.Errorf("timed out closing client")
	ErrClientClosed = kafkasubscriber.Errorf("client closed")
)

// CloseWithin calls fn and waits for it at most timeout, or forever if
// timeout is 0. When it times out fn keeps running in the background.
func CloseWithin(timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		return fn()
	}
	errs := make(chan error, 1)
	go func() { errs <- fn() }()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-errs:
		return err
	case <-t.C:
		return ErrCloseTimeout
	}
}
