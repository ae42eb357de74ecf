package processor

import (
	"errors"
	"fmt"

	"github.com/mkocikowski/kafkasubscriber"
)

var ErrHandlingFailed = errors.New("message handling failed")

// FailedError records the first handler failure. It matches
// ErrHandlingFailed with errors.Is and unwraps to the handler's error.
type FailedError struct {
	kafkasubscriber.TopicPartition
	Offset int64
	Err    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%v: %s offset %d: %v", ErrHandlingFailed, e.TopicPartition, e.Offset, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

func (e *FailedError) Is(target error) bool { return target == ErrHandlingFailed }
