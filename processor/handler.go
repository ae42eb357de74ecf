package processor

import (
	"fmt"

	"github.com/mkocikowski/kafkasubscriber"
)

// Handler processes a single record. It must call done exactly once, with nil
// on success, from any goroutine, at any time. Handle itself should not
// block for long: it is called on the poll goroutine.
type Handler interface {
	Handle(r *kafkasubscriber.Record, done func(error))
}

type HandlerFunc func(r *kafkasubscriber.Record, done func(error))

func (f HandlerFunc) Handle(r *kafkasubscriber.Record, done func(error)) { f(r, done) }

// Sync adapts a synchronous function to a Handler. The function runs on the
// poll goroutine. A panic is reported as a failure.
func Sync(fn func(*kafkasubscriber.Record) error) Handler {
	return HandlerFunc(func(r *kafkasubscriber.Record, done func(error)) {
		done(call(fn, r))
	})
}

func call(fn func(*kafkasubscriber.Record) error, r *kafkasubscriber.Record) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return fn(r)
}
