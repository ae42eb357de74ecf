package processor

import (
	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/envelope"
)

// Unbatch decodes the record value as an envelope and calls fn for every
// message in it, in order, with the envelope's common headers. A record that
// does not decode, or any error from fn, fails the whole record.
func Unbatch(fn func(r *kafkasubscriber.Record, headers []envelope.Header, m envelope.Message) error) func(*kafkasubscriber.Record) error {
	return func(r *kafkasubscriber.Record) error {
		e, err := envelope.Decode(r.Value)
		if err != nil {
			return kafkasubscriber.Errorf("error decoding envelope: %w", err)
		}
		for i, m := range e.Messages {
			if err := fn(r, e.Headers, m); err != nil {
				return kafkasubscriber.Errorf("error handling message %d of %d: %w", i, len(e.Messages), err)
			}
		}
		return nil
	}
}
