/*
Package kafkasubscriber implements a resilient kafka consumer runtime.

A Subscriber (see package consumer) polls records from a broker client, hands
them to a handler which may complete asynchronously, and commits offsets only
up to the highest contiguous completed offset in each partition. When the
number of in-flight records grows past a configured threshold the partitions
that are producing records get paused, and they are resumed once the backlog
drains. A handler failure is fatal to the subscription.

Producers can pack many logical key/value messages into a single kafka record
using the envelope package; the consumer side unpacks them with
processor.Unbatch. See cmd/producer and cmd/subscriber for example programs.

This package holds the types shared by the rest of the module.
*/
package kafkasubscriber
