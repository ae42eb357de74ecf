/*
Package consumer implements the subscriber runtime.

A Subscriber owns a broker Client and a single poll goroutine. Each poll cycle
the records are handed to a processor.Processor, offsets that are safe to
commit are committed, and partitions are paused or resumed based on the
backlog of records in flight. Set the public fields of the Subscriber, call
Start, and later Stop and Wait:

	s := &consumer.Subscriber{
		SubscriberID: "orders",
		Topics:       []string{"orders"},
		Client:       client,
		Handler:      processor.Sync(handle),
	}
	if err := s.Start(); err != nil {
		...
	}
	...
	s.Stop()
	err := s.Wait()

A handler failure stops the subscriber: its state becomes
MESSAGE_HANDLING_FAILED and Wait returns the failure. Handlers are not retried.
*/
package consumer
