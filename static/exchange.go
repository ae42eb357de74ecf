package static

import (
	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/libkafka/client/fetcher"
)

// Exchange records a single fetch request and its response for one partition.
type Exchange struct {
	fetcher.Response
	RequestError  error
	Batches       []*Batch
	InitialOffset int64
	FinalOffset   int64
}

var ErrNilResponse = kafkasubscriber.Errorf("nil response from fetcher")

func (e *Exchange) parseResponse(r *fetcher.Response, err error) {
	if err != nil {
		e.RequestError = err
		return
	}
	if r == nil {
		e.RequestError = ErrNilResponse
		return
	}
	e.Response = *r
	for _, b := range r.RecordSet.Batches() {
		batch := parseResponseBatch(b)
		batch.Topic = r.Topic
		batch.Partition = r.Partition
		e.Batches = append(e.Batches, batch)
	}
}
