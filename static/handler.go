package static

import (
	"io"
	"time"

	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/client/fetcher"
)

// FetcherSeekerCloser is implemented by libkafka fetcher.PartitionFetcher. It
// is an interface so that tests can mock it out.
type FetcherSeekerCloser interface {
	Fetcher
	Seeker
	io.Closer
}

type Fetcher interface {
	Fetch() (*fetcher.Response, error)
}

type Seeker interface {
	Seek(time.Time) error
	Offset() int64
	SetOffset(int64)
}

// DefaultHandleFetchResponse moves the fetcher's offset after a fetch. On
// OFFSET_OUT_OF_RANGE the fetcher seeks to newest. Any other error response
// closes the connection, which is reopened on the next fetch. This is not
// committing offsets.
func DefaultHandleFetchResponse(f FetcherSeekerCloser, e *Exchange) {
	if e.RequestError != nil {
		// connection has been closed in libkafka
		return
	}
	if e.ErrorCode == libkafka.ERR_OFFSET_OUT_OF_RANGE {
		if err := f.Seek(fetcher.MessageNewest); err != nil {
			// start from scratch for this partition: leader lookup and
			// connection. current offset stays the same
			f.Close()
		}
		return
	}
	if e.ErrorCode != libkafka.ERR_NONE {
		f.Close()
		return
	}
	nextOffset := e.InitialOffset
	for _, batch := range e.Batches {
		if batch.Error != nil {
			continue
		}
		// a failed last batch is retried on the next fetch. a failed
		// batch "in the middle" is skipped
		nextOffset = batch.LastOffset() + 1
	}
	f.SetOffset(nextOffset)
	e.FinalOffset = nextOffset - 1
}
