package static

import (
	"time"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/batch"
	"github.com/mkocikowski/libkafka/compression"
	"github.com/mkocikowski/libkafka/record"
)

// ErrMalformedBatch is set on batches that could not be unmarshaled. A
// broker may cut the last batch of a fetch response short.
var ErrMalformedBatch = kafkasubscriber.Errorf("malformed batch")

func parseResponseBatch(b []byte) *Batch {
	responseBatch, err := batch.Unmarshal(b)
	if err != nil {
		return &Batch{Error: kafkasubscriber.Errorf("%w: %w", ErrMalformedBatch, err)}
	}
	return &Batch{
		Batch:           *responseBatch,
		CompressedBytes: responseBatch.BatchLengthBytes,
	}
}

// Batch is the unit at which data is fetched from kafka. A successful fetch
// returns one or more batches, each with one or more records.
type Batch struct {
	libkafka.Batch
	Topic           string
	Partition       int32
	Error           error
	CompressedBytes int32
}

var ErrCodecNotFound = kafkasubscriber.Errorf("codec not found")

// Decompress the batch. Decompressing a batch that is not compressed is a nop.
// Mutates the batch. If Batch.Error is not nil Decompress is a nop. Sets
// Batch.Error on error.
func (b *Batch) Decompress(decompressors map[int16]batch.Decompressor) {
	if b.Error != nil {
		return
	}
	if b.Batch.CompressionType() == compression.None {
		return
	}
	d := decompressors[b.Batch.CompressionType()]
	if d == nil {
		b.Error = ErrCodecNotFound
		return
	}
	if err := b.Batch.Decompress(d); err != nil {
		b.Error = err
	}
}

var ErrBatchCompressed = kafkasubscriber.Errorf("batch is compressed")

// Records converts the batch into subscriber records. Batch must be
// decompressed. Records with offsets below minOffset are skipped: a fetch
// returns whole batches, which may start before the requested offset.
func (b *Batch) Records(minOffset int64) ([]*kafkasubscriber.Record, error) {
	if b.Error != nil {
		return nil, b.Error
	}
	if b.Batch.CompressionType() != compression.None {
		return nil, ErrBatchCompressed
	}
	recordsBytes := b.Batch.Records()
	records := make([]*kafkasubscriber.Record, 0, len(recordsBytes))
	for _, rb := range recordsBytes {
		r, err := record.Unmarshal(rb)
		if err != nil {
			return nil, kafkasubscriber.Errorf("error unmarshaling record: %w", err)
		}
		offset := b.BaseOffset + r.OffsetDelta
		if offset < minOffset {
			continue
		}
		records = append(records, &kafkasubscriber.Record{
			Topic:     b.Topic,
			Partition: b.Partition,
			Offset:    offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: millis(b.FirstTimestamp + r.TimestampDelta),
		})
	}
	return records, nil
}

func (b *Batch) MaxTimestamp() time.Time {
	return millis(b.Batch.MaxTimestamp)
}

func millis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
