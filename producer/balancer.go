package producer

import (
	"hash/fnv"

	"github.com/segmentio/kafka-go"
)

// HashBalancer picks a partition by fnv32a hash of the message key. Messages
// without a key hash like an empty key.
type HashBalancer struct{}

func (*HashBalancer) Balance(msg kafka.Message, partitions ...int) int {
	return partitions[hashKey(msg.Key, len(partitions))]
}

func hashKey(key []byte, numPartitions int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numPartitions))
}
