// Package offsets fetches and commits consumer group offsets without joining
// the group.
package offsets

import (
	"errors"
	"sync"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/libkafka/client"
)

// DumbOffsetsManager talks to the group coordinator directly. It does not
// take part in group membership, so it is only useful when partitions are
// assigned statically. Safe for concurrent use.
type DumbOffsetsManager struct {
	// Kafka bootstrap either host:port or SRV
	Bootstrap string
	GroupId   string
	client    *client.GroupClient
	sync.Mutex
}

func (c *DumbOffsetsManager) init() {
	if c.client != nil {
		return
	}
	c.client = &client.GroupClient{
		Bootstrap: c.Bootstrap,
		GroupId:   c.GroupId,
	}
}

// Fetch makes a single FetchOffset api call. If there is no active connection
// to the group coordinator, it will first look up the coordinator and connect
// to it (or return an error if unable to do so). If there is an error making
// the request or there is an error response from kafka, the connection to the
// group coordinator is closed and the error returned. There is no retry; the
// connection is reopened on the next call. If the partition does not exist or
// has no committed offset, the returned offset is -1 and there is no error.
func (c *DumbOffsetsManager) Fetch(topic string, partition int32) (int64, error) {
	c.Lock()
	defer c.Unlock()
	c.init()
	offset, err := c.client.FetchOffset(topic, partition)
	if err != nil {
		c.client.Close()
		err = kafkasubscriber.Errorf("error for topic %s partition %d: %w", topic, partition, err)
	}
	return offset, err
}

// Commit makes a single CommitOffset api call. The offset is the next offset
// to consume. See Fetch for error handling.
func (c *DumbOffsetsManager) Commit(topic string, partition int32, offset int64) error {
	c.Lock()
	defer c.Unlock()
	c.init()
	err := c.client.CommitOffset(topic, partition, offset, -1) // broker default retention
	if err != nil {
		c.client.Close()
		err = kafkasubscriber.Errorf("error for topic %s partition %d: %w", topic, partition, err)
	}
	return err
}

// CommitAll commits offsets for multiple partitions of a topic, one call per
// partition. All errors are returned, joined.
func (c *DumbOffsetsManager) CommitAll(topic string, offsets map[int32]int64) error {
	var errs []error
	for partition, offset := range offsets {
		if err := c.Commit(topic, partition, offset); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *DumbOffsetsManager) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
