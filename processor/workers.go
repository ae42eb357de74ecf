package processor

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/mkocikowski/kafkasubscriber"
)

type job struct {
	r    *kafkasubscriber.Record
	done func(error)
}

// WorkerPool is an asynchronous Handler. Records from the same partition
// always go to the same worker so they are handled in offset order. Make sure
// to set public field values before calling Start. Do not call Handle after
// calling Stop.
type WorkerPool struct {
	// Must be >0
	NumWorkers int
	// Records that can be queued per worker before Handle blocks.
	QueueSize int
	// Called concurrently from NumWorkers goroutines. A panic is reported
	// as a failure.
	Handle func(*kafkasubscriber.Record) error
	//
	queues []chan job
	wg     sync.WaitGroup
}

func (p *WorkerPool) run(queue <-chan job) {
	for j := range queue {
		j.done(call(p.Handle, j.r))
	}
}

// Start the workers. Returns the pool as a Handler.
func (p *WorkerPool) Start() Handler {
	p.queues = make([]chan job, p.NumWorkers)
	for i := range p.queues {
		queue := make(chan job, p.QueueSize)
		p.queues[i] = queue
		p.wg.Add(1)
		go func() {
			p.run(queue)
			p.wg.Done()
		}()
	}
	return HandlerFunc(func(r *kafkasubscriber.Record, done func(error)) {
		p.queues[worker(r.TopicPartition(), len(p.queues))] <- job{r: r, done: done}
	})
}

// Stop lets the workers drain their queues and waits for them to exit.
func (p *WorkerPool) Stop() {
	for _, queue := range p.queues {
		close(queue)
	}
	p.wg.Wait()
}

// worker uses fnv32a over the topic and partition.
func worker(tp kafkasubscriber.TopicPartition, n int) int {
	h := fnv.New32a()
	h.Write([]byte(tp.Topic))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(tp.Partition))
	h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}
