package consumer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/backpressure"
	"github.com/mkocikowski/kafkasubscriber/metrics"
	"github.com/mkocikowski/kafkasubscriber/processor"
	"go.uber.org/zap"
)

const (
	DefaultPollTimeout = 100 * time.Millisecond
	// bound on closing the client after a failure
	failureCloseTimeout = 200 * time.Millisecond
)

var (
	ErrAlreadyStarted = kafkasubscriber.Errorf("subscriber already started")
	ErrNoPartitions   = kafkasubscriber.Errorf("topic has no partitions")
)

// Subscriber consumes topics through a Client and hands records to a
// Handler. Make sure to set public field values before calling Start. Do not
// change them after calling Start. Start, Stop, State, and Wait are safe for
// concurrent use.
type Subscriber struct {
	SubscriberID string
	Topics       []string
	Client       Client
	Handler      processor.Handler
	// Nil means never pause.
	BackPressure *backpressure.Config
	// Zero means DefaultPollTimeout.
	PollTimeout time.Duration
	// By default the client is closed when the subscriber stops normally.
	// After a failure the client is always closed.
	KeepClientOpen bool
	// Nil means no logging.
	Logger *zap.Logger
	// Nil means no metrics.
	Metrics *metrics.Subscriber
	//
	once        sync.Once
	started     atomic.Bool
	state       atomic.Int32
	stopping    atomic.Bool
	pollTimeout time.Duration
	logger      *zap.Logger
	processor   *processor.Processor
	manager     *backpressure.Manager
	done        chan struct{}
	err         error
}

func (s *Subscriber) init() {
	s.once.Do(func() {
		s.done = make(chan struct{})
		logger := s.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		s.logger = logger.With(zap.String("subscriber", s.SubscriberID))
	})
}

func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(state State) {
	s.state.Store(int32(state))
	s.Metrics.SetState(state.String())
}

// Start verifies that the topics exist, subscribes to them, and starts the
// poll goroutine. It can be called once, on a new subscriber. On error the
// state is FAILED_TO_START and the error is also returned by Wait.
func (s *Subscriber) Start() error {
	s.init()
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := s.start(); err != nil {
		s.logger.Error("failed to start", zap.Strings("topics", s.Topics), zap.Error(err))
		s.setState(FailedToStart)
		s.finish(err)
		return err
	}
	s.setState(Started)
	s.logger.Info("started", zap.Strings("topics", s.Topics))
	go s.run()
	return nil
}

func (s *Subscriber) start() error {
	if s.Client == nil {
		return kafkasubscriber.Errorf("client not set")
	}
	if s.Handler == nil {
		return kafkasubscriber.Errorf("handler not set")
	}
	if len(s.Topics) == 0 {
		return kafkasubscriber.Errorf("no topics")
	}
	cfg := backpressure.DefaultConfig()
	if s.BackPressure != nil {
		cfg = *s.BackPressure
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, topic := range s.Topics {
		partitions, err := s.Client.PartitionsFor(topic)
		if err != nil {
			return kafkasubscriber.Errorf("error verifying topic %s: %w", topic, err)
		}
		if len(partitions) == 0 {
			return kafkasubscriber.Errorf("error verifying topic %s: %w", topic, ErrNoPartitions)
		}
	}
	if err := s.Client.Subscribe(s.Topics); err != nil {
		return kafkasubscriber.Errorf("error subscribing to %v: %w", s.Topics, err)
	}
	s.pollTimeout = s.PollTimeout
	if s.pollTimeout <= 0 {
		s.pollTimeout = DefaultPollTimeout
	}
	s.processor = processor.New(s.SubscriberID, s.Handler, s.Logger)
	s.manager = backpressure.NewManager(cfg)
	return nil
}

// Stop asks the poll goroutine to exit after the current cycle. It does not
// touch the client and returns immediately. Use Wait to wait for the exit.
// Safe to call more than once, and before Start.
func (s *Subscriber) Stop() {
	s.init()
	if s.stopping.CompareAndSwap(false, true) {
		s.logger.Info("stopping")
	}
}

// Done is closed when the subscriber reaches a terminal state.
func (s *Subscriber) Done() <-chan struct{} {
	s.init()
	return s.done
}

// Wait blocks until the subscriber reaches a terminal state. Returns nil after
// a normal stop, a *processor.FailedError after a handler failure, or the
// error that caused the subscriber to fail or to fail to start.
func (s *Subscriber) Wait() error {
	<-s.Done()
	return s.err
}

func (s *Subscriber) finish(err error) {
	s.err = err
	close(s.done)
}

func (s *Subscriber) run() {
	err := s.loop()
	switch {
	case err == nil:
		s.commitFinal()
		s.logger.Info("stopped")
		s.setState(Stopped)
		if !s.KeepClientOpen {
			s.closeClient(0)
		}
	case processor.IsHandlingFailure(err):
		s.logger.Error("stopping after message handling failure", zap.Error(err))
		s.Metrics.HandlerFailed()
		s.commitFinal()
		s.setState(MessageHandlingFailed)
		s.closeClient(failureCloseTimeout)
	default:
		s.logger.Error("stopping after unexpected failure", zap.Error(err))
		s.setState(Failed)
		s.closeClient(failureCloseTimeout)
	}
	s.finish(err)
}

func (s *Subscriber) loop() (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = kafkasubscriber.Errorf("panic in poll loop: %v", v)
		}
	}()
	for !s.stopping.Load() {
		if err := s.processor.Failure(); err != nil {
			return err
		}
		records, err := s.Client.Poll(s.pollTimeout)
		if err != nil {
			return kafkasubscriber.Errorf("error polling: %w", err)
		}
		s.Metrics.Polled(len(records))
		if len(records) == 0 {
			if err := s.processor.Failure(); err != nil {
				return err
			}
		}
		var seen []kafkasubscriber.TopicPartition
		for _, r := range records {
			if err := s.processor.Process(r); err != nil {
				return err
			}
			seen = append(seen, r.TopicPartition())
		}
		s.commit()
		backlog := s.processor.Backlog()
		s.Metrics.SetBacklog(backlog)
		if len(records) > 0 && s.logger.Core().Enabled(zap.DebugLevel) {
			s.logger.Debug("processed records",
				zap.Int("records", len(records)),
				zap.Int("backlog", backlog),
				zap.Any("pending", pendingStrings(s.processor.Pending())))
		}
		if err := s.applyBackPressure(seen, backlog); err != nil {
			return err
		}
	}
	return nil
}

// commit errors are logged and retried on the next cycle.
func (s *Subscriber) commit() {
	offsets := s.processor.OffsetsToCommit()
	if len(offsets) == 0 {
		return
	}
	err := s.Client.CommitSync(offsets)
	s.Metrics.CommitDone(err)
	if err != nil {
		s.logger.Error("error committing offsets", zap.Any("offsets", offsetStrings(offsets)), zap.Error(err))
		return
	}
	s.processor.NoteOffsetsCommitted(offsets)
	for tp, o := range offsets {
		s.Metrics.Committed(tp.Topic, tp.Partition, o)
	}
	s.logger.Debug("committed offsets", zap.Any("offsets", offsetStrings(offsets)))
}

func (s *Subscriber) commitFinal() {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("panic committing final offsets", zap.Any("panic", v))
		}
	}()
	s.commit()
}

func (s *Subscriber) applyBackPressure(seen []kafkasubscriber.TopicPartition, backlog int) error {
	a := s.manager.Update(seen, backlog)
	if a.Empty() {
		return nil
	}
	if len(a.Pause) > 0 {
		s.logger.Info("pausing partitions",
			zap.Stringers("partitions", a.Pause),
			zap.Int("backlog", backlog),
			zap.Int("high", s.manager.Config().High))
		if err := s.Client.Pause(a.Pause); err != nil {
			return kafkasubscriber.Errorf("error pausing partitions: %w", err)
		}
	}
	if len(a.Resume) > 0 {
		s.logger.Info("resuming partitions",
			zap.Stringers("partitions", a.Resume),
			zap.Int("backlog", backlog),
			zap.Int("low", s.manager.Config().Low))
		if err := s.Client.Resume(a.Resume); err != nil {
			return kafkasubscriber.Errorf("error resuming partitions: %w", err)
		}
	}
	s.Metrics.PausedResumed(len(a.Pause), len(a.Resume), len(s.manager.Paused()))
	return nil
}

func (s *Subscriber) closeClient(timeout time.Duration) {
	if err := CloseWithin(timeout, func() error { return s.Client.Close(timeout) }); err != nil {
		s.logger.Warn("error closing client", zap.Error(err))
	}
}

func offsetStrings(offsets map[kafkasubscriber.TopicPartition]int64) map[string]int64 {
	out := make(map[string]int64, len(offsets))
	for tp, o := range offsets {
		out[tp.String()] = o
	}
	return out
}

func pendingStrings(pending map[kafkasubscriber.TopicPartition][]int64) map[string][]int64 {
	out := make(map[string][]int64, len(pending))
	for tp, offsets := range pending {
		out[tp.String()] = offsets
	}
	return out
}
