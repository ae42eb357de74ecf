// Package metrics holds the prometheus collectors for a subscriber. All
// methods are safe to call on a nil *Subscriber.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kafkasubscriber"

type Subscriber struct {
	RecordsPolledTotal  prometheus.Counter
	PollsTotal          prometheus.Counter
	HandlerFailures     prometheus.Counter
	CommitsTotal        prometheus.Counter
	CommitFailuresTotal prometheus.Counter
	CommittedOffset     *prometheus.GaugeVec
	PausesTotal         prometheus.Counter
	ResumesTotal        prometheus.Counter
	Backlog             prometheus.Gauge
	PausedPartitions    prometheus.Gauge
	State               *prometheus.GaugeVec

	mu    sync.Mutex
	state string
}

// NewSubscriber registers the collectors with reg. Collectors carry a
// constant "subscriber" label, so several subscribers can share a registry.
func NewSubscriber(reg prometheus.Registerer, subscriberID string) *Subscriber {
	f := promauto.With(reg)
	labels := prometheus.Labels{"subscriber": subscriberID}
	return &Subscriber{
		RecordsPolledTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_polled_total",
			Help:        "Total number of records returned by polls",
			ConstLabels: labels,
		}),
		PollsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "polls_total",
			Help:        "Total number of poll cycles",
			ConstLabels: labels,
		}),
		HandlerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "handler_failures_total",
			Help:        "Total number of fatal handler failures",
			ConstLabels: labels,
		}),
		CommitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commits_total",
			Help:        "Total number of successful offset commits",
			ConstLabels: labels,
		}),
		CommitFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commit_failures_total",
			Help:        "Total number of failed offset commits",
			ConstLabels: labels,
		}),
		CommittedOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "committed_offset",
			Help:        "Last committed offset per partition",
			ConstLabels: labels,
		}, []string{"topic", "partition"}),
		PausesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "partition_pauses_total",
			Help:        "Total number of partition pauses",
			ConstLabels: labels,
		}),
		ResumesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "partition_resumes_total",
			Help:        "Total number of partition resumes",
			ConstLabels: labels,
		}),
		Backlog: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "backlog",
			Help:        "Records handed to the handler and not yet below the commit watermark",
			ConstLabels: labels,
		}),
		PausedPartitions: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "paused_partitions",
			Help:        "Number of currently paused partitions",
			ConstLabels: labels,
		}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "state",
			Help:        "1 for the current lifecycle state of the subscriber",
			ConstLabels: labels,
		}, []string{"state"}),
	}
}

func (m *Subscriber) Polled(n int) {
	if m == nil {
		return
	}
	m.PollsTotal.Inc()
	m.RecordsPolledTotal.Add(float64(n))
}

func (m *Subscriber) HandlerFailed() {
	if m == nil {
		return
	}
	m.HandlerFailures.Inc()
}

func (m *Subscriber) Committed(topic string, partition int32, offset int64) {
	if m == nil {
		return
	}
	m.CommittedOffset.WithLabelValues(topic, strconv.FormatInt(int64(partition), 10)).Set(float64(offset))
}

func (m *Subscriber) CommitDone(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CommitFailuresTotal.Inc()
		return
	}
	m.CommitsTotal.Inc()
}

func (m *Subscriber) PausedResumed(paused, resumed, currentlyPaused int) {
	if m == nil {
		return
	}
	m.PausesTotal.Add(float64(paused))
	m.ResumesTotal.Add(float64(resumed))
	m.PausedPartitions.Set(float64(currentlyPaused))
}

func (m *Subscriber) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.Backlog.Set(float64(n))
}

// SetState sets the gauge for state to 1 and for the previous state to 0.
func (m *Subscriber) SetState(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != "" {
		m.State.WithLabelValues(m.state).Set(0)
	}
	m.state = state
	m.State.WithLabelValues(state).Set(1)
}
