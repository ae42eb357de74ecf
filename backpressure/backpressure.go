// Package backpressure decides which partitions to pause and resume based on
// the number of records in flight. It applies hysteresis: partitions are
// paused when the backlog goes above High and resumed when it drops to Low or
// below. In between nothing changes.
package backpressure

import (
	"fmt"
	"math"

	"github.com/mkocikowski/kafkasubscriber"
)

type Config struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// DefaultConfig never pauses.
func DefaultConfig() Config {
	return Config{Low: 0, High: math.MaxInt32}
}

func (c Config) Validate() error {
	if c.Low < 0 {
		return fmt.Errorf("back pressure low threshold must be >=0, got %d", c.Low)
	}
	if c.High < c.Low {
		return fmt.Errorf("back pressure high threshold %d is below low threshold %d", c.High, c.Low)
	}
	return nil
}

// Actions to apply to the broker client. Lists are sorted, have no
// duplicates, and are disjoint.
type Actions struct {
	Pause  []kafkasubscriber.TopicPartition
	Resume []kafkasubscriber.TopicPartition
}

func (a Actions) Empty() bool {
	return len(a.Pause) == 0 && len(a.Resume) == 0
}

// Manager tracks which partitions are paused. Not safe for concurrent use: it
// belongs to the poll loop.
type Manager struct {
	cfg    Config
	paused map[kafkasubscriber.TopicPartition]bool
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		paused: make(map[kafkasubscriber.TopicPartition]bool),
	}
}

func (m *Manager) Config() Config { return m.cfg }

// Update is called once per poll cycle with the partitions that returned
// records in that cycle and the current backlog. Only partitions in seen are
// considered; partitions that were not seen keep their state.
func (m *Manager) Update(seen []kafkasubscriber.TopicPartition, backlog int) Actions {
	var a Actions
	switch {
	case backlog > m.cfg.High:
		for _, tp := range dedup(seen) {
			if !m.paused[tp] {
				m.paused[tp] = true
				a.Pause = append(a.Pause, tp)
			}
		}
	case backlog <= m.cfg.Low:
		for _, tp := range dedup(seen) {
			if m.paused[tp] {
				delete(m.paused, tp)
				a.Resume = append(a.Resume, tp)
			}
		}
	}
	return a
}

func (m *Manager) IsPaused(tp kafkasubscriber.TopicPartition) bool {
	return m.paused[tp]
}

// Paused returns the currently paused partitions, sorted.
func (m *Manager) Paused() []kafkasubscriber.TopicPartition {
	var out []kafkasubscriber.TopicPartition
	for tp := range m.paused {
		out = append(out, tp)
	}
	kafkasubscriber.SortTopicPartitions(out)
	return out
}

func dedup(tps []kafkasubscriber.TopicPartition) []kafkasubscriber.TopicPartition {
	seen := make(map[kafkasubscriber.TopicPartition]bool, len(tps))
	out := make([]kafkasubscriber.TopicPartition, 0, len(tps))
	for _, tp := range tps {
		if !seen[tp] {
			seen[tp] = true
			out = append(out, tp)
		}
	}
	kafkasubscriber.SortTopicPartitions(out)
	return out
}
