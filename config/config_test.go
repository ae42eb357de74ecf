package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var envVars = []string{
	"KAFKA_BOOTSTRAP_SERVERS",
	"KAFKA_CLIENT",
	"SUBSCRIBER_ID",
	"SUBSCRIBER_TOPICS",
	"BACK_PRESSURE_LOW",
	"BACK_PRESSURE_HIGH",
	"POLL_TIMEOUT",
	"LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	for _, k := range envVars {
		t.Setenv(k, "")
	}
}

const minimal = `
subscriber:
  id: orders
  topics: [orders]
`

func TestUnitDefaults(t *testing.T) {
	clearEnv(t)
	c := qt.New(t)
	cfg, err := Parse([]byte(minimal))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Kafka.BootstrapServers, qt.DeepEquals, []string{"localhost:9092"})
	c.Assert(cfg.Kafka.Client, qt.Equals, ClientFranz)
	c.Assert(cfg.Kafka.Group, qt.Equals, "orders")
	c.Assert(cfg.Kafka.ResetOffset, qt.Equals, "latest")
	c.Assert(cfg.Subscriber.PollTimeout, qt.Equals, 100*time.Millisecond)
	c.Assert(cfg.BackPressure.Low, qt.Equals, 0)
	c.Assert(cfg.BackPressure.High, qt.Equals, math.MaxInt32)
	c.Assert(cfg.Logging.Level, qt.Equals, "info")
	c.Assert(cfg.Logging.Format, qt.Equals, "json")
}

func TestUnitLoad(t *testing.T) {
	clearEnv(t)
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "subscriber.yaml")
	data := `
kafka:
  bootstrap_servers: [a:9092, b:9092]
  client: sarama
  group: g1
  reset_offset: earliest
  properties:
    client.id: foo
    fetch.max.bytes: "1048576"
    request.timeout.ms: "2500"
subscriber:
  id: orders
  topics: [orders, refunds]
  poll_timeout: 250ms
  keep_client_open: true
  envelopes: true
back_pressure:
  low: 10
  high: 100
metrics:
  address: ":9100"
logging:
  level: debug
  format: console
`
	c.Assert(os.WriteFile(path, []byte(data), 0644), qt.IsNil)
	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Kafka.BootstrapServers, qt.DeepEquals, []string{"a:9092", "b:9092"})
	c.Assert(cfg.Kafka.Client, qt.Equals, ClientSarama)
	c.Assert(cfg.Kafka.Group, qt.Equals, "g1")
	c.Assert(cfg.Kafka.ClientID(), qt.Equals, "foo")
	n, err := cfg.Kafka.FetchMaxBytes()
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int32(1048576))
	d, err := cfg.Kafka.RequestTimeout()
	c.Assert(err, qt.IsNil)
	c.Assert(d, qt.Equals, 2500*time.Millisecond)
	c.Assert(cfg.Subscriber.Topics, qt.DeepEquals, []string{"orders", "refunds"})
	c.Assert(cfg.Subscriber.PollTimeout, qt.Equals, 250*time.Millisecond)
	c.Assert(cfg.Subscriber.KeepClientOpen, qt.IsTrue)
	c.Assert(cfg.Subscriber.Envelopes, qt.IsTrue)
	c.Assert(cfg.BackPressure.Low, qt.Equals, 10)
	c.Assert(cfg.BackPressure.High, qt.Equals, 100)
	c.Assert(cfg.Metrics.Address, qt.Equals, ":9100")
	logger, err := cfg.Logging.NewLogger()
	c.Assert(err, qt.IsNil)
	c.Assert(logger, qt.Not(qt.IsNil))
}

func TestUnitLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnitEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "x:1,y:2")
	t.Setenv("KAFKA_CLIENT", "static")
	t.Setenv("SUBSCRIBER_ID", "payments")
	t.Setenv("SUBSCRIBER_TOPICS", "p1,p2")
	t.Setenv("BACK_PRESSURE_LOW", "5")
	t.Setenv("BACK_PRESSURE_HIGH", "50")
	t.Setenv("POLL_TIMEOUT", "1s")
	t.Setenv("LOG_LEVEL", "warn")
	c := qt.New(t)
	cfg, err := Parse([]byte(minimal))
	// static takes a single bootstrap server
	c.Assert(err, qt.ErrorMatches, "static client takes exactly one bootstrap server")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "x:1")
	cfg, err = Parse([]byte(minimal))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Kafka.BootstrapServers, qt.DeepEquals, []string{"x:1"})
	c.Assert(cfg.Kafka.Client, qt.Equals, ClientStatic)
	c.Assert(cfg.Subscriber.Id, qt.Equals, "payments")
	c.Assert(cfg.Kafka.Group, qt.Equals, "payments")
	c.Assert(cfg.Subscriber.Topics, qt.DeepEquals, []string{"p1", "p2"})
	c.Assert(cfg.BackPressure.Low, qt.Equals, 5)
	c.Assert(cfg.BackPressure.High, qt.Equals, 50)
	c.Assert(cfg.Subscriber.PollTimeout, qt.Equals, time.Second)
	c.Assert(cfg.Logging.Level, qt.Equals, "warn")
}

func TestUnitEnvOverridesInvalid(t *testing.T) {
	for _, k := range []string{"BACK_PRESSURE_LOW", "BACK_PRESSURE_HIGH", "POLL_TIMEOUT"} {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(k, "bogus")
			if _, err := Parse([]byte(minimal)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUnitValidate(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"no id":             "subscriber: {topics: [t]}",
		"no topics":         "subscriber: {id: s}",
		"empty topic":       "subscriber: {id: s, topics: ['']}",
		"negative poll":     "subscriber: {id: s, topics: [t], poll_timeout: -1s}",
		"unknown client":    "kafka: {client: rdkafka}\nsubscriber: {id: s, topics: [t]}",
		"unknown reset":     "kafka: {reset_offset: middle}\nsubscriber: {id: s, topics: [t]}",
		"unknown property":  "kafka: {properties: {acks: all}}\nsubscriber: {id: s, topics: [t]}",
		"bad fetch bytes":   "kafka: {properties: {fetch.max.bytes: lots}}\nsubscriber: {id: s, topics: [t]}",
		"bad timeout":       "kafka: {properties: {request.timeout.ms: '-5'}}\nsubscriber: {id: s, topics: [t]}",
		"high below low":    "subscriber: {id: s, topics: [t]}\nback_pressure: {low: 10, high: 5}",
		"negative low":      "subscriber: {id: s, topics: [t]}\nback_pressure: {low: -1, high: 5}",
		"unknown log level": "subscriber: {id: s, topics: [t]}\nlogging: {level: loud}",
		"not yaml":          "subscriber: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUnitNewLoggerFormat(t *testing.T) {
	if _, err := (LoggingConfig{Level: "info", Format: "xml"}).NewLogger(); err == nil {
		t.Fatal("expected error")
	}
	if _, err := (LoggingConfig{Level: "error", Format: "json"}).NewLogger(); err != nil {
		t.Fatal(err)
	}
}
