// Package config loads subscriber configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mkocikowski/kafkasubscriber/backpressure"
	"gopkg.in/yaml.v3"
)

const (
	ClientFranz  = "franz"
	ClientSarama = "sarama"
	ClientStatic = "static"
)

type Config struct {
	Kafka        KafkaConfig         `yaml:"kafka"`
	Subscriber   SubscriberConfig    `yaml:"subscriber"`
	BackPressure backpressure.Config `yaml:"back_pressure"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Logging      LoggingConfig       `yaml:"logging"`
}

type KafkaConfig struct {
	BootstrapServers []string `yaml:"bootstrap_servers"`
	// One of franz, sarama, static.
	Client string `yaml:"client"`
	// Consumer group. Defaults to the subscriber id.
	Group string `yaml:"group"`
	// earliest or latest
	ResetOffset string `yaml:"reset_offset"`
	// Passed to the client. Known keys are client.id, fetch.max.bytes,
	// and request.timeout.ms.
	Properties map[string]string `yaml:"properties"`
}

type SubscriberConfig struct {
	Id             string        `yaml:"id"`
	Topics         []string      `yaml:"topics"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	KeepClientOpen bool          `yaml:"keep_client_open"`
	// Decode record values as envelopes and handle each message.
	Envelopes bool `yaml:"envelopes"`
}

type MetricsConfig struct {
	// host:port for the /metrics endpoint. Empty disables it.
	Address string `yaml:"address"`
}

var knownProperties = map[string]bool{
	"client.id":          true,
	"fetch.max.bytes":    true,
	"request.timeout.ms": true,
}

func Load(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
	}
	return cfg, nil
}

// Parse YAML, apply defaults and environment overrides, and validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	cfg.BackPressure = backpressure.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if len(c.Kafka.BootstrapServers) == 0 {
		c.Kafka.BootstrapServers = []string{"localhost:9092"}
	}
	if c.Kafka.Client == "" {
		c.Kafka.Client = ClientFranz
	}
	if c.Kafka.Group == "" {
		c.Kafka.Group = c.Subscriber.Id
	}
	if c.Kafka.ResetOffset == "" {
		c.Kafka.ResetOffset = "latest"
	}
	if c.Subscriber.PollTimeout == 0 {
		c.Subscriber.PollTimeout = 100 * time.Millisecond
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) applyEnvOverrides() error {
	if servers := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); servers != "" {
		c.Kafka.BootstrapServers = strings.Split(servers, ",")
	}
	if client := os.Getenv("KAFKA_CLIENT"); client != "" {
		c.Kafka.Client = client
	}
	if id := os.Getenv("SUBSCRIBER_ID"); id != "" {
		c.Subscriber.Id = id
	}
	if topics := os.Getenv("SUBSCRIBER_TOPICS"); topics != "" {
		c.Subscriber.Topics = strings.Split(topics, ",")
	}
	if v := os.Getenv("BACK_PRESSURE_LOW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BACK_PRESSURE_LOW %q: %w", v, err)
		}
		c.BackPressure.Low = n
	}
	if v := os.Getenv("BACK_PRESSURE_HIGH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BACK_PRESSURE_HIGH %q: %w", v, err)
		}
		c.BackPressure.High = n
	}
	if v := os.Getenv("POLL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POLL_TIMEOUT %q: %w", v, err)
		}
		c.Subscriber.PollTimeout = d
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Subscriber.Id == "" {
		return fmt.Errorf("subscriber id is required")
	}
	if len(c.Subscriber.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	for _, t := range c.Subscriber.Topics {
		if t == "" {
			return fmt.Errorf("empty topic name")
		}
	}
	if c.Subscriber.PollTimeout < 0 {
		return fmt.Errorf("poll timeout must be >=0, got %v", c.Subscriber.PollTimeout)
	}
	switch c.Kafka.Client {
	case ClientFranz, ClientSarama, ClientStatic:
	default:
		return fmt.Errorf("unknown kafka client %q", c.Kafka.Client)
	}
	switch c.Kafka.ResetOffset {
	case "earliest", "latest":
	default:
		return fmt.Errorf("unknown reset offset %q", c.Kafka.ResetOffset)
	}
	if c.Kafka.Client == ClientStatic && len(c.Kafka.BootstrapServers) != 1 {
		return fmt.Errorf("static client takes exactly one bootstrap server")
	}
	for k := range c.Kafka.Properties {
		if !knownProperties[k] {
			return fmt.Errorf("unknown kafka property %q", k)
		}
	}
	if _, err := c.Kafka.FetchMaxBytes(); err != nil {
		return err
	}
	if _, err := c.Kafka.RequestTimeout(); err != nil {
		return err
	}
	if err := c.BackPressure.Validate(); err != nil {
		return err
	}
	if _, err := c.Logging.level(); err != nil {
		return err
	}
	return nil
}

func (k KafkaConfig) ClientID() string {
	return k.Properties["client.id"]
}

// FetchMaxBytes returns 0 if not set.
func (k KafkaConfig) FetchMaxBytes() (int32, error) {
	v, ok := k.Properties["fetch.max.bytes"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid fetch.max.bytes %q", v)
	}
	return int32(n), nil
}

// RequestTimeout returns 0 if not set.
func (k KafkaConfig) RequestTimeout() (time.Duration, error) {
	v, ok := k.Properties["request.timeout.ms"]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid request.timeout.ms %q", v)
	}
	return time.Duration(n) * time.Millisecond, nil
}
