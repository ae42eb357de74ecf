// Subscriber consumes topics named in a config file and logs every record (or
// every message, when records are envelopes). It serves prometheus metrics
// and stops cleanly on SIGINT or SIGTERM. This is meant as an example of how
// to use the library.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mkocikowski/kafkasubscriber"
	"github.com/mkocikowski/kafkasubscriber/config"
	"github.com/mkocikowski/kafkasubscriber/consumer"
	"github.com/mkocikowski/kafkasubscriber/envelope"
	"github.com/mkocikowski/kafkasubscriber/franz"
	"github.com/mkocikowski/kafkasubscriber/metrics"
	"github.com/mkocikowski/kafkasubscriber/processor"
	"github.com/mkocikowski/kafkasubscriber/saramaclient"
	"github.com/mkocikowski/kafkasubscriber/static"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	projectName  string
	buildVersion string
	buildTime    string
)

func newClient(cfg *config.Config, logger *zap.Logger) (consumer.Client, error) {
	k := cfg.Kafka
	switch k.Client {
	case config.ClientFranz:
		fetchMaxBytes, _ := k.FetchMaxBytes()
		requestTimeout, _ := k.RequestTimeout()
		return franz.New(franz.Config{
			Brokers:        k.BootstrapServers,
			Group:          k.Group,
			ClientID:       k.ClientID(),
			ResetOffset:    k.ResetOffset,
			FetchMaxBytes:  fetchMaxBytes,
			RequestTimeout: requestTimeout,
			Logger:         logger.Named("franz"),
		})
	case config.ClientSarama:
		sc := saramaclient.NewConfig(k.ClientID(), k.ResetOffset == "earliest")
		if n, _ := k.FetchMaxBytes(); n > 0 {
			sc.Consumer.Fetch.Max = n
		}
		if d, _ := k.RequestTimeout(); d > 0 {
			sc.Net.DialTimeout = d
			sc.Net.ReadTimeout = d
			sc.Net.WriteTimeout = d
		}
		return saramaclient.New(k.BootstrapServers, k.Group, sc, logger.Named("sarama"))
	case config.ClientStatic:
		return &static.Client{
			Bootstrap: k.BootstrapServers[0],
			GroupId:   k.Group,
			Logger:    logger.Named("static"),
		}, nil
	}
	return nil, fmt.Errorf("unknown kafka client %q", k.Client)
}

func newHandler(cfg *config.Config, logger *zap.Logger) processor.Handler {
	if !cfg.Subscriber.Envelopes {
		return processor.Sync(func(r *kafkasubscriber.Record) error {
			logger.Info("record",
				zap.Stringer("partition", r.TopicPartition()),
				zap.Int64("offset", r.Offset),
				zap.ByteString("key", r.Key),
				zap.ByteString("value", r.Value))
			return nil
		})
	}
	return processor.Sync(processor.Unbatch(func(r *kafkasubscriber.Record, headers []envelope.Header, m envelope.Message) error {
		logger.Info("message",
			zap.Stringer("partition", r.TopicPartition()),
			zap.Int64("offset", r.Offset),
			zap.Int("headers", len(headers)),
			zap.String("key", m.Key),
			zap.String("value", m.Value))
		return nil
	}))
}

func main() {
	configFile := flag.String("config", "subscriber.yaml", "path to yaml config")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC | log.Lmicroseconds)
	log.Printf("%s %s %s %s", projectName, buildVersion, buildTime, runtime.Version())
	//
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	client, err := newClient(cfg, logger)
	if err != nil {
		logger.Fatal("error creating client", zap.Error(err))
	}
	reg := prometheus.NewRegistry()
	s := &consumer.Subscriber{
		SubscriberID:   cfg.Subscriber.Id,
		Topics:         cfg.Subscriber.Topics,
		Client:         client,
		Handler:        newHandler(cfg, logger),
		BackPressure:   &cfg.BackPressure,
		PollTimeout:    cfg.Subscriber.PollTimeout,
		KeepClientOpen: cfg.Subscriber.KeepClientOpen,
		Logger:         logger,
		Metrics:        metrics.NewSubscriber(reg, cfg.Subscriber.Id),
	}
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			err := http.ListenAndServe(cfg.Metrics.Address, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}
	if err := s.Start(); err != nil {
		logger.Fatal("error starting subscriber", zap.Error(err))
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("stopping", zap.Stringer("signal", sig))
		s.Stop()
	case <-s.Done():
	}
	if err := s.Wait(); err != nil {
		logger.Error("subscriber stopped", zap.Stringer("state", s.State()), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("subscriber stopped", zap.Stringer("state", s.State()))
}
