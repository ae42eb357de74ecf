// Producer reads strings from stdin one line at a time, packs them into
// envelopes, and sends the envelopes to kafka, one envelope per record. This
// is meant as an example of how to use the library.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime"
	"strings"

	"github.com/mkocikowski/kafkasubscriber/envelope"
	"github.com/mkocikowski/kafkasubscriber/producer"
	"go.uber.org/zap"
)

var (
	projectName  string
	buildVersion string
	buildTime    string
)

func main() {
	bootstrap := flag.String("bootstrap", "localhost:9092", "comma separated host:port list")
	topic := flag.String("topic", fmt.Sprintf("test-%x", rand.Uint32()), "")
	maxBytes := flag.Int("max-bytes", 64<<10, "max size of an envelope")
	compression := flag.String("compression", "none", "none, gzip, snappy, lz4, zstd")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC | log.Lmicroseconds)
	log.Printf("%s %s %s %s", projectName, buildVersion, buildTime, runtime.Version())
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	//
	messages := make(chan []envelope.Message)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			messages <- []envelope.Message{{Value: scanner.Text()}}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("error reading stdin", zap.Error(err))
		}
		close(messages)
	}()
	b := &envelope.SequentialBuilder{
		MaxBytes:   *maxBytes,
		Headers:    []envelope.Header{{Key: "source", Value: "stdin"}},
		NumWorkers: 1,
	}
	batches := b.Start(messages)
	p := &producer.Producer{
		Brokers:     strings.Split(*bootstrap, ","),
		Topic:       *topic,
		NumWorkers:  1, // remember to have this >0
		NumAttempts: 3, // ditto
		Compression: *compression,
		Logger:      logger,
	}
	exchanges, err := p.Start(batches)
	if err != nil {
		log.Fatal(err)
	}
	for e := range exchanges {
		logger.Info("produced",
			zap.String("topic", *topic),
			zap.Int("messages", e.Batch.NumMessages),
			zap.Int("bytes", len(e.Batch.Bytes)),
			zap.Bool("success", e.Success),
			zap.Errors("errors", e.Errors),
			zap.Duration("elapsed", e.Elapsed))
	}
}
