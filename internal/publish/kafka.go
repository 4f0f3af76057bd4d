// Package publish fans committed ledger entries out to Kafka for
// downstream attendance processors.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/BrandonDHaskell/Tapledger/server/internal/export"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Publisher produces one record per committed entry, keyed by device id
// so each device's taps stay in one partition and in order.  Publishing
// is best effort: the ledger is the system of record and consumers can
// catch up by polling it.
type Publisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

// New connects a franz-go client.  The connection is lazy; broker errors
// surface on the first produce.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publish: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("publish: no kafka topic configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tapledger"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, err
	}
	return NewWithProducer(client, cfg.Topic, logger), nil
}

func NewWithProducer(p Producer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: p, topic: topic, logger: logger}
}

// Publish is registered as a sequencer commit listener.  It never blocks:
// records that do not fit the client buffer are dropped and counted.
func (p *Publisher) Publish(entries []chain.Entry) {
	ctx := context.Background()
	for _, e := range entries {
		value, err := json.Marshal(export.View(e))
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("encode entry for kafka", "seq", e.Seq, "error", err)
			continue
		}
		rec := &kgo.Record{
			Topic: p.topic,
			Key:   []byte(e.Tap.DeviceID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
				{Key: "hash", Value: []byte(e.Hash.String())},
			},
		}
		p.producer.TryProduce(ctx, rec, p.done)
	}
}

func (p *Publisher) done(r *kgo.Record, err error) {
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("kafka produce failed", "key", string(r.Key), "error", err)
		return
	}
	p.produced.Add(1)
}

// Stats returns the number of records acknowledged and failed so far.
func (p *Publisher) Stats() (produced, failed int64) {
	return p.produced.Load(), p.failed.Load()
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close(ctx context.Context) error {
	err := p.producer.Flush(ctx)
	p.producer.Close()
	return err
}
