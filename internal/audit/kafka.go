package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"execution-core/internal/order"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer is the part of *kgo.Client the sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes each record as JSON keyed by instrument, so one
// instrument's history stays on one partition in order.
type KafkaSink struct {
	producer Producer
	topic    string
	timeout  time.Duration
	logger   *zap.Logger

	produced atomic.Int64
	failed   atomic.Int64
}

// NewKafkaClient connects a producer to brokers.
func NewKafkaClient(brokers []string, logger *zap.Logger) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if logger != nil {
		logger.Info("audit producer initialized", zap.Strings("brokers", brokers))
	}
	return client, nil
}

func NewKafkaSink(p Producer, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{producer: p, topic: topic, timeout: 5 * time.Second, logger: logger}
}

func (k *KafkaSink) Record(ctx context.Context, rec order.DispatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("marshal audit record: %w", err)
	}

	produceCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	res := k.producer.ProduceSync(produceCtx, &kgo.Record{
		Topic: k.topic,
		Key:   []byte(rec.Intent.Instrument),
		Value: data,
	})
	if err := res.FirstErr(); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("produce audit record %s: %w", rec.EntryID, err)
	}
	k.produced.Add(1)
	return nil
}

// Stats reports produced and failed record counts.
func (k *KafkaSink) Stats() (produced, failed int64) {
	return k.produced.Load(), k.failed.Load()
}
