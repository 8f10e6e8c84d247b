// Package redpanda streams usage records to the analytics topic.
//
// Publishing is best-effort and fire-and-forget: routing never blocks on
// the broker, and a publish failure is logged, not returned to the caller's
// request path.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// TopicUsage carries one record per routed request, success or error.
const TopicUsage = "usage-records"

// Producer implements domain.UsagePublisher on a franz-go client.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the usage topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTopic(brokers, TopicUsage)
}

// NewProducerWithTopic connects with a custom topic, used by tests for
// isolation.
func NewProducerWithTopic(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=usage.producer: no seed brokers provided")
	}
	slog.Info("creating usage producer", slog.Any("brokers", brokers), slog.String("topic", topic))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=usage.producer client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		// The topic may already exist or broker-side auto-creation may be on.
		slog.Warn("failed to create usage topic",
			slog.String("topic", topic), slog.Any("error", err))
	}

	return &Producer{client: client, topic: topic}, nil
}

// PublishUsage emits one usage record keyed by group so per-group ordering
// holds within a partition. Delivery errors are logged asynchronously.
func (p *Producer) PublishUsage(ctx domain.Context, rec domain.UsageRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=usage.publish marshal id=%s: %w", rec.ID, err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.GroupID),
		Value: b,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("usage record publish failed",
				slog.String("usage_id", rec.ID),
				slog.String("group_id", rec.GroupID),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes outstanding records and releases the client.
func (p *Producer) Close() {
	if err := p.client.Flush(context.Background()); err != nil {
		slog.Error("usage producer flush failed", slog.Any("error", err))
	}
	p.client.Close()
}
