package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"ratedash/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes notifications to a Kafka topic.
type KafkaSender struct {
	topic  string
	writer messageWriter
}

// NewKafkaSender returns a sender for the given brokers, or nil when no
// brokers are configured.
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	if len(brokers) == 0 {
		return nil
	}
	ks := &KafkaSender{
		topic: topic,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
	logger.GetLogger().WithComponent("kafka_sender").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Debug("kafka sender initialized")
	return ks
}

func (k *KafkaSender) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("kafka: marshal payload: %w", err)
	}
	key := n.Type
	if n.TraceEvent != nil && n.TraceEvent.ID != "" {
		key = n.TraceEvent.ID
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: time.Now()}); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaSender) Name() string {
	return "kafka"
}

// Close flushes and closes the underlying writer.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}
