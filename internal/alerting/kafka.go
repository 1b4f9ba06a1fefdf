package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
)

// Envelope wraps alerts published to Kafka.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// KafkaNotifier publishes alerts to a Kafka topic keyed by entity.
type KafkaNotifier struct {
	topic string
	p     sarama.SyncProducer
}

// NewKafkaNotifier dials the brokers with a synchronous producer.
func NewKafkaNotifier(brokers []string, topic string, cfg *sarama.Config) (*KafkaNotifier, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(p, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(p sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{topic: topic, p: p}
}

func (n *KafkaNotifier) Name() string { return "kafka" }

// Notify sends one envelope. SyncProducer ignores ctx.
func (n *KafkaNotifier) Notify(_ context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	b, err := json.Marshal(Envelope{
		Type: "alert." + alert.Detector,
		TS:   time.Now().UnixMilli(),
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(alert.EntityKey),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := n.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka emit failed: %w", err)
	}
	return nil
}

// Close releases the producer.
func (n *KafkaNotifier) Close() error {
	if n.p != nil {
		return n.p.Close()
	}
	return nil
}

var _ Notifier = (*KafkaNotifier)(nil)
