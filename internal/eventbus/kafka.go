package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	Topic    string   `yaml:"topic" json:"topic"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// Kafka publishes envelopes to one topic, keyed by the correlation ID so
// events of one broadcast stay ordered within a partition.
type Kafka struct {
	topic string
	prod  sarama.SyncProducer
}

func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers")
	}
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaWithProducer(cfg.Topic, prod), nil
}

func NewKafkaWithProducer(topic string, prod sarama.SyncProducer) *Kafka {
	if strings.TrimSpace(topic) == "" {
		topic = "govcast.events"
	}
	return &Kafka{topic: topic, prod: prod}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(env.Meta.CorrelationID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(env.Meta.Type)},
			{Key: []byte("id"), Value: []byte(env.Meta.ID)},
		},
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := k.prod.SendMessage(msg)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (k *Kafka) Close() error { return k.prod.Close() }
