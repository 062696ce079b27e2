package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
)

// DefaultTopics routes every referral event to a topic of the same family.
var DefaultTopics = map[string]string{
	application.EventTypeVisitRecorded:  "referral.visits",
	application.EventTypeRewardGranted:  "referral.rewards",
	application.EventTypeRewardWithheld: "referral.rewards",
	application.EventTypeTokenMismatch:  "referral.security",
}

type KafkaPublisher struct {
	writer       *kafka.Writer
	topicByEvent map[string]string
	now          func() time.Time
}

func NewKafkaPublisher(brokers []string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topicByEvent == nil {
		topicByEvent = DefaultTopics
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: false,
		},
		topicByEvent: topicByEvent,
		now:          time.Now,
	}, nil
}

// Publish keys the message by partitionKey so every event of one subject
// lands on the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	return p.writer.WriteMessages(ctx, p.message(eventType, payload, partitionKey))
}

func (p *KafkaPublisher) message(eventType string, payload []byte, partitionKey string) kafka.Message {
	return kafka.Message{
		Topic: p.topicFor(eventType),
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
		Time: p.now().UTC(),
	}
}

func (p *KafkaPublisher) topicFor(eventType string) string {
	if mapped, ok := p.topicByEvent[eventType]; ok && mapped != "" {
		return mapped
	}
	return eventType
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
