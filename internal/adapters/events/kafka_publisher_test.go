package events

import (
	"testing"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
)

func TestKafkaPublisherRequiresBrokers(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(nil, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestKafkaMessageRoutingAndKey(t *testing.T) {
	t.Parallel()

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, nil)
	if err != nil {
		t.Fatalf("NewKafkaPublisher() error = %v", err)
	}
	defer p.Close()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	msg := p.message(application.EventTypeRewardGranted, []byte(`{"a":1}`), "owner-1")
	if msg.Topic != "referral.rewards" {
		t.Fatalf("topic = %q", msg.Topic)
	}
	if string(msg.Key) != "owner-1" {
		t.Fatalf("key = %q", msg.Key)
	}
	if !msg.Time.Equal(fixed) {
		t.Fatalf("time = %v", msg.Time)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != application.EventTypeRewardGranted {
		t.Fatalf("headers = %+v", msg.Headers)
	}

	if got := p.topicFor("referral.unknown"); got != "referral.unknown" {
		t.Fatalf("unmapped event should use its own name, got %q", got)
	}
}
