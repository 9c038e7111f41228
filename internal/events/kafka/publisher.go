package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	interfaces "github.com/sheikh-saqib/challenge-escrow-ledger/internal/interfaces"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models/events"
)

// keyed is implemented by events that carry a partition key.
type keyed interface {
	PartitionKey() string
}

// Publisher writes JSON events to kafka. The topic is chosen per message
// unless the publisher was built with a fixed topic.
type Publisher struct {
	writer messageWriter
	topic  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// batchTimeout caps how long a write waits for more messages. Events go out
// one at a time, so the writer's one second default would stall every call.
const batchTimeout = 10 * time.Millisecond

// NewPublisher connects to brokers. A non-empty topic sends every event to
// that topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           batchTimeout,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, topic string, event any) error {
	if p.topic != "" {
		topic = p.topic
	}
	return p.write(ctx, topic, event)
}

func (p *Publisher) write(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Value: data,
	}
	if k, ok := event.(keyed); ok {
		msg.Key = []byte(k.PartitionKey())
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Notifier sends notification requests to a dedicated topic through a
// Publisher.
type Notifier struct {
	publisher *Publisher
	topic     string
	nowFn     func() time.Time
}

func NewNotifier(publisher *Publisher, topic string) *Notifier {
	return &Notifier{publisher: publisher, topic: topic, nowFn: time.Now}
}

func (n *Notifier) Notify(ctx context.Context, userID, eventType string) error {
	// notifications keep their own topic even on a fixed-topic publisher
	return n.publisher.write(ctx, n.topic, events.Notification{
		UserID:     userID,
		EventType:  eventType,
		OccurredAt: n.nowFn(),
	})
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
var _ interfaces.Notifier = (*Notifier)(nil)
