package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/challenge-escrow-ledger/internal/models/events"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishKeysByChallenge(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	err := p.Publish(context.Background(), events.TopicSettlement, events.PotDistributed{ChallengeID: "c1", Outcome: "split"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, events.TopicSettlement, w.msgs[0].Topic)
	require.Equal(t, "c1", string(w.msgs[0].Key))

	var got events.PotDistributed
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Equal(t, "split", got.Outcome)
}

func TestNotifier(t *testing.T) {
	w := &fakeWriter{}
	n := NewNotifier(&Publisher{writer: w}, "notifications")

	require.NoError(t, n.Notify(context.Background(), "alice", events.NotifyPayoutPaid))
	require.Equal(t, "notifications", w.msgs[0].Topic)
	require.Equal(t, "alice", string(w.msgs[0].Key))

	w.err = errors.New("broker down")
	require.Error(t, n.Notify(context.Background(), "alice", events.NotifyPayoutPaid))
}

func TestFixedTopicOverridesEventTopic(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w, topic: "challenge_events"}

	require.NoError(t, p.Publish(context.Background(), events.TopicReview, events.ChallengeReviewed{ChallengeID: "c1"}))
	require.Equal(t, "challenge_events", w.msgs[0].Topic)

	n := NewNotifier(p, "notifications")
	require.NoError(t, n.Notify(context.Background(), "bob", events.NotifyPayoutPaid))
	require.Equal(t, "notifications", w.msgs[1].Topic)
}

func TestWriterDoesNotWaitForFullBatches(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	require.Equal(t, batchTimeout, w.BatchTimeout)
	require.Less(t, w.BatchTimeout, 100*time.Millisecond)
	require.NoError(t, p.Close())
}
