package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func eventMessage(value string) kafka.Message {
	return kafka.Message{
		Topic:     "events",
		Partition: 1,
		Offset:    42,
		Key:       []byte("user-1"),
		Value:     []byte(value),
		Time:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Headers:   []kafka.Header{{Key: "traceparent", Value: []byte("00-abc-def-01")}},
	}
}

const validEvent = `{"uuid":"0190a3c4-5b6d-7e8f-9a0b-1c2d3e4f5a6b","event":"$pageview","distinct_id":"user-1","team_id":2,"timestamp":"2024-03-01T12:00:00Z"}`

func TestConsumer_CommitsHandledMessage(t *testing.T) {
	reader := &fakeReader{}
	var received *IncomingMessage
	consumer := newConsumer(reader, "events", testLogger(), func(_ context.Context, msg *IncomingMessage) error {
		received = msg
		return nil
	})

	consumer.processMessage(context.Background(), eventMessage(validEvent))

	require.NotNil(t, received)
	require.NotNil(t, received.Event)
	assert.Equal(t, "user-1", received.Event.DistinctID)
	assert.Equal(t, "00-abc-def-01", received.TraceParent)
	assert.Equal(t, int64(42), received.Offset)
	assert.Len(t, reader.committed, 1)
}

func TestConsumer_DoesNotCommitFailedMessage(t *testing.T) {
	reader := &fakeReader{}
	consumer := newConsumer(reader, "events", testLogger(), func(_ context.Context, _ *IncomingMessage) error {
		return errors.New("database unavailable")
	})

	consumer.processMessage(context.Background(), eventMessage(validEvent))

	assert.Empty(t, reader.committed)
}

func TestConsumer_CommitsUnparseableMessage(t *testing.T) {
	reader := &fakeReader{}
	called := false
	consumer := newConsumer(reader, "events", testLogger(), func(_ context.Context, _ *IncomingMessage) error {
		called = true
		return nil
	})

	consumer.processMessage(context.Background(), eventMessage(`{not json`))

	assert.False(t, called)
	assert.Len(t, reader.committed, 1)
}

func TestConsumer_StartStop(t *testing.T) {
	consumer := newConsumer(&fakeReader{}, "events", testLogger(), func(_ context.Context, _ *IncomingMessage) error {
		return nil
	})

	require.NoError(t, consumer.Start(context.Background()))
	assert.True(t, consumer.Health())
	require.NoError(t, consumer.Stop())
}
