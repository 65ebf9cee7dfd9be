package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return errors.New("already closed") }

func TestKafkaSinkKeysByDomain(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSink(w, slog.New(slog.DiscardHandler))

	s.Emit(context.Background(), Published("product", PublishInfo{
		Topic: "product.product", AggregateType: "product", AggregateID: "sku-1",
		Action: "created", Success: true, Duration: 12 * time.Millisecond,
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "product", string(w.msgs[0].Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "EventPublished", got["eventType"])
	assert.Equal(t, "OutboxPublisher", got["serviceType"])
	assert.Equal(t, float64(12), got["durationMs"])
	assert.NoError(t, s.Close())
}

func TestKafkaSinkDisablesOnFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("queue full")}
	s := newKafkaSink(w, slog.New(slog.DiscardHandler))

	s.Emit(context.Background(), Lifecycle("product", OutboxPublisher, true))
	assert.False(t, s.Enabled())

	w.err = nil
	s.Emit(context.Background(), Lifecycle("product", OutboxPublisher, false))
	assert.Empty(t, w.msgs)
}

func TestNewKafkaSinkWithoutBrokersIsNop(t *testing.T) {
	s := NewKafkaSink(context.Background(), slog.New(slog.DiscardHandler), Config{Enabled: true})
	assert.IsType(t, Nop{}, s)

	s = NewKafkaSink(context.Background(), slog.New(slog.DiscardHandler), Config{Brokers: "kafka:9092"})
	assert.IsType(t, Nop{}, s)
}

func TestEventHelpers(t *testing.T) {
	c := Consumed("admin", ConsumeInfo{ConsumerGroup: "bff", Offset: 41, Partition: 3, Err: errors.New("db down")})
	assert.Equal(t, EventConsumed, c.EventType)
	assert.False(t, c.Success)
	assert.Equal(t, "db down", c.Error)
	require.NotNil(t, c.Offset)
	assert.Equal(t, int64(41), *c.Offset)
	assert.Equal(t, 3, *c.Partition)

	sub := SubscriptionChanged("admin", "bff", []string{"product.product"})
	assert.Equal(t, SubscriptionUpdated, sub.EventType)
	assert.Equal(t, []string{"product.product"}, sub.Details)

	assert.Equal(t, ServiceStopped, Lifecycle("admin", CacheSubscriber, false).EventType)
}
