package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fabrica/esb/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

// Sink receives telemetry. Implementations must never block on delivery or surface errors:
// telemetry must not affect publishing or caching.
type Sink interface {
	Emit(ctx context.Context, e Event)
	Close() error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

func (Nop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to Topic keyed by domain, fire-and-forget. The first failure
// disables it for the rest of the process lifetime.
type KafkaSink struct {
	writer   messageWriter
	logger   *slog.Logger
	disabled atomic.Bool
}

type Config struct {
	Brokers string
	Enabled bool
}

// NewKafkaSink returns a KafkaSink, or Nop when telemetry is disabled or no broker answers.
func NewKafkaSink(ctx context.Context, logger *slog.Logger, cfg Config) Sink {
	if !cfg.Enabled {
		return Nop{}
	}
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := kafkax.Ping(pingCtx, brokers); err != nil {
		logger.Warn("telemetry disabled: broker unavailable", "err", err)
		return Nop{}
	}

	s := &KafkaSink{logger: logger.With("component", "telemetry")}
	s.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Completion: func(_ []kafka.Message, err error) {
			if err != nil {
				s.disable(err)
			}
		},
	}
	return s
}

func newKafkaSink(writer messageWriter, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, logger: logger}
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) {
	if s.disabled.Load() {
		return
	}
	value, err := json.Marshal(e)
	if err != nil {
		s.disable(err)
		return
	}
	// Async writer: WriteMessages only enqueues.
	if err := s.writer.WriteMessages(context.WithoutCancel(ctx), kafka.Message{
		Key:   []byte(e.Domain),
		Value: value,
	}); err != nil {
		s.disable(err)
	}
}

func (s *KafkaSink) Enabled() bool {
	return !s.disabled.Load()
}

func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		s.logger.Debug("telemetry close failed", "err", err)
	}
	return nil
}

func (s *KafkaSink) disable(err error) {
	if s.disabled.CompareAndSwap(false, true) {
		s.logger.Warn("telemetry disabled after failure", "err", err)
	}
}
