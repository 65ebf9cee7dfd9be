package kafkax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabrica/esb/libs/esb"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers string
	// Domain is the publishing domain; it prefixes every topic and fills the envelope.
	Domain       string
	MaxAttempts  int
	RetryBackoff time.Duration
	BatchTimeout time.Duration
}

// Producer publishes outbox rows as envelopes on "{domain}.{aggregateType}".
// Publish failures are logged and reported as false; the outbox row status is the
// retry unit, not the broker call.
type Producer struct {
	writer messageWriter
	domain string
	logger *slog.Logger
}

func NewProducer(logger *slog.Logger, cfg ProducerConfig) *Producer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(SplitBrokers(cfg.Brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteBackoffMin:        cfg.RetryBackoff,
		WriteBackoffMax:        cfg.RetryBackoff,
		BatchTimeout:           cfg.BatchTimeout,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
		ErrorLogger:            kafkaLogger(logger.Warn, "component", "producer"),
	}
	return newProducer(writer, cfg.Domain, logger)
}

func newProducer(writer messageWriter, domain string, logger *slog.Logger) *Producer {
	return &Producer{
		writer: writer,
		domain: domain,
		logger: logger.With("component", "producer", "domain", domain),
	}
}

func (p *Producer) Domain() string {
	return p.domain
}

// Topic is where evt is published.
func (p *Producer) Topic(evt esb.OutboxEvent) string {
	return esb.Topic(p.domain, evt.AggregateType)
}

// Publish writes one event and waits for full-replica acknowledgement.
func (p *Producer) Publish(ctx context.Context, evt esb.OutboxEvent) bool {
	msg, err := p.message(ctx, evt)
	if err != nil {
		p.logger.Error("encode envelope failed", "err", err, "event_id", evt.ID.String())
		return false
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish failed", "err", err, "event_id", evt.ID.String(), "topic", msg.Topic)
		return false
	}
	p.logger.Debug("event published", "event_id", evt.ID.String(), "topic", msg.Topic, "event_type", evt.EventType)
	return true
}

// PublishBatch sends all events in one call and returns how many were acknowledged.
// Partial failures are logged, not retried.
func (p *Producer) PublishBatch(ctx context.Context, events []esb.OutboxEvent) int {
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		msg, err := p.message(ctx, evt)
		if err != nil {
			p.logger.Error("encode envelope failed", "err", err, "event_id", evt.ID.String())
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return 0
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return len(msgs)
	}

	var writeErrs kafka.WriteErrors
	if !errors.As(err, &writeErrs) {
		p.logger.Error("batch publish failed", "err", err, "count", len(msgs))
		return 0
	}
	ok := 0
	for i, e := range writeErrs {
		if e == nil {
			ok++
			continue
		}
		if i < len(msgs) {
			p.logger.Error("batch publish failed for message", "err", e, "event_id", HeaderValue(msgs[i].Headers, HeaderEventID), "topic", msgs[i].Topic)
		}
	}
	p.logger.Warn("batch publish partially failed", "published", ok, "failed", len(msgs)-ok)
	return ok
}

func (p *Producer) message(ctx context.Context, evt esb.OutboxEvent) (kafka.Message, error) {
	env := esb.NewEnvelope(p.domain, evt)
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal envelope: %w", err)
	}
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(env.EventID)},
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderDomain, Value: []byte(p.domain)},
	}
	if env.TenantID != "" {
		headers = append(headers, kafka.Header{Key: HeaderTenantID, Value: []byte(env.TenantID)})
	}
	return kafka.Message{
		Topic:   env.Topic(),
		Key:     []byte(evt.AggregateID),
		Value:   value,
		Headers: InjectTraceHeaders(ctx, headers),
		Time:    env.Timestamp,
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func kafkaLogger(log func(string, ...any), attrs ...any) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		log("kafka: "+fmt.Sprintf(msg, args...), attrs...)
	}
}
