// Package outbox drains a domain's outbox table onto the broker.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fabrica/esb/libs/esb"
	otelx "github.com/fabrica/esb/libs/otel"
	"github.com/fabrica/esb/libs/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]esb.OutboxEvent, error)
	Finalize(ctx context.Context, id uuid.UUID, status esb.OutboxStatus) error
}

type Producer interface {
	Domain() string
	Topic(evt esb.OutboxEvent) string
	Publish(ctx context.Context, evt esb.OutboxEvent) bool
}

// Notifier delivers database notifications; *db.Listener implements it.
type Notifier interface {
	Run(ctx context.Context, onNotify func(ctx context.Context, payload string)) error
}

type PublisherConfig struct {
	PollEvery time.Duration
	// ClaimSize is how many rows one claim moves to processing. It bounds how many
	// unattempted rows a crash can leave stranded in processing.
	ClaimSize int
}

type Publisher struct {
	store     Store
	producer  Producer
	notifier  Notifier
	sink      telemetry.Sink
	logger    *slog.Logger
	tracer    trace.Tracer
	pollEvery time.Duration
	claimSize int
	draining  *semaphore.Weighted
}

func NewPublisher(store Store, producer Producer, notifier Notifier, sink telemetry.Sink, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 10 * time.Second
	}
	if cfg.ClaimSize <= 0 {
		cfg.ClaimSize = 1
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Publisher{
		store:     store,
		producer:  producer,
		notifier:  notifier,
		sink:      sink,
		logger:    logger.With("component", "outbox-publisher", "domain", producer.Domain()),
		tracer:    otelx.Tracer("outbox"),
		pollEvery: cfg.PollEvery,
		claimSize: cfg.ClaimSize,
		draining:  semaphore.NewWeighted(1),
	}
}

// Run drains on every notification and on the poll interval until ctx is cancelled.
// A batch already claimed when ctx is cancelled is published and finalized before Run returns.
func (p *Publisher) Run(ctx context.Context) error {
	domain := p.producer.Domain()
	p.sink.Emit(ctx, telemetry.Lifecycle(domain, telemetry.OutboxPublisher, true))
	p.logger.Info("outbox publisher started", "poll_every", p.pollEvery.String(), "claim_size", p.claimSize)

	var wg sync.WaitGroup
	if p.notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.notifier.Run(ctx, func(ctx context.Context, _ string) {
				p.TryDrain(ctx)
			})
			if err != nil {
				p.logger.Error("outbox notification listener stopped", "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.poll(ctx)
	}()
	wg.Wait()

	p.sink.Emit(context.WithoutCancel(ctx), telemetry.Lifecycle(domain, telemetry.OutboxPublisher, false))
	p.logger.Info("outbox publisher stopped")
	return nil
}

func (p *Publisher) poll(ctx context.Context) {
	p.TryDrain(ctx)

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.TryDrain(ctx)
		}
	}
}

// TryDrain drains the outbox unless a drain is already running, in which case it returns
// false immediately. Triggers are coalesced, not queued.
func (p *Publisher) TryDrain(ctx context.Context) bool {
	if !p.draining.TryAcquire(1) {
		return false
	}
	defer p.draining.Release(1)
	p.drain(ctx)
	return true
}

func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := p.store.ClaimPending(ctx, p.claimSize)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("outbox claim failed", "err", err)
			}
			return
		}
		if len(batch) == 0 {
			return
		}
		p.logger.Debug("outbox rows claimed", "size", len(batch))

		// Claimed rows are finished even when shutdown starts mid-batch.
		batchCtx := context.WithoutCancel(ctx)
		for _, evt := range batch {
			p.publish(batchCtx, evt)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt esb.OutboxEvent) {
	topic := p.producer.Topic(evt)
	action := "unknown"
	if a, err := evt.Action(); err == nil {
		action = a.String()
	}

	ctx = otelx.RowTrace{Traceparent: evt.Traceparent, Tracestate: evt.Tracestate}.Restore(ctx)
	ctx, span := p.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("esb.event_id", evt.ID.String()),
			attribute.String("esb.event_type", evt.EventType),
			attribute.String("esb.aggregate_id", evt.AggregateID),
		),
	)
	defer span.End()

	start := time.Now()
	ok := p.producer.Publish(ctx, evt)
	elapsed := time.Since(start)

	status := esb.StatusProcessed
	if !ok {
		status = esb.StatusFailed
		span.SetStatus(codes.Error, "publish failed")
	}
	if err := p.store.Finalize(ctx, evt.ID, status); err != nil {
		span.RecordError(err)
		p.logger.Error("outbox finalize failed", "err", err, "event_id", evt.ID.String(), "status", status.String())
	}

	info := telemetry.PublishInfo{
		Topic:         topic,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventID:       evt.ID.String(),
		Action:        action,
		Success:       ok,
		Duration:      elapsed,
	}
	p.sink.Emit(ctx, telemetry.Published(p.producer.Domain(), info))
}
