// Package cache materializes other domains' events into the local cache table.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/libs/kafkax"
	otelx "github.com/fabrica/esb/libs/otel"
	"github.com/fabrica/esb/libs/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Consumer is the broker side; *kafkax.Consumer implements it.
type Consumer interface {
	Subscribe(group string, topics []string)
	Topics(group string) []string
	Groups() []string
	Consume(ctx context.Context, group string, timeout time.Duration) (*kafka.Message, error)
	Commit(ctx context.Context, group string, msg kafka.Message) error
	Reset(group string)
	Dispose()
}

type ConfigSource interface {
	ActiveCacheConfigs(ctx context.Context) ([]esb.CacheConfig, error)
}

type SubscriberConfig struct {
	Domain          string
	Tick            time.Duration
	ConfigRefresh   time.Duration
	ConsumeTimeout  time.Duration
	MessagesPerTick int
	// ErrorBackoff is how long a group is skipped after a broker error.
	ErrorBackoff time.Duration
}

type Subscriber struct {
	source   ConfigSource
	consumer Consumer
	mat      *Materializer
	sink     telemetry.Sink
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      SubscriberConfig

	mu       sync.RWMutex
	snapshot snapshot
	groups   []string
	retryAt  map[string]time.Time
}

func NewSubscriber(source ConfigSource, consumer Consumer, mat *Materializer, sink telemetry.Sink, logger *slog.Logger, cfg SubscriberConfig) *Subscriber {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.ConfigRefresh <= 0 {
		cfg.ConfigRefresh = 10 * time.Second
	}
	if cfg.ConsumeTimeout <= 0 {
		cfg.ConsumeTimeout = 100 * time.Millisecond
	}
	if cfg.MessagesPerTick <= 0 {
		cfg.MessagesPerTick = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Subscriber{
		source:   source,
		consumer: consumer,
		mat:      mat,
		sink:     sink,
		logger:   logger.With("component", "cache-subscriber", "domain", cfg.Domain),
		tracer:   otelx.Tracer("cache"),
		cfg:      cfg,
		snapshot: snapshot{},
		retryAt:  map[string]time.Time{},
	}
}

// Run refreshes configuration and polls consumers until ctx is cancelled, then releases
// every consumer group.
func (s *Subscriber) Run(ctx context.Context) error {
	s.sink.Emit(ctx, telemetry.Lifecycle(s.cfg.Domain, telemetry.CacheSubscriber, true))
	s.logger.Info("cache subscriber started", "tick", s.cfg.Tick.String(), "config_refresh", s.cfg.ConfigRefresh.String())

	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("cache config refresh failed", "err", err)
	}
	lastRefresh := time.Now()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if time.Since(lastRefresh) >= s.cfg.ConfigRefresh {
				if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("cache config refresh failed", "err", err)
				}
				lastRefresh = time.Now()
			}
			s.Poll(ctx)
		}
	}

	s.consumer.Dispose()
	s.sink.Emit(context.WithoutCancel(ctx), telemetry.Lifecycle(s.cfg.Domain, telemetry.CacheSubscriber, false))
	s.logger.Info("cache subscriber stopped")
	return nil
}

// Refresh reloads active configs, resubscribes groups whose topic set changed and swaps
// the matching snapshot. On error the previous snapshot stays in effect.
func (s *Subscriber) Refresh(ctx context.Context) error {
	configs, err := s.source.ActiveCacheConfigs(ctx)
	if err != nil {
		return err
	}
	desired := Subscriptions(configs)

	for group, topics := range desired {
		if kafkax.SameTopics(s.consumer.Topics(group), topics) {
			continue
		}
		s.consumer.Subscribe(group, topics)
		s.logger.Info("consumer group subscribed", "group", group, "topics", topics)
		s.sink.Emit(ctx, telemetry.SubscriptionChanged(s.cfg.Domain, group, topics))
	}
	for _, group := range s.consumer.Groups() {
		if _, ok := desired[group]; ok {
			continue
		}
		s.consumer.Subscribe(group, nil)
		s.logger.Info("consumer group unsubscribed", "group", group)
		s.sink.Emit(ctx, telemetry.SubscriptionChanged(s.cfg.Domain, group, nil))
	}

	groups := make([]string, 0, len(desired))
	for group := range desired {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	s.mu.Lock()
	s.snapshot = newSnapshot(configs)
	s.groups = groups
	s.mu.Unlock()
	return nil
}

// Poll takes up to MessagesPerTick messages from each group, in group name order.
func (s *Subscriber) Poll(ctx context.Context) {
	s.mu.RLock()
	groups := s.groups
	s.mu.RUnlock()

	for _, group := range groups {
		if until, ok := s.retryAt[group]; ok {
			if time.Now().Before(until) {
				continue
			}
			delete(s.retryAt, group)
		}
		for i := 0; i < s.cfg.MessagesPerTick; i++ {
			if ctx.Err() != nil {
				return
			}
			msg, err := s.consumer.Consume(ctx, group, s.cfg.ConsumeTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("consume failed, backing off", "err", err, "group", group, "retry_in", s.cfg.ErrorBackoff.String())
				s.consumer.Reset(group)
				s.retryAt[group] = time.Now().Add(s.cfg.ErrorBackoff)
				break
			}
			if msg == nil {
				break
			}
			// A fetched message is applied and acknowledged even if shutdown starts meanwhile.
			if !s.handle(context.WithoutCancel(ctx), group, *msg) {
				break
			}
		}
	}
}

// handle reports false when the message was not acknowledged and the group was rewound.
func (s *Subscriber) handle(ctx context.Context, group string, msg kafka.Message) bool {
	log := s.logger.With("group", group, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)

	env, err := esb.DecodeEnvelope(msg.Value)
	if err != nil {
		log.Warn("dropping malformed message", "err", err)
		s.commit(ctx, group, msg, log)
		return true
	}
	action, err := esb.ParseAction(env.EventType)
	if err != nil {
		log.Warn("dropping message with unknown action", "err", err, "event_type", env.EventType)
		s.commit(ctx, group, msg, log)
		return true
	}

	s.mu.RLock()
	cfg, ok := s.snapshot.match(group, env.Domain, env.AggregateType)
	s.mu.RUnlock()
	if !ok || !cfg.Listens(action) {
		log.Debug("no cache config listens to message", "domain", env.Domain, "aggregate_type", env.AggregateType, "action", action.String())
		s.commit(ctx, group, msg, log)
		return true
	}

	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := s.tracer.Start(ctx, "cache.apply",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.consumer.group.name", group),
			attribute.String("esb.event_id", env.EventID),
			attribute.String("esb.aggregate_id", env.AggregateID),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, err := s.mat.Apply(ctx, cfg, env, action)
	info := telemetry.ConsumeInfo{
		Topic:         msg.Topic,
		ConsumerGroup: group,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		EventID:       env.EventID,
		Action:        action.String(),
		Success:       err == nil,
		Duration:      time.Since(start),
		Offset:        msg.Offset,
		Partition:     msg.Partition,
		Err:           err,
	}
	s.sink.Emit(ctx, telemetry.Consumed(s.cfg.Domain, info))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		log.Error("cache apply failed, message will be redelivered", "err", err, "aggregate_id", env.AggregateID)
		// Rewind to the last committed offset so the broker hands this message out again.
		s.consumer.Reset(group)
		return false
	}
	span.SetAttributes(attribute.String("esb.cache.outcome", outcome.String()))
	log.Debug("cache entry applied", "aggregate_id", env.AggregateID, "outcome", outcome.String())
	s.commit(ctx, group, msg, log)
	return true
}

func (s *Subscriber) commit(ctx context.Context, group string, msg kafka.Message, log *slog.Logger) {
	if err := s.consumer.Commit(ctx, group, msg); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("offset commit failed", "err", err)
	}
}
