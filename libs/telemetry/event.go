package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Topic is the fixed telemetry topic.
const Topic = "esb.telemetry"

type EventType string

const (
	EventPublished      EventType = "EventPublished"
	EventConsumed       EventType = "EventConsumed"
	ServiceStarted      EventType = "ServiceStarted"
	ServiceStopped      EventType = "ServiceStopped"
	SubscriptionUpdated EventType = "SubscriptionUpdated"
)

type ServiceType string

const (
	OutboxPublisher ServiceType = "OutboxPublisher"
	CacheSubscriber ServiceType = "CacheSubscriber"
)

// Event is one operational observation. It is never persisted by the bus itself.
type Event struct {
	EventID       string      `json:"eventId"`
	Timestamp     time.Time   `json:"timestamp"`
	Domain        string      `json:"domain"`
	EventType     EventType   `json:"eventType"`
	ServiceType   ServiceType `json:"serviceType"`
	Topic         string      `json:"topic,omitempty"`
	AggregateType string      `json:"aggregateType,omitempty"`
	AggregateID   string      `json:"aggregateId,omitempty"`
	SourceEventID string      `json:"sourceEventId,omitempty"`
	Action        string      `json:"action,omitempty"`
	ConsumerGroup string      `json:"consumerGroup,omitempty"`
	Success       bool        `json:"success"`
	DurationMs    int64       `json:"durationMs"`
	Offset        *int64      `json:"offset,omitempty"`
	Partition     *int        `json:"partition,omitempty"`
	Error         string      `json:"error,omitempty"`
	Details       []string    `json:"details,omitempty"`
}

func newEvent(domain string, typ EventType, svc ServiceType) Event {
	return Event{
		EventID:     uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Domain:      domain,
		EventType:   typ,
		ServiceType: svc,
		Success:     true,
	}
}

// PublishInfo describes one outbox publish attempt.
type PublishInfo struct {
	Topic         string
	AggregateType string
	AggregateID   string
	EventID       string
	Action        string
	Success       bool
	Duration      time.Duration
	Err           error
}

func Published(domain string, info PublishInfo) Event {
	e := newEvent(domain, EventPublished, OutboxPublisher)
	e.Topic = info.Topic
	e.AggregateType = info.AggregateType
	e.AggregateID = info.AggregateID
	e.SourceEventID = info.EventID
	e.Action = info.Action
	e.Success = info.Success
	e.DurationMs = info.Duration.Milliseconds()
	if info.Err != nil {
		e.Error = info.Err.Error()
	}
	return e
}

// ConsumeInfo describes one applied (or failed) cache message.
type ConsumeInfo struct {
	Topic         string
	ConsumerGroup string
	AggregateType string
	AggregateID   string
	EventID       string
	Action        string
	Success       bool
	Duration      time.Duration
	Offset        int64
	Partition     int
	Err           error
}

func Consumed(domain string, info ConsumeInfo) Event {
	e := newEvent(domain, EventConsumed, CacheSubscriber)
	e.Topic = info.Topic
	e.ConsumerGroup = info.ConsumerGroup
	e.AggregateType = info.AggregateType
	e.AggregateID = info.AggregateID
	e.SourceEventID = info.EventID
	e.Action = info.Action
	e.Success = info.Success
	e.DurationMs = info.Duration.Milliseconds()
	offset, partition := info.Offset, info.Partition
	e.Offset = &offset
	e.Partition = &partition
	if info.Err != nil {
		e.Error = info.Err.Error()
	}
	return e
}

// Lifecycle reports a service start (started=true) or stop.
func Lifecycle(domain string, svc ServiceType, started bool) Event {
	typ := ServiceStopped
	if started {
		typ = ServiceStarted
	}
	return newEvent(domain, typ, svc)
}

// SubscriptionChanged reports a consumer group moving to a new topic set.
func SubscriptionChanged(domain, group string, topics []string) Event {
	e := newEvent(domain, SubscriptionUpdated, CacheSubscriber)
	e.ConsumerGroup = group
	e.Details = append([]string(nil), topics...)
	return e
}
