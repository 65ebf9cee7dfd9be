package esb

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one domain state change waiting to be published.
type OutboxEvent struct {
	ID            uuid.UUID
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	EventData     json.RawMessage
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	Status        OutboxStatus
	Traceparent   string
	Tracestate    string
}

// Action parses the action suffix of the event type.
func (e OutboxEvent) Action() (Action, error) {
	return ParseAction(e.EventType)
}

// NewOutboxEvent builds a pending event with a fresh id and "<aggregate>.<action>" type.
func NewOutboxEvent(tenantID, aggregateType, aggregateID string, action Action, data json.RawMessage) OutboxEvent {
	return OutboxEvent{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     EventType(aggregateType, action),
		EventData:     data,
		CreatedAt:     time.Now().UTC(),
		Status:        StatusPending,
	}
}

// OutboxConfig is the capture policy for one (schema, table).
type OutboxConfig struct {
	ID            uuid.UUID
	SchemaName    string
	TableName     string
	CaptureInsert bool
	CaptureUpdate bool
	CaptureDelete bool
	TopicName     string
	IsActive      bool
}

func (c OutboxConfig) Captures(op Operation) bool {
	if !c.IsActive {
		return false
	}
	switch op {
	case OperationInsert:
		return c.CaptureInsert
	case OperationUpdate:
		return c.CaptureUpdate
	case OperationDelete:
		return c.CaptureDelete
	default:
		return false
	}
}

// CacheConfig is the subscription policy for one (source domain, source table, consumer group).
type CacheConfig struct {
	ID            uuid.UUID
	SourceDomain  string
	SourceTable   string
	ConsumerGroup string
	ListenCreate  bool
	ListenUpdate  bool
	ListenDelete  bool
	TTLSeconds    *int
	IsActive      bool
}

// Topic is the broker topic carrying this source's events.
func (c CacheConfig) Topic() string {
	return Topic(c.SourceDomain, c.SourceTable)
}

func (c CacheConfig) Listens(a Action) bool {
	switch a {
	case ActionCreated:
		return c.ListenCreate
	case ActionUpdated:
		return c.ListenUpdate
	case ActionDeleted:
		return c.ListenDelete
	default:
		return false
	}
}

func (c CacheConfig) ListensAny() bool {
	return c.ListenCreate || c.ListenUpdate || c.ListenDelete
}

// ExpiresAt returns now+TTL, or nil when the config has no TTL.
func (c CacheConfig) ExpiresAt(now time.Time) *time.Time {
	if c.TTLSeconds == nil || *c.TTLSeconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(*c.TTLSeconds) * time.Second)
	return &t
}

// CacheKey identifies one materialized aggregate.
type CacheKey struct {
	Domain      string
	Table       string
	AggregateID string
}

// CacheEntry is the materialized read model of one aggregate.
type CacheEntry struct {
	ID              uuid.UUID
	TenantID        string
	SourceDomain    string
	SourceTable     string
	AggregateID     string
	EventType       string
	CacheData       json.RawMessage
	Version         int64
	CachedAt        time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
	SourceEventID   string
	SourceEventTime *time.Time
}

func (e CacheEntry) Key() CacheKey {
	return CacheKey{Domain: e.SourceDomain, Table: e.SourceTable, AggregateID: e.AggregateID}
}

// Domain is a registry entry describing a participant of the bus.
type Domain struct {
	Name        string
	DisplayName string
	Description string
	Publishes   bool
	Consumes    bool
	IsActive    bool
}

// Topic is the broker topic for a domain's aggregate type.
func Topic(domain, aggregateType string) string {
	return domain + "." + aggregateType
}
