package esb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the JSON value of every bus message.
type Envelope struct {
	EventID       string          `json:"eventId"`
	TenantID      string          `json:"tenantId"`
	Domain        string          `json:"domain"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	EventData     json.RawMessage `json:"eventData"`
	Timestamp     time.Time       `json:"timestamp"`
}

var ErrMalformedEnvelope = errors.New("esb: malformed envelope")

// NewEnvelope wraps an outbox row published by domain.
func NewEnvelope(domain string, evt OutboxEvent) Envelope {
	data := evt.EventData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	ts := evt.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Envelope{
		EventID:       evt.ID.String(),
		TenantID:      evt.TenantID,
		Domain:        domain,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		EventData:     data,
		Timestamp:     ts.UTC(),
	}
}

// Topic is where the envelope is published.
func (e Envelope) Topic() string {
	return Topic(e.Domain, e.AggregateType)
}

// DecodeEnvelope parses a message value; any error wraps ErrMalformedEnvelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if env.Domain == "" || env.AggregateType == "" || env.AggregateID == "" || env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing routing fields", ErrMalformedEnvelope)
	}
	return env, nil
}
