package esb

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		eventType string
		want      Action
		wantErr   bool
	}{
		{eventType: "product.created", want: ActionCreated},
		{eventType: "product.updated", want: ActionUpdated},
		{eventType: "product_variant.deleted", want: ActionDeleted},
		{eventType: "product.archived", wantErr: true},
		{eventType: "product.", wantErr: true},
		{eventType: "created", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			got, err := ParseAction(tt.eventType)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.eventType[len(tt.eventType)-len(got.String()):], got.String())
		})
	}
}

func TestOutboxStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusProcessed))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusFailed))

	assert.False(t, StatusPending.CanTransitionTo(StatusProcessed))
	assert.False(t, StatusProcessed.CanTransitionTo(StatusPending))
	assert.False(t, StatusFailed.CanTransitionTo(StatusProcessing))
	assert.True(t, StatusFailed.Terminal())

	err := ValidateTransition(StatusProcessed, StatusProcessing)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = ParseOutboxStatus("done")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCacheConfig(t *testing.T) {
	ttl := 60
	cfg := CacheConfig{SourceDomain: "product", SourceTable: "product", ListenCreate: true, TTLSeconds: &ttl}

	assert.Equal(t, "product.product", cfg.Topic())
	assert.True(t, cfg.Listens(ActionCreated))
	assert.False(t, cfg.Listens(ActionDeleted))
	assert.True(t, cfg.ListensAny())

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	exp := cfg.ExpiresAt(now)
	require.NotNil(t, exp)
	assert.Equal(t, now.Add(time.Minute), *exp)

	cfg.TTLSeconds = nil
	assert.Nil(t, cfg.ExpiresAt(now))
}

func TestOutboxConfigCaptures(t *testing.T) {
	cfg := OutboxConfig{SchemaName: "fabrica", TableName: "product", CaptureInsert: true, TopicName: "product.product", IsActive: true}
	assert.True(t, cfg.Captures(OperationInsert))
	assert.False(t, cfg.Captures(OperationDelete))

	cfg.IsActive = false
	assert.False(t, cfg.Captures(OperationInsert))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	evt := NewOutboxEvent("tenant-1", "product", "sku-42", ActionCreated, json.RawMessage(`{"name":"lamp"}`))
	assert.Equal(t, "product.created", evt.EventType)
	assert.Equal(t, StatusPending, evt.Status)

	env := NewEnvelope("product", evt)
	assert.Equal(t, "product.product", env.Topic())

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"eventId", "tenantId", "domain", "aggregateType", "aggregateId", "eventType", "eventData", "timestamp"} {
		assert.Contains(t, fields, key)
	}

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, evt.ID.String(), decoded.EventID)
	assert.JSONEq(t, `{"name":"lamp"}`, string(decoded.EventData))
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = DecodeEnvelope([]byte(`{"eventId":"` + uuid.NewString() + `","domain":"product"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
