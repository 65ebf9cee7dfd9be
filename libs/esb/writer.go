package esb

import (
	"context"
	"fmt"
	"time"

	otelx "github.com/fabrica/esb/libs/otel"
	"github.com/jackc/pgx/v5"
)

const DefaultNotifyChannel = "outbox_events"

// Writer records outbox rows on the domain write path. It never opens its own
// transaction: rows become visible atomically with the caller's business change.
type Writer struct {
	channel string
}

func NewWriter(channel string) *Writer {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &Writer{channel: channel}
}

// Write inserts evt as pending and queues a notification that fires on commit.
func (w *Writer) Write(ctx context.Context, tx pgx.Tx, evt OutboxEvent) error {
	if _, err := ParseAction(evt.EventType); err != nil {
		return err
	}
	rt := otelx.CaptureRowTrace(ctx)
	data := evt.EventData
	if len(data) == 0 {
		data = []byte("null")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, tenant_id, aggregate_type, aggregate_id, event_type, event_data, created_at, status, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9)
	`, evt.ID, evt.TenantID, evt.AggregateType, evt.AggregateID, evt.EventType, []byte(data), evt.CreatedAt, rt.Traceparent, rt.Tracestate)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, w.channel, evt.ID.String()); err != nil {
		return fmt.Errorf("notify %s: %w", w.channel, err)
	}
	return nil
}

// Capture writes evt only when cfg captures op. It reports whether a row was written.
func (w *Writer) Capture(ctx context.Context, tx pgx.Tx, cfg *OutboxConfig, op Operation, evt OutboxEvent) (bool, error) {
	if cfg == nil || !cfg.Captures(op) {
		return false, nil
	}
	if err := w.Write(ctx, tx, evt); err != nil {
		return false, err
	}
	return true, nil
}
