package outbox

import (
	"context"
	"fmt"

	"github.com/fabrica/esb/libs/db"
	"github.com/fabrica/esb/libs/esb"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const eventColumns = `id, tenant_id, aggregate_type, aggregate_id, event_type, event_data,
	created_at, processed_at, status, traceparent, tracestate`

func scanEvents(rows pgx.Rows) ([]esb.OutboxEvent, error) {
	defer rows.Close()
	var events []esb.OutboxEvent
	for rows.Next() {
		var e esb.OutboxEvent
		var status string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.EventData,
			&e.CreatedAt, &e.ProcessedAt, &status, &e.Traceparent, &e.Tracestate); err != nil {
			return nil, err
		}
		e.Status = esb.OutboxStatus(status)
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// ClaimPending locks up to limit pending rows (oldest first, skipping rows locked by other
// publishers) and moves them to processing in the same transaction. Once it commits, the
// rows belong to this caller, and any of them not yet finalized when the process dies
// stays in processing until an operator resolves it, so callers keep limit small.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]esb.OutboxEvent, error) {
	var claimed []esb.OutboxEvent
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+eventColumns+`
			FROM outbox_events
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		events, err := scanEvents(rows)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(events))
		for i := range events {
			ids[i] = events[i].ID
			events[i].Status = esb.StatusProcessing
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_events
			SET status = 'processing'
			WHERE id = ANY($1)
		`, ids); err != nil {
			return err
		}
		claimed = events
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox events: %w", err)
	}
	return claimed, nil
}

// Finalize records the outcome of a claimed row. Only processing rows can be finalized.
func (r *Repository) Finalize(ctx context.Context, id uuid.UUID, status esb.OutboxStatus) error {
	if err := esb.ValidateTransition(esb.StatusProcessing, status); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2,
		    processed_at = CASE WHEN $2 = 'processed' THEN now() ELSE processed_at END
		WHERE id = $1 AND status = 'processing'
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("finalize outbox event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize outbox event %s: %w: row is not processing", id, esb.ErrInvalidTransition)
	}
	return nil
}

// List returns rows in the given status, oldest first.
func (r *Repository) List(ctx context.Context, status esb.OutboxStatus, limit int) ([]esb.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return events, nil
}

// Stats counts rows per status; statuses without rows are reported as zero.
func (r *Repository) Stats(ctx context.Context) (map[esb.OutboxStatus]int64, error) {
	stats := map[esb.OutboxStatus]int64{
		esb.StatusPending:    0,
		esb.StatusProcessing: 0,
		esb.StatusProcessed:  0,
		esb.StatusFailed:     0,
	}
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("outbox stats: %w", err)
		}
		stats[esb.OutboxStatus(status)] = n
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stats, nil
}
