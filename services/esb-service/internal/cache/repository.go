package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabrica/esb/libs/db"
	"github.com/fabrica/esb/libs/esb"
	"github.com/jackc/pgx/v5"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) InTx(ctx context.Context, fn func(EntryTx) error) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		return fn(&entryTx{tx: tx})
	})
}

// Get reads an entry outside any transaction, or nil when absent.
func (r *Repository) Get(ctx context.Context, key esb.CacheKey) (*esb.CacheEntry, error) {
	return getEntry(ctx, r.pool, key, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEntry(ctx context.Context, q querier, key esb.CacheKey, forUpdate bool) (*esb.CacheEntry, error) {
	query := `
		SELECT id, tenant_id, source_domain, source_table, aggregate_id, event_type, cache_data,
		       version, cached_at, updated_at, expires_at, source_event_id, source_event_time
		FROM cache_entries
		WHERE source_domain = $1 AND source_table = $2 AND aggregate_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var e esb.CacheEntry
	err := q.QueryRow(ctx, query, key.Domain, key.Table, key.AggregateID).Scan(
		&e.ID, &e.TenantID, &e.SourceDomain, &e.SourceTable, &e.AggregateID, &e.EventType, &e.CacheData,
		&e.Version, &e.CachedAt, &e.UpdatedAt, &e.ExpiresAt, &e.SourceEventID, &e.SourceEventTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return &e, nil
}

type entryTx struct {
	tx pgx.Tx
}

func (t *entryTx) Get(ctx context.Context, key esb.CacheKey) (*esb.CacheEntry, error) {
	return getEntry(ctx, t.tx, key, true)
}

func (t *entryTx) Insert(ctx context.Context, e esb.CacheEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cache_entries (id, tenant_id, source_domain, source_table, aggregate_id, event_type,
			cache_data, version, cached_at, updated_at, expires_at, source_event_id, source_event_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.TenantID, e.SourceDomain, e.SourceTable, e.AggregateID, e.EventType,
		jsonb(e.CacheData), e.Version, e.CachedAt, e.UpdatedAt, e.ExpiresAt, e.SourceEventID, e.SourceEventTime)
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

func (t *entryTx) Update(ctx context.Context, e esb.CacheEntry) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE cache_entries
		SET tenant_id = $2, event_type = $3, cache_data = $4, version = $5, updated_at = $6,
		    expires_at = $7, source_event_id = $8, source_event_time = $9
		WHERE id = $1
	`, e.ID, e.TenantID, e.EventType, jsonb(e.CacheData), e.Version, e.UpdatedAt, e.ExpiresAt,
		e.SourceEventID, e.SourceEventTime)
	if err != nil {
		return fmt.Errorf("update cache entry: %w", err)
	}
	return nil
}

func (t *entryTx) Delete(ctx context.Context, key esb.CacheKey) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM cache_entries
		WHERE source_domain = $1 AND source_table = $2 AND aggregate_id = $3
	`, key.Domain, key.Table, key.AggregateID)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func jsonb(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
