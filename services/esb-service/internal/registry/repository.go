// Package registry reads the bus configuration: domains, outbox capture policies and cache
// subscriptions. The tables are maintained by operators; this package never writes them.
package registry

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

const cacheConfigColumns = `id, source_domain, source_table, consumer_group,
	listen_create, listen_update, listen_delete, ttl_seconds, is_active`

// ActiveCacheConfigs returns the active cache subscriptions ordered by consumer group.
func (r *Repository) ActiveCacheConfigs(ctx context.Context) ([]esb.CacheConfig, error) {
	return r.cacheConfigs(ctx, `SELECT `+cacheConfigColumns+`
		FROM cache_configs
		WHERE is_active
		ORDER BY consumer_group, source_domain, source_table`)
}

// CacheConfigs returns every cache subscription, active or not.
func (r *Repository) CacheConfigs(ctx context.Context) ([]esb.CacheConfig, error) {
	return r.cacheConfigs(ctx, `SELECT `+cacheConfigColumns+`
		FROM cache_configs
		ORDER BY consumer_group, source_domain, source_table`)
}

func (r *Repository) cacheConfigs(ctx context.Context, query string) ([]esb.CacheConfig, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query cache configs: %w", err)
	}
	defer rows.Close()

	var configs []esb.CacheConfig
	for rows.Next() {
		var c esb.CacheConfig
		if err := rows.Scan(&c.ID, &c.SourceDomain, &c.SourceTable, &c.ConsumerGroup,
			&c.ListenCreate, &c.ListenUpdate, &c.ListenDelete, &c.TTLSeconds, &c.IsActive); err != nil {
			return nil, fmt.Errorf("scan cache config: %w", err)
		}
		configs = append(configs, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

const outboxConfigColumns = `id, schema_name, table_name, capture_insert, capture_update,
	capture_delete, topic_name, is_active`

func scanOutboxConfig(row pgx.Row) (esb.OutboxConfig, error) {
	var c esb.OutboxConfig
	err := row.Scan(&c.ID, &c.SchemaName, &c.TableName, &c.CaptureInsert, &c.CaptureUpdate,
		&c.CaptureDelete, &c.TopicName, &c.IsActive)
	return c, err
}

// OutboxConfig returns the capture policy for schema.table, or nil when none is registered.
func (r *Repository) OutboxConfig(ctx context.Context, schema, table string) (*esb.OutboxConfig, error) {
	c, err := scanOutboxConfig(r.pool.QueryRow(ctx, `SELECT `+outboxConfigColumns+`
		FROM outbox_configs
		WHERE schema_name = $1 AND table_name = $2`, schema, table))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox config %s.%s: %w", schema, table, err)
	}
	return &c, nil
}

func (r *Repository) ActiveOutboxConfigs(ctx context.Context) ([]esb.OutboxConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+outboxConfigColumns+`
		FROM outbox_configs
		WHERE is_active
		ORDER BY schema_name, table_name`)
	if err != nil {
		return nil, fmt.Errorf("query outbox configs: %w", err)
	}
	defer rows.Close()

	var configs []esb.OutboxConfig
	for rows.Next() {
		c, err := scanOutboxConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox config: %w", err)
		}
		configs = append(configs, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

const domainColumns = `name, display_name, description, publishes, consumes, is_active`

func scanDomain(row pgx.Row) (esb.Domain, error) {
	var d esb.Domain
	err := row.Scan(&d.Name, &d.DisplayName, &d.Description, &d.Publishes, &d.Consumes, &d.IsActive)
	return d, err
}

func (r *Repository) Domains(ctx context.Context) ([]esb.Domain, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+domainColumns+` FROM esb_domains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()

	var domains []esb.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return domains, nil
}

// Domain returns the registry entry for name, or nil when the domain is not registered.
func (r *Repository) Domain(ctx context.Context, name string) (*esb.Domain, error) {
	d, err := scanDomain(r.pool.QueryRow(ctx, `SELECT `+domainColumns+`
		FROM esb_domains WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query domain %s: %w", name, err)
	}
	return &d, nil
}
