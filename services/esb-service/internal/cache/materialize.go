package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/fabrica/esb/libs/esb"
	"github.com/google/uuid"
)

// EntryTx is the cache table as seen from inside one transaction.
type EntryTx interface {
	// Get returns the entry locked for update, or nil when absent.
	Get(ctx context.Context, key esb.CacheKey) (*esb.CacheEntry, error)
	Insert(ctx context.Context, e esb.CacheEntry) error
	Update(ctx context.Context, e esb.CacheEntry) error
	Delete(ctx context.Context, key esb.CacheKey) error
}

type Store interface {
	InTx(ctx context.Context, fn func(EntryTx) error) error
}

type Outcome int

const (
	OutcomeNoop Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeDeleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	default:
		return "noop"
	}
}

// Materializer applies bus events to the cache table.
type Materializer struct {
	store Store
	now   func() time.Time
}

func NewMaterializer(store Store) *Materializer {
	return &Materializer{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Apply folds one event into the entry for (domain, aggregate type, aggregate id):
//
//	deleted, present  -> row removed
//	deleted, absent   -> nothing
//	other,   present  -> payload replaced, version+1
//	other,   absent   -> row inserted at version 1
func (m *Materializer) Apply(ctx context.Context, cfg esb.CacheConfig, env esb.Envelope, action esb.Action) (Outcome, error) {
	key := esb.CacheKey{Domain: env.Domain, Table: env.AggregateType, AggregateID: env.AggregateID}
	outcome := OutcomeNoop

	err := m.store.InTx(ctx, func(tx EntryTx) error {
		existing, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		now := m.now()

		switch {
		case action == esb.ActionDeleted && existing != nil:
			if err := tx.Delete(ctx, key); err != nil {
				return err
			}
			outcome = OutcomeDeleted
		case action == esb.ActionDeleted:
			outcome = OutcomeNoop
		case existing != nil:
			e := *existing
			e.Version++
			e.TenantID = env.TenantID
			e.EventType = env.EventType
			e.CacheData = env.EventData
			e.UpdatedAt = now
			e.SourceEventID = env.EventID
			e.SourceEventTime = eventTime(env)
			if exp := cfg.ExpiresAt(now); exp != nil {
				e.ExpiresAt = exp
			}
			if err := tx.Update(ctx, e); err != nil {
				return err
			}
			outcome = OutcomeUpdated
		default:
			e := esb.CacheEntry{
				ID:              uuid.New(),
				TenantID:        env.TenantID,
				SourceDomain:    key.Domain,
				SourceTable:     key.Table,
				AggregateID:     key.AggregateID,
				EventType:       env.EventType,
				CacheData:       env.EventData,
				Version:         1,
				CachedAt:        now,
				UpdatedAt:       now,
				ExpiresAt:       cfg.ExpiresAt(now),
				SourceEventID:   env.EventID,
				SourceEventTime: eventTime(env),
			}
			if err := tx.Insert(ctx, e); err != nil {
				return err
			}
			outcome = OutcomeInserted
		}
		return nil
	})
	if err != nil {
		return OutcomeNoop, fmt.Errorf("apply %s to %s/%s/%s: %w", action, key.Domain, key.Table, key.AggregateID, err)
	}
	return outcome, nil
}

func eventTime(env esb.Envelope) *time.Time {
	if env.Timestamp.IsZero() {
		return nil
	}
	t := env.Timestamp.UTC()
	return &t
}
