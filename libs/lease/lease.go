// Package lease runs work under a Redis-backed exclusive lease so that at most one
// process per key is active at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lease held by another instance")

// SubscriberKey is the lease key guarding a domain's cache subscriber.
func SubscriberKey(domain string) string {
	return "esb:cache-subscriber:" + domain
}

type Config struct {
	TTL        time.Duration
	RetryDelay time.Duration
}

type Lease struct {
	key    string
	ttl    time.Duration
	retry  time.Duration
	mutex  *redsync.Mutex
	logger *slog.Logger
}

func New(client redis.UniversalClient, key string, logger *slog.Logger, cfg Config) *Lease {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	rs := redsync.New(goredis.NewPool(client))
	return &Lease{
		key:   key,
		ttl:   cfg.TTL,
		retry: cfg.RetryDelay,
		mutex: rs.NewMutex(key,
			redsync.WithExpiry(cfg.TTL),
			redsync.WithTries(1),
		),
		logger: logger.With("component", "lease", "key", key),
	}
}

func (l *Lease) Key() string { return l.key }

// TryAcquire makes a single attempt; contention yields ErrNotAcquired.
func (l *Lease) TryAcquire(ctx context.Context) error {
	if err := l.mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNotAcquired, err)
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("release lease %s: not held", l.key)
	}
	return nil
}

// Run repeatedly acquires the lease and calls fn while holding it. The lease is extended
// every TTL/3; if an extension fails, fn's context is cancelled and Run goes back to
// acquiring. Run returns nil when ctx is cancelled, or fn's error when fn fails on its own.
func (l *Lease) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := l.TryAcquire(ctx)
		switch {
		case err == nil:
			l.logger.Info("lease acquired")
			if err := l.hold(ctx, fn); err != nil {
				return err
			}
		case errors.Is(err, ErrNotAcquired):
			l.logger.Debug("lease busy", "err", err)
		default:
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("lease acquire failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retry):
		}
	}
}

func (l *Lease) hold(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	extended := make(chan struct{})
	go func() {
		defer close(extended)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				ok, err := l.mutex.ExtendContext(runCtx)
				if runCtx.Err() != nil {
					return
				}
				if err != nil || !ok {
					l.logger.Warn("lease lost", "err", err)
					cancel()
					return
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	cancel()
	<-extended

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer releaseCancel()
	if err := l.Release(releaseCtx); err != nil {
		l.logger.Debug("lease release failed", "err", err)
	} else {
		l.logger.Info("lease released")
	}

	if ctx.Err() != nil || fnErr == nil || errors.Is(fnErr, context.Canceled) {
		return nil
	}
	return fnErr
}

// NewClient builds a go-redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func ReadyCheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
