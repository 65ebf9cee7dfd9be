package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Listener holds a dedicated connection subscribed to one notification channel.
// It is separate from the pool because LISTEN state is bound to a single session.
type Listener struct {
	databaseURL string
	channel     string
	logger      *slog.Logger
	retryDelay  time.Duration
	waitTimeout time.Duration
}

type ListenerConfig struct {
	Channel string
	// RetryDelay is the pause between a connection failure and the next connect attempt.
	RetryDelay time.Duration
	// WaitTimeout bounds each wait for a notification; an idle session pings the server
	// after it so a dead connection is noticed without traffic.
	WaitTimeout time.Duration
}

func NewListener(databaseURL string, logger *slog.Logger, cfg ListenerConfig) *Listener {
	if cfg.Channel == "" {
		cfg.Channel = "outbox_events"
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	return &Listener{
		databaseURL: databaseURL,
		channel:     cfg.Channel,
		logger:      logger,
		retryDelay:  cfg.RetryDelay,
		waitTimeout: cfg.WaitTimeout,
	}
}

func (l *Listener) Channel() string {
	return l.channel
}

// Run listens until ctx is cancelled, calling onNotify with each notification payload.
// Connection errors tear the session down and reconnect after RetryDelay.
func (l *Listener) Run(ctx context.Context, onNotify func(ctx context.Context, payload string)) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := l.session(ctx, onNotify)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.retryDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			l.logger.Error("notification listener failed, reconnecting", "err", err, "channel", l.channel, "retry_in", wait.String())
		}),
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (l *Listener) session(ctx context.Context, onNotify func(context.Context, string)) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("listener connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info("notification listener connected", "channel", l.channel)

	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.waitTimeout)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			onNotify(ctx, n.Payload)
		case ctx.Err() != nil:
			return ctx.Err()
		case pgconn.Timeout(err):
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("listener ping: %w", err)
			}
		default:
			return fmt.Errorf("wait for notification: %w", err)
		}
	}
}
