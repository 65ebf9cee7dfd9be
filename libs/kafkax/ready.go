package kafkax

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("kafka brokers not configured")

// Ping dials the first reachable broker of the list.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return ErrNoBrokers
	}
	dialer := kafka.Dialer{Timeout: 2 * time.Second}
	var lastErr error
	for _, b := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return lastErr
}

func ReadyCheck(brokers string) func(context.Context) error {
	return func(ctx context.Context) error {
		return Ping(ctx, SplitBrokers(brokers))
	}
}
