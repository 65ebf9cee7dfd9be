package kafkax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrUnknownGroup = errors.New("kafkax: unknown consumer group")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

type groupReader struct {
	topics []string
	reader messageReader
}

// Consumer owns one kafka-go reader per consumer group. Readers start from the earliest
// offset and never commit on their own: Commit is the only acknowledgement.
type Consumer struct {
	mu        sync.Mutex
	groups    map[string]*groupReader
	newReader func(group string, topics []string) messageReader
	logger    *slog.Logger
}

func NewConsumer(logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	brokers := SplitBrokers(cfg.Brokers)
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	return newConsumer(logger, func(group string, topics []string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        group,
			GroupTopics:    topics,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: 0,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			Logger:         kafkaLogger(logger.Debug, "component", "consumer", "group", group),
			ErrorLogger:    kafkaLogger(logger.Warn, "component", "consumer", "group", group),
		})
	})
}

func newConsumer(logger *slog.Logger, newReader func(string, []string) messageReader) *Consumer {
	return &Consumer{
		groups:    make(map[string]*groupReader),
		newReader: newReader,
		logger:    logger.With("component", "consumer"),
	}
}

// Subscribe replaces the topic set of group. An empty set closes the group.
func (c *Consumer) Subscribe(group string, topics []string) {
	topics = NormalizeTopics(topics)

	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups[group]; ok {
		c.closeReaderLocked(group, g)
	}
	if len(topics) == 0 {
		delete(c.groups, group)
		c.logger.Debug("consumer reader closed", "group", group)
		return
	}
	c.groups[group] = &groupReader{topics: topics, reader: c.newReader(group, topics)}
	c.logger.Debug("consumer reader created", "group", group, "topics", topics)
}

// Topics returns the current topic set of group, sorted.
func (c *Consumer) Topics(group string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return nil
	}
	return append([]string(nil), g.topics...)
}

// Groups returns the known groups in sorted order.
func (c *Consumer) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.groups))
	for name := range c.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Consume waits up to timeout for one message of group. It returns nil, nil when nothing
// arrived in time or the group is not subscribed.
func (c *Consumer) Consume(ctx context.Context, group string, timeout time.Duration) (*kafka.Message, error) {
	reader := c.reader(group)
	if reader == nil {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume %s: %w", group, err)
	}
	return &msg, nil
}

// Commit acknowledges exactly msg's offset for group.
func (c *Consumer) Commit(ctx context.Context, group string, msg kafka.Message) error {
	c.mu.Lock()
	g, ok := c.groups[group]
	var reader messageReader
	if ok {
		reader = g.reader
	}
	c.mu.Unlock()
	if reader == nil {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	if err := reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit %s %s/%d@%d: %w", group, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

// Reset drops the group's reader but keeps its topics; the next Consume rejoins the
// group and resumes from the last committed offset, redelivering anything uncommitted.
func (c *Consumer) Reset(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return
	}
	c.closeReaderLocked(group, g)
	c.logger.Info("consumer group reset", "group", group)
}

// Close tears down one group.
func (c *Consumer) Close(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return
	}
	c.closeReaderLocked(group, g)
	delete(c.groups, group)
}

// Dispose tears down every group.
func (c *Consumer) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, g := range c.groups {
		c.closeReaderLocked(name, g)
		delete(c.groups, name)
	}
}

func (c *Consumer) reader(group string) messageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[group]
	if !ok {
		return nil
	}
	if g.reader == nil {
		g.reader = c.newReader(group, g.topics)
	}
	return g.reader
}

func (c *Consumer) closeReaderLocked(group string, g *groupReader) {
	if g.reader == nil {
		return
	}
	if err := g.reader.Close(); err != nil {
		c.logger.Warn("consumer close failed", "group", group, "err", err)
	}
	g.reader = nil
}

// NormalizeTopics dedupes and sorts a topic set.
func NormalizeTopics(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SameTopics compares two topic sets ignoring order and duplicates.
func SameTopics(a, b []string) bool {
	a, b = NormalizeTopics(a), NormalizeTopics(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
