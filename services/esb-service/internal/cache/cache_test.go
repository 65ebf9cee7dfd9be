package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/libs/telemetry"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	entries map[esb.CacheKey]esb.CacheEntry
	failErr error
}

func newMemStore() *memStore {
	return &memStore{entries: map[esb.CacheKey]esb.CacheEntry{}}
}

func (s *memStore) InTx(ctx context.Context, fn func(EntryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	staged := make(map[esb.CacheKey]esb.CacheEntry, len(s.entries))
	for k, v := range s.entries {
		staged[k] = v
	}
	if err := fn(&memTx{entries: staged}); err != nil {
		return err
	}
	s.entries = staged
	return nil
}

func (s *memStore) get(key esb.CacheKey) (esb.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

type memTx struct {
	entries map[esb.CacheKey]esb.CacheEntry
}

func (t *memTx) Get(_ context.Context, key esb.CacheKey) (*esb.CacheEntry, error) {
	e, ok := t.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) Insert(_ context.Context, e esb.CacheEntry) error {
	if _, ok := t.entries[e.Key()]; ok {
		return errors.New("duplicate key")
	}
	t.entries[e.Key()] = e
	return nil
}

func (t *memTx) Update(_ context.Context, e esb.CacheEntry) error {
	t.entries[e.Key()] = e
	return nil
}

func (t *memTx) Delete(_ context.Context, key esb.CacheKey) error {
	delete(t.entries, key)
	return nil
}

func envelope(action esb.Action, aggregateID, data string) esb.Envelope {
	return esb.Envelope{
		EventID:       uuid.NewString(),
		Domain:        "product",
		AggregateType: "product",
		AggregateID:   aggregateID,
		EventType:     esb.EventType("product", action),
		EventData:     json.RawMessage(data),
		Timestamp:     time.Now().UTC(),
	}
}

func productConfig(ttl *int) esb.CacheConfig {
	return esb.CacheConfig{
		ID:            uuid.New(),
		SourceDomain:  "product",
		SourceTable:   "product",
		ConsumerGroup: "admin-cache",
		ListenCreate:  true,
		ListenUpdate:  true,
		ListenDelete:  true,
		TTLSeconds:    ttl,
		IsActive:      true,
	}
}

var productKey = esb.CacheKey{Domain: "product", Table: "product", AggregateID: "sku-1"}

func TestApplyCountsVersions(t *testing.T) {
	store := newMemStore()
	m := NewMaterializer(store)
	cfg := productConfig(nil)
	ctx := context.Background()

	out, err := m.Apply(ctx, cfg, envelope(esb.ActionCreated, "sku-1", `{"v":1}`), esb.ActionCreated)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, out)
	for i := 0; i < 3; i++ {
		out, err = m.Apply(ctx, cfg, envelope(esb.ActionUpdated, "sku-1", `{"v":2}`), esb.ActionUpdated)
		require.NoError(t, err)
		assert.Equal(t, OutcomeUpdated, out)
	}

	e, ok := store.get(productKey)
	require.True(t, ok)
	assert.Equal(t, int64(4), e.Version)
	assert.JSONEq(t, `{"v":2}`, string(e.CacheData))
	assert.Equal(t, "product.updated", e.EventType)
	assert.Nil(t, e.ExpiresAt)
}

func TestApplyDeleteOfMissingEntryIsNoop(t *testing.T) {
	store := newMemStore()
	m := NewMaterializer(store)

	out, err := m.Apply(context.Background(), productConfig(nil), envelope(esb.ActionDeleted, "sku-1", `null`), esb.ActionDeleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	_, ok := store.get(productKey)
	assert.False(t, ok)
}

func TestApplyDeleteThenCreateRestartsVersion(t *testing.T) {
	store := newMemStore()
	m := NewMaterializer(store)
	cfg := productConfig(nil)
	ctx := context.Background()

	_, err := m.Apply(ctx, cfg, envelope(esb.ActionCreated, "sku-1", `{"v":1}`), esb.ActionCreated)
	require.NoError(t, err)
	_, err = m.Apply(ctx, cfg, envelope(esb.ActionUpdated, "sku-1", `{"v":2}`), esb.ActionUpdated)
	require.NoError(t, err)

	out, err := m.Apply(ctx, cfg, envelope(esb.ActionDeleted, "sku-1", `null`), esb.ActionDeleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, out)
	_, ok := store.get(productKey)
	assert.False(t, ok)

	_, err = m.Apply(ctx, cfg, envelope(esb.ActionCreated, "sku-1", `{"v":3}`), esb.ActionCreated)
	require.NoError(t, err)
	e, ok := store.get(productKey)
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Version)
}

func TestApplyRefreshesTTL(t *testing.T) {
	store := newMemStore()
	m := NewMaterializer(store)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ttl := 3600
	cfg := productConfig(&ttl)
	ctx := context.Background()

	_, err := m.Apply(ctx, cfg, envelope(esb.ActionCreated, "sku-1", `{"price":10}`), esb.ActionCreated)
	require.NoError(t, err)
	first, _ := store.get(productKey)
	require.NotNil(t, first.ExpiresAt)
	assert.Equal(t, clock.Add(time.Hour), *first.ExpiresAt)
	assert.Equal(t, int64(1), first.Version)

	clock = clock.Add(10 * time.Minute)
	_, err = m.Apply(ctx, cfg, envelope(esb.ActionUpdated, "sku-1", `{"price":12}`), esb.ActionUpdated)
	require.NoError(t, err)
	second, _ := store.get(productKey)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, clock.Add(time.Hour), *second.ExpiresAt)
	assert.Equal(t, first.CachedAt, second.CachedAt)
	assert.Equal(t, clock, second.UpdatedAt)
}

func TestSubscriptions(t *testing.T) {
	listenNothing := productConfig(nil)
	listenNothing.ConsumerGroup = "idle"
	listenNothing.ListenCreate, listenNothing.ListenUpdate, listenNothing.ListenDelete = false, false, false

	category := productConfig(nil)
	category.SourceTable = "category"
	inactive := productConfig(nil)
	inactive.SourceTable = "brand"
	inactive.IsActive = false
	other := productConfig(nil)
	other.SourceDomain = "order"
	other.SourceTable = "order"
	other.ConsumerGroup = "ops-cache"

	subs := Subscriptions([]esb.CacheConfig{productConfig(nil), category, category, inactive, other, listenNothing})
	assert.Equal(t, map[string][]string{
		"admin-cache": {"product.category", "product.product"},
		"ops-cache":   {"order.order"},
	}, subs)
}

type fakeConsumer struct {
	mu         sync.Mutex
	topics     map[string][]string
	subscribes map[string]int
	queue      map[string][]kafka.Message
	cursor     map[string]int
	committed  map[string]int
	resets     int
	disposed   bool
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		topics:     map[string][]string{},
		subscribes: map[string]int{},
		queue:      map[string][]kafka.Message{},
		cursor:     map[string]int{},
		committed:  map[string]int{},
	}
}

func (c *fakeConsumer) push(group string, env any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var value []byte
	switch v := env.(type) {
	case []byte:
		value = v
	default:
		value, _ = json.Marshal(v)
	}
	offset := int64(len(c.queue[group]))
	c.queue[group] = append(c.queue[group], kafka.Message{Topic: "product.product", Offset: offset, Value: value})
}

func (c *fakeConsumer) Subscribe(group string, topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes[group]++
	if len(topics) == 0 {
		delete(c.topics, group)
		return
	}
	c.topics[group] = topics
}

func (c *fakeConsumer) Topics(group string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[group]
}

func (c *fakeConsumer) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for g := range c.topics {
		out = append(out, g)
	}
	return out
}

func (c *fakeConsumer) Consume(_ context.Context, group string, _ time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[group]; !ok {
		return nil, nil
	}
	i := c.cursor[group]
	if i >= len(c.queue[group]) {
		return nil, nil
	}
	c.cursor[group] = i + 1
	msg := c.queue[group][i]
	return &msg, nil
}

func (c *fakeConsumer) Commit(_ context.Context, group string, msg kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed[group] = int(msg.Offset) + 1
	return nil
}

func (c *fakeConsumer) Reset(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.cursor[group] = c.committed[group]
}

func (c *fakeConsumer) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
}

type staticSource struct {
	configs []esb.CacheConfig
	err     error
}

func (s *staticSource) ActiveCacheConfigs(context.Context) ([]esb.CacheConfig, error) {
	return s.configs, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordingSink) Emit(_ context.Context, e telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) ofType(typ telemetry.EventType) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, e := range s.events {
		if e.EventType == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestSubscriber(source *staticSource, consumer *fakeConsumer, store *memStore, sink *recordingSink) *Subscriber {
	return NewSubscriber(source, consumer, NewMaterializer(store), sink, slog.New(slog.DiscardHandler), SubscriberConfig{
		Domain:          "admin",
		MessagesPerTick: 10,
	})
}

func TestRefreshDoesNotResubscribeStableConfig(t *testing.T) {
	source := &staticSource{configs: []esb.CacheConfig{productConfig(nil)}}
	consumer := newFakeConsumer()
	sink := &recordingSink{}
	s := newTestSubscriber(source, consumer, newMemStore(), sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Refresh(ctx))
	}
	assert.Equal(t, 1, consumer.subscribes["admin-cache"])
	assert.Equal(t, []string{"product.product"}, consumer.Topics("admin-cache"))
	assert.Len(t, sink.ofType(telemetry.SubscriptionUpdated), 1)

	// Dropping every config for the group unsubscribes it.
	source.configs = nil
	require.NoError(t, s.Refresh(ctx))
	assert.Empty(t, consumer.Topics("admin-cache"))
	assert.Equal(t, 2, consumer.subscribes["admin-cache"])
}

func TestRefreshErrorKeepsSnapshot(t *testing.T) {
	source := &staticSource{configs: []esb.CacheConfig{productConfig(nil)}}
	consumer := newFakeConsumer()
	store := newMemStore()
	s := newTestSubscriber(source, consumer, store, &recordingSink{})
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	source.err = errors.New("registry down")
	require.Error(t, s.Refresh(ctx))

	consumer.push("admin-cache", envelope(esb.ActionCreated, "sku-1", `{}`))
	s.Poll(ctx)
	_, ok := store.get(productKey)
	assert.True(t, ok)
}

func TestPollMaterializesAndCommits(t *testing.T) {
	ttl := 3600
	source := &staticSource{configs: []esb.CacheConfig{productConfig(&ttl)}}
	consumer := newFakeConsumer()
	store := newMemStore()
	sink := &recordingSink{}
	s := newTestSubscriber(source, consumer, store, sink)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	consumer.push("admin-cache", envelope(esb.ActionCreated, "sku-1", `{"price":10}`))
	consumer.push("admin-cache", envelope(esb.ActionUpdated, "sku-1", `{"price":12}`))
	s.Poll(ctx)

	e, ok := store.get(productKey)
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Version)
	assert.JSONEq(t, `{"price":12}`, string(e.CacheData))
	assert.NotNil(t, e.ExpiresAt)
	assert.Equal(t, 2, consumer.committed["admin-cache"])

	consumed := sink.ofType(telemetry.EventConsumed)
	require.Len(t, consumed, 2)
	assert.True(t, consumed[1].Success)
	assert.Equal(t, "admin-cache", consumed[1].ConsumerGroup)
	require.NotNil(t, consumed[1].Offset)
	assert.Equal(t, int64(1), *consumed[1].Offset)
}

func TestPollCommitsUnmatchedAndMalformedMessages(t *testing.T) {
	noDeletes := productConfig(nil)
	noDeletes.ListenDelete = false
	source := &staticSource{configs: []esb.CacheConfig{noDeletes}}
	consumer := newFakeConsumer()
	store := newMemStore()
	sink := &recordingSink{}
	s := newTestSubscriber(source, consumer, store, sink)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	unknownTable := envelope(esb.ActionCreated, "sku-1", `{}`)
	unknownTable.AggregateType = "warehouse"
	unknownAction := envelope(esb.ActionCreated, "sku-1", `{}`)
	unknownAction.EventType = "product.archived"

	consumer.push("admin-cache", []byte(`{not json`))
	consumer.push("admin-cache", unknownTable)
	consumer.push("admin-cache", unknownAction)
	consumer.push("admin-cache", envelope(esb.ActionDeleted, "sku-1", `null`))
	s.Poll(ctx)

	assert.Equal(t, 4, consumer.committed["admin-cache"])
	assert.Empty(t, store.entries)
	assert.Empty(t, sink.ofType(telemetry.EventConsumed))
}

func TestPollRedeliversAfterApplyFailure(t *testing.T) {
	source := &staticSource{configs: []esb.CacheConfig{productConfig(nil)}}
	consumer := newFakeConsumer()
	store := newMemStore()
	sink := &recordingSink{}
	s := newTestSubscriber(source, consumer, store, sink)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx))

	consumer.push("admin-cache", envelope(esb.ActionCreated, "sku-1", `{"v":1}`))
	store.failErr = errors.New("db down")
	s.Poll(ctx)

	assert.Zero(t, consumer.committed["admin-cache"])
	assert.Equal(t, 1, consumer.resets)
	failed := sink.ofType(telemetry.EventConsumed)
	require.NotEmpty(t, failed)
	assert.False(t, failed[0].Success)
	assert.Equal(t, "apply created to product/product/sku-1: db down", failed[0].Error)

	store.failErr = nil
	s.Poll(ctx)
	assert.Equal(t, 1, consumer.committed["admin-cache"])
	e, ok := store.get(productKey)
	require.True(t, ok)
	assert.Equal(t, int64(1), e.Version)
}

func TestRunDisposesConsumerOnShutdown(t *testing.T) {
	source := &staticSource{configs: []esb.CacheConfig{productConfig(nil)}}
	consumer := newFakeConsumer()
	store := newMemStore()
	sink := &recordingSink{}
	s := NewSubscriber(source, consumer, NewMaterializer(store), sink, slog.New(slog.DiscardHandler), SubscriberConfig{
		Domain: "admin",
		Tick:   10 * time.Millisecond,
	})
	consumer.push("admin-cache", envelope(esb.ActionCreated, "sku-1", `{}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := store.get(productKey)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	consumer.mu.Lock()
	assert.True(t, consumer.disposed)
	consumer.mu.Unlock()
	assert.Len(t, sink.ofType(telemetry.ServiceStarted), 1)
	assert.Len(t, sink.ofType(telemetry.ServiceStopped), 1)
}
