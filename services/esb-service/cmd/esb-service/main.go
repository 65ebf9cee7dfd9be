package main

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fabrica/esb/libs/config"
	"github.com/fabrica/esb/libs/db"
	"github.com/fabrica/esb/libs/esb"
	"github.com/fabrica/esb/libs/grpcx"
	"github.com/fabrica/esb/libs/httpx"
	"github.com/fabrica/esb/libs/kafkax"
	"github.com/fabrica/esb/libs/lease"
	otelx "github.com/fabrica/esb/libs/otel"
	"github.com/fabrica/esb/libs/runtime"
	"github.com/fabrica/esb/libs/telemetry"
	"github.com/fabrica/esb/services/esb-service/internal/cache"
	"github.com/fabrica/esb/services/esb-service/internal/outbox"
	"github.com/fabrica/esb/services/esb-service/internal/registry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	service := config.String("SERVICE_NAME", "esb-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	domain, err := config.RequiredString("DOMAIN_NAME")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service, domain))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	configPool := pool
	if configURL := config.String("CONFIG_DATABASE_URL", ""); configURL != "" && configURL != dbURL {
		configPool, err = db.Open(ctx, configURL, db.Options{MaxConns: 2})
		if err != nil {
			logger.Error("config db connection failed", "err", err)
			panic(err)
		}
		defer configPool.Close()
	}
	registryRepo := registry.NewRepository(configPool)

	if d, err := registryRepo.Domain(ctx, domain); err != nil {
		logger.Warn("domain registry lookup failed", "err", err)
	} else if d == nil {
		logger.Warn("domain is not registered in esb_domains", "domain", domain)
	} else {
		logger.Info("domain registered", "display_name", d.DisplayName, "publishes", d.Publishes, "consumes", d.Consumes, "active", d.IsActive)
	}

	brokers := config.String("KAFKA_BROKERS", "kafka:9092")
	sink := telemetry.NewKafkaSink(ctx, logger, telemetry.Config{
		Brokers: brokers,
		Enabled: config.Bool("TELEMETRY_ENABLED", true),
	})
	defer func() { _ = sink.Close() }()

	producer := kafkax.NewProducer(logger, kafkax.ProducerConfig{Brokers: brokers, Domain: domain})
	defer func() { _ = producer.Close() }()

	listener := db.NewListener(dbURL, logger, db.ListenerConfig{
		Channel: config.String("OUTBOX_CHANNEL", esb.DefaultNotifyChannel),
	})
	publisher := outbox.NewPublisher(outbox.NewRepository(pool), producer, listener, sink, logger, outbox.PublisherConfig{
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 10*time.Second),
		ClaimSize: config.Int("OUTBOX_CLAIM_SIZE", 1),
	})

	consumer := kafkax.NewConsumer(logger, kafkax.ConsumerConfig{Brokers: brokers})
	subscriber := cache.NewSubscriber(registryRepo, consumer, cache.NewMaterializer(cache.NewRepository(pool)), sink, logger, cache.SubscriberConfig{
		Domain:          domain,
		Tick:            config.Duration("CACHE_TICK", time.Second),
		ConfigRefresh:   config.Duration("CACHE_CONFIG_REFRESH", 10*time.Second),
		ConsumeTimeout:  config.Duration("CACHE_CONSUME_TIMEOUT", 100*time.Millisecond),
		MessagesPerTick: config.Int("CACHE_MESSAGES_PER_TICK", 1),
	})

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	}

	runSubscriber := subscriber.Run
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		rdb, err := lease.NewClient(redisURL)
		if err != nil {
			panic(err)
		}
		defer func() { _ = rdb.Close() }()
		subscriberLease := lease.New(rdb, lease.SubscriberKey(domain), logger, lease.Config{})
		runSubscriber = func(ctx context.Context) error {
			return subscriberLease.Run(ctx, subscriber.Run)
		}
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: lease.ReadyCheck(rdb)})
	} else {
		logger.Info("no REDIS_URL, cache subscriber runs without a lease")
	}

	var stopping atomic.Bool
	mux := runtime.NewHealthMux(func() bool { return !stopping.Load() }, checks...)
	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, "/healthz", "/readyz"),
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(handler, service),
		ReadHeaderTimeout: 5 * time.Second,
	}
	health := grpcx.NewHealthServer(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return runSubscriber(gctx) })
	g.Go(func() error { return httpx.Serve(gctx, srv, logger, 10*time.Second) })
	g.Go(func() error { return health.Serve(gctx, net.JoinHostPort("", grpcPort)) })
	health.SetServing(true, "esb.outbox", "esb.cache")

	<-gctx.Done()
	stopping.Store(true)
	health.SetServing(false, "esb.outbox", "esb.cache")
	if err := g.Wait(); err != nil {
		logger.Error("esb service stopped with error", "err", err)
		return
	}
	logger.Info("esb service stopped")
}
