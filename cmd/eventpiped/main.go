// Package main contains the entrypoint of eventpiped, the event-sourced
// backend of the offers marketplace.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/get-eventually/eventpipe/aggregate"
	"github.com/get-eventually/eventpipe/broker"
	"github.com/get-eventually/eventpipe/broker/natsbroker"
	"github.com/get-eventually/eventpipe/command"
	"github.com/get-eventually/eventpipe/correlation"
	"github.com/get-eventually/eventpipe/dispatch"
	"github.com/get-eventually/eventpipe/event"
	eventpipefirestore "github.com/get-eventually/eventpipe/firestore"
	"github.com/get-eventually/eventpipe/internal/activity"
	"github.com/get-eventually/eventpipe/internal/httpapi"
	"github.com/get-eventually/eventpipe/internal/offers"
	"github.com/get-eventually/eventpipe/internal/readmodel"
	"github.com/get-eventually/eventpipe/logger"
	"github.com/get-eventually/eventpipe/logger/zaplogger"
	"github.com/get-eventually/eventpipe/opentelemetry"
	"github.com/get-eventually/eventpipe/postgres"
	"github.com/get-eventually/eventpipe/projection"
	"github.com/get-eventually/eventpipe/saga"
	"github.com/get-eventually/eventpipe/snapshot"
	"github.com/get-eventually/eventpipe/version"
)

func newLogger(config *config) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if config.Log.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(config.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("eventpiped.main: invalid log level, %w", err)
	}

	zapConfig.Level = level

	return zapConfig.Build()
}

type redisCheck struct{ redis.UniversalClient }

func (c redisCheck) Ping(ctx context.Context) error {
	return c.UniversalClient.Ping(ctx).Err()
}

func newRepository[T aggregate.Root](
	store event.Store,
	typ aggregate.Type[T],
	log logger.Logger,
	options ...aggregate.Option[T],
) (aggregate.Repository[T], error) {
	options = append(options, aggregate.WithLogger[T](log))

	repository, err := opentelemetry.NewInstrumentedRepository(typ,
		aggregate.NewEventSourcedRepository(store, typ, options...),
	)
	if err != nil {
		return nil, fmt.Errorf("eventpiped.main: failed to instrument %s repository, %w", typ.Name, err)
	}

	return repository, nil
}

func instrumented(targets ...dispatch.Target) ([]dispatch.Target, error) {
	wrapped := make([]dispatch.Target, 0, len(targets))

	for _, target := range targets {
		processor, err := opentelemetry.NewInstrumentedProcessor(target.Name, target.Processor)
		if err != nil {
			return nil, err
		}

		wrapped = append(wrapped, dispatch.Target{Name: target.Name, Processor: processor})
	}

	return wrapped, nil
}

//nolint:funlen // Wiring of the whole application.
func run() error {
	config, err := parseConfig()
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to parse config, %w", err)
	}

	zapLogger, err := newLogger(config)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to initialize logger, %w", err)
	}

	//nolint:errcheck // No need for this error to come up if it happens.
	defer zapLogger.Sync()

	log := (*zaplogger.Logger)(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.RunMigrations(config.Database.URL); err != nil {
		return fmt.Errorf("eventpiped.main: failed to migrate database, %w", err)
	}

	pool, err := pgxpool.New(ctx, config.Database.URL)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to open database pool, %w", err)
	}
	defer pool.Close()

	eventLog, err := opentelemetry.NewInstrumentedEventStore(postgres.NewEventStore(pool, offers.Events))
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to instrument event log, %w", err)
	}

	store := event.FusedStore{
		Appender:      correlation.Appender{Appender: eventLog, Generator: uuid.NewString},
		Streamer:      eventLog,
		VersionReader: eventLog,
	}

	var snapshots snapshot.Store = postgres.SnapshotStore{Pool: pool}

	if config.Firestore.ProjectID != "" {
		client, err := firestore.NewClient(ctx, config.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("eventpiped.main: failed to create firestore client, %w", err)
		}
		defer client.Close()

		snapshots = eventpipefirestore.SnapshotStore{Client: client}
	}

	policy := snapshot.EveryVersionIncrementPolicy(version.Version(config.Snapshots.Every))

	accounts, err := newRepository(store, offers.AccountType, log,
		aggregate.WithSnapshots[*offers.LoyaltyAccount](snapshots, offers.AccountSnapshotSerde, policy))
	if err != nil {
		return err
	}

	orders, err := newRepository(store, offers.OrderType, log,
		aggregate.WithSnapshots[*offers.Order](snapshots, offers.OrderSnapshotSerde, policy))
	if err != nil {
		return err
	}

	nats, err := natsbroker.Connect(ctx, config.NATS.URL,
		[]string{config.NATS.Topic, config.NATS.DeadLetterTopic},
		natsbroker.WithLogger(log),
		natsbroker.WithAckWait(config.NATS.AckWait),
	)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to connect to broker, %w", err)
	}

	//nolint:errcheck // Closed on shutdown, nothing left to do on failure.
	defer nats.Close()

	codec := broker.Codec{Topic: config.NATS.Topic, Registry: offers.Events}
	publisher := broker.NewRetryingPublisher(nats, codec, broker.WithRetryLogger(log))

	bus := command.NewBus()
	offers.Register(bus, accounts, orders,
		command.WithPublisher(publisher),
		command.WithMaxAttempts(config.Commands.MaxAttempts),
		command.WithLogger(log),
	)

	var (
		accountBalances readmodel.Store[readmodel.AccountBalance] = readmodel.NewPostgres(readmodel.Accounts, pool)
		orderSummaries  readmodel.Store[readmodel.OrderSummary]   = readmodel.NewPostgres(readmodel.Orders, pool)
		activityStore   activity.Store                            = activity.PostgresStore{Pool: pool}
	)

	activityOptions := []activity.Option{activity.WithLogger(log)}
	checks := map[string]httpapi.Checker{"postgres": pool, "nats": nats}

	if config.Redis.Address != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{config.Redis.Address}})

		//nolint:errcheck // Closed on shutdown, nothing left to do on failure.
		defer client.Close()

		cacheOptions := []readmodel.CacheOption{
			readmodel.WithTTL(config.Redis.CacheTTL),
			readmodel.WithLogger(log),
		}

		accountBalances = readmodel.NewCached(accountBalances, client, cacheOptions...)
		orderSummaries = readmodel.NewCached(orderSummaries, client, cacheOptions...)

		activityStore = activity.NewRedisStore(client, activity.WithRedisLogger(log))
		activityOptions = append(activityOptions, activity.WithNotifier(activity.RedisNotifier{Client: client}))
		checks["redis"] = redisCheck{client}
	}

	activityHandler := activity.NewHandler(activityStore, activityOptions...)

	projections := projection.NewManager(eventLog,
		postgres.NewMarkerStore(pool),
		[]projection.Projection{accountBalances, orderSummaries},
		projection.WithSchemaVersion(config.Projections.SchemaVersion),
		projection.WithCheckpointer(postgres.Checkpointer{Pool: pool}),
		projection.WithCheckpointEvery(config.Projections.CheckpointEvery),
		projection.WithLogger(log),
	)

	rebuilt, err := projections.RebuildIfNeeded(ctx)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to rebuild projections, %w", err)
	}

	logger.Info(log, "Projections ready", logger.With("rebuilt", rebuilt))

	sagas, err := saga.NewManager(postgres.SagaStore{Pool: pool, Commands: offers.Commands}, bus,
		[]saga.Definition{offers.OfferPurchase},
		saga.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to create saga manager, %w", err)
	}

	targets, err := instrumented(
		dispatch.Target{Name: dispatch.EventHandler, Processor: activityHandler},
		dispatch.Target{Name: dispatch.ProjectionManager, Processor: projections},
		dispatch.Target{Name: dispatch.SagaManager, Processor: correlation.Processor{Processor: sagas}},
	)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to instrument dispatch targets, %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipeline, err := dispatch.New(codec, nats, config.NATS.DeadLetterTopic, targets,
		dispatch.WithWorkers(config.Dispatch.Workers),
		dispatch.WithMaxRetries(config.Dispatch.MaxRetries),
		dispatch.WithCallTimeout(config.Dispatch.CallTimeout),
		dispatch.WithMetrics(dispatch.NewMetrics(registry)),
		dispatch.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("eventpiped.main: failed to create dispatch pipeline, %w", err)
	}

	e := httpapi.New(httpapi.API{
		Commands:    offers.Commands,
		Dispatcher:  bus,
		Accounts:    accountBalances,
		Orders:      orderSummaries,
		Activity:    activityHandler,
		Projections: projections,
		Shadows: func() []projection.Projection {
			return []projection.Projection{
				readmodel.NewMemory(readmodel.Accounts),
				readmodel.NewMemory(readmodel.Orders),
			}
		},
		Checks:   checks,
		Gatherer: registry,
		Metrics:  httpapi.NewMetrics(registry),
		Logger:   logger.Named(log, logger.With("component", "http")),
	})

	server := &http.Server{
		Addr:         config.Server.Address,
		Handler:      e,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	// The publisher outlives intake: commands handled while draining
	// still publish their Domain Events.
	publisherCtx, stopPublisher := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPublisher()

	publishing := make(chan error, 1)
	go func() { publishing <- publisher.Run(publisherCtx) }()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info(log, "HTTP server started", logger.With("address", config.Server.Address))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("eventpiped.main: http server exited with error, %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), config.Server.ShutdownTimeout)
		defer cancel()

		logger.Info(log, "Shutting down HTTP server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("eventpiped.main: failed to shut down http server, %w", err)
		}

		return nil
	})

	group.Go(func() error {
		return pipeline.Run(groupCtx, nats.Consumer(config.NATS.Topic, config.NATS.Durable))
	})

	err = group.Wait()

	stopPublisher()

	if publishErr := <-publishing; publishErr != nil {
		err = errors.Join(err, publishErr)
	}

	logger.Info(log, "Shutdown complete", logger.With("unpublished", publisher.Pending()))

	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
