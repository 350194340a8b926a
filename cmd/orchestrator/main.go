package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tripsaga/internal/app/commands"
	sagaapp "tripsaga/internal/app/handlers/sagas"
	"tripsaga/internal/app/middleware"
	"tripsaga/internal/app/notify"
	appoutbox "tripsaga/internal/app/outbox"
	"tripsaga/internal/app/queries"
	appsaga "tripsaga/internal/app/saga"
	"tripsaga/internal/infra/broker/kafka"
	"tripsaga/internal/infra/config"
	mongostore "tripsaga/internal/infra/db/mongo"
	"tripsaga/internal/infra/db/scylla"
	ginserver "tripsaga/internal/infra/http/gin"
	"tripsaga/internal/infra/inbox"
	"tripsaga/internal/infra/obs"
	"tripsaga/internal/infra/outbox"
	"tripsaga/internal/infra/payments"
	"tripsaga/internal/infra/storage/memory"
	redisstore "tripsaga/internal/infra/storage/redis"
	"tripsaga/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

// stores groups the backend-specific persistence ports.
type stores struct {
	sagas   appsaga.Store
	outbox  appoutbox.Store
	idemp   middleware.IdempotencyStore
	inbox   appsaga.Inbox
	checks  map[string]obs.Check
	janitor func(ctx context.Context) error
	closers []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var rdb *goredis.Client
	if cfg.StoreBackend == config.StoreRedis || cfg.RedisRelay {
		var err error
		rdb, err = redisstore.Connect(ctx, redisstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	st, err := openStores(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer st.close()

	hub := notify.NewHub(logger, notify.Options{IdleTimeout: cfg.StreamIdleTimeout})
	defer hub.Close()
	var notifier appsaga.Notifier = hub
	var relay *redisstore.Relay
	if cfg.RedisRelay {
		relay = redisstore.NewRelay(rdb, cfg.RedisChannel, hub, logger)
		notifier = relay
	}

	invoices := &s3.Invoicer{BaseURL: cfg.InvoiceBaseURL}
	if cfg.S3Enabled {
		client, err := s3.NewClient(s3.Config{
			Endpoint:       cfg.S3Endpoint,
			PublicEndpoint: cfg.S3PublicEndpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Bucket:         cfg.S3Bucket,
			UseSSL:         cfg.S3UseSSL,
		}, logger)
		if err != nil {
			return err
		}
		invoices.Uploader = client
		st.checks["s3"] = client.Ping
	}

	orch, err := appsaga.New(appsaga.Deps{
		Store:      st.sagas,
		Dispatcher: appsaga.NewOutboxDispatcher(st.outbox),
		Notifier:   notifier,
		Payments:   payments.NewBridge(cfg.PaymentBridgeURL, cfg.PaymentBridgeTimeout, logger),
		Invoices:   invoices,
		Inbox:      st.inbox,
		Logger:     logger,
	}, appsaga.Options{Currency: cfg.Currency, ReplyTimeout: cfg.ReplyTimeout})
	if err != nil {
		return err
	}
	defer orch.Close()

	producer, consumer, err := openBroker(cfg, orch, logger)
	if err != nil {
		return err
	}
	if c, ok := producer.(interface{ Close() error }); ok {
		defer c.Close()
	}

	worker := &outbox.Worker{
		Store:       st.outbox,
		Producer:    producer,
		Interval:    cfg.OutboxPollInterval,
		TopicPrefix: cfg.KafkaTopicPrefix,
		Backoff:     cfg.RetryBackoff,
		MaxAttempts: cfg.DispatchMaxAttempts,
		OnExhausted: orch.DispatchExhausted,
		Logger:      logger.With("component", "outbox.worker"),
	}

	handler := sagaapp.Handler{Facade: orch}
	commandBus := commands.NewInMemoryBus()
	sagaapp.RegisterCommands(commandBus, handler)
	queryBus := queries.NewInMemoryBus()
	sagaapp.RegisterQueries(queryBus, handler)

	cmds := middleware.ChainCommands(commandBus,
		middleware.Validation(middleware.SelfValidator{}),
		middleware.Idempotency(st.idemp, nil),
	)
	qs := middleware.ChainQueries(queryBus, middleware.QueryValidation(middleware.SelfValidator{}))

	sagaHTTP := ginserver.SagaHandler{Commands: cmds, Queries: qs}
	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: st.checks}, ginserver.Handlers{
		Sagas:     sagaHTTP,
		Stream:    ginserver.StreamHandler{Hub: hub, Queries: qs, Heartbeat: cfg.StreamHeartbeat, Logger: logger},
		Callbacks: sagaHTTP,
	})

	g, gctx := errgroup.WithContext(ctx)
	if relay != nil {
		if err := relay.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error { return worker.Run(gctx) })
	if consumer != nil {
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx, kafka.Topics(cfg.KafkaTopicPrefix)) })
	}
	if st.janitor != nil {
		g.Go(func() error { return st.janitor(gctx) })
	}
	g.Go(func() error {
		logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "broker", cfg.Broker, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// open streams block Shutdown until they end
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Config, rdb *goredis.Client, logger *slog.Logger) (*stores, error) {
	st := &stores{checks: map[string]obs.Check{}}
	switch cfg.StoreBackend {
	case config.StoreMongo:
		client, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		st.closers = append(st.closers, func() { _ = client.Close(context.Background()) })
		st.checks["mongo"] = client.Ping
		if st.sagas, err = mongostore.NewSagaStore(ctx, client.DB, cfg.SagaTTL); err != nil {
			return nil, err
		}
		if st.outbox, err = outbox.NewMongoStore(ctx, client.DB); err != nil {
			return nil, err
		}
		if st.idemp, err = mongostore.NewIdempotencyStore(ctx, client.DB, cfg.IdempotencyTTL); err != nil {
			return nil, err
		}
		if st.inbox, err = inbox.NewStore(ctx, client.DB, cfg.KafkaGroupID, cfg.SagaTTL); err != nil {
			return nil, err
		}
	case config.StoreRedis:
		st.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		st.sagas = redisstore.NewSagaStore(rdb, cfg.SagaTTL)
		st.inbox = redisstore.NewInbox(rdb, cfg.KafkaGroupID, cfg.SagaTTL)
		st.outbox = memory.NewOutbox()
		st.idemp = memory.NewIdempotencyStore(cfg.IdempotencyTTL)
	case config.StoreScylla:
		session, err := scylla.NewSession(ctx, scylla.Options{
			Hosts:             cfg.ScyllaHosts,
			Keyspace:          cfg.ScyllaKeyspace,
			Username:          cfg.ScyllaUsername,
			Password:          cfg.ScyllaPassword,
			Consistency:       cfg.ScyllaConsistency,
			Timeout:           cfg.ScyllaTimeout,
			ReplicationFactor: cfg.ScyllaReplicationFactor,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("scylla: %w", err)
		}
		st.closers = append(st.closers, session.Close)
		st.checks["scylla"] = func(ctx context.Context) error {
			return session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
		st.sagas = scylla.NewSagaStore(session, cfg.SagaTTL)
		st.inbox = scylla.NewInbox(session, cfg.KafkaGroupID, cfg.SagaTTL)
		st.outbox = memory.NewOutbox()
		st.idemp = memory.NewIdempotencyStore(cfg.IdempotencyTTL)
	default:
		sagas := memory.NewSagaStore(cfg.SagaTTL)
		st.sagas = sagas
		st.janitor = func(ctx context.Context) error { return sagas.RunJanitor(ctx, time.Minute) }
		st.outbox = memory.NewOutbox()
		st.idemp = memory.NewIdempotencyStore(cfg.IdempotencyTTL)
		st.inbox = memory.NewInbox(cfg.SagaTTL)
	}
	logger.Info("stores ready", "backend", cfg.StoreBackend)
	return st, nil
}

func openBroker(cfg config.Config, orch *appsaga.Orchestrator, logger *slog.Logger) (outbox.Producer, *kafka.Consumer, error) {
	if cfg.Broker == config.BrokerMemory {
		return outbox.LogProducer{Logger: logger.With("component", "broker.log")}, nil, nil
	}
	producerCfg := sarama.NewConfig()
	producerCfg.ClientID = "tripsaga-orchestrator"
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, producerCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumerCfg := sarama.NewConfig()
	consumerCfg.ClientID = "tripsaga-orchestrator"
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, consumerCfg, kafka.NewReplyHandler(orch, logger), logger)
	if err != nil {
		_ = producer.Close()
		return nil, nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.Backoff = cfg.RetryBackoff
	return producer, consumer, nil
}
