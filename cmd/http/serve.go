package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hilthontt/dropchat/internal/application/jobs"
	"github.com/hilthontt/dropchat/internal/application/usecases/presence"
	"github.com/hilthontt/dropchat/internal/application/usecases/room"
	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/bus"
	"github.com/hilthontt/dropchat/internal/infrastructure/configs"
	"github.com/hilthontt/dropchat/internal/infrastructure/events"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/messaging"
	"github.com/hilthontt/dropchat/internal/infrastructure/metrics"
	"github.com/hilthontt/dropchat/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/dropchat/internal/infrastructure/repository"
	"github.com/hilthontt/dropchat/internal/infrastructure/stream"
	"github.com/hilthontt/dropchat/internal/infrastructure/tracing"
	"github.com/hilthontt/dropchat/internal/persistence/db"
	auditRepository "github.com/hilthontt/dropchat/internal/persistence/repository"
	"github.com/hilthontt/dropchat/internal/presentation/api"
	healthHandler "github.com/hilthontt/dropchat/internal/presentation/handler/health"
	messagesHandler "github.com/hilthontt/dropchat/internal/presentation/handler/messages"
	roomHandler "github.com/hilthontt/dropchat/internal/presentation/handler/rooms"
	streamHandler "github.com/hilthontt/dropchat/internal/presentation/handler/stream"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
)

const closeTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configs.Load(configs.DetermineConfigPath(configPath))
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// closer runs shutdown hooks in reverse registration order.
type closer struct {
	logger logging.Logger
	hooks  []func(context.Context) error
	names  []string
}

func (c *closer) add(name string, hook func(context.Context) error) {
	c.names = append(c.names, name)
	c.hooks = append(c.hooks, hook)
}

func (c *closer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	for i := len(c.hooks) - 1; i >= 0; i-- {
		if err := c.hooks[i](ctx); err != nil {
			c.logger.Warn(logging.General, logging.Shutdown, "shutdown hook failed", map[logging.ExtraKey]any{
				"component":          c.names[i],
				logging.ErrorMessage: err.Error(),
			})
		}
	}
}

func serve(ctx context.Context, cfg *configs.Config) error {
	logger := logging.NewLogger(&cfg.Logger)
	defer logger.Sync()

	shutdown := &closer{logger: logger}
	defer shutdown.close()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return err
	}
	shutdown.add("tracing", shutdownTracer)

	m := metrics.New()
	checks := map[string]healthHandler.Check{}

	var redisClient *redis.Client
	if cfg.Store.Backend == "redis" || cfg.Broker.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.Redis.Addr, err)
		}
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		logger.Info(logging.Redis, logging.Startup, "connected to redis", map[logging.ExtraKey]any{
			"addr": cfg.Store.Redis.Addr,
		})
	}

	var roomRepository domain.RoomRepository
	switch cfg.Store.Backend {
	case "redis":
		roomRepository = repository.NewRedisRoomRepository(
			redisClient,
			cfg.Store.Redis.Prefix,
			cfg.Rooms.TTL,
			tracing.GetTracer("dropchat/repository"),
		)
	default:
		roomRepository = repository.NewMemoryRoomRepository(cfg.Rooms.TTL)
	}
	shutdown.add("room store", func(context.Context) error { return roomRepository.Close() })
	if redisClient != nil && cfg.Store.Backend != "redis" {
		shutdown.add("redis", func(context.Context) error { return redisClient.Close() })
	}

	broker, err := newBroker(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	eventBus := bus.New(broker, logger, m)
	// registered after the store so the bus closes before the shared client
	shutdown.add("event bus", func(context.Context) error { return eventBus.Close() })

	audit, err := newAudit(ctx, cfg, logger, shutdown)
	if err != nil {
		return err
	}

	presenceTracker := presence.NewPresenceTracker(roomRepository, eventBus, logger)
	roomUseCase := room.NewRoomUseCase(roomRepository, eventBus, audit, m, logger, cfg.Rooms.TTL)

	sweepJob := jobs.NewRoomSweepJob(roomUseCase, logger, cfg.Rooms.SweepInterval)
	go sweepJob.Start(ctx)
	shutdown.add("sweep job", func(context.Context) error { sweepJob.Stop(); return nil })

	var limiterStore ratelimiter.GetterSetter
	if redisClient != nil {
		limiterStore = ratelimiter.NewRedis(redisClient, cfg.Store.Redis.Prefix)
	}
	limiter := ratelimiter.New(ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		Cache:            limiterStore,
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
	})
	shutdown.add("rate limiter", func(context.Context) error { return limiter.Close() })

	app := api.NewApplication(
		*cfg,
		roomHandler.NewHandler(roomUseCase, logger),
		messagesHandler.NewHandler(roomUseCase, logger),
		streamHandler.NewHandler(stream.Dependencies{
			Rooms:    roomRepository,
			Presence: presenceTracker,
			Bus:      eventBus,
			Logger:   logger,
			Metrics:  m,
		}, streamHandler.Config{
			KeepAlive:      cfg.Stream.KeepAlive,
			BufferSize:     cfg.Stream.BufferSize,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}),
		healthHandler.NewHandler(checks),
		logger,
		limiter,
		m,
	)

	logger.Info(logging.General, logging.Startup, "dropchat starting", map[logging.ExtraKey]any{
		logging.AppName: "dropchat",
		"version":       version,
		"store":         cfg.Store.Backend,
		"broker":        cfg.Broker.Backend,
		"room_ttl":      cfg.Rooms.TTL.String(),
		"audit":         audit != nil,
	})

	return app.Run(app.Mount())
}

func newBroker(cfg *configs.Config, redisClient *redis.Client, logger logging.Logger) (bus.Broker, error) {
	switch cfg.Broker.Backend {
	case "redis":
		return bus.NewRedisBroker(redisClient, cfg.Store.Redis.Prefix, logger), nil
	case "nats":
		conn, err := nats.Connect(cfg.Broker.NatsURL,
			nats.Name("dropchat"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Broker.NatsURL, err)
		}
		logger.Info(logging.NATS, logging.Startup, "connected to nats", map[logging.ExtraKey]any{
			"url": cfg.Broker.NatsURL,
		})
		return bus.NewNATSBroker(conn, cfg.Broker.SubjectPrefix, logger), nil
	}
	// single process, local delivery only
	return nil, nil
}

// newAudit connects RabbitMQ and MongoDB and starts the consumer that writes
// the audit log. It returns nil when auditing is disabled.
func newAudit(ctx context.Context, cfg *configs.Config, logger logging.Logger, shutdown *closer) (room.AuditPublisher, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}

	mongoCfg := &db.MongoConfig{URI: cfg.Audit.MongoURI, Database: cfg.Audit.MongoDB}
	mongoClient, err := db.NewMongoClient(ctx, mongoCfg, logger)
	if err != nil {
		return nil, err
	}
	shutdown.add("mongodb", func(ctx context.Context) error { return db.DisconnectMongo(ctx, mongoClient) })

	auditRepo := auditRepository.NewRoomAuditLogRepository(db.GetDatabase(mongoClient, mongoCfg))
	if err := auditRepo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure audit indexes: %w", err)
	}

	rabbit, err := messaging.NewRabbitMQ(cfg.Audit.RabbitMQURI, cfg.Audit.Exchange, logger)
	if err != nil {
		return nil, err
	}
	shutdown.add("rabbitmq", func(context.Context) error { rabbit.Close(); return nil })

	consumeCtx, stopConsuming := context.WithCancel(context.WithoutCancel(ctx))
	shutdown.add("audit consumer", func(context.Context) error { stopConsuming(); return nil })
	if err := events.NewRoomConsumer(rabbit, auditRepo, logger).Listen(consumeCtx); err != nil {
		return nil, err
	}

	logger.Info(logging.RabbitMQ, logging.Startup, "room audit trail enabled", map[logging.ExtraKey]any{
		"exchange": cfg.Audit.Exchange,
	})
	return events.NewRoomPublisher(rabbit), nil
}

// openAuditRepository is used by the audit subcommands.
func openAuditRepository(ctx context.Context, cfg *configs.Config, logger logging.Logger) (domain.RoomAuditRepository, *mongo.Client, error) {
	mongoCfg := &db.MongoConfig{URI: cfg.Audit.MongoURI, Database: cfg.Audit.MongoDB}
	client, err := db.NewMongoClient(ctx, mongoCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return auditRepository.NewRoomAuditLogRepository(db.GetDatabase(client, mongoCfg)), client, nil
}
