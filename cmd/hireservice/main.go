package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/auth"
	"github.com/example/chauffeur/internal/config"
	"github.com/example/chauffeur/internal/geo"
	"github.com/example/chauffeur/internal/hire/availability"
	"github.com/example/chauffeur/internal/hire/discovery"
	"github.com/example/chauffeur/internal/hire/domain"
	"github.com/example/chauffeur/internal/hire/handler"
	"github.com/example/chauffeur/internal/hire/lock"
	"github.com/example/chauffeur/internal/hire/notify"
	"github.com/example/chauffeur/internal/hire/repository"
	"github.com/example/chauffeur/internal/hire/review"
	"github.com/example/chauffeur/internal/hire/service"
	"github.com/example/chauffeur/internal/location"
	"github.com/example/chauffeur/internal/outbox"
	"github.com/example/chauffeur/internal/push"
	"github.com/example/chauffeur/pkg/observability"
	natspush "github.com/example/chauffeur/pkg/push"
)

type stores struct {
	repo       domain.Repository
	directory  domain.Directory
	prices     domain.PriceBook
	idempotent domain.IdempotencyRepository
	locker     lock.Locker
	positions  discovery.Positions
	index      location.Index
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger("hire-service", cfg.LogLevel, cfg.Development())
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "hire-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.Check{}

	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		if cfg.RunMigrations {
			if err := repository.Migrate(ctx, pool, logger.Named("migrate")); err != nil {
				logger.Fatal("migrations", zap.Error(err))
			}
		}
		checks["postgres"] = pool.Ping
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("hireservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	st := buildStores(pool, redisClient, cfg, logger)

	hub := push.NewHub(logger.Named("ws"))
	transports := push.Fanout{hub}
	switch {
	case pool != nil && natsConn != nil:
		transports = append(transports, outbox.NewTransport(pool, cfg.PushSubject))
		worker := outbox.NewWorker(stdlib.OpenDBFromPool(pool), natsConn, logger.Named("outbox"), outbox.WorkerConfig{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			RetryMax:     cfg.OutboxRetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	case natsConn != nil:
		transports = append(transports, natspush.NewNATSTransport(natsConn, cfg.PushSubject))
	default:
		logger.Warn("push delivery limited to websocket sessions", zap.Bool("db", pool != nil), zap.Bool("nats", natsConn != nil))
	}

	engine := availability.NewEngine(st.repo, cfg.GracePeriod)
	coordinator := notify.New(st.directory, st.repo, engine, transports, logger.Named("notify"), notify.Config{
		QueueSize: cfg.NotifyQueueSize,
		Workers:   cfg.NotifyWorkers,
	})
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		_ = coordinator.Run(ctx)
	}()

	svc := service.New(st.repo, st.directory, engine, coordinator, domain.SystemClock{},
		service.WithPriceBook(st.prices),
		service.WithLocker(st.locker),
		service.WithIdempotency(st.idempotent),
		service.WithLogger(logger.Named("service")),
		service.WithConfig(service.Config{
			StartTolerance: cfg.StartTolerance,
			Lock:           lock.Config{TTL: cfg.LockTTL},
		}),
	)

	api := handler.NewHTTP(handler.Dependencies{
		Service:   svc,
		Discovery: discovery.New(st.directory, engine, st.positions, nil),
		Reviews:   review.New(st.repo, st.directory, logger.Named("review")),
		Locations: location.NewIngestor(st.directory, st.index, nil, logger.Named("location")),
		Directory: st.directory,
		Sockets:   hub,
	}, auth.Middleware(cfg.JWTSecret), logger)

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("hire service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	select {
	case <-notifyDone:
	case <-shutdownCtx.Done():
		logger.Warn("notification queue not drained before timeout")
	}
}

func buildStores(pool *pgxpool.Pool, redisClient *redis.Client, cfg config.Config, logger *zap.Logger) stores {
	var st stores
	if pool != nil {
		st.repo = repository.NewPostgresRepository(pool)
		st.directory = repository.NewPostgresDirectory(pool)
		st.prices = repository.NewPostgresPriceBook(pool)
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory storage")
		st.repo = repository.NewMemoryRepository()
		st.directory = repository.NewMemoryDirectory()
		st.prices = repository.NewMemoryPriceBook()
	}

	if redisClient != nil {
		index := geo.NewRedisIndex(redisClient, cfg.RedisGeoKey)
		st.positions = index
		st.index = index
		st.locker = lock.NewRedisLocker(redisClient, "")
		st.idempotent = repository.NewRedisIdempotencyRepo(redisClient, 24*time.Hour)
	} else {
		st.positions = geo.DirectoryPositions{}
		st.locker = lock.NewMemoryLocker()
		st.idempotent = repository.NewMemoryIdempotencyRepo()
	}
	return st
}
