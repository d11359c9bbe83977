package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/chauffeur/internal/config"
	"github.com/example/chauffeur/internal/geo"
	"github.com/example/chauffeur/internal/hire/repository"
	"github.com/example/chauffeur/internal/location"
	"github.com/example/chauffeur/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger("location-service", cfg.LogLevel, cfg.Development())
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}
	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required: locations are written to the actor directory")
	}

	shutdown, err := observability.SetupTracer(ctx, "location-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect", zap.Error(err))
	}
	defer pool.Close()

	checks := map[string]observability.Check{"postgres": pool.Ping}

	var index location.Index
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		index = geo.NewRedisIndex(client, cfg.RedisGeoKey)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	ingestor := location.NewIngestor(repository.NewPostgresDirectory(pool), index, nil, logger)

	go runMetrics(logger, cfg.MetricsAddr, checks)
	go runGRPC(logger, cfg.GRPCAddr, location.NewServer(ingestor, logger))

	<-ctx.Done()
	logger.Info("shutdown signal received")
}

func runMetrics(logger *zap.Logger, addr string, checks map[string]observability.Check) {
	srv := &http.Server{Addr: addr, Handler: observability.MetricsRouter(checks), ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("metrics server", zap.Error(err))
	}
}

func runGRPC(logger *zap.Logger, addr string, server *location.Server) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}

	srv := grpc.NewServer()
	location.RegisterLocationServer(srv, server)
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()), zap.String("codec", location.CodecName))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}
