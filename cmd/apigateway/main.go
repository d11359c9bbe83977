package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/auth"
	"github.com/example/chauffeur/internal/config"
	ratelimitmw "github.com/example/chauffeur/internal/http/middleware"
	"github.com/example/chauffeur/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.Load()
	logger := observability.SetupLogger("api-gateway", cfg.LogLevel, cfg.Development())
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, "api-gateway")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Logger, chimiddleware.Recoverer)
	r.Use(auth.Optional(cfg.JWTSecret))

	if redisClient := newRedisClient(ctx, cfg, logger); redisClient != nil {
		defer redisClient.Close()
		limiter := ratelimitmw.NewRateLimiter(redisClient,
			ratelimitmw.RateConfig{Rate: cfg.RateReadRPS, Burst: cfg.RateReadBurst},
			ratelimitmw.RateConfig{Rate: cfg.RateWriteRPS, Burst: cfg.RateWriteBurst},
		)
		r.Use(limiter.Middleware)
	} else {
		logger.Warn("rate limiting disabled: redis unavailable")
	}

	r.Mount("/observability", observability.MetricsRouter(nil))
	r.Handle("/v1/*", proxy(cfg.UpstreamURL))

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", cfg.UpstreamURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func proxy(upstream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := upstream + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

func newRedisClient(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
