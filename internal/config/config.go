package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures the tunables of the hire, location and gateway binaries.
// Values come from the environment, optionally seeded from a .env file.
type Config struct {
	Env      string
	LogLevel string

	HTTPAddr        string
	MetricsAddr     string
	GRPCAddr        string
	GatewayAddr     string
	UpstreamURL     string
	ShutdownTimeout time.Duration

	PostgresDSN   string
	RunMigrations bool
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	NATSURL       string
	PushSubject   string

	JWTSecret string

	GracePeriod    time.Duration
	StartTolerance time.Duration
	LockTTL        time.Duration

	NotifyQueueSize int
	NotifyWorkers   int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxRetryMax     int

	RateReadRPS    float64
	RateReadBurst  float64
	RateWriteRPS   float64
	RateWriteBurst float64
}

func defaults() Config {
	return Config{
		Env:                "production",
		LogLevel:           "info",
		HTTPAddr:           ":8080",
		MetricsAddr:        ":9100",
		GRPCAddr:           ":9090",
		GatewayAddr:        ":8000",
		UpstreamURL:        "http://localhost:8080",
		ShutdownTimeout:    10 * time.Second,
		RedisGeoKey:        "driver:locs",
		PushSubject:        "hire.push",
		GracePeriod:        60 * time.Minute,
		StartTolerance:     60 * time.Second,
		LockTTL:            5 * time.Second,
		NotifyQueueSize:    1024,
		NotifyWorkers:      2,
		OutboxPollInterval: 200 * time.Millisecond,
		OutboxBatchSize:    100,
		OutboxRetryMax:     3,
		RateReadRPS:        20,
		RateReadBurst:      40,
		RateWriteRPS:       5,
		RateWriteBurst:     10,
	}
}

// Load reads .env when present and then the environment. Every invalid
// value is reported, not just the first.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := defaults()
	var errs []error

	setString(&cfg.Env, "ENV")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.GRPCAddr, "GRPC_ADDR")
	setString(&cfg.GatewayAddr, "GATEWAY_ADDR")
	setString(&cfg.UpstreamURL, "UPSTREAM_URL")
	setDuration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = os.Getenv("DATABASE_URL")
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setString(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.NATSURL = os.Getenv("NATS_URL")
	setString(&cfg.PushSubject, "PUSH_SUBJECT")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setMinutes(&cfg.GracePeriod, "GRACE_PERIOD_MIN", &errs)
	setSeconds(&cfg.StartTolerance, "START_TOLERANCE_SEC", &errs)
	setMillis(&cfg.LockTTL, "LOCK_TTL_MS", &errs)

	setInt(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)
	setInt(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)

	setMillis(&cfg.OutboxPollInterval, "OUTBOX_POLL_MS", &errs)
	setInt(&cfg.OutboxBatchSize, "OUTBOX_BATCH", &errs)
	setInt(&cfg.OutboxRetryMax, "OUTBOX_RETRY_MAX", &errs)

	setFloat(&cfg.RateReadRPS, "RATE_READ_RPS", &errs)
	setFloat(&cfg.RateReadBurst, "RATE_READ_BURST", &errs)
	setFloat(&cfg.RateWriteRPS, "RATE_WRITE_RPS", &errs)
	setFloat(&cfg.RateWriteBurst, "RATE_WRITE_BURST", &errs)

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.GracePeriod < 0 {
		errs = append(errs, errors.New("GRACE_PERIOD_MIN must be >= 0"))
	}
	if cfg.NotifyQueueSize <= 0 {
		errs = append(errs, errors.New("NOTIFY_QUEUE_SIZE must be > 0"))
	}
	if cfg.NotifyWorkers <= 0 {
		errs = append(errs, errors.New("NOTIFY_WORKERS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// Development reports whether human-readable logs should be used.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setDuration(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setMinutes(target *time.Duration, key string, errs *[]error) {
	setScaled(target, key, time.Minute, errs)
}

func setSeconds(target *time.Duration, key string, errs *[]error) {
	setScaled(target, key, time.Second, errs)
}

func setMillis(target *time.Duration, key string, errs *[]error) {
	setScaled(target, key, time.Millisecond, errs)
}

func setScaled(target *time.Duration, key string, unit time.Duration, errs *[]error) {
	var n int
	if !parseInt(&n, key, errs) {
		return
	}
	*target = time.Duration(n) * unit
}

func setInt(target *int, key string, errs *[]error) {
	parseInt(target, key, errs)
}

func parseInt(target *int, key string, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	*target = i
	return true
}

func setFloat(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}
