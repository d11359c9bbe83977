package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned when the lock could not be acquired within the retry budget.
var ErrBusy = errors.New("hire request is being updated")

// Locker serializes work on a single hire request across callers.
type Locker interface {
	TryLock(ctx context.Context, requestID uuid.UUID, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, requestID uuid.UUID, token string) error
}

// Config tunes Acquire's retry loop.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 20 * time.Millisecond
	}
	return c
}

// Acquire retries TryLock with exponential backoff and returns the release func.
func Acquire(ctx context.Context, l Locker, requestID uuid.UUID, cfg Config) (func(), error) {
	cfg = cfg.withDefaults()
	token := uuid.NewString()
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		ok, err := l.TryLock(ctx, requestID, token, cfg.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { _ = l.Unlock(context.WithoutCancel(ctx), requestID, token) }, nil
		}
		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-time.After(cfg.Backoff << attempt):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, ErrBusy
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[uuid.UUID]memoryLease
	clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[uuid.UUID]memoryLease), clock: time.Now}
}

func (m *MemoryLocker) TryLock(_ context.Context, requestID uuid.UUID, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if lease, ok := m.held[requestID]; ok && now.Before(lease.expires) {
		return false, nil
	}
	m.held[requestID] = memoryLease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, requestID uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.held[requestID]; ok && lease.token == token {
		delete(m.held, requestID)
	}
	return nil
}
