package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/example/chauffeur/internal/hire/availability"
	"github.com/example/chauffeur/internal/hire/domain"
	"github.com/example/chauffeur/internal/hire/repository"
)

type recordingTransport struct {
	mu    sync.Mutex
	calls []sent
	err   error
}

type sent struct {
	keys    []string
	payload map[string]any
}

func (r *recordingTransport) Send(_ context.Context, keys []string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{keys: keys, payload: payload})
	return r.err
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newCoordinator(t *testing.T, transport domain.PushTransport, cfg Config, actors ...domain.Actor) (*Coordinator, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	directory := repository.NewMemoryDirectory(actors...)
	return New(directory, repo, availability.NewEngine(repo, time.Hour), transport, nil, cfg), repo
}

func TestNotifyDeliversToEveryRecipientDevice(t *testing.T) {
	customer := domain.Actor{ID: uuid.New(), PushKeys: []string{"phone", "tablet"}}
	driver := domain.Actor{ID: uuid.New(), PushKeys: []string{"car"}}
	silent := domain.Actor{ID: uuid.New()}
	transport := &recordingTransport{}
	c, _ := newCoordinator(t, transport, Config{}, customer, driver, silent)

	noKeysBefore := testutil.ToFloat64(notificationsTotal.WithLabelValues(string(domain.NotifyDone), "no_keys"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	payload := map[string]any{"id": "r1", "status": 5}
	c.Notify(ctx, domain.NotifyDone, []uuid.UUID{customer.ID, driver.ID, silent.ID}, payload)

	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(notificationsTotal.WithLabelValues(string(domain.NotifyDone), "no_keys")) == noKeysBefore+1
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Equal(t, []string{"phone", "tablet"}, transport.calls[0].keys)
	require.Equal(t, "hire_done", transport.calls[0].payload["kind"])
	require.Equal(t, 5, transport.calls[0].payload["status"])
	// the caller's payload is left untouched
	require.NotContains(t, payload, "kind")
}

func TestNotifyDropsWhenQueueIsFull(t *testing.T) {
	customer := domain.Actor{ID: uuid.New(), PushKeys: []string{"phone"}}
	transport := &recordingTransport{}
	c, _ := newCoordinator(t, transport, Config{QueueSize: 1}, customer)

	dropped := notificationsTotal.WithLabelValues(string(domain.NotifyAccepted), "dropped")
	before := testutil.ToFloat64(dropped)

	// not running yet: the first job fills the queue
	c.Notify(context.Background(), domain.NotifyAccepted, []uuid.UUID{customer.ID}, map[string]any{"n": 1})
	c.Notify(context.Background(), domain.NotifyAccepted, []uuid.UUID{customer.ID}, map[string]any{"n": 2})
	require.Equal(t, before+1, testutil.ToFloat64(dropped))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunDrainsQueuedJobsOnShutdown(t *testing.T) {
	customer := domain.Actor{ID: uuid.New(), PushKeys: []string{"phone"}}
	transport := &recordingTransport{}
	c, _ := newCoordinator(t, transport, Config{QueueSize: 8}, customer)

	for i := 0; i < 3; i++ {
		c.Notify(context.Background(), domain.NotifyInProgress, []uuid.UUID{customer.ID}, map[string]any{"n": i})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Run(ctx), context.Canceled)
	require.Equal(t, 3, transport.count())

	require.ErrorIs(t, c.Run(context.Background()), ErrStopped)
}

func TestTransportFailuresAreNotFatal(t *testing.T) {
	customer := domain.Actor{ID: uuid.New(), PushKeys: []string{"phone"}}
	transport := &recordingTransport{err: errors.New("gateway down")}
	c, _ := newCoordinator(t, transport, Config{}, customer)

	failed := notificationsTotal.WithLabelValues(string(domain.NotifyDeclined), "failed")
	before := testutil.ToFloat64(failed)
	c.deliver(context.Background(), domain.NotifyDeclined, []uuid.UUID{customer.ID, uuid.New()}, map[string]any{})
	require.Equal(t, before+2, testutil.ToFloat64(failed))
}

func TestSupersedeTagsDisplacedRequests(t *testing.T) {
	winner := domain.Actor{ID: uuid.New(), PushKeys: []string{"winner"}}
	loser := domain.Actor{ID: uuid.New(), PushKeys: []string{"loser"}}
	transport := &recordingTransport{}
	c, repo := newCoordinator(t, transport, Config{}, winner, loser)
	ctx := context.Background()
	driverID := uuid.New()
	start := time.Date(2030, 5, 14, 10, 0, 0, 0, time.UTC)

	accepted, err := repo.CreateHireRequest(ctx, domain.HireRequest{
		ID: uuid.New(), CustomerID: winner.ID, DriverID: driverID, StartTime: start, Duration: time.Hour, Status: domain.StatusAccepted,
	})
	require.NoError(t, err)
	pending, err := repo.CreateHireRequest(ctx, domain.HireRequest{
		ID: uuid.New(), CustomerID: loser.ID, DriverID: driverID, StartTime: start.Add(30 * time.Minute), Duration: time.Hour, Status: domain.StatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, c.supersede(ctx, accepted, accepted.Payload()))
	require.Equal(t, 1, transport.count())

	msg := transport.calls[0]
	require.Equal(t, []string{"loser"}, msg.keys)
	require.Equal(t, pending.ID.String(), msg.payload["id"])
	require.Equal(t, int(domain.StatusConflict), msg.payload["status"])
	require.Equal(t, accepted.ID.String(), msg.payload["superseded_by"])
	require.NotNil(t, msg.payload["accepted"])

	stored, err := repo.GetHireRequest(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
}
