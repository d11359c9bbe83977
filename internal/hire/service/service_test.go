package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/chauffeur/internal/hire/availability"
	"github.com/example/chauffeur/internal/hire/domain"
	"github.com/example/chauffeur/internal/hire/lock"
	"github.com/example/chauffeur/internal/hire/notify"
	"github.com/example/chauffeur/internal/hire/repository"
	"github.com/example/chauffeur/internal/hire/service"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type notification struct {
	kind       domain.NotificationKind
	recipients []uuid.UUID
	payload    map[string]any
}

type recordingNotifier struct {
	mu         sync.Mutex
	sent       []notification
	superseded []domain.HireRequest
}

func (r *recordingNotifier) Notify(_ context.Context, kind domain.NotificationKind, recipients []uuid.UUID, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{kind: kind, recipients: recipients, payload: payload})
}

func (r *recordingNotifier) Supersede(_ context.Context, _ uuid.UUID, accepted domain.HireRequest, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded = append(r.superseded, accepted)
}

func (r *recordingNotifier) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent), len(r.superseded)
}

type recordingTransport struct {
	mu   sync.Mutex
	sent map[string][]map[string]any
}

func (r *recordingTransport) Send(_ context.Context, keys []string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]map[string]any)
	}
	for _, k := range keys {
		r.sent[k] = append(r.sent[k], payload)
	}
	return nil
}

func (r *recordingTransport) messages(key string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.sent[key]...)
}

var now = time.Date(2030, 5, 14, 8, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2030, 5, 14, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	repo      *repository.MemoryRepository
	directory *repository.MemoryDirectory
	engine    *availability.Engine
	notifier  *recordingNotifier
	svc       *service.Service

	customer domain.Actor
	other    domain.Actor
	driver   domain.Actor
}

func newFixture(t *testing.T, opts ...service.Option) *fixture {
	t.Helper()
	customer := domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer, IsActive: true, Location: "35.7,51.4", PushKeys: []string{"customer-a"}}
	other := domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer, IsActive: true, Location: "35.71,51.41", PushKeys: []string{"customer-b"}}
	driver := domain.Actor{ID: uuid.New(), Role: domain.RoleDriver, IsActive: true, Location: "35.7,51.42", PushKeys: []string{"driver"}}

	f := &fixture{
		repo:      repository.NewMemoryRepository(),
		directory: repository.NewMemoryDirectory(customer, other, driver),
		notifier:  &recordingNotifier{},
		customer:  customer,
		other:     other,
		driver:    driver,
	}
	f.engine = availability.NewEngine(f.repo, time.Hour)
	f.svc = service.New(f.repo, f.directory, f.engine, f.notifier, stubClock{t: now}, opts...)
	return f
}

func (f *fixture) create(t *testing.T, customerID uuid.UUID, start time.Time, d time.Duration) domain.HireRequest {
	t.Helper()
	req, err := f.svc.CreateHireRequest(context.Background(), "", customerID, service.CreateRequest{
		DriverID:  f.driver.ID,
		StartTime: start,
		Duration:  d,
	})
	require.NoError(t, err)
	return req
}

// seed stores a request directly in the given status, bypassing the state machine.
func (f *fixture) seed(t *testing.T, status domain.Status) domain.HireRequest {
	t.Helper()
	req, err := f.repo.CreateHireRequest(context.Background(), domain.HireRequest{
		ID:         uuid.New(),
		CustomerID: f.customer.ID,
		DriverID:   f.driver.ID,
		StartTime:  at(10, 0),
		Duration:   time.Hour,
		Status:     status,
	})
	require.NoError(t, err)
	return req
}

func TestCreateHireRequestStartsPending(t *testing.T) {
	f := newFixture(t, service.WithIdempotency(repository.NewMemoryIdempotencyRepo()))
	ctx := context.Background()

	req, err := f.svc.CreateHireRequest(ctx, "key-1", f.customer.ID, service.CreateRequest{
		DriverID:  f.driver.ID,
		StartTime: at(10, 0),
		Duration:  90 * time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, req.Status)
	require.Equal(t, at(11, 30), req.EndTime())
	require.Equal(t, f.customer.Location, req.Location)

	review, err := f.repo.GetReview(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReviewPending, review.Status())

	// replay with the same key returns the first request
	replay, err := f.svc.CreateHireRequest(ctx, "key-1", f.customer.ID, service.CreateRequest{DriverID: f.driver.ID})
	require.NoError(t, err)
	require.Equal(t, req.ID, replay.ID)
	require.Equal(t, req.Duration, replay.Duration)

	stored, err := f.repo.ListDriverRequests(ctx, f.driver.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestCreateHireRequestIdempotencyKeyIsPerCustomer(t *testing.T) {
	f := newFixture(t, service.WithIdempotency(repository.NewMemoryIdempotencyRepo()))

	first, err := f.svc.CreateHireRequest(context.Background(), "same", f.customer.ID, service.CreateRequest{
		DriverID: f.driver.ID, StartTime: at(10, 0), Duration: time.Hour,
	})
	require.NoError(t, err)
	second, err := f.svc.CreateHireRequest(context.Background(), "same", f.other.ID, service.CreateRequest{
		DriverID: f.driver.ID, StartTime: at(10, 0), Duration: time.Hour,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCreateHireRequestValidation(t *testing.T) {
	f := newFixture(t)
	inactive := domain.Actor{ID: uuid.New(), Role: domain.RoleDriver, IsActive: false}
	f.directory.Put(inactive)

	cases := []struct {
		name  string
		actor uuid.UUID
		in    service.CreateRequest
		kind  error
		field string
	}{
		{"driver cannot hire", f.driver.ID, service.CreateRequest{DriverID: f.driver.ID, StartTime: at(10, 0), Duration: time.Hour}, domain.ErrForbidden, ""},
		{"unknown driver", f.customer.ID, service.CreateRequest{DriverID: uuid.New(), StartTime: at(10, 0), Duration: time.Hour}, domain.ErrNotFound, "driver_id"},
		{"customer as driver", f.customer.ID, service.CreateRequest{DriverID: f.other.ID, StartTime: at(10, 0), Duration: time.Hour}, domain.ErrBadRequest, "driver_id"},
		{"inactive driver", f.customer.ID, service.CreateRequest{DriverID: inactive.ID, StartTime: at(10, 0), Duration: time.Hour}, domain.ErrBadRequest, "driver_id"},
		{"zero duration", f.customer.ID, service.CreateRequest{DriverID: f.driver.ID, StartTime: at(10, 0)}, domain.ErrInvalidInterval, "duration"},
		{"negative duration", f.customer.ID, service.CreateRequest{DriverID: f.driver.ID, StartTime: at(10, 0), Duration: -time.Hour}, domain.ErrInvalidInterval, "duration"},
		{"start in the past", f.customer.ID, service.CreateRequest{DriverID: f.driver.ID, StartTime: now.Add(-2 * time.Minute), Duration: time.Hour}, domain.ErrBadRequest, "start_time"},
		{"bad location", f.customer.ID, service.CreateRequest{DriverID: f.driver.ID, StartTime: at(10, 0), Duration: time.Hour, Location: "north"}, domain.ErrInvalidLocation, "location"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateHireRequest(context.Background(), "", tc.actor, tc.in)
			require.ErrorIs(t, err, tc.kind)
			field, _ := domain.Reason(err)
			require.Equal(t, tc.field, field)
		})
	}

	stored, err := f.repo.ListDriverRequests(context.Background(), f.driver.ID)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestCreateHireRequestStartTolerance(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, f.customer.ID, now.Add(-30*time.Second), time.Hour)
	require.Equal(t, domain.StatusPending, req.Status)
}

func TestCreateHireRequestResolvesPrice(t *testing.T) {
	prices := repository.NewMemoryPriceBook(repository.Segment{ID: "standard", HourlyCents: 2500, MinimumHours: 1, Currency: "EUR"})
	f := newFixture(t, service.WithPriceBook(prices))

	req, err := f.svc.CreateHireRequest(context.Background(), "", f.customer.ID, service.CreateRequest{
		DriverID: f.driver.ID, StartTime: at(10, 0), Duration: 90 * time.Minute, PriceSegment: "standard",
	})
	require.NoError(t, err)
	require.Equal(t, "standard:2h", req.PriceRef)

	_, err = f.svc.CreateHireRequest(context.Background(), "", f.customer.ID, service.CreateRequest{
		DriverID: f.driver.ID, StartTime: at(10, 0), Duration: time.Hour, PriceSegment: "premium",
	})
	require.ErrorIs(t, err, domain.ErrBadRequest)
	field, _ := domain.Reason(err)
	require.Equal(t, "price_segment", field)
}

func TestPendingRequestsCoexistUntilOneIsAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, f.customer.ID, at(10, 0), time.Hour)
	second := f.create(t, f.other.ID, at(10, 30), time.Hour)

	accepted, err := f.svc.TransitionHireRequest(ctx, f.driver.ID, first.ID, domain.StatusAccepted)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, accepted.Status)

	_, err = f.svc.CreateHireRequest(ctx, "", f.other.ID, service.CreateRequest{DriverID: f.driver.ID, StartTime: at(11, 0), Duration: time.Hour})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.TransitionHireRequest(ctx, f.driver.ID, second.ID, domain.StatusAccepted)
	require.ErrorIs(t, err, domain.ErrConflict)

	stored, err := f.repo.GetHireRequest(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)

	// declining the displaced request is still possible
	declined, err := f.svc.TransitionHireRequest(ctx, f.driver.ID, second.ID, domain.StatusDeclined)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeclined, declined.Status)
}

func TestAcceptSideEffectsRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, f.customer.ID, at(10, 0), time.Hour)

	_, err := f.svc.TransitionHireRequest(ctx, f.driver.ID, req.ID, domain.StatusAccepted)
	require.NoError(t, err)

	_, err = f.svc.TransitionHireRequest(ctx, f.driver.ID, req.ID, domain.StatusAccepted)
	require.ErrorIs(t, err, domain.ErrNotModified)

	driver, err := f.directory.GetActor(ctx, f.driver.ID)
	require.NoError(t, err)
	require.Equal(t, 1, driver.NumberOfHires)
	customer, err := f.directory.GetActor(ctx, f.customer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, customer.NumberOfHires)

	sent, superseded := f.notifier.counts()
	require.Equal(t, 1, sent)
	require.Equal(t, 1, superseded)
	require.Equal(t, domain.NotifyAccepted, f.notifier.sent[0].kind)
	require.Equal(t, []uuid.UUID{f.customer.ID}, f.notifier.sent[0].recipients)
	require.Equal(t, 2, f.notifier.sent[0].payload["status"])
}

func TestCheckTransitionIsMonotonic(t *testing.T) {
	statuses := []domain.Status{domain.StatusPending, domain.StatusAccepted, domain.StatusDeclined, domain.StatusInProgress, domain.StatusDone}
	for _, current := range statuses {
		for _, next := range statuses {
			if next >= current {
				continue
			}
			err := service.CheckTransition(current, next, domain.RoleDriver)
			require.ErrorIs(t, err, domain.ErrBadRequest, "%s -> %s", current, next)
		}
	}
}

func TestCheckTransitionRules(t *testing.T) {
	cases := []struct {
		name    string
		current domain.Status
		next    domain.Status
		role    domain.Role
		want    error
	}{
		{"pending to accepted by driver", domain.StatusPending, domain.StatusAccepted, domain.RoleDriver, nil},
		{"pending to declined by driver", domain.StatusPending, domain.StatusDeclined, domain.RoleDriver, nil},
		{"accepted to in progress by customer", domain.StatusAccepted, domain.StatusInProgress, domain.RoleCustomer, nil},
		{"in progress to done by customer", domain.StatusInProgress, domain.StatusDone, domain.RoleCustomer, nil},
		{"customer cannot accept", domain.StatusPending, domain.StatusAccepted, domain.RoleCustomer, domain.ErrBadRequest},
		{"customer cannot decline", domain.StatusPending, domain.StatusDeclined, domain.RoleCustomer, domain.ErrBadRequest},
		{"pending cannot skip to done", domain.StatusPending, domain.StatusDone, domain.RoleDriver, domain.ErrBadRequest},
		{"pending cannot skip to in progress", domain.StatusPending, domain.StatusInProgress, domain.RoleDriver, domain.ErrBadRequest},
		{"accepted cannot be declined", domain.StatusAccepted, domain.StatusDeclined, domain.RoleDriver, domain.ErrBadRequest},
		{"accepted cannot skip to done", domain.StatusAccepted, domain.StatusDone, domain.RoleCustomer, domain.ErrBadRequest},
		{"same status", domain.StatusInProgress, domain.StatusInProgress, domain.RoleDriver, domain.ErrNotModified},
		{"pending is not a target", domain.StatusPending, domain.StatusPending, domain.RoleDriver, domain.ErrBadRequest},
		{"conflict is not a target", domain.StatusPending, domain.StatusConflict, domain.RoleDriver, domain.ErrBadRequest},
		{"out of range", domain.StatusPending, domain.Status(9), domain.RoleDriver, domain.ErrBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := service.CheckTransition(tc.current, tc.next, tc.role)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDeclinedIsTerminal(t *testing.T) {
	for _, next := range []domain.Status{domain.StatusAccepted, domain.StatusDeclined, domain.StatusInProgress, domain.StatusDone} {
		err := service.CheckTransition(domain.StatusDeclined, next, domain.RoleDriver)
		require.ErrorIs(t, err, domain.ErrBadRequest, "DECLINED -> %s", next)
	}
}

func TestTransitionRequiresParty(t *testing.T) {
	f := newFixture(t)
	req := f.seed(t, domain.StatusPending)

	_, err := f.svc.TransitionHireRequest(context.Background(), uuid.New(), req.ID, domain.StatusAccepted)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.GetHireRequest(context.Background(), f.other.ID, req.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.GetHireRequest(context.Background(), f.driver.ID, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, got.ID)

	_, err = f.svc.TransitionHireRequest(context.Background(), f.driver.ID, uuid.New(), domain.StatusAccepted)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFullLifecycleNotifiesParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, f.customer.ID, at(10, 0), time.Hour)

	_, err := f.svc.TransitionHireRequest(ctx, f.driver.ID, req.ID, domain.StatusAccepted)
	require.NoError(t, err)
	_, err = f.svc.TransitionHireRequest(ctx, f.driver.ID, req.ID, domain.StatusInProgress)
	require.NoError(t, err)
	done, err := f.svc.TransitionHireRequest(ctx, f.customer.ID, req.ID, domain.StatusDone)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, done.Status)
	require.Equal(t, int64(4), done.Version)

	require.Len(t, f.notifier.sent, 3)
	require.Equal(t, domain.NotifyInProgress, f.notifier.sent[1].kind)
	last := f.notifier.sent[2]
	require.Equal(t, domain.NotifyDone, last.kind)
	require.ElementsMatch(t, []uuid.UUID{f.customer.ID, f.driver.ID}, last.recipients)

	// a finished job no longer blocks the driver
	free, err := f.engine.IsAvailable(ctx, f.driver.ID, at(10, 0), at(11, 0))
	require.NoError(t, err)
	require.True(t, free)
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, f.customer.ID, at(10, 0), time.Hour)

	const callers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		applied     int
		notModified int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.TransitionHireRequest(context.Background(), f.driver.ID, req.ID, domain.StatusAccepted)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, domain.ErrNotModified):
				notModified++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	require.Equal(t, callers-1, notModified)

	driver, err := f.directory.GetActor(context.Background(), f.driver.ID)
	require.NoError(t, err)
	require.Equal(t, 1, driver.NumberOfHires)
	_, superseded := f.notifier.counts()
	require.Equal(t, 1, superseded)
}

func TestConcurrentAcceptsOfOverlappingRequestsWithLocker(t *testing.T) {
	f := newFixture(t, service.WithLocker(lock.NewMemoryLocker()), service.WithConfig(service.Config{
		Lock: lock.Config{TTL: time.Second, MaxAttempts: 10, Backoff: time.Millisecond},
	}))
	first := f.create(t, f.customer.ID, at(10, 0), time.Hour)
	second := f.create(t, f.other.ID, at(10, 15), time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.TransitionHireRequest(context.Background(), f.driver.ID, id, domain.StatusAccepted)
		}(i, id)
	}
	wg.Wait()

	var won, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrConflict):
			conflicted++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, conflicted)

	active, err := f.repo.ListDriverRequests(context.Background(), f.driver.ID, domain.ActiveStatuses...)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestAcceptSupersedesOverlappingPendingRequests(t *testing.T) {
	repo := repository.NewMemoryRepository()
	customer := domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer, IsActive: true, PushKeys: []string{"customer-a"}}
	other := domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer, IsActive: true, PushKeys: []string{"customer-b"}}
	bystander := domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer, IsActive: true, PushKeys: []string{"customer-c"}}
	driver := domain.Actor{ID: uuid.New(), Role: domain.RoleDriver, IsActive: true}
	directory := repository.NewMemoryDirectory(customer, other, bystander, driver)
	engine := availability.NewEngine(repo, time.Hour)
	transport := &recordingTransport{}

	coordinator := notify.New(directory, repo, engine, transport, nil, notify.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coordinator.Run(ctx) }()

	svc := service.New(repo, directory, engine, coordinator, stubClock{t: now})
	newRequest := func(customerID uuid.UUID, start time.Time) domain.HireRequest {
		req, err := svc.CreateHireRequest(ctx, "", customerID, service.CreateRequest{DriverID: driver.ID, StartTime: start, Duration: time.Hour})
		require.NoError(t, err)
		return req
	}
	accepted := newRequest(customer.ID, at(10, 0))
	displaced := newRequest(other.ID, at(10, 30))
	unaffected := newRequest(bystander.ID, at(15, 0))

	_, err := svc.TransitionHireRequest(ctx, driver.ID, accepted.ID, domain.StatusAccepted)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(transport.messages("customer-b")) == 1 && len(transport.messages("customer-a")) == 1
	}, time.Second, 10*time.Millisecond)

	msg := transport.messages("customer-b")[0]
	require.Equal(t, int(domain.StatusConflict), msg["status"])
	require.Equal(t, "CONFLICT", msg["status_name"])
	require.Equal(t, displaced.ID.String(), msg["id"])
	require.Equal(t, accepted.ID.String(), msg["superseded_by"])
	require.Equal(t, string(domain.NotifyConflict), msg["kind"])

	require.Equal(t, string(domain.NotifyAccepted), transport.messages("customer-a")[0]["kind"])
	require.Empty(t, transport.messages("customer-c"))

	for _, id := range []uuid.UUID{displaced.ID, unaffected.ID} {
		stored, err := repo.GetHireRequest(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusPending, stored.Status)
	}
}
