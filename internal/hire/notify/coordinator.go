package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/hire/domain"
)

// ErrStopped is returned by Run when called twice.
var ErrStopped = errors.New("notification coordinator already running")

// RequestSource lists a driver's requests.
type RequestSource interface {
	ListDriverRequests(ctx context.Context, driverID uuid.UUID, statuses ...domain.Status) ([]domain.HireRequest, error)
}

// Displacer decides which bookings an accepted booking pushes out.
type Displacer interface {
	Displaced(accepted domain.Booking, candidates []domain.Booking) []domain.Booking
}

// Config defines the queue and worker tunables.
type Config struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

type job struct {
	kind       domain.NotificationKind
	recipients []uuid.UUID
	payload    map[string]any
	accepted   *domain.HireRequest
	enqueued   time.Time
}

// Coordinator fans out push notifications off the caller's path. Jobs go
// through a bounded queue; when it is full the job is dropped and counted.
type Coordinator struct {
	directory domain.Directory
	requests  RequestSource
	displacer Displacer
	transport domain.PushTransport
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer

	queue   chan job
	running sync.Once
}

// New constructs a coordinator. Call Run to start delivering.
func New(directory domain.Directory, requests RequestSource, displacer Displacer, transport domain.PushTransport, logger *zap.Logger, cfg Config) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		directory: directory,
		requests:  requests,
		displacer: displacer,
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("hire.notify"),
		queue:     make(chan job, cfg.QueueSize),
	}
}

// Notify queues a push of payload to every recipient's devices. It never blocks.
func (c *Coordinator) Notify(_ context.Context, kind domain.NotificationKind, recipients []uuid.UUID, payload map[string]any) {
	c.enqueue(job{kind: kind, recipients: recipients, payload: payload})
}

// Supersede queues the displacement check for an accepted request. Customers
// owning pending requests that can no longer be served receive the request
// payload tagged CONFLICT. Persisted statuses are not touched.
func (c *Coordinator) Supersede(_ context.Context, driverID uuid.UUID, accepted domain.HireRequest, payload map[string]any) {
	accepted.DriverID = driverID
	c.enqueue(job{kind: domain.NotifyConflict, payload: payload, accepted: &accepted})
}

func (c *Coordinator) enqueue(j job) {
	j.enqueued = time.Now()
	select {
	case c.queue <- j:
		queueDepth.Set(float64(len(c.queue)))
	default:
		notificationsTotal.WithLabelValues(string(j.kind), "dropped").Inc()
		c.logger.Warn("notification queue full, dropping", zap.String("kind", string(j.kind)))
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued
// at shutdown are delivered with a fresh per-job timeout.
func (c *Coordinator) Run(ctx context.Context) error {
	started := false
	c.running.Do(func() { started = true })
	if !started {
		return ErrStopped
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-c.queue:
					c.process(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	c.drain()
	return ctx.Err()
}

func (c *Coordinator) drain() {
	for {
		select {
		case j := <-c.queue:
			c.process(context.Background(), j)
		default:
			return
		}
	}
}

func (c *Coordinator) process(ctx context.Context, j job) {
	queueDepth.Set(float64(len(c.queue)))
	queueLatency.Observe(time.Since(j.enqueued).Seconds())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "notify."+string(j.kind))
	defer span.End()

	if j.accepted != nil {
		if err := c.supersede(ctx, *j.accepted, j.payload); err != nil {
			span.RecordError(err)
			c.logger.Error("supersede failed", zap.Error(err), zap.String("request_id", j.accepted.ID.String()))
		}
		return
	}
	c.deliver(ctx, j.kind, j.recipients, j.payload)
}

func (c *Coordinator) supersede(ctx context.Context, accepted domain.HireRequest, payload map[string]any) error {
	pending, err := c.requests.ListDriverRequests(ctx, accepted.DriverID, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending requests: %w", err)
	}
	byID := make(map[uuid.UUID]domain.HireRequest, len(pending))
	candidates := make([]domain.Booking, 0, len(pending))
	for _, req := range pending {
		byID[req.ID] = req
		candidates = append(candidates, req.Booking())
	}

	displaced := c.displacer.Displaced(accepted.Booking(), candidates)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("displaced", len(displaced)))
	for _, booking := range displaced {
		req := byID[booking.RequestID]
		msg := req.Payload()
		msg["status"] = int(domain.StatusConflict)
		msg["status_name"] = domain.StatusConflict.String()
		msg["superseded_by"] = accepted.ID.String()
		if payload != nil {
			msg["accepted"] = payload
		}
		supersededTotal.Inc()
		c.deliver(ctx, domain.NotifyConflict, []uuid.UUID{req.CustomerID}, msg)
	}
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, kind domain.NotificationKind, recipients []uuid.UUID, payload map[string]any) {
	for _, id := range recipients {
		actor, err := c.directory.GetActor(ctx, id)
		if err != nil {
			notificationsTotal.WithLabelValues(string(kind), "failed").Inc()
			c.logger.Warn("notification recipient lookup failed", zap.Error(err), zap.String("actor_id", id.String()))
			continue
		}
		if len(actor.PushKeys) == 0 {
			notificationsTotal.WithLabelValues(string(kind), "no_keys").Inc()
			continue
		}
		msg := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			msg[k] = v
		}
		msg["kind"] = string(kind)
		if err := c.transport.Send(ctx, actor.PushKeys, msg); err != nil {
			notificationsTotal.WithLabelValues(string(kind), "failed").Inc()
			c.logger.Warn("push delivery failed", zap.Error(err), zap.String("kind", string(kind)), zap.String("actor_id", id.String()))
			continue
		}
		notificationsTotal.WithLabelValues(string(kind), "sent").Inc()
	}
}
