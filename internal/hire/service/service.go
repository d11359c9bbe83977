package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/geo"
	"github.com/example/chauffeur/internal/hire/domain"
	"github.com/example/chauffeur/internal/hire/lock"
)

// DefaultStartTolerance absorbs network latency when validating start times.
const DefaultStartTolerance = 60 * time.Second

const maxWriteAttempts = 3

// Availability is the engine query used before creating and accepting requests.
type Availability interface {
	IsAvailable(ctx context.Context, driverID uuid.UUID, start, end time.Time) (bool, error)
	Conflicts(ctx context.Context, driverID uuid.UUID, start, end time.Time) ([]domain.Booking, error)
}

// Config holds the state machine tunables.
type Config struct {
	StartTolerance time.Duration
	Lock           lock.Config
}

// Service coordinates hire request operations between handlers and repositories.
type Service struct {
	repo         domain.Repository
	directory    domain.Directory
	availability Availability
	notifier     domain.Notifier
	clock        domain.Clock

	prices     domain.PriceBook
	locker     lock.Locker
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        Config
}

// Option customises optional collaborators.
type Option func(*Service)

func WithPriceBook(p domain.PriceBook) Option { return func(s *Service) { s.prices = p } }

func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }

func WithIdempotency(r domain.IdempotencyRepository) Option {
	return func(s *Service) { s.idempotent = r }
}

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithConfig(cfg Config) Option { return func(s *Service) { s.cfg = cfg } }

// New constructs a Service with the required collaborators.
func New(repo domain.Repository, directory domain.Directory, availability Availability, notifier domain.Notifier, clock domain.Clock, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		directory:    directory,
		availability: availability,
		notifier:     notifier,
		clock:        clock,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("hire.service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = domain.SystemClock{}
	}
	if s.cfg.StartTolerance <= 0 {
		s.cfg.StartTolerance = DefaultStartTolerance
	}
	return s
}

// CreateRequest contains the payload for creating a hire request.
type CreateRequest struct {
	DriverID     uuid.UUID
	StartTime    time.Time
	Duration     time.Duration
	Location     string
	PriceSegment string
}

// CreateHireRequest validates and stores a new PENDING request. Replays with
// the same idempotency key return the first result.
func (s *Service) CreateHireRequest(ctx context.Context, key string, customerID uuid.UUID, in CreateRequest) (domain.HireRequest, error) {
	ctx, span := s.tracer.Start(ctx, "hire.create", trace.WithAttributes(
		attribute.String("customer_id", customerID.String()),
		attribute.String("driver_id", in.DriverID.String()),
	))
	defer span.End()

	if key != "" && s.idempotent != nil {
		key = customerID.String() + ":" + key
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			if req, err := decodeHireRequest(cached); err == nil {
				span.SetAttributes(attribute.Bool("idempotent_replay", true))
				return req, nil
			}
		}
	}

	req, err := s.create(ctx, customerID, in)
	if err != nil {
		createdTotal.WithLabelValues(resultLabel(err)).Inc()
		span.SetStatus(codes.Error, err.Error())
		return domain.HireRequest{}, err
	}
	createdTotal.WithLabelValues("created").Inc()

	if key != "" && s.idempotent != nil {
		if encoded, err := encodeHireRequest(req); err == nil {
			if err := s.idempotent.PutResponse(ctx, key, encoded); err != nil {
				s.logger.Warn("store idempotent response", zap.Error(err))
			}
		}
	}

	s.logger.Info("hire request created",
		zap.String("request_id", req.ID.String()),
		zap.String("customer_id", customerID.String()),
		zap.String("driver_id", req.DriverID.String()),
		zap.Time("start_time", req.StartTime),
		zap.Duration("duration", req.Duration),
	)
	return req, nil
}

func (s *Service) create(ctx context.Context, customerID uuid.UUID, in CreateRequest) (domain.HireRequest, error) {
	customer, err := s.directory.GetActor(ctx, customerID)
	if err != nil {
		return domain.HireRequest{}, err
	}
	if customer.Role != domain.RoleCustomer {
		return domain.HireRequest{}, domain.Reject(domain.ErrForbidden, "", "only customers can create hire requests")
	}

	driver, err := s.directory.GetActor(ctx, in.DriverID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.HireRequest{}, domain.Reject(domain.ErrNotFound, "driver_id", "driver does not exist")
	}
	if err != nil {
		return domain.HireRequest{}, err
	}
	if driver.Role != domain.RoleDriver || !driver.IsActive {
		return domain.HireRequest{}, domain.Reject(domain.ErrBadRequest, "driver_id", "target is not an active driver")
	}

	if in.Duration <= 0 {
		return domain.HireRequest{}, domain.Reject(domain.ErrInvalidInterval, "duration", "duration must be positive")
	}
	now := s.clock.Now()
	if in.StartTime.Before(now.Add(-s.cfg.StartTolerance)) {
		return domain.HireRequest{}, domain.Reject(domain.ErrBadRequest, "start_time", "start time is in the past")
	}

	location := in.Location
	if location == "" {
		location = customer.Location
	}
	if location != "" {
		if _, err := geo.ParseLocation(location); err != nil {
			return domain.HireRequest{}, err
		}
	}

	end := in.StartTime.Add(in.Duration)
	free, err := s.availability.IsAvailable(ctx, driver.ID, in.StartTime, end)
	if err != nil {
		return domain.HireRequest{}, fmt.Errorf("check availability: %w", err)
	}
	if !free {
		return domain.HireRequest{}, domain.Reject(domain.ErrConflict, "start_time", "driver is not available for the requested time")
	}

	var priceRef string
	if in.PriceSegment != "" && s.prices != nil {
		hours := int(math.Ceil(in.Duration.Hours()))
		charge, err := s.prices.Lookup(ctx, in.PriceSegment, hours)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.HireRequest{}, domain.Reject(domain.ErrBadRequest, "price_segment", "unknown rate segment")
		}
		if err != nil {
			return domain.HireRequest{}, fmt.Errorf("price lookup: %w", err)
		}
		priceRef = charge.Ref
	}

	req := domain.HireRequest{
		ID:         uuid.New(),
		CustomerID: customer.ID,
		DriverID:   driver.ID,
		StartTime:  in.StartTime.UTC(),
		Duration:   in.Duration,
		Status:     domain.StatusPending,
		PriceRef:   priceRef,
		Location:   location,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	created, err := s.repo.CreateHireRequest(ctx, req)
	if err != nil {
		return domain.HireRequest{}, fmt.Errorf("create hire request: %w", err)
	}
	return created, nil
}

// GetHireRequest returns a request to one of its parties.
func (s *Service) GetHireRequest(ctx context.Context, actorID, requestID uuid.UUID) (domain.HireRequest, error) {
	req, err := s.repo.GetHireRequest(ctx, requestID)
	if err != nil {
		return domain.HireRequest{}, err
	}
	if _, err := partyRole(actorID, req); err != nil {
		return domain.HireRequest{}, err
	}
	return req, nil
}

// TransitionHireRequest moves a request to newStatus on behalf of one of its
// parties. Exactly one of several concurrent callers can win a given step;
// the others are answered from the state they re-read.
func (s *Service) TransitionHireRequest(ctx context.Context, actorID, requestID uuid.UUID, newStatus domain.Status) (domain.HireRequest, error) {
	ctx, span := s.tracer.Start(ctx, "hire.transition", trace.WithAttributes(
		attribute.String("request_id", requestID.String()),
		attribute.String("status", newStatus.String()),
	))
	defer span.End()

	updated, from, err := s.transition(ctx, actorID, requestID, newStatus)
	if err != nil {
		transitionsTotal.WithLabelValues(from.String(), newStatus.String(), resultLabel(err)).Inc()
		if !errors.Is(err, domain.ErrNotModified) {
			span.SetStatus(codes.Error, err.Error())
		}
		return domain.HireRequest{}, err
	}
	transitionsTotal.WithLabelValues(from.String(), newStatus.String(), "applied").Inc()

	s.logger.Info("hire request transitioned",
		zap.String("request_id", updated.ID.String()),
		zap.String("from", from.String()),
		zap.String("status", updated.Status.String()),
		zap.String("actor_id", actorID.String()),
	)
	s.afterTransition(ctx, updated)
	return updated, nil
}

func (s *Service) transition(ctx context.Context, actorID, requestID uuid.UUID, newStatus domain.Status) (domain.HireRequest, domain.Status, error) {
	req, err := s.repo.GetHireRequest(ctx, requestID)
	if err != nil {
		return domain.HireRequest{}, 0, err
	}
	role, err := partyRole(actorID, req)
	if err != nil {
		return domain.HireRequest{}, req.Status, err
	}
	if err := CheckTransition(req.Status, newStatus, role); err != nil {
		return domain.HireRequest{}, req.Status, err
	}

	if s.locker != nil {
		release, err := lock.Acquire(ctx, s.locker, requestID, s.cfg.Lock)
		if err != nil {
			return domain.HireRequest{}, req.Status, err
		}
		defer release()
		if newStatus == domain.StatusAccepted {
			releaseDriver, err := lock.Acquire(ctx, s.locker, req.DriverID, s.cfg.Lock)
			if err != nil {
				return domain.HireRequest{}, req.Status, err
			}
			defer releaseDriver()
		}
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if newStatus == domain.StatusAccepted {
			if err := s.ensureNoOverlap(ctx, req); err != nil {
				return domain.HireRequest{}, req.Status, err
			}
		}

		updated, err := s.repo.UpdateStatus(ctx, requestID, newStatus, req.Version)
		if err == nil {
			return updated, req.Status, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.HireRequest{}, req.Status, fmt.Errorf("update status: %w", err)
		}

		req, err = s.repo.GetHireRequest(ctx, requestID)
		if err != nil {
			return domain.HireRequest{}, 0, err
		}
		if err := CheckTransition(req.Status, newStatus, role); err != nil {
			return domain.HireRequest{}, req.Status, err
		}
	}
	return domain.HireRequest{}, req.Status, fmt.Errorf("update status: %w", domain.ErrVersionConflict)
}

// ensureNoOverlap refuses to accept a request that collides with another
// active booking of the same driver.
func (s *Service) ensureNoOverlap(ctx context.Context, req domain.HireRequest) error {
	conflicts, err := s.availability.Conflicts(ctx, req.DriverID, req.StartTime, req.EndTime())
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	for _, b := range conflicts {
		if b.RequestID != req.ID {
			return domain.Reject(domain.ErrConflict, "status", "driver already accepted an overlapping request")
		}
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, req domain.HireRequest) {
	kind, ok := domain.KindForStatus(req.Status)
	if !ok || s.notifier == nil {
		return
	}
	payload := req.Payload()
	recipients := []uuid.UUID{req.CustomerID}
	if req.Status == domain.StatusDone {
		recipients = append(recipients, req.DriverID)
	}
	s.notifier.Notify(ctx, kind, recipients, payload)

	if req.Status != domain.StatusAccepted {
		return
	}
	if err := s.directory.IncrementHires(ctx, req.DriverID, req.CustomerID); err != nil {
		s.logger.Error("increment hire counters", zap.Error(err), zap.String("request_id", req.ID.String()))
	}
	s.notifier.Supersede(ctx, req.DriverID, req, payload)
}

// CheckTransition applies the ordered transition rules that do not depend on
// persistence:
//
//  2. next must be ACCEPTED, DECLINED, IN_PROGRESS or DONE
//  3. next must not be lower than current
//  4. a DECLINED request never moves
//  5. next == current is ErrNotModified
//  6. only the driver sets ACCEPTED or DECLINED
//  6b. the move must follow the lifecycle arrows
//     PENDING -> ACCEPTED | DECLINED, ACCEPTED -> IN_PROGRESS, IN_PROGRESS -> DONE
//
// Rule 1 (party check) runs in TransitionHireRequest. Rule 6b rejects skips
// such as PENDING -> IN_PROGRESS or ACCEPTED -> DONE and a driver declining an
// accepted request.
func CheckTransition(current, next domain.Status, role domain.Role) error {
	if next <= domain.StatusPending || next > domain.StatusDone {
		return domain.Reject(domain.ErrBadRequest, "status", "status must be one of ACCEPTED, DECLINED, IN_PROGRESS or DONE")
	}
	if next < current {
		return domain.Reject(domain.ErrBadRequest, "status", fmt.Sprintf("cannot move from %s back to %s", current, next))
	}
	if current == domain.StatusDeclined {
		return domain.Reject(domain.ErrBadRequest, "status", "request was declined")
	}
	if next == current {
		return domain.ErrNotModified
	}
	if (next == domain.StatusAccepted || next == domain.StatusDeclined) && role != domain.RoleDriver {
		return domain.Reject(domain.ErrBadRequest, "status", "only the driver can accept or decline")
	}
	if !current.CanTransitionTo(next) {
		return domain.Reject(domain.ErrBadRequest, "status", fmt.Sprintf("cannot move from %s to %s", current, next))
	}
	return nil
}

func partyRole(actorID uuid.UUID, req domain.HireRequest) (domain.Role, error) {
	switch actorID {
	case req.DriverID:
		return domain.RoleDriver, nil
	case req.CustomerID:
		return domain.RoleCustomer, nil
	default:
		return 0, domain.Reject(domain.ErrForbidden, "", "not a party of this hire request")
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotModified):
		return "not_modified"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, lock.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrBadRequest),
		errors.Is(err, domain.ErrInvalidInterval),
		errors.Is(err, domain.ErrInvalidParameter),
		errors.Is(err, domain.ErrInvalidLocation):
		return "rejected"
	default:
		return "error"
	}
}

type cachedHireRequest struct {
	Request         domain.HireRequest `json:"request"`
	DurationSeconds int64              `json:"duration_seconds"`
}

func encodeHireRequest(req domain.HireRequest) ([]byte, error) {
	return json.Marshal(cachedHireRequest{Request: req, DurationSeconds: int64(req.Duration / time.Second)})
}

func decodeHireRequest(b []byte) (domain.HireRequest, error) {
	var cached cachedHireRequest
	if err := json.Unmarshal(b, &cached); err != nil {
		return domain.HireRequest{}, err
	}
	req := cached.Request
	req.Duration = time.Duration(cached.DurationSeconds) * time.Second
	return req, nil
}
