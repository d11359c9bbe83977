package domain

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a hire request. The numeric values are
// persisted and ordered: transitions may never move to a lower value.
type Status int

const (
	StatusPending    Status = 1
	StatusAccepted   Status = 2
	StatusDeclined   Status = 3
	StatusInProgress Status = 4
	StatusDone       Status = 5
	// StatusConflict is only ever pushed to superseded requests; it is never persisted.
	StatusConflict Status = 6
)

var statusNames = map[Status]string{
	StatusPending:    "PENDING",
	StatusAccepted:   "ACCEPTED",
	StatusDeclined:   "DECLINED",
	StatusInProgress: "IN_PROGRESS",
	StatusDone:       "DONE",
	StatusConflict:   "CONFLICT",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is one of the defined enum values.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Active reports whether a request in this status blocks the driver's calendar.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusInProgress
}

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusDone
}

// ParseStatus accepts either the symbolic name or the numeric value.
func ParseStatus(raw string) (Status, bool) {
	for status, name := range statusNames {
		if name == raw {
			return status, true
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && Status(n).Valid() {
		return Status(n), true
	}
	return 0, false
}

// ActiveStatuses lists the statuses that participate in conflict checks.
var ActiveStatuses = []Status{StatusAccepted, StatusInProgress}

// allowedTransitions mirrors the lifecycle graph; rules applied by the state
// machine check numeric ordering first and then this graph.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusDeclined},
	StatusAccepted:   {StatusInProgress},
	StatusInProgress: {StatusDone},
}

// CanTransitionTo reports whether next is reachable from s in a single step.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Role distinguishes the two classes of participants.
type Role int

const (
	RoleCustomer Role = 0
	RoleDriver   Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RoleDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// ParseRole maps the wire name of a role.
func ParseRole(raw string) (Role, bool) {
	switch raw {
	case "customer":
		return RoleCustomer, true
	case "driver":
		return RoleDriver, true
	default:
		return 0, false
	}
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Actor is a customer or a driver as seen by the hire core. Rating and hire
// counters are owned by the review aggregator and the state machine respectively.
type Actor struct {
	ID                   uuid.UUID  `json:"id"`
	Email                string     `json:"email"`
	FullName             string     `json:"full_name"`
	Role                 Role       `json:"user_type"`
	IsActive             bool       `json:"is_active"`
	Location             string     `json:"location"`
	LocationUpdatedAt    *time.Time `json:"location_last_updated,omitempty"`
	PushKeys             []string   `json:"-"`
	NumberOfHires        int        `json:"number_of_hires"`
	ReviewCount          int        `json:"review_count"`
	ReviewStars          float64    `json:"review_stars"`
	DriverFilterRadiusKM float64    `json:"driver_filter_radius"`
}

// HireRequest is a customer's request to engage a driver for an interval.
type HireRequest struct {
	ID         uuid.UUID     `json:"id"`
	CustomerID uuid.UUID     `json:"customer_id"`
	DriverID   uuid.UUID     `json:"driver_id"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"-"`
	Status     Status        `json:"status"`
	PriceRef   string        `json:"price_ref,omitempty"`
	Location   string        `json:"location,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Version    int64         `json:"version"`
}

// EndTime is always derived from the start and the duration.
func (h HireRequest) EndTime() time.Time {
	return h.StartTime.Add(h.Duration)
}

// Booking returns the view of the request used for availability checks.
func (h HireRequest) Booking() Booking {
	return Booking{
		RequestID:  h.ID,
		DriverID:   h.DriverID,
		CustomerID: h.CustomerID,
		Start:      h.StartTime,
		End:        h.EndTime(),
		Status:     h.Status,
	}
}

// Payload is the notification body describing the request.
func (h HireRequest) Payload() map[string]any {
	return map[string]any{
		"id":               h.ID.String(),
		"customer_id":      h.CustomerID.String(),
		"driver_id":        h.DriverID.String(),
		"start_time":       h.StartTime.UTC().Format(time.RFC3339),
		"end_time":         h.EndTime().UTC().Format(time.RFC3339),
		"duration_minutes": int(h.Duration / time.Minute),
		"status":           int(h.Status),
		"status_name":      h.Status.String(),
		"price_ref":        h.PriceRef,
		"location":         h.Location,
	}
}

// Booking is the slice of a hire request relevant to calendar conflicts.
type Booking struct {
	RequestID  uuid.UUID
	DriverID   uuid.UUID
	CustomerID uuid.UUID
	Start      time.Time
	End        time.Time
	Status     Status
}

// ReviewStatus is derived from which halves of a review are populated.
type ReviewStatus string

const (
	ReviewPending      ReviewStatus = "pending"
	ReviewDriverDone   ReviewStatus = "driver-done"
	ReviewCustomerDone ReviewStatus = "customer-done"
	ReviewBothDone     ReviewStatus = "both-done"
)

// Review pairs the two ratings of a hire request. DriverReview holds the
// stars given by the driver (rating the customer) and CustomerReview the
// stars given by the customer (rating the driver).
type Review struct {
	RequestID      uuid.UUID `json:"request_id"`
	DriverReview   *float64  `json:"driver_review"`
	CustomerReview *float64  `json:"customer_review"`
	Version        int64     `json:"-"`
}

// Status is computed and never stored.
func (r Review) Status() ReviewStatus {
	switch {
	case r.DriverReview != nil && r.CustomerReview != nil:
		return ReviewBothDone
	case r.DriverReview != nil:
		return ReviewDriverDone
	case r.CustomerReview != nil:
		return ReviewCustomerDone
	default:
		return ReviewPending
	}
}

// Charge is the fixed price record returned by the pricing lookup.
type Charge struct {
	Ref         string `json:"ref"`
	SegmentID   string `json:"segment_id"`
	Hours       int    `json:"hours"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// NotificationKind labels outgoing push messages.
type NotificationKind string

const (
	NotifyAccepted   NotificationKind = "hire_accepted"
	NotifyDeclined   NotificationKind = "hire_declined"
	NotifyInProgress NotificationKind = "hire_in_progress"
	NotifyDone       NotificationKind = "hire_done"
	NotifyConflict   NotificationKind = "hire_conflict"
)

// KindForStatus picks the notification sent for a successful transition.
func KindForStatus(s Status) (NotificationKind, bool) {
	switch s {
	case StatusAccepted:
		return NotifyAccepted, true
	case StatusDeclined:
		return NotifyDeclined, true
	case StatusInProgress:
		return NotifyInProgress, true
	case StatusDone:
		return NotifyDone, true
	case StatusConflict:
		return NotifyConflict, true
	default:
		return "", false
	}
}

// Repository persists hire requests and their companion reviews.
type Repository interface {
	// CreateHireRequest stores the request and its empty review atomically.
	CreateHireRequest(ctx context.Context, req HireRequest) (HireRequest, error)
	GetHireRequest(ctx context.Context, id uuid.UUID) (HireRequest, error)
	// UpdateStatus writes the status only when the stored version matches,
	// returning ErrVersionConflict otherwise.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) (HireRequest, error)
	ListDriverRequests(ctx context.Context, driverID uuid.UUID, statuses ...Status) ([]HireRequest, error)
	GetReview(ctx context.Context, requestID uuid.UUID) (Review, error)
	// UpdateReview writes both halves when the stored version matches.
	UpdateReview(ctx context.Context, review Review) (Review, error)
}

// Directory exposes actor records to the core.
type Directory interface {
	GetActor(ctx context.Context, id uuid.UUID) (Actor, error)
	GetActorByEmail(ctx context.Context, email string) (Actor, error)
	ListActiveDrivers(ctx context.Context) ([]Actor, error)
	IncrementHires(ctx context.Context, ids ...uuid.UUID) error
	// ApplyRating folds one rating from the given request into the actor's
	// running mean atomically. A request's rating is folded at most once per
	// actor; repeating the call returns the actor unchanged.
	ApplyRating(ctx context.Context, id, requestID uuid.UUID, stars float64) (Actor, error)
	UpdateLocation(ctx context.Context, id uuid.UUID, location string, at time.Time) error
}

// PushTransport delivers a payload to device keys. Failures are non-fatal.
type PushTransport interface {
	Send(ctx context.Context, keys []string, payload map[string]any) error
}

// PriceBook resolves a fixed charge for a rate segment and hour count.
type PriceBook interface {
	Lookup(ctx context.Context, segmentID string, hours int) (Charge, error)
}

// Notifier is the part of the notification coordinator used by the state machine.
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, recipients []uuid.UUID, payload map[string]any)
	Supersede(ctx context.Context, driverID uuid.UUID, accepted HireRequest, payload map[string]any)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
