package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/chauffeur/internal/hire/domain"
)

// DefaultGracePeriod is the buffer a driver needs between two jobs.
const DefaultGracePeriod = 60 * time.Minute

// BookingSource lists a driver's hire requests filtered by status.
type BookingSource interface {
	ListDriverRequests(ctx context.Context, driverID uuid.UUID, statuses ...domain.Status) ([]domain.HireRequest, error)
}

// Interval is a half-open span of time with End after Start.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval validates the bounds.
func NewInterval(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, domain.Reject(domain.ErrInvalidInterval, "end_time", "end must be after start")
	}
	return Interval{Start: start, End: end}, nil
}

// Pad widens the interval on both sides.
func (i Interval) Pad(grace time.Duration) Window {
	return Window{Start: i.Start.Add(-grace), End: i.End.Add(grace)}
}

// Window is a candidate interval after padding.
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps decides whether the booking collides with the padded window. The
// test is deliberately one-sided: it asks whether the booking starts inside
// the window or encloses it.
func (w Window) Overlaps(b domain.Booking) bool {
	if b.Start.After(w.End) {
		return false
	}
	if !b.Start.Before(w.Start) && !b.Start.After(w.End) {
		return true
	}
	if !b.Start.After(w.Start) && !w.End.After(b.End) {
		return true
	}
	return false
}

// Engine answers availability questions for a driver's calendar.
type Engine struct {
	bookings BookingSource
	grace    time.Duration
}

// NewEngine builds an engine; a non-positive grace falls back to DefaultGracePeriod.
func NewEngine(bookings BookingSource, grace time.Duration) *Engine {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Engine{bookings: bookings, grace: grace}
}

// Grace returns the padding applied to candidate intervals.
func (e *Engine) Grace() time.Duration { return e.grace }

// IsAvailable reports whether no active booking of the driver overlaps the
// padded candidate interval. It stops at the first conflict.
func (e *Engine) IsAvailable(ctx context.Context, driverID uuid.UUID, start, end time.Time) (bool, error) {
	window, active, err := e.prepare(ctx, driverID, start, end)
	if err != nil {
		return false, err
	}
	for _, booking := range active {
		if window.Overlaps(booking) {
			availabilityChecks.WithLabelValues("busy").Inc()
			return false, nil
		}
	}
	availabilityChecks.WithLabelValues("free").Inc()
	return true, nil
}

// Conflicts returns every active booking overlapping the padded candidate interval.
func (e *Engine) Conflicts(ctx context.Context, driverID uuid.UUID, start, end time.Time) ([]domain.Booking, error) {
	window, active, err := e.prepare(ctx, driverID, start, end)
	if err != nil {
		return nil, err
	}
	var out []domain.Booking
	for _, booking := range active {
		if window.Overlaps(booking) {
			out = append(out, booking)
		}
	}
	return out, nil
}

// Displaced returns the candidates that could no longer be booked once
// accepted holds the calendar: each candidate's padded interval is checked
// against accepted with the same predicate used for availability. The
// accepted request itself is never returned.
func (e *Engine) Displaced(accepted domain.Booking, candidates []domain.Booking) []domain.Booking {
	var out []domain.Booking
	for _, candidate := range candidates {
		if candidate.RequestID == accepted.RequestID {
			continue
		}
		interval, err := NewInterval(candidate.Start, candidate.End)
		if err != nil {
			continue
		}
		if interval.Pad(e.grace).Overlaps(accepted) {
			out = append(out, candidate)
		}
	}
	return out
}

func (e *Engine) prepare(ctx context.Context, driverID uuid.UUID, start, end time.Time) (Window, []domain.Booking, error) {
	interval, err := NewInterval(start, end)
	if err != nil {
		return Window{}, nil, err
	}
	requests, err := e.bookings.ListDriverRequests(ctx, driverID, domain.ActiveStatuses...)
	if err != nil {
		return Window{}, nil, fmt.Errorf("list active bookings: %w", err)
	}
	active := make([]domain.Booking, 0, len(requests))
	for _, req := range requests {
		if req.Status.Active() {
			active = append(active, req.Booking())
		}
	}
	return interval.Pad(e.grace), active, nil
}
