package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/chauffeur/internal/geo"
	"github.com/example/chauffeur/internal/hire/domain"
)

// Availability is the part of the availability engine discovery needs.
type Availability interface {
	IsAvailable(ctx context.Context, driverID uuid.UUID, start, end time.Time) (bool, error)
}

// Positions resolves a driver's last reported position.
type Positions interface {
	Position(ctx context.Context, driver domain.Actor) (domain.GeoPoint, bool, error)
}

// Query describes a driver search.
type Query struct {
	Near     string
	RadiusKM float64
	// Start defaults to the current time when nil.
	Start    *time.Time
	Duration time.Duration
}

// Candidate is a driver that passed both filters.
type Candidate struct {
	Driver     domain.Actor `json:"driver"`
	DistanceKM float64      `json:"distance_km"`
}

// Service combines geo filtering with availability.
type Service struct {
	directory    domain.Directory
	availability Availability
	positions    Positions
	clock        domain.Clock
}

// New constructs the discovery service. A nil positions source reads the
// actors' own location field.
func New(directory domain.Directory, availability Availability, positions Positions, clock domain.Clock) *Service {
	if positions == nil {
		positions = geo.DirectoryPositions{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Service{directory: directory, availability: availability, positions: positions, clock: clock}
}

// FindAvailableDrivers returns every active driver free for the interval and
// within the radius of the base location. The order is unspecified.
func (s *Service) FindAvailableDrivers(ctx context.Context, q Query) ([]Candidate, error) {
	base, err := geo.ParseLocation(q.Near)
	if err != nil {
		return nil, err
	}
	if q.RadiusKM <= 0 {
		return nil, domain.Reject(domain.ErrInvalidParameter, "radius", "radius must be positive")
	}
	if q.Duration <= 0 {
		return nil, domain.Reject(domain.ErrInvalidParameter, "duration", "duration must be positive")
	}
	start := s.clock.Now()
	if q.Start != nil {
		start = *q.Start
	}
	end := start.Add(q.Duration)

	drivers, err := s.directory.ListActiveDrivers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active drivers: %w", err)
	}

	result := make([]Candidate, 0, len(drivers))
	for _, driver := range drivers {
		free, err := s.availability.IsAvailable(ctx, driver.ID, start, end)
		if err != nil {
			return nil, fmt.Errorf("availability for %s: %w", driver.ID, err)
		}
		if !free {
			continue
		}
		point, ok, err := s.positions.Position(ctx, driver)
		if err != nil {
			return nil, fmt.Errorf("position for %s: %w", driver.ID, err)
		}
		if !ok {
			continue
		}
		distance := geo.DistanceKM(base, point)
		if distance <= q.RadiusKM {
			result = append(result, Candidate{Driver: driver, DistanceKM: distance})
		}
	}
	return result, nil
}
