package location

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/geo"
	"github.com/example/chauffeur/internal/hire/domain"
)

// Index mirrors driver positions for discovery.
type Index interface {
	UpsertLocation(ctx context.Context, driverID uuid.UUID, p domain.GeoPoint) error
}

// Ingestor records reported positions in the actor directory and, for
// drivers, in the geo index.
type Ingestor struct {
	directory domain.Directory
	index     Index
	clock     domain.Clock
	logger    *zap.Logger
}

// NewIngestor constructs the ingestor. index may be nil.
func NewIngestor(directory domain.Directory, index Index, clock domain.Clock, logger *zap.Logger) *Ingestor {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{directory: directory, index: index, clock: clock, logger: logger}
}

// Report stores the position. A zero at is stamped with the current time.
func (i *Ingestor) Report(ctx context.Context, actorID uuid.UUID, p domain.GeoPoint, at time.Time) error {
	location := geo.FormatLocation(p)
	if _, err := geo.ParseLocation(location); err != nil {
		return err
	}
	if at.IsZero() {
		at = i.clock.Now()
	}

	actor, err := i.directory.GetActor(ctx, actorID)
	if err != nil {
		return err
	}
	if err := i.directory.UpdateLocation(ctx, actorID, location, at.UTC()); err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if actor.Role == domain.RoleDriver && i.index != nil {
		if err := i.index.UpsertLocation(ctx, actorID, p); err != nil {
			i.logger.Warn("geo index update failed", zap.Error(err), zap.String("driver_id", actorID.String()))
		}
	}
	return nil
}
