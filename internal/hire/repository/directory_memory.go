package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/chauffeur/internal/hire/domain"
)

// MemoryDirectory keeps actor records in memory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	actors map[uuid.UUID]domain.Actor
	folds  map[ratingFold]struct{}
}

type ratingFold struct {
	actor   uuid.UUID
	request uuid.UUID
}

// NewMemoryDirectory seeds the directory with the given actors.
func NewMemoryDirectory(actors ...domain.Actor) *MemoryDirectory {
	d := &MemoryDirectory{
		actors: make(map[uuid.UUID]domain.Actor, len(actors)),
		folds:  make(map[ratingFold]struct{}),
	}
	for _, a := range actors {
		d.actors[a.ID] = a
	}
	return d
}

// Put inserts or replaces an actor.
func (d *MemoryDirectory) Put(a domain.Actor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actors[a.ID] = a
}

func (d *MemoryDirectory) GetActor(_ context.Context, id uuid.UUID) (domain.Actor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[id]
	if !ok {
		return domain.Actor{}, domain.ErrNotFound
	}
	return cloneActor(a), nil
}

func (d *MemoryDirectory) GetActorByEmail(_ context.Context, email string) (domain.Actor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.actors {
		if strings.EqualFold(a.Email, email) {
			return cloneActor(a), nil
		}
	}
	return domain.Actor{}, domain.ErrNotFound
}

func (d *MemoryDirectory) ListActiveDrivers(_ context.Context) ([]domain.Actor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Actor
	for _, a := range d.actors {
		if a.Role == domain.RoleDriver && a.IsActive {
			out = append(out, cloneActor(a))
		}
	}
	return out, nil
}

// IncrementHires bumps number_of_hires for every id under one lock.
func (d *MemoryDirectory) IncrementHires(_ context.Context, ids ...uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if _, ok := d.actors[id]; !ok {
			return domain.ErrNotFound
		}
	}
	for _, id := range ids {
		a := d.actors[id]
		a.NumberOfHires++
		d.actors[id] = a
	}
	return nil
}

func (d *MemoryDirectory) ApplyRating(_ context.Context, id, requestID uuid.UUID, stars float64) (domain.Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[id]
	if !ok {
		return domain.Actor{}, domain.ErrNotFound
	}
	key := ratingFold{actor: id, request: requestID}
	if _, done := d.folds[key]; done {
		return cloneActor(a), nil
	}
	d.folds[key] = struct{}{}
	a.ReviewStars, a.ReviewCount = domain.RunningMean(a.ReviewStars, a.ReviewCount, stars)
	d.actors[id] = a
	return cloneActor(a), nil
}

func (d *MemoryDirectory) UpdateLocation(_ context.Context, id uuid.UUID, location string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Location = location
	a.LocationUpdatedAt = &at
	d.actors[id] = a
	return nil
}

func cloneActor(a domain.Actor) domain.Actor {
	a.PushKeys = append([]string(nil), a.PushKeys...)
	if a.LocationUpdatedAt != nil {
		t := *a.LocationUpdatedAt
		a.LocationUpdatedAt = &t
	}
	return a
}
