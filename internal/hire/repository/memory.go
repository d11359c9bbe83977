package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/chauffeur/internal/hire/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests and local demos.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]domain.HireRequest
	reviews  map[uuid.UUID]domain.Review
	byDriver map[uuid.UUID][]uuid.UUID
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[uuid.UUID]domain.HireRequest),
		reviews:  make(map[uuid.UUID]domain.Review),
		byDriver: make(map[uuid.UUID][]uuid.UUID),
	}
}

// CreateHireRequest stores the request with its empty review.
func (m *MemoryRepository) CreateHireRequest(_ context.Context, req domain.HireRequest) (domain.HireRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Version == 0 {
		req.Version = 1
	}
	m.requests[req.ID] = req
	m.reviews[req.ID] = domain.Review{RequestID: req.ID, Version: 1}
	m.byDriver[req.DriverID] = append(m.byDriver[req.DriverID], req.ID)
	return req, nil
}

// GetHireRequest retrieves a request.
func (m *MemoryRepository) GetHireRequest(_ context.Context, id uuid.UUID) (domain.HireRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.HireRequest{}, domain.ErrNotFound
	}
	return req, nil
}

// UpdateStatus performs optimistic locking on version.
func (m *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status domain.Status, expectedVersion int64) (domain.HireRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.requests[id]
	if !ok {
		return domain.HireRequest{}, domain.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return domain.HireRequest{}, domain.ErrVersionConflict
	}
	existing.Status = status
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	m.requests[id] = existing
	return existing, nil
}

// ListDriverRequests returns the driver's requests in creation order,
// restricted to statuses when any are given.
func (m *MemoryRepository) ListDriverRequests(_ context.Context, driverID uuid.UUID, statuses ...domain.Status) ([]domain.HireRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.HireRequest
	for _, id := range m.byDriver[driverID] {
		req := m.requests[id]
		if len(statuses) > 0 && !containsStatus(statuses, req.Status) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// GetReview retrieves the review attached to a request.
func (m *MemoryRepository) GetReview(_ context.Context, requestID uuid.UUID) (domain.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	review, ok := m.reviews[requestID]
	if !ok {
		return domain.Review{}, domain.ErrNotFound
	}
	return copyReview(review), nil
}

// UpdateReview replaces both halves when the version matches.
func (m *MemoryRepository) UpdateReview(_ context.Context, review domain.Review) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.reviews[review.RequestID]
	if !ok {
		return domain.Review{}, domain.ErrNotFound
	}
	if existing.Version != review.Version {
		return domain.Review{}, domain.ErrVersionConflict
	}
	review = copyReview(review)
	review.Version++
	m.reviews[review.RequestID] = review
	return copyReview(review), nil
}

func containsStatus(statuses []domain.Status, s domain.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func copyReview(r domain.Review) domain.Review {
	if r.DriverReview != nil {
		v := *r.DriverReview
		r.DriverReview = &v
	}
	if r.CustomerReview != nil {
		v := *r.CustomerReview
		r.CustomerReview = &v
	}
	return r
}
