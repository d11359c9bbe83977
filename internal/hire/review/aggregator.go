package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/hire/domain"
)

const (
	MinStars = 1.0
	MaxStars = 5.0

	maxWriteAttempts = 3
)

var reviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hire_reviews_total",
	Help: "Review submissions by outcome.",
}, []string{"result"})

// Aggregator records the two halves of a request's review and folds each
// rating into the rated actor's running mean once both halves are in.
type Aggregator struct {
	repo      domain.Repository
	directory domain.Directory
	logger    *zap.Logger
}

func New(repo domain.Repository, directory domain.Directory, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{repo: repo, directory: directory, logger: logger}
}

// SubmitReview stores the actor's stars for a finished request and returns
// the resulting review status.
func (a *Aggregator) SubmitReview(ctx context.Context, actorID, requestID uuid.UUID, stars float64) (domain.ReviewStatus, error) {
	req, err := a.repo.GetHireRequest(ctx, requestID)
	if err != nil {
		return "", err
	}

	var asDriver bool
	switch actorID {
	case req.DriverID:
		asDriver = true
	case req.CustomerID:
		asDriver = false
	default:
		reviewsTotal.WithLabelValues("forbidden").Inc()
		return "", domain.Reject(domain.ErrForbidden, "", "only the parties of a request can review it")
	}
	if req.Status != domain.StatusDone {
		reviewsTotal.WithLabelValues("rejected").Inc()
		return "", domain.Reject(domain.ErrBadRequest, "status", "request is not done")
	}
	if stars < MinStars || stars > MaxStars {
		reviewsTotal.WithLabelValues("rejected").Inc()
		return "", domain.Reject(domain.ErrInvalidParameter, "stars", fmt.Sprintf("stars must be between %.0f and %.0f", MinStars, MaxStars))
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := a.repo.GetReview(ctx, requestID)
		if err != nil {
			return "", err
		}
		if current.Status() == domain.ReviewBothDone {
			// finishes a fold left behind by a failed completion
			if err := a.applyRatings(ctx, req, current); err != nil {
				return current.Status(), err
			}
			reviewsTotal.WithLabelValues("forbidden").Inc()
			return current.Status(), domain.Reject(domain.ErrForbidden, "review", "review is already complete")
		}

		half := &current.CustomerReview
		if asDriver {
			half = &current.DriverReview
		}
		if *half != nil {
			reviewsTotal.WithLabelValues("not_modified").Inc()
			return current.Status(), domain.ErrNotModified
		}
		value := stars
		*half = &value

		updated, err := a.repo.UpdateReview(ctx, current)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("update review: %w", err)
		}

		if updated.Status() == domain.ReviewBothDone {
			if err := a.applyRatings(ctx, req, updated); err != nil {
				return updated.Status(), err
			}
		}
		reviewsTotal.WithLabelValues("accepted").Inc()
		a.logger.Info("review submitted",
			zap.String("request_id", requestID.String()),
			zap.String("actor_id", actorID.String()),
			zap.String("review_status", string(updated.Status())),
		)
		return updated.Status(), nil
	}
	return "", fmt.Errorf("update review %s: %w", requestID, domain.ErrVersionConflict)
}

// applyRatings folds both halves of a complete review. The directory folds a
// request at most once per actor, so calling it again after a partial failure
// only completes the missing side.
func (a *Aggregator) applyRatings(ctx context.Context, req domain.HireRequest, r domain.Review) error {
	driver, err := a.directory.ApplyRating(ctx, req.DriverID, req.ID, *r.CustomerReview)
	if err != nil {
		return fmt.Errorf("apply driver rating: %w", err)
	}
	customer, err := a.directory.ApplyRating(ctx, req.CustomerID, req.ID, *r.DriverReview)
	if err != nil {
		return fmt.Errorf("apply customer rating: %w", err)
	}
	a.logger.Debug("ratings applied",
		zap.String("driver_id", driver.ID.String()),
		zap.Float64("driver_stars", driver.ReviewStars),
		zap.String("customer_id", customer.ID.String()),
		zap.Float64("customer_stars", customer.ReviewStars),
	)
	return nil
}

// Get returns a request's review to one of its parties.
func (a *Aggregator) Get(ctx context.Context, actorID, requestID uuid.UUID) (domain.Review, error) {
	req, err := a.repo.GetHireRequest(ctx, requestID)
	if err != nil {
		return domain.Review{}, err
	}
	if actorID != req.DriverID && actorID != req.CustomerID {
		return domain.Review{}, domain.Reject(domain.ErrForbidden, "", "only the parties of a request can read its review")
	}
	return a.repo.GetReview(ctx, requestID)
}
