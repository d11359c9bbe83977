package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/chauffeur/internal/hire/domain"
)

const hireRequestColumns = `id, customer_id, driver_id, start_time, duration_seconds, status, price_ref, location, created_at, updated_at, version`

// PostgresRepository stores hire requests and reviews in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateHireRequest inserts the request and its empty review in one transaction.
func (r *PostgresRepository) CreateHireRequest(ctx context.Context, req domain.HireRequest) (domain.HireRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.HireRequest{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		INSERT INTO hire_requests (id, customer_id, driver_id, start_time, duration_seconds, status, price_ref, location, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, 1)
		RETURNING ` + hireRequestColumns

	created, err := scanHireRequest(tx.QueryRow(ctx, query,
		req.ID,
		req.CustomerID,
		req.DriverID,
		req.StartTime,
		int64(req.Duration/time.Second),
		int(req.Status),
		req.PriceRef,
		req.Location,
		req.CreatedAt,
	))
	if err != nil {
		return domain.HireRequest{}, fmt.Errorf("insert hire request: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO reviews (request_id) VALUES ($1)`, req.ID); err != nil {
		return domain.HireRequest{}, fmt.Errorf("insert review: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.HireRequest{}, fmt.Errorf("commit transaction: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetHireRequest(ctx context.Context, id uuid.UUID) (domain.HireRequest, error) {
	query := `SELECT ` + hireRequestColumns + ` FROM hire_requests WHERE id = $1`
	req, err := scanHireRequest(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HireRequest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.HireRequest{}, fmt.Errorf("get hire request: %w", err)
	}
	return req, nil
}

// UpdateStatus is the single mutation point for a request's status. The
// version predicate makes concurrent writers race for one row version.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.Status, expectedVersion int64) (domain.HireRequest, error) {
	query := `
		UPDATE hire_requests
		SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3
		RETURNING ` + hireRequestColumns

	req, err := scanHireRequest(r.pool.QueryRow(ctx, query, id, int(status), expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetHireRequest(ctx, id); getErr != nil {
			return domain.HireRequest{}, getErr
		}
		return domain.HireRequest{}, domain.ErrVersionConflict
	}
	if err != nil {
		return domain.HireRequest{}, fmt.Errorf("update hire request status: %w", err)
	}
	return req, nil
}

func (r *PostgresRepository) ListDriverRequests(ctx context.Context, driverID uuid.UUID, statuses ...domain.Status) ([]domain.HireRequest, error) {
	query := `SELECT ` + hireRequestColumns + ` FROM hire_requests WHERE driver_id = $1`
	args := []any{driverID}
	if len(statuses) > 0 {
		codes := make([]int32, len(statuses))
		for i, s := range statuses {
			codes[i] = int32(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, codes)
	}
	query += ` ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list driver requests: %w", err)
	}
	defer rows.Close()

	var out []domain.HireRequest
	for rows.Next() {
		req, err := scanHireRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hire request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hire requests: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetReview(ctx context.Context, requestID uuid.UUID) (domain.Review, error) {
	review := domain.Review{RequestID: requestID}
	err := r.pool.QueryRow(ctx,
		`SELECT driver_review, customer_review, version FROM reviews WHERE request_id = $1`,
		requestID,
	).Scan(&review.DriverReview, &review.CustomerReview, &review.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Review{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Review{}, fmt.Errorf("get review: %w", err)
	}
	return review, nil
}

func (r *PostgresRepository) UpdateReview(ctx context.Context, review domain.Review) (domain.Review, error) {
	updated := domain.Review{RequestID: review.RequestID}
	err := r.pool.QueryRow(ctx, `
		UPDATE reviews
		SET driver_review = $2, customer_review = $3, version = version + 1
		WHERE request_id = $1 AND version = $4
		RETURNING driver_review, customer_review, version`,
		review.RequestID, review.DriverReview, review.CustomerReview, review.Version,
	).Scan(&updated.DriverReview, &updated.CustomerReview, &updated.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetReview(ctx, review.RequestID); getErr != nil {
			return domain.Review{}, getErr
		}
		return domain.Review{}, domain.ErrVersionConflict
	}
	if err != nil {
		return domain.Review{}, fmt.Errorf("update review: %w", err)
	}
	return updated, nil
}

func scanHireRequest(row pgx.Row) (domain.HireRequest, error) {
	var (
		req             domain.HireRequest
		durationSeconds int64
		status          int16
	)
	err := row.Scan(
		&req.ID,
		&req.CustomerID,
		&req.DriverID,
		&req.StartTime,
		&durationSeconds,
		&status,
		&req.PriceRef,
		&req.Location,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.Version,
	)
	if err != nil {
		return domain.HireRequest{}, err
	}
	req.Duration = time.Duration(durationSeconds) * time.Second
	req.Status = domain.Status(status)
	return req, nil
}
