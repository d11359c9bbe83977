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

const actorColumns = `id, email, full_name, user_type, is_active, location, location_updated_at, push_keys, number_of_hires, review_count, review_stars, driver_filter_radius`

// PostgresDirectory reads and updates actor rows.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) GetActor(ctx context.Context, id uuid.UUID) (domain.Actor, error) {
	return d.getOne(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id)
}

func (d *PostgresDirectory) GetActorByEmail(ctx context.Context, email string) (domain.Actor, error) {
	return d.getOne(ctx, `SELECT `+actorColumns+` FROM actors WHERE lower(email) = lower($1)`, email)
}

func (d *PostgresDirectory) ListActiveDrivers(ctx context.Context) ([]domain.Actor, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE user_type = $1 AND is_active = TRUE`,
		int(domain.RoleDriver),
	)
	if err != nil {
		return nil, fmt.Errorf("list active drivers: %w", err)
	}
	defer rows.Close()

	var drivers []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		drivers = append(drivers, a)
	}
	return drivers, rows.Err()
}

// IncrementHires bumps the hire counters in a single statement.
func (d *PostgresDirectory) IncrementHires(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	tag, err := d.pool.Exec(ctx,
		`UPDATE actors SET number_of_hires = number_of_hires + 1 WHERE id = ANY($1::uuid[])`,
		keys,
	)
	if err != nil {
		return fmt.Errorf("increment hires: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyRating records the (actor, request) fold and computes the running mean
// inside the UPDATE, both in one transaction. Concurrent ratings of the same
// actor never read a stale count and a request is never folded twice.
func (d *PostgresDirectory) ApplyRating(ctx context.Context, id, requestID uuid.UUID, stars float64) (domain.Actor, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO rating_folds (actor_id, request_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		id, requestID,
	)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("record rating fold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return d.GetActor(ctx, id)
	}

	query := `
		UPDATE actors SET
			review_stars = CASE WHEN review_count <= 0 THEN $2
				ELSE (review_stars * review_count + $2) / (review_count + 1) END,
			review_count = GREATEST(review_count, 0) + 1
		WHERE id = $1
		RETURNING ` + actorColumns
	a, err := scanActor(tx.QueryRow(ctx, query, id, stars))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Actor{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Actor{}, fmt.Errorf("apply rating: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Actor{}, fmt.Errorf("commit transaction: %w", err)
	}
	return a, nil
}

func (d *PostgresDirectory) UpdateLocation(ctx context.Context, id uuid.UUID, location string, at time.Time) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE actors SET location = $2, location_updated_at = $3 WHERE id = $1`,
		id, location, at,
	)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (d *PostgresDirectory) getOne(ctx context.Context, query string, arg any) (domain.Actor, error) {
	a, err := scanActor(d.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Actor{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Actor{}, fmt.Errorf("get actor: %w", err)
	}
	return a, nil
}

func scanActor(row pgx.Row) (domain.Actor, error) {
	var (
		a        domain.Actor
		userType int16
	)
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.FullName,
		&userType,
		&a.IsActive,
		&a.Location,
		&a.LocationUpdatedAt,
		&a.PushKeys,
		&a.NumberOfHires,
		&a.ReviewCount,
		&a.ReviewStars,
		&a.DriverFilterRadiusKM,
	)
	a.Role = domain.Role(userType)
	return a, err
}
