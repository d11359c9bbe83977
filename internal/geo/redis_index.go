package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/chauffeur/internal/hire/domain"
)

// RedisIndex keeps the last reported driver positions in a Redis GEO set.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex constructs a Redis-backed position index.
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = "driver:locs"
	}
	return &RedisIndex{client: client, key: key}
}

// UpsertLocation records a driver's position.
func (r *RedisIndex) UpsertLocation(ctx context.Context, driverID uuid.UUID, p domain.GeoPoint) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: driverID.String(), Longitude: p.Lng, Latitude: p.Lat}).Err(); err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Position returns the driver's last position; ok is false when none was reported.
func (r *RedisIndex) Position(ctx context.Context, driver domain.Actor) (domain.GeoPoint, bool, error) {
	positions, err := r.client.GeoPos(ctx, r.key, driver.ID.String()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.GeoPoint{}, false, fmt.Errorf("redis geopos: %w", err)
	}
	if len(positions) == 0 || positions[0] == nil {
		return domain.GeoPoint{}, false, nil
	}
	return domain.GeoPoint{Lat: positions[0].Latitude, Lng: positions[0].Longitude}, true, nil
}

// DirectoryPositions resolves positions from the actor's stored location string.
type DirectoryPositions struct{}

// Position parses the actor's location; an empty location yields ok=false.
func (DirectoryPositions) Position(_ context.Context, driver domain.Actor) (domain.GeoPoint, bool, error) {
	if driver.Location == "" {
		return domain.GeoPoint{}, false, nil
	}
	p, err := ParseLocation(driver.Location)
	if err != nil {
		return domain.GeoPoint{}, false, nil
	}
	return p, true, nil
}
