package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/chauffeur/internal/hire/domain"
)

// Segment is a fixed hourly rate band.
type Segment struct {
	ID           string
	HourlyCents  int64
	MinimumHours int
	Currency     string
}

// MemoryPriceBook resolves charges from an in-memory segment table.
type MemoryPriceBook struct {
	mu       sync.RWMutex
	segments map[string]Segment
}

// NewMemoryPriceBook seeds the price book.
func NewMemoryPriceBook(segments ...Segment) *MemoryPriceBook {
	p := &MemoryPriceBook{segments: make(map[string]Segment, len(segments))}
	for _, s := range segments {
		p.segments[s.ID] = s
	}
	return p
}

func (p *MemoryPriceBook) Lookup(_ context.Context, segmentID string, hours int) (domain.Charge, error) {
	p.mu.RLock()
	seg, ok := p.segments[segmentID]
	p.mu.RUnlock()
	if !ok {
		return domain.Charge{}, domain.ErrNotFound
	}
	return chargeFor(seg, hours), nil
}

func chargeFor(seg Segment, hours int) domain.Charge {
	if hours < seg.MinimumHours {
		hours = seg.MinimumHours
	}
	return domain.Charge{
		Ref:         fmt.Sprintf("%s:%dh", seg.ID, hours),
		SegmentID:   seg.ID,
		Hours:       hours,
		AmountCents: seg.HourlyCents * int64(hours),
		Currency:    seg.Currency,
	}
}

// PostgresPriceBook reads segments from the price_segments table.
type PostgresPriceBook struct {
	pool *pgxpool.Pool
}

func NewPostgresPriceBook(pool *pgxpool.Pool) *PostgresPriceBook {
	return &PostgresPriceBook{pool: pool}
}

func (p *PostgresPriceBook) Lookup(ctx context.Context, segmentID string, hours int) (domain.Charge, error) {
	seg := Segment{ID: segmentID}
	err := p.pool.QueryRow(ctx,
		`SELECT hourly_cents, minimum_hours, currency FROM price_segments WHERE id = $1`,
		segmentID,
	).Scan(&seg.HourlyCents, &seg.MinimumHours, &seg.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Charge{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Charge{}, fmt.Errorf("lookup price segment: %w", err)
	}
	return chargeFor(seg, hours), nil
}
