package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/chauffeur/pkg/push"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Transport stores push messages in the outbox table. The Worker relays
// them to NATS, so a broker outage never loses a notification.
type Transport struct {
	db    execer
	topic string
}

// NewTransport accepts a *pgxpool.Pool or a pgx.Tx.
func NewTransport(db execer, topic string) *Transport {
	if topic == "" {
		topic = "hire.push"
	}
	return &Transport{db: db, topic: topic}
}

// Send satisfies domain.PushTransport.
func (t *Transport) Send(ctx context.Context, keys []string, payload map[string]any) error {
	data, err := push.Encode(keys, payload)
	if err != nil {
		return err
	}
	if _, err := t.db.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, t.topic, data); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
