package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
)

// Message is the wire envelope for a push delivery.
type Message struct {
	Keys    []string       `json:"keys"`
	Payload map[string]any `json:"payload"`
}

// Encode marshals the envelope.
func Encode(keys []string, payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(Message{Keys: keys, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal push message: %w", err)
	}
	return data, nil
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSTransport publishes push messages to a subject consumed by the device gateway.
type NATSTransport struct {
	conn    natsPublisher
	subject string
}

// NewNATSTransport builds a transport using the provided NATS connection.
func NewNATSTransport(conn *nats.Conn, subject string) *NATSTransport {
	return newNATSTransport(conn, subject)
}

func newNATSTransport(conn natsPublisher, subject string) *NATSTransport {
	if subject == "" {
		subject = "hire.push"
	}
	return &NATSTransport{conn: conn, subject: subject}
}

// Send satisfies domain.PushTransport.
func (t *NATSTransport) Send(ctx context.Context, keys []string, payload map[string]any) error {
	if t == nil || t.conn == nil {
		return nil
	}
	data, err := Encode(keys, payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(t.subject)
	msg.Data = data
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set("x-trace-id", id)
	}
	if kind, ok := payload["kind"].(string); ok {
		msg.Header.Set("x-push-kind", kind)
	}
	return t.conn.PublishMsg(msg)
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
