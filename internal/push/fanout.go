package push

import (
	"context"
	"errors"

	"github.com/example/chauffeur/internal/hire/domain"
)

// Fanout sends through every transport. Delivery counts as successful when
// at least one transport accepted the message.
type Fanout []domain.PushTransport

func (f Fanout) Send(ctx context.Context, keys []string, payload map[string]any) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(ctx, keys, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(f) > 0 && len(errs) == len(f) {
		return errors.Join(errs...)
	}
	return nil
}
