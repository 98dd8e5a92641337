package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// OutboxReader lists events the broker has not acknowledged yet.
type OutboxReader interface {
	ListUnpublished(ctx context.Context, limit int) ([]Event, error)
}

// Relay republishes outbox rows whose first publication failed.
type Relay struct {
	Outbox    OutboxReader
	Publisher Publisher
	Batch     int
	Interval  time.Duration
	Logger    zerolog.Logger
}

// RunOnce publishes one batch and returns the number of delivered events.
func (r Relay) RunOnce(ctx context.Context) (int, error) {
	if r.Outbox == nil || r.Publisher == nil {
		return 0, errors.New("events: relay not configured")
	}
	pending, err := r.Outbox.ListUnpublished(ctx, r.Batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	var joined error
	for _, ev := range pending {
		if err := r.Publisher.Publish(ctx, ev); err != nil {
			joined = errors.Join(joined, err)
			continue
		}
		sent++
	}
	return sent, joined
}

// Run polls the outbox until ctx is cancelled.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.Logger.Error().Err(err).Msg("relay outbox")
			}
			if n > 0 {
				r.Logger.Info().Int("published", n).Msg("relay outbox")
			}
		}
	}
}
