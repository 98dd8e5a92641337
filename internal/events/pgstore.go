package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the event store has no database configured.
var ErrStoreUnavailable = errors.New("events: store unavailable")

// PGStore persists events in the domain_events outbox table.
type PGStore struct {
	Pool *pgxpool.Pool
}

// InsertDomainEvent implements EventStore.
func (s PGStore) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (Event, error) {
	if s.Pool == nil {
		return Event{}, ErrStoreUnavailable
	}
	ev := Event{Topic: topic, AggregateID: aggregateID, Payload: json.RawMessage(payload)}
	err := s.Pool.QueryRow(ctx, `INSERT INTO domain_events (topic, aggregate_id, payload)
VALUES ($1, $2, $3::jsonb) RETURNING id, created_at`, topic, aggregateID.String(), payload).Scan(&ev.ID, &ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ListUnpublished returns the oldest events that have not been acknowledged by the broker.
func (s PGStore) ListUnpublished(ctx context.Context, limit int) ([]Event, error) {
	if s.Pool == nil {
		return nil, ErrStoreUnavailable
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `SELECT id, topic, aggregate_id, payload, created_at FROM domain_events
WHERE published_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			aggregate string
			payload   []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &aggregate, &payload, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.AggregateID, _ = uuid.Parse(aggregate)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkPublished stamps the event as delivered to the broker.
func (s PGStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if s.Pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.Pool.Exec(ctx, `UPDATE domain_events SET published_at = now() WHERE id = $1 AND published_at IS NULL`, id)
	return err
}
