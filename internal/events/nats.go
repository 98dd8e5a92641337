package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/donasi-payments/internal/obs"
)

// DefaultSubjectPrefix is prepended to the topic to form the NATS subject.
const DefaultSubjectPrefix = "donation"

// MsgPublisher is the subset of *nats.Conn used for publishing.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// PublishMarker records broker acknowledgement of an event.
type PublishMarker interface {
	MarkPublished(ctx context.Context, id uuid.UUID) error
}

// NATSPublisher publishes events on subjects of the form <prefix>.<topic>.
type NATSPublisher struct {
	Conn   MsgPublisher
	Prefix string
	Marker PublishMarker
	Logger *zerolog.Logger
}

// Connect dials the NATS server with reconnect handlers that log through logger.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: nats url is required")
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
}

// Subject returns the subject an event topic is published on.
func (p NATSPublisher) Subject(topic string) string {
	prefix := strings.Trim(strings.TrimSpace(p.Prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + topic
}

// Publish implements Publisher.
func (p NATSPublisher) Publish(ctx context.Context, event Event) error {
	if p.Conn == nil {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject(event.Topic))
	msg.Data = data
	// lets JetStream streams drop duplicates when the relay republishes
	msg.Header.Set(nats.MsgIdHdr, event.ID.String())
	msg.Header.Set("Content-Type", "application/json")
	if err := p.Conn.PublishMsg(msg); err != nil {
		obs.CountEventPublished(event.Topic, "error")
		return err
	}
	obs.CountEventPublished(event.Topic, "ok")
	if p.Marker != nil {
		if err := p.Marker.MarkPublished(ctx, event.ID); err != nil && p.Logger != nil {
			p.Logger.Warn().Err(err).Str("event_id", event.ID.String()).Msg("mark event published")
		}
	}
	return nil
}
