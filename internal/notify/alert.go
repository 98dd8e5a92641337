package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/resilience"
)

// Doer sends a request with retry semantics.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ReplayProtector guards against alerting twice for the same event within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// AlertNotifier posts selected domain events to an operator webhook.
type AlertNotifier struct {
	URL       string
	Secret    string
	Topics    map[string]bool
	HTTP      Doer
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    *zerolog.Logger
}

// NewAlertNotifier validates the target URL and builds a notifier for topics.
// An empty topic list alerts on reconciliation failures only.
func NewAlertNotifier(rawURL, secret string, timeout time.Duration, topics ...string) (*AlertNotifier, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		topics = []string{events.TopicReconciliationFailed}
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &AlertNotifier{
		URL:    rawURL,
		Secret: secret,
		Topics: set,
		HTTP: resilience.HTTPClient{
			Client:      HTTPClient(timeout),
			Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("alert-webhook"),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
		},
	}, nil
}

type alertBody struct {
	EventID     string          `json:"eventId"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Data        json.RawMessage `json:"data"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Notify implements events.Notifier. Topics outside the configured set are ignored.
func (a *AlertNotifier) Notify(ctx context.Context, ev events.Event) (err error) {
	if a == nil || a.HTTP == nil || !a.Topics[ev.Topic] {
		return nil
	}
	ctx, span := otel.Tracer("notify.Alert").Start(ctx, "AlertNotifier.Notify")
	defer span.End()
	span.SetAttributes(attribute.String("event.topic", ev.Topic), attribute.String("event.id", ev.ID.String()))

	result := "failed"
	defer func() {
		obs.CountAlert(result)
		if err != nil {
			span.RecordError(err)
			a.logger().Warn().Err(err).Str("topic", ev.Topic).Str("event_id", ev.ID.String()).Msg("alert delivery failed")
		}
	}()

	key := ""
	if a.Replay != nil && a.ReplayTTL > 0 {
		key = "alert:" + ev.ID.String()
		ok, err := a.Replay.Acquire(ctx, key, a.ReplayTTL)
		if err != nil {
			return err
		}
		if !ok {
			result = "suppressed"
			return nil
		}
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	body, err := json.Marshal(alertBody{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID.String(),
		Data:        ev.Payload,
		OccurredAt:  occurred.UTC(),
	})
	if err != nil {
		return err
	}
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "donasi-payments-alerts/1.0")
	req.Header.Set("X-Event-ID", ev.ID.String())
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	if a.Secret != "" {
		req.Header.Set("X-Signature", ComputeSignature(a.Secret, ts, ev.ID.String(), body))
	}

	resp, err := a.HTTP.Do(ctx, req)
	if err != nil {
		a.release(ctx, key)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.release(ctx, key)
		return fmt.Errorf("alert webhook responded %d", resp.StatusCode)
	}
	result = "delivered"
	return nil
}

func (a *AlertNotifier) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	_ = a.Replay.Release(context.WithoutCancel(ctx), key)
}

func (a *AlertNotifier) logger() *zerolog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid alert url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("alert url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("alert url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http alert url only allowed for localhost")
		}
	}
	return nil
}

// ComputeSignature is HMAC-SHA256 over "<ts>.<eventID>.<body>" keyed by secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns a traced client for alert delivery.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
