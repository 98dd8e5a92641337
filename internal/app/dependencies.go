// Package app wires the infrastructure shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/donasi-payments/internal/config"
	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/health"
	"github.com/noah-isme/donasi-payments/internal/notify"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/payment"
	"github.com/noah-isme/donasi-payments/internal/queue"
	"github.com/noah-isme/donasi-payments/internal/reconcile"
	"github.com/noah-isme/donasi-payments/internal/resilience"
	"github.com/noah-isme/donasi-payments/internal/store"
)

// Dependencies holds the connections and domain services built from Config.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client
	// NATS is nil when NATS_URL is unset; events then stay in the outbox.
	NATS *nats.Conn

	Store      *store.Postgres
	Outbox     events.PGStore
	Publisher  events.Publisher
	Bus        *events.Bus
	Reconciler *reconcile.Engine
	Enqueuer   queue.Enqueuer
}

// New connects to Postgres, Redis and NATS and assembles the event bus and
// reconciliation engine. name identifies the process to the database and broker.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, name string) (*Dependencies, error) {
	if cfg.MigrateOnStart {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}

	d := &Dependencies{Config: cfg, Logger: logger}
	var err error
	if d.DB, err = openPool(ctx, cfg.DatabaseURL, name); err != nil {
		return nil, err
	}
	if d.Redis, err = openRedis(ctx, cfg.RedisURL, cfg.Obs.MetricsEnabled, logger); err != nil {
		d.Close()
		return nil, err
	}
	if cfg.NATSURL != "" {
		if d.NATS, err = events.Connect(cfg.NATSURL, name, logger); err != nil {
			d.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
	} else {
		logger.Warn().Msg("NATS_URL not set, domain events are kept in the outbox only")
	}

	d.Store = store.NewPostgres(d.DB)
	d.Outbox = events.PGStore{Pool: d.DB}
	if d.NATS != nil {
		d.Publisher = events.NATSPublisher{Conn: d.NATS, Prefix: cfg.NATSSubjectPrefix, Marker: d.Outbox, Logger: &d.Logger}
	}
	notifiers, err := Notifiers(cfg, d.Redis, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Bus = &events.Bus{Store: d.Outbox, Publisher: d.Publisher, Notifiers: notifiers}
	d.Reconciler = reconcile.New(d.Store, &d.Logger)
	d.Enqueuer = queue.Enqueuer{
		R:           d.Redis,
		Prefix:      cfg.Queue.Prefix,
		DedupTTL:    cfg.Payment.ResubmitWindow,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	return d, nil
}

// Notifiers builds the operator alert notifier when ALERT_WEBHOOK_URL is set.
func Notifiers(cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) ([]events.Notifier, error) {
	if cfg.Alert.WebhookURL == "" {
		return nil, nil
	}
	alert, err := notify.NewAlertNotifier(cfg.Alert.WebhookURL, cfg.Alert.WebhookSecret, cfg.Alert.Timeout, cfg.Alert.Topics...)
	if err != nil {
		return nil, fmt.Errorf("alert notifier: %w", err)
	}
	alert.HTTP = resilience.HTTPClient{
		Client:      notify.HTTPClient(cfg.Alert.Timeout),
		Breaker:     resilience.NewBreaker(cfg.Alert.CircuitMinReqs, cfg.Alert.CircuitRatio, cfg.Alert.CircuitCooldown).WithTarget("alert-webhook").WithLogger(logger),
		BaseBackoff: cfg.Queue.RetryBase / 10,
		MaxAttempts: 3,
		Jitter:      cfg.Queue.RetryJitter,
		Timeout:     cfg.Alert.Timeout,
	}
	if rdb != nil {
		alert.Replay = payment.RedisReplayGuard{Client: rdb, Prefix: cfg.Queue.Prefix}
		alert.ReplayTTL = cfg.Payment.CallbackReplayTTL
	}
	alert.Logger = &logger
	return []events.Notifier{alert}, nil
}

// Probes returns readiness checks for every configured backend.
func (d *Dependencies) Probes() map[string]health.Probe {
	probes := map[string]health.Probe{
		"db":    func(ctx context.Context) error { return d.DB.Ping(ctx) },
		"redis": func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() },
	}
	if d.NATS != nil {
		probes["nats"] = func(context.Context) error {
			if !d.NATS.IsConnected() {
				return errors.New("nats: " + d.NATS.Status().String())
			}
			return nil
		}
	}
	return probes
}

// Relay republishes outbox rows the broker never acknowledged. It is nil
// without a NATS connection.
func (d *Dependencies) Relay() *events.Relay {
	if d.Publisher == nil {
		return nil
	}
	return &events.Relay{
		Outbox:    d.Outbox,
		Publisher: d.Publisher,
		Batch:     d.Config.Limits.OutboxBatch,
		Interval:  d.Config.Limits.OutboxInterval,
		Logger:    d.Logger.With().Str("component", "outbox").Logger(),
	}
}

// Close releases every connection New opened.
func (d *Dependencies) Close() {
	if d.NATS != nil {
		if err := d.NATS.Drain(); err != nil {
			d.Logger.Error().Err(err).Msg("drain nats")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

func openPool(ctx context.Context, databaseURL, name string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = name

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, redisURL string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
