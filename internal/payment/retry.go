package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/queue"
	"github.com/noah-isme/donasi-payments/internal/store"
)

// RetryKind is the queue kind carrying deferred settlements.
const RetryKind = "reconcile-settle"

// RetryScheduler defers a settlement that failed after a verified callback.
type RetryScheduler interface {
	ScheduleSettle(ctx context.Context, tradeNo, gatewayTradeNo string) error
}

type retryPayload struct {
	TradeNo        string `json:"tradeNo"`
	GatewayTradeNo string `json:"gatewayTradeNo,omitempty"`
}

// QueueRetry schedules settlements on the Redis task queue, one per trade number.
type QueueRetry struct {
	Enqueuer    queue.Enqueuer
	MaxAttempts int
	Delay       time.Duration
}

// ScheduleSettle implements RetryScheduler.
func (q QueueRetry) ScheduleSettle(ctx context.Context, tradeNo, gatewayTradeNo string) error {
	payload, err := json.Marshal(retryPayload{TradeNo: tradeNo, GatewayTradeNo: gatewayTradeNo})
	if err != nil {
		return err
	}
	return q.Enqueuer.Enqueue(ctx, queue.Task{
		Kind:           RetryKind,
		Payload:        payload,
		IdempotencyKey: tradeNo,
		MaxAttempts:    q.MaxAttempts,
		Delay:          q.Delay,
	})
}

// RetryHandler settles queued trade numbers in the worker process.
type RetryHandler struct {
	Reconciler Reconciler
	// Store resolves the order behind an exhausted task so the alert carries it.
	Store  store.Store
	Events *events.Bus
	Logger *zerolog.Logger
}

// Handle is a queue.Worker handler. Returning an error reschedules the task.
func (h RetryHandler) Handle(ctx context.Context, task queue.Task) error {
	if h.Reconciler == nil {
		return errors.New("payment: retry handler not configured")
	}
	var p retryPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.TradeNo == "" {
		// a malformed payload can never succeed, drop it
		loggerOrNop(h.Logger).Error().Err(err).Str("idempotency_key", task.IdempotencyKey).Msg("discard reconcile retry")
		return nil
	}
	start := time.Now()
	out, err := h.Reconciler.Settle(ctx, p.TradeNo, p.GatewayTradeNo)
	if obs.ReconcileRetryLatency != nil {
		label := "ok"
		if err != nil {
			label = "error"
		}
		obs.ReconcileRetryLatency.WithLabelValues(label).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		obs.CountReconciliationFailure("retry")
		loggerOrNop(h.Logger).Warn().Err(err).Str("trade_no", p.TradeNo).Int("attempt", task.Attempt).Msg("reconcile retry failed")
		return fmt.Errorf("settle %s: %w", p.TradeNo, err)
	}
	if out.Applied() {
		emitSettled(ctx, h.Events, h.Logger, out, "retry", p.GatewayTradeNo)
	}
	return nil
}

// DeadLetter is a queue.DeadLetterHandler. It raises reconciliation.failed for
// a settlement that exhausted its retries so an operator can step in.
func (h RetryHandler) DeadLetter(ctx context.Context, task queue.Task, cause error) {
	obs.CountReconciliationFailure("exhausted")
	var p retryPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.TradeNo == "" {
		return
	}
	log := loggerOrNop(h.Logger).With().Str("trade_no", p.TradeNo).Int("attempts", task.Attempt).Logger()
	log.Error().Err(cause).Msg("reconcile retries exhausted")
	if h.Store == nil || h.Events == nil {
		return
	}
	order, err := h.Store.GetOrderByTradeNo(ctx, p.TradeNo)
	if err != nil {
		log.Warn().Err(err).Msg("resolve order for dead letter")
		return
	}
	emitReconciliationFailed(ctx, h.Events, h.Logger, order.ID, p.TradeNo, "exhausted", fmt.Errorf("retries exhausted: %w", cause))
}
