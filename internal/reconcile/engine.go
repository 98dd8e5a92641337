// Package reconcile applies a verified gateway outcome to the local order,
// its transaction and the aggregates the order replenishes.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/donasi-payments/internal/store"
)

var (
	// ErrAlreadySettled marks a transaction that reached a terminal state earlier.
	ErrAlreadySettled = errors.New("reconcile: transaction already settled")
	// ErrUnknownTrade is returned when no transaction exists for the trade number.
	ErrUnknownTrade = errors.New("reconcile: unknown trade number")
	// ErrLineMismatch is returned when an order line does not fit the order kind.
	ErrLineMismatch = errors.New("reconcile: order line does not match order kind")
)

var openStates = []store.TransactionStatus{store.TransactionPending, store.TransactionProcessing}

// Outcome reports what a Settle or Fail call did.
type Outcome struct {
	OrderID   uuid.UUID
	TradeNo   string
	Amount    int64
	Status    store.TransactionStatus
	Duplicate bool
	// CompletedNeeds lists emergency needs that reached their target in this call.
	CompletedNeeds []uuid.UUID
}

// Applied reports whether the call changed state.
func (o Outcome) Applied() bool { return !o.Duplicate }

// Engine runs reconciliation as a single unit of work on the store.
type Engine struct {
	Store  store.Store
	Logger *zerolog.Logger
}

// New constructs an Engine.
func New(s store.Store, logger *zerolog.Logger) *Engine {
	return &Engine{Store: s, Logger: logger}
}

// Settle marks the transaction successful, the order paid, and credits every
// order line to its supply or emergency need. Replays are no-ops.
func (e *Engine) Settle(ctx context.Context, tradeNo, gatewayTradeNo string) (Outcome, error) {
	return e.apply(ctx, "reconcile.settle", tradeNo, gatewayTradeNo, store.TransactionSuccess)
}

// Fail marks the transaction and the order failed. Aggregates are untouched.
func (e *Engine) Fail(ctx context.Context, tradeNo, gatewayTradeNo string) (Outcome, error) {
	return e.apply(ctx, "reconcile.fail", tradeNo, gatewayTradeNo, store.TransactionFailed)
}

func (e *Engine) apply(ctx context.Context, spanName, tradeNo, gatewayTradeNo string, to store.TransactionStatus) (Outcome, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(attribute.String("payment.trade_no", tradeNo))

	if e == nil || e.Store == nil {
		return Outcome{}, errors.New("reconcile: store not configured")
	}

	var out Outcome
	err := e.Store.WithTx(ctx, func(q store.Queries) error {
		out = Outcome{TradeNo: tradeNo}
		txn, err := q.LockTransaction(ctx, tradeNo)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownTrade
			}
			return fmt.Errorf("lock transaction: %w", err)
		}
		out.OrderID = txn.OrderID
		if txn.Status.Terminal() {
			out.Status = txn.Status
			return ErrAlreadySettled
		}
		changed, err := q.TransitionTransaction(ctx, tradeNo, openStates, to, gatewayTradeNo)
		if err != nil {
			return fmt.Errorf("transition transaction: %w", err)
		}
		if !changed {
			out.Status = txn.Status
			return ErrAlreadySettled
		}
		out.Status = to

		order, err := q.GetOrder(ctx, txn.OrderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		out.Amount = order.TotalAmount
		if to == store.TransactionFailed {
			return q.UpdateOrderStatus(ctx, order.ID, store.OrderStatusFailed)
		}
		if err := q.UpdateOrderStatus(ctx, order.ID, store.OrderStatusPaid); err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		lines, err := q.ListOrderLines(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("load order lines: %w", err)
		}
		completed, err := credit(ctx, q, order, lines)
		if err != nil {
			return err
		}
		out.CompletedNeeds = completed
		return nil
	})

	switch {
	case errors.Is(err, ErrAlreadySettled):
		out.Duplicate = true
		e.logger().Info().Str("trade_no", tradeNo).Str("status", string(out.Status)).Msg("reconcile: already settled")
		return out, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{TradeNo: tradeNo}, err
	}
	e.logger().Info().
		Str("trade_no", tradeNo).
		Str("order_id", out.OrderID.String()).
		Str("status", string(out.Status)).
		Int("needs_completed", len(out.CompletedNeeds)).
		Msg("reconcile: applied")
	return out, nil
}

func credit(ctx context.Context, q store.Queries, order store.Order, lines []store.Line) ([]uuid.UUID, error) {
	var completed []uuid.UUID
	for _, line := range lines {
		if !order.Kind.Accepts(line) {
			return nil, fmt.Errorf("%w: order %s kind %s", ErrLineMismatch, order.ID, order.Kind)
		}
		switch l := line.(type) {
		case store.SupplyLine:
			if err := q.IncrementSupplyStock(ctx, l.SupplyID, l.Qty); err != nil {
				return nil, fmt.Errorf("increment supply %s: %w", l.SupplyID, err)
			}
		case store.NeedLine:
			need, err := q.AddNeedCollected(ctx, l.NeedID, l.Qty)
			if err != nil {
				return nil, fmt.Errorf("collect need %s: %w", l.NeedID, err)
			}
			if need.Status == store.NeedFundraising && need.Collected >= need.Requested {
				if err := q.CompleteNeed(ctx, need.ID); err != nil {
					return nil, fmt.Errorf("complete need %s: %w", need.ID, err)
				}
				completed = append(completed, need.ID)
			}
		}
	}
	return completed, nil
}

func (e *Engine) logger() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
