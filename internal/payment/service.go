package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/reconcile"
	"github.com/noah-isme/donasi-payments/internal/store"
)

// Reconciler applies verified gateway outcomes.
type Reconciler interface {
	Settle(ctx context.Context, tradeNo, gatewayTradeNo string) (reconcile.Outcome, error)
	Fail(ctx context.Context, tradeNo, gatewayTradeNo string) (reconcile.Outcome, error)
}

// Service signs checkouts and answers status queries for donation orders.
type Service struct {
	Store      store.Store
	Gateway    Gateway
	Reconciler Reconciler
	Events     *events.Bus
	URLs       CallbackURLs
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// StatusView is the consolidated payment state of a trade number.
type StatusView struct {
	OrderID           uuid.UUID               `json:"orderId"`
	TradeNo           string                  `json:"tradeNo"`
	Amount            int64                   `json:"amount"`
	OrderStatus       store.OrderStatus       `json:"orderStatus"`
	TransactionStatus store.TransactionStatus `json:"transactionStatus,omitempty"`
	Status            string                  `json:"status"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

// Checkout builds the signed gateway form for an order and records the
// attempt as a PROCESSING transaction before returning it.
func (s *Service) Checkout(ctx context.Context, orderID uuid.UUID, urls CallbackURLs) (form CheckoutForm, err error) {
	if s == nil || s.Store == nil || s.Gateway == nil {
		return CheckoutForm{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Checkout")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID.String()))

	result := "error"
	defer func() {
		if errors.Is(err, ErrValidation) {
			result = "rejected"
		}
		span.SetAttributes(attribute.String("payment.checkout.result", result))
		obs.CountCheckout(result)
	}()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CheckoutForm{}, notFoundError("order not found")
		}
		return CheckoutForm{}, fmt.Errorf("load order: %w", err)
	}
	form, err = s.sign(order, order.TradeNo, urls)
	if err != nil {
		return CheckoutForm{}, err
	}
	if _, err := s.Store.UpsertProcessingTransaction(ctx, order.ID, order.TradeNo); err != nil {
		if errors.Is(err, store.ErrTransactionTerminal) {
			return CheckoutForm{}, validationError("transaction already settled for this trade number")
		}
		return CheckoutForm{}, fmt.Errorf("record transaction: %w", err)
	}
	result = "success"
	s.logger().Info().Str("order_id", order.ID.String()).Str("trade_no", order.TradeNo).Int64("amount", order.TotalAmount).Msg("checkout signed")
	return form, nil
}

// sign builds the gateway form for order under tradeNo without touching the store.
func (s *Service) sign(order store.Order, tradeNo string, urls CallbackURLs) (CheckoutForm, error) {
	if order.Status == store.OrderStatusPaid {
		return CheckoutForm{}, validationError("order already paid")
	}
	return s.Gateway.BuildCheckout(CheckoutRequest{
		TradeNo:  tradeNo,
		Amount:   order.TotalAmount,
		ItemName: order.ItemName,
		At:       s.now(),
		URLs:     urls.withDefaults(s.URLs),
	})
}

// Status returns the transaction status for tradeNo, falling back to the order.
func (s *Service) Status(ctx context.Context, tradeNo string) (StatusView, error) {
	if s == nil || s.Store == nil {
		return StatusView{}, errors.New("payment service not configured")
	}
	order, err := s.Store.GetOrderByTradeNo(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusView{}, notFoundError("trade number not found")
		}
		return StatusView{}, err
	}
	view := StatusView{
		OrderID:     order.ID,
		TradeNo:     order.TradeNo,
		Amount:      order.TotalAmount,
		OrderStatus: order.Status,
		Status:      string(order.Status),
		UpdatedAt:   order.UpdatedAt,
	}
	txn, err := s.Store.GetTransactionByTradeNo(ctx, tradeNo)
	switch {
	case err == nil:
		view.TransactionStatus = txn.Status
		view.Status = string(txn.Status)
		if txn.UpdatedAt.After(view.UpdatedAt) {
			view.UpdatedAt = txn.UpdatedAt
		}
	case !errors.Is(err, store.ErrNotFound):
		return StatusView{}, err
	}
	return view, nil
}

// MarkPaid settles an order synchronously through the same conditional
// transition the callback path uses.
func (s *Service) MarkPaid(ctx context.Context, orderID uuid.UUID) (reconcile.Outcome, error) {
	if s == nil || s.Store == nil || s.Reconciler == nil {
		return reconcile.Outcome{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.MarkPaid")
	defer span.End()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return reconcile.Outcome{}, notFoundError("order not found")
		}
		return reconcile.Outcome{}, err
	}
	if _, err := s.Store.GetTransactionByTradeNo(ctx, order.TradeNo); errors.Is(err, store.ErrNotFound) {
		if _, err := s.Store.UpsertProcessingTransaction(ctx, order.ID, order.TradeNo); err != nil {
			return reconcile.Outcome{}, fmt.Errorf("record transaction: %w", err)
		}
	} else if err != nil {
		return reconcile.Outcome{}, err
	}
	out, err := s.Reconciler.Settle(ctx, order.TradeNo, "")
	if err != nil {
		obs.CountReconciliationFailure("mark_paid")
		return reconcile.Outcome{}, reconciliationError(err)
	}
	if out.Duplicate && out.Status == store.TransactionFailed {
		return out, validationError("transaction already failed; resubmit the order instead")
	}
	if out.Applied() {
		emitSettled(ctx, s.Events, s.logger(), out, "admin", "")
	}
	return out, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *zerolog.Logger {
	return loggerOrNop(s.Logger)
}

func loggerOrNop(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}
