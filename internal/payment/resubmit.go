package payment

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/lock"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/store"
)

// DefaultResubmitWindow bounds how old an order may be and still be resubmitted.
const DefaultResubmitWindow = 24 * time.Hour

// Locker serializes work on a key across processes.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Resubmitter issues a fresh trade number for an unpaid order and re-enters checkout.
type Resubmitter struct {
	Store   store.Store
	Service *Service
	Locker  Locker
	LockTTL time.Duration
	Window  time.Duration
	Now     func() time.Time
	Events  *events.Bus
	Logger  *zerolog.Logger
}

// Resubmission is the result of a successful Resubmit.
type Resubmission struct {
	OrderID         uuid.UUID    `json:"orderId"`
	PreviousTradeNo string       `json:"previousTradeNo"`
	TradeNo         string       `json:"tradeNo"`
	Attempt         int          `json:"attempt"`
	Form            CheckoutForm `json:"form"`
}

// Resubmit rotates the order's trade number, resets its transaction and
// returns a newly signed checkout form.
func (r *Resubmitter) Resubmit(ctx context.Context, orderID uuid.UUID, urls CallbackURLs) (res Resubmission, err error) {
	if r == nil || r.Store == nil || r.Service == nil || r.Service.Gateway == nil {
		return Resubmission{}, errors.New("resubmitter not configured")
	}
	ctx, span := otel.Tracer("payment.Resubmitter").Start(ctx, "Resubmitter.Resubmit")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID.String()))
	defer func() {
		switch {
		case err == nil:
			obs.CountResubmission("success")
		case errors.Is(err, ErrResubmissionRejected):
			obs.CountResubmission("rejected")
		default:
			obs.CountResubmission("error")
		}
	}()

	run := func(ctx context.Context) error {
		var runErr error
		res, runErr = r.resubmit(ctx, orderID, urls)
		return runErr
	}
	if r.Locker == nil {
		err = run(ctx)
	} else {
		ttl := r.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		err = r.Locker.TryWithLock(ctx, "lock:resubmit:"+orderID.String(), ttl, run)
		if errors.Is(err, lock.ErrLocked) {
			err = rejected(ReasonInProgress, "a resubmission for this order is already in progress")
		}
	}
	if err != nil {
		return Resubmission{}, err
	}
	if r.Events != nil {
		emit(ctx, r.Events, r.Logger, events.TopicOrderResubmitted, res.OrderID, map[string]any{
			"orderId":         res.OrderID.String(),
			"previousTradeNo": res.PreviousTradeNo,
			"tradeNo":         res.TradeNo,
			"attempt":         res.Attempt,
		})
	}
	loggerOrNop(r.Logger).Info().
		Str("order_id", res.OrderID.String()).
		Str("previous_trade_no", res.PreviousTradeNo).
		Str("trade_no", res.TradeNo).
		Int("attempt", res.Attempt).
		Msg("order resubmitted")
	return res, nil
}

func (r *Resubmitter) resubmit(ctx context.Context, orderID uuid.UUID, urls CallbackURLs) (Resubmission, error) {
	order, err := r.Store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Resubmission{}, notFoundError("order not found")
		}
		return Resubmission{}, err
	}
	if err := r.eligible(ctx, order); err != nil {
		return Resubmission{}, err
	}

	attempt := order.Attempts + 1
	origin := order.OriginTradeNo
	if origin == "" {
		origin = order.TradeNo
	}
	next, err := NextTradeNo(origin, attempt)
	if err != nil {
		return Resubmission{}, rejected(ReasonTradeNoSpace, err.Error())
	}

	// Sign before writing anything so a rejected form leaves the order untouched.
	form, err := r.Service.sign(order, next, urls)
	if err != nil {
		return Resubmission{}, err
	}

	err = r.Store.WithTx(ctx, func(q store.Queries) error {
		current, err := q.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if current.TradeNo != order.TradeNo || current.Status == store.OrderStatusPaid {
			return rejected(ReasonInProgress, "order changed while resubmitting")
		}
		if err := q.UpdateOrderTradeNo(ctx, orderID, next, attempt); err != nil {
			if errors.Is(err, store.ErrTradeNoTaken) {
				return rejected(ReasonTradeNoSpace, "retry trade number already in use")
			}
			return fmt.Errorf("rotate trade number: %w", err)
		}
		if _, err := q.ResetTransaction(ctx, orderID, next); err != nil {
			return fmt.Errorf("reset transaction: %w", err)
		}
		if _, err := q.UpsertProcessingTransaction(ctx, orderID, next); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return Resubmission{}, err
	}
	obs.CountCheckout("success")
	return Resubmission{
		OrderID:         orderID,
		PreviousTradeNo: order.TradeNo,
		TradeNo:         next,
		Attempt:         attempt,
		Form:            form,
	}, nil
}

func (r *Resubmitter) eligible(ctx context.Context, order store.Order) error {
	switch order.Status {
	case store.OrderStatusPaid:
		return rejected(ReasonAlreadyPaid, "order is already paid")
	case store.OrderStatusPending, store.OrderStatusFailed:
	default:
		return rejected(ReasonNotRetryable, "order status does not allow resubmission")
	}
	window := r.Window
	if window <= 0 {
		window = DefaultResubmitWindow
	}
	if r.now().Sub(order.CreatedAt) > window {
		return rejected(ReasonExpired, "order is older than the resubmission window")
	}
	txn, err := r.Store.GetTransactionByOrder(ctx, order.ID)
	switch {
	case err == nil && txn.Status == store.TransactionSuccess:
		return rejected(ReasonAlreadyPaid, "payment already captured for this order")
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return err
	}
	return nil
}

func (r *Resubmitter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Retry numbers that overflow store.MaxTradeNoLen are laid out as a fixed-width
// head of the original, a digest of the whole original, "R" and a padded attempt.
const (
	tradeNoDigestLen  = 4
	tradeNoAttemptLen = 3
	tradeNoHeadLen    = store.MaxTradeNoLen - tradeNoDigestLen - 1 - tradeNoAttemptLen
)

// NextTradeNo derives the trade number for a retry. Short originals get "R"
// and the base-36 attempt appended. Originals too long for that keep a head
// plus a digest of the full original, so originals sharing a long prefix
// still map to distinct retry numbers.
func NextTradeNo(origin string, attempt int) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", errors.New("original trade number is empty")
	}
	if attempt <= 0 {
		return "", fmt.Errorf("attempt must be positive, got %d", attempt)
	}
	seq := strings.ToUpper(strconv.FormatInt(int64(attempt), 36))
	if len(origin)+1+len(seq) <= store.MaxTradeNoLen {
		return origin + "R" + seq, nil
	}
	if len(seq) > tradeNoAttemptLen {
		return "", fmt.Errorf("attempt %d leaves no room for the original trade number", attempt)
	}
	return origin[:tradeNoHeadLen] + tradeNoDigest(origin) + "R" + pad36(seq, tradeNoAttemptLen), nil
}

func tradeNoDigest(origin string) string {
	space := uint32(1)
	for i := 0; i < tradeNoDigestLen; i++ {
		space *= 36
	}
	sum := crc32.ChecksumIEEE([]byte(origin)) % space
	return pad36(strings.ToUpper(strconv.FormatUint(uint64(sum), 36)), tradeNoDigestLen)
}

func pad36(v string, width int) string {
	if len(v) >= width {
		return v
	}
	return strings.Repeat("0", width-len(v)) + v
}
