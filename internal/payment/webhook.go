package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/donasi-payments/internal/common"
	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/obs"
	"github.com/noah-isme/donasi-payments/internal/store"
)

// Ack is the plain-text body the gateway expects in response to a callback.
type Ack string

const (
	AckOK    Ack = "1|OK"
	AckError Ack = "0|ERROR"
)

// Webhook verifies gateway callbacks and hands the outcome to reconciliation.
type Webhook struct {
	Gateway    Gateway
	Store      store.Store
	Reconciler Reconciler
	Replay     ReplayGuard
	ReplayTTL  time.Duration
	Retry      RetryScheduler
	Events     *events.Bus
	Logger     *zerolog.Logger
}

// Handle decodes the form-encoded callback and answers with an Ack.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	ack := AckError
	if err := r.ParseForm(); err != nil {
		h.logger().Warn().Err(err).Msg("callback: unreadable body")
		obs.CountCallback("invalid")
	} else {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		ack = h.Process(r.Context(), params)
	}
	WriteAck(w, ack)
}

// WriteAck writes ack the way the gateway expects: 200 text/plain.
func WriteAck(w http.ResponseWriter, ack Ack) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ack))
}

// RejectCallback answers a callback turned away before verification, such as
// by a rate limit or body size cap. The gateway retries on AckError.
func RejectCallback(w http.ResponseWriter, _ *http.Request) {
	obs.CountCallback("rejected")
	WriteAck(w, AckError)
}

// Process runs the callback pipeline. It never returns anything but AckOK or AckError.
func (h Webhook) Process(ctx context.Context, params map[string]string) Ack {
	ctx, span := otel.Tracer("payment.Webhook").Start(ctx, "PaymentWebhook.Process")
	defer span.End()

	tradeNo := params["MerchantTradeNo"]
	span.SetAttributes(attribute.String("payment.trade_no", tradeNo))
	log := h.logger().With().Str("trade_no", tradeNo).Str("rtn_code", params["RtnCode"]).Logger()

	if h.Gateway == nil || h.Store == nil || h.Reconciler == nil {
		log.Error().Msg("callback: webhook not configured")
		return AckError
	}

	res, err := h.Gateway.VerifyCallback(params)
	if err != nil {
		switch {
		case errors.Is(err, ErrSignatureMismatch):
			log.Warn().Msg("callback: signature mismatch")
			obs.CountCallback("signature_mismatch")
		default:
			log.Warn().Err(err).Msg("callback: rejected")
			obs.CountCallback("invalid")
		}
		return AckError
	}

	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = "ecpay:" + common.Fingerprint(fingerprint(params)...)
		ok, err := h.Replay.Acquire(ctx, replayKey, h.ReplayTTL)
		if err != nil {
			// the database stays authoritative, carry on without the guard
			log.Warn().Err(err).Msg("callback: replay guard unavailable")
			replayKey = ""
		} else if !ok {
			log.Info().Msg("callback: duplicate delivery")
			obs.CountCallback("duplicate")
			return AckOK
		}
	}
	release := func() {
		if replayKey == "" {
			return
		}
		if err := h.Replay.Release(context.WithoutCancel(ctx), replayKey); err != nil {
			log.Warn().Err(err).Msg("callback: release replay guard")
		}
	}

	order, err := h.Store.GetOrderByTradeNo(ctx, res.MerchantTradeNo)
	if err == nil {
		_, err = h.Store.GetTransactionByTradeNo(ctx, res.MerchantTradeNo)
	}
	if err != nil {
		release()
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("callback: unknown trade number")
			obs.CountCallback("not_found")
		} else {
			log.Error().Err(err).Msg("callback: lookup failed")
			obs.CountCallback("error")
		}
		return AckError
	}
	if res.HasAmount && res.TradeAmt != order.TotalAmount {
		release()
		log.Warn().Int64("trade_amt", res.TradeAmt).Int64("expected", order.TotalAmount).Msg("callback: amount mismatch")
		obs.CountCallback("amount_mismatch")
		return AckError
	}

	raw, err := json.Marshal(params)
	if err == nil {
		err = h.Store.SaveTransactionPayload(ctx, res.MerchantTradeNo, raw)
	}
	if err != nil {
		release()
		log.Error().Err(err).Msg("callback: persist payload")
		obs.CountCallback("error")
		return AckError
	}

	if !res.Succeeded() {
		out, err := h.Reconciler.Fail(ctx, res.MerchantTradeNo, res.GatewayTradeNo)
		if err != nil {
			release()
			log.Error().Err(err).Msg("callback: record failure")
			obs.CountCallback("error")
			return AckError
		}
		if out.Applied() {
			emitFailed(ctx, h.Events, h.Logger, out, res)
			obs.CountCallback("failed")
		} else {
			obs.CountCallback("duplicate")
		}
		log.Info().Str("status", string(out.Status)).Bool("duplicate", out.Duplicate).Msg("callback: payment failed")
		return AckOK
	}

	out, err := h.Reconciler.Settle(ctx, res.MerchantTradeNo, res.GatewayTradeNo)
	if err != nil {
		release()
		span.RecordError(err)
		log.Error().Err(reconciliationError(err)).Msg("callback: reconciliation failed")
		obs.CountCallback("reconcile_error")
		obs.CountReconciliationFailure("settle")
		emitReconciliationFailed(ctx, h.Events, h.Logger, order.ID, res.MerchantTradeNo, "settle", err)
		if h.Retry != nil {
			if qerr := h.Retry.ScheduleSettle(ctx, res.MerchantTradeNo, res.GatewayTradeNo); qerr != nil {
				log.Error().Err(qerr).Msg("callback: schedule reconcile retry")
			}
		}
		// funds are captured at the gateway; the retry queue owns the order now
		return AckOK
	}
	switch {
	case out.Applied():
		emitSettled(ctx, h.Events, h.Logger, out, "callback", res.GatewayTradeNo)
		obs.CountCallback("ok")
	case out.Status == store.TransactionFailed:
		// money moved at the gateway but the order stays FAILED; needs an operator
		log.Error().Err(ErrLateSuccess).Str("gateway_trade_no", res.GatewayTradeNo).Msg("callback: success after failure")
		obs.CountCallback("late_success")
		obs.CountReconciliationFailure("late_success")
		emitReconciliationFailed(ctx, h.Events, h.Logger, order.ID, res.MerchantTradeNo, "late_success", ErrLateSuccess)
	default:
		obs.CountCallback("duplicate")
	}
	log.Info().Str("status", string(out.Status)).Bool("duplicate", out.Duplicate).Msg("callback: settled")
	return AckOK
}

func (h Webhook) logger() *zerolog.Logger {
	return loggerOrNop(h.Logger)
}

// fingerprint renders params deterministically for replay detection.
func fingerprint(params map[string]string) []string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return parts
}
