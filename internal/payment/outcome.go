package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/donasi-payments/internal/events"
	"github.com/noah-isme/donasi-payments/internal/reconcile"
)

func emitSettled(ctx context.Context, bus *events.Bus, logger *zerolog.Logger, out reconcile.Outcome, source, gatewayTradeNo string) {
	if bus == nil {
		return
	}
	payload := map[string]any{
		"orderId": out.OrderID.String(),
		"tradeNo": out.TradeNo,
		"amount":  out.Amount,
		"source":  source,
	}
	if gatewayTradeNo != "" {
		payload["gatewayTradeNo"] = gatewayTradeNo
	}
	emit(ctx, bus, logger, events.TopicOrderPaid, out.OrderID, payload)
	for _, needID := range out.CompletedNeeds {
		emit(ctx, bus, logger, events.TopicNeedCompleted, needID, map[string]any{
			"needId":  needID.String(),
			"orderId": out.OrderID.String(),
		})
	}
}

func emitFailed(ctx context.Context, bus *events.Bus, logger *zerolog.Logger, out reconcile.Outcome, res CallbackResult) {
	if bus == nil {
		return
	}
	emit(ctx, bus, logger, events.TopicPaymentFailed, out.OrderID, map[string]any{
		"orderId": out.OrderID.String(),
		"tradeNo": out.TradeNo,
		"rtnCode": res.RtnCode,
		"rtnMsg":  res.RtnMsg,
	})
}

func emitReconciliationFailed(ctx context.Context, bus *events.Bus, logger *zerolog.Logger, orderID uuid.UUID, tradeNo, kind string, cause error) {
	if bus == nil || orderID == uuid.Nil {
		return
	}
	emit(ctx, bus, logger, events.TopicReconciliationFailed, orderID, map[string]any{
		"orderId": orderID.String(),
		"tradeNo": tradeNo,
		"kind":    kind,
		"error":   cause.Error(),
	})
}

func emit(ctx context.Context, bus *events.Bus, logger *zerolog.Logger, topic string, aggregate uuid.UUID, payload map[string]any) {
	if _, err := bus.Emit(ctx, topic, aggregate, payload); err != nil {
		loggerOrNop(logger).Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregate.String()).Msg("emit event")
	}
}
