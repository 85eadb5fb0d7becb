package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yeshwanth1127/trading-ecosystem/internal/events"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

var marginCallThreshold = decimal.RequireFromString("-0.8")

// stopLossHit: a long's stop fires at or below the stop price, a short's at
// or above it.
func stopLossHit(p storage.Position, current decimal.Decimal) bool {
	if p.Side == storage.PositionSideLong {
		return current.LessThanOrEqual(*p.StopLoss)
	}
	return current.GreaterThanOrEqual(*p.StopLoss)
}

// takeProfitHit: mirror image of the stop-loss condition.
func takeProfitHit(p storage.Position, current decimal.Decimal) bool {
	if p.Side == storage.PositionSideLong {
		return current.GreaterThanOrEqual(*p.TakeProfit)
	}
	return current.LessThanOrEqual(*p.TakeProfit)
}

// scanStopTriggers checks every mirrored position for a stop-loss or
// take-profit hit and force-closes through the normal fill path. This runs
// before the liquidation scan: a triggered stop can close the position and
// make liquidation moot.
func (e *Engine) scanStopTriggers(ctx context.Context) {
	for _, position := range e.book.list() {
		if ctx.Err() != nil {
			return
		}
		quote, ok := e.prices.Get(position.Symbol)
		if !ok {
			continue
		}

		switch {
		case position.StopLoss != nil && stopLossHit(position, quote.Price):
			if err := e.closePosition(ctx, position, quote.Price, storage.TradeTypeFill, "Stop loss triggered"); err != nil {
				e.logger.Error("stop loss close failed", "position_id", position.ID, "error", err)
				continue
			}
			e.publishTrigger(ctx, position, "stop_loss", *position.StopLoss, quote.Price)

		case position.TakeProfit != nil && takeProfitHit(position, quote.Price):
			if err := e.closePosition(ctx, position, quote.Price, storage.TradeTypeFill, "Take profit triggered"); err != nil {
				e.logger.Error("take profit close failed", "position_id", position.ID, "error", err)
				continue
			}
			e.publishTrigger(ctx, position, "take_profit", *position.TakeProfit, quote.Price)
		}
	}
}

// checkRiskLimits liquidates positions whose total P&L has exhausted their
// margin, and emits advisory margin calls at 80% erosion.
func (e *Engine) checkRiskLimits(ctx context.Context) {
	for _, position := range e.book.list() {
		if ctx.Err() != nil {
			return
		}
		if position.MarginUsed.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if position.TotalPnL().LessThanOrEqual(position.MarginUsed.Neg()) {
			quote, ok := e.prices.Get(position.Symbol)
			if !ok {
				continue
			}
			if err := e.closePosition(ctx, position, quote.Price, storage.TradeTypeLiquidation, "Insufficient margin"); err != nil {
				e.logger.Error("liquidation failed", "position_id", position.ID, "error", err)
				continue
			}
			e.metrics.IncLiquidation()
			e.logger.Warn("position liquidated",
				"position_id", position.ID,
				"user_id", position.UserID,
				"total_pnl", position.TotalPnL(),
				"margin_used", position.MarginUsed,
			)
			continue
		}

		ratio := storage.MarginCallRatio(position.UnrealizedPnL, position.MarginUsed)
		if ratio.LessThanOrEqual(marginCallThreshold) {
			e.metrics.IncMarginCall()
			e.publisher.Publish(ctx, events.MarginCall, position.ID.String(), map[string]any{
				"position_id":    position.ID.String(),
				"user_id":        position.UserID.String(),
				"instrument_id":  position.InstrumentID.String(),
				"margin_ratio":   ratio.String(),
				"unrealized_pnl": position.UnrealizedPnL.String(),
			})
		}
	}
}

// closePosition synthesizes a market order on the opposite side for the
// full quantity and fills it immediately. Forced closes carry no
// commission.
func (e *Engine) closePosition(ctx context.Context, position storage.Position, price decimal.Decimal, tradeType, note string) error {
	side := storage.OrderSideSell
	if position.Side == storage.PositionSideShort {
		side = storage.OrderSideBuy
	}

	order := storage.Order{
		UserID:       position.UserID,
		AccountID:    position.AccountID,
		InstrumentID: position.InstrumentID,
		Symbol:       position.Symbol,
		OrderType:    storage.OrderTypeMarket,
		Side:         side,
		Quantity:     position.Quantity,
		Leverage:     position.Leverage,
		ReduceOnly:   true,
		Notes:        note,
	}
	if err := e.store.CreateOrder(ctx, &order); err != nil {
		return err
	}

	return e.executeFill(ctx, order, storage.FillRequest{
		OrderID:   order.ID,
		Quantity:  position.Quantity,
		Price:     price,
		TradeType: tradeType,
		Reason:    note,
	})
}

func (e *Engine) publishTrigger(ctx context.Context, position storage.Position, kind string, triggerPrice, currentPrice decimal.Decimal) {
	eventType := events.StopLossTriggered
	priceField := "stop_price"
	if kind == "take_profit" {
		eventType = events.TakeProfitTriggered
		priceField = "take_profit_price"
	}
	e.publisher.Publish(ctx, eventType, position.ID.String(), map[string]any{
		"position_id":   position.ID.String(),
		"user_id":       position.UserID.String(),
		"instrument_id": position.InstrumentID.String(),
		"symbol":        position.Symbol,
		priceField:      triggerPrice.String(),
		"current_price": currentPrice.String(),
	})
}
