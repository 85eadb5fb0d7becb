package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yeshwanth1127/trading-ecosystem/internal/events"
	"github.com/yeshwanth1127/trading-ecosystem/internal/pricecache"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

const testSymbolPrefix = "TEST"

// processOpenOrders evaluates every pending and partially filled order.
// Each order is handled independently; a failure on one never aborts the
// others.
func (e *Engine) processOpenOrders(ctx context.Context) {
	orders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		e.logger.Error("list open orders failed", "error", err)
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		e.processOrder(ctx, order)
	}
}

// processOrder runs the lock → fresh-fetch → evaluate → fill sequence for
// one order. The distributed lock plus the in-transaction status re-check
// is what bounds a single order to at most one fill per trigger.
func (e *Engine) processOrder(ctx context.Context, order storage.Order) {
	token, ok, err := e.locker.Acquire(ctx, order.ID)
	if err != nil {
		e.logger.Error("acquire order lock failed", "order_id", order.ID, "error", err)
		e.metrics.IncOrderOutcome("lock_error")
		return
	}
	if !ok {
		e.metrics.IncOrderOutcome("lock_contended")
		return
	}
	defer func() {
		if err := e.locker.Release(ctx, order.ID, token); err != nil {
			e.logger.Error("release order lock failed", "order_id", order.ID, "error", err)
		}
	}()

	fresh, err := e.store.GetOrder(ctx, order.ID)
	if err != nil {
		e.logger.Error("fetch order failed", "order_id", order.ID, "error", err)
		e.metrics.IncOrderOutcome("fetch_error")
		return
	}
	if !fresh.IsOpen() {
		if fresh.Status == storage.OrderStatusCancelled {
			e.publisher.Publish(ctx, events.OrderCancelled, fresh.ID.String(), map[string]any{
				"order_id": fresh.ID.String(),
				"user_id":  fresh.UserID.String(),
				"symbol":   fresh.Symbol,
			})
		}
		e.metrics.IncOrderOutcome("already_handled")
		return
	}

	quote, ok := e.prices.Get(fresh.Symbol)
	if !ok {
		if strings.HasPrefix(fresh.Symbol, testSymbolPrefix) {
			e.rejectOrder(ctx, fresh, fmt.Sprintf("symbol %s is a test symbol and not supported", fresh.Symbol))
			return
		}
		if e.missingPrice.shouldLog(fresh.Symbol) {
			e.logger.Warn("no price data for symbol, order deferred",
				"symbol", fresh.Symbol, "order_id", fresh.ID)
		}
		e.metrics.IncOrderOutcome("no_price")
		return
	}

	if err := e.evaluateOrder(ctx, fresh, quote); err != nil {
		e.rejectOrder(ctx, fresh, fmt.Sprintf("processing error: %v", err))
	}
}

func (e *Engine) evaluateOrder(ctx context.Context, order storage.Order, quote pricecache.Quote) error {
	switch order.OrderType {
	case storage.OrderTypeMarket:
		return e.fillOrder(ctx, order, order.RemainingQuantity, quote.Price)

	case storage.OrderTypeLimit:
		price, ok := limitFillPrice(order, quote.Price)
		if !ok {
			e.metrics.IncOrderOutcome("pending")
			return nil
		}
		return e.fillOrder(ctx, order, order.RemainingQuantity, price)

	case storage.OrderTypeStop:
		if order.StopPrice == nil || !stopTriggered(order.Side, *order.StopPrice, quote.Price) {
			e.metrics.IncOrderOutcome("pending")
			return nil
		}
		converted, err := e.store.ConvertStopToMarket(ctx, order.ID)
		if err != nil {
			if errors.Is(err, storage.ErrOrderNotOpen) {
				e.metrics.IncOrderOutcome("already_handled")
				return nil
			}
			return err
		}
		return e.fillOrder(ctx, converted, converted.RemainingQuantity, quote.Price)

	case storage.OrderTypeStopLimit:
		if order.StopPrice == nil || !stopTriggered(order.Side, *order.StopPrice, quote.Price) {
			e.metrics.IncOrderOutcome("pending")
			return nil
		}
		// Trigger converts the order only; it fills under limit semantics
		// on a later tick.
		if _, err := e.store.ConvertStopLimitToLimit(ctx, order.ID); err != nil {
			if errors.Is(err, storage.ErrOrderNotOpen) {
				e.metrics.IncOrderOutcome("already_handled")
				return nil
			}
			return err
		}
		e.metrics.IncOrderOutcome("converted")
		return nil

	default:
		return fmt.Errorf("unknown order type %q", order.OrderType)
	}
}

// limitFillPrice reports whether a limit order crosses at the current price
// and, if so, the execution price. A buy never pays above its limit; a sell
// never receives below it.
func limitFillPrice(order storage.Order, current decimal.Decimal) (decimal.Decimal, bool) {
	if order.LimitPrice == nil {
		return decimal.Decimal{}, false
	}
	limit := *order.LimitPrice
	if order.Side == storage.OrderSideBuy {
		if current.LessThanOrEqual(limit) {
			return decimal.Min(current, limit), true
		}
		return decimal.Decimal{}, false
	}
	if current.GreaterThanOrEqual(limit) {
		return decimal.Max(current, limit), true
	}
	return decimal.Decimal{}, false
}

// stopTriggered: a buy stop fires at or above the stop price, a sell stop
// at or below it.
func stopTriggered(side string, stopPrice, current decimal.Decimal) bool {
	if side == storage.OrderSideBuy {
		return current.GreaterThanOrEqual(stopPrice)
	}
	return current.LessThanOrEqual(stopPrice)
}

// fillOrder executes the fill transactionally and publishes the resulting
// events. Losing the status race inside the transaction is not an error.
func (e *Engine) fillOrder(ctx context.Context, order storage.Order, quantity, price decimal.Decimal) error {
	return e.executeFill(ctx, order, storage.FillRequest{
		OrderID:  order.ID,
		Quantity: quantity,
		Price:    price,
	})
}

func (e *Engine) executeFill(ctx context.Context, order storage.Order, req storage.FillRequest) error {
	result, err := e.store.ApplyFill(ctx, req)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotOpen) || errors.Is(err, storage.ErrOrderNotFound) {
			e.metrics.IncOrderOutcome("already_handled")
			return nil
		}
		return err
	}

	e.book.apply(result.Position)
	e.metrics.IncFill(order.OrderType)
	e.metrics.IncOrderOutcome("filled")
	e.publishFillEvents(ctx, result)

	e.logger.Info("order filled",
		"order_id", result.Order.ID,
		"symbol", result.Order.Symbol,
		"quantity", result.Trade.Quantity,
		"price", result.Trade.Price,
		"status", result.Order.Status,
	)
	return nil
}

func (e *Engine) publishFillEvents(ctx context.Context, result *storage.FillResult) {
	order, trade := result.Order, result.Trade

	fillEvent := events.OrderFilled
	if order.Status == storage.OrderStatusPartial {
		fillEvent = events.OrderPartiallyFilled
	}
	e.publisher.Publish(ctx, fillEvent, order.ID.String(), map[string]any{
		"order_id":      order.ID.String(),
		"trade_id":      trade.ID.String(),
		"user_id":       order.UserID.String(),
		"account_id":    order.AccountID.String(),
		"instrument_id": order.InstrumentID.String(),
		"symbol":        order.Symbol,
		"side":          order.Side,
		"quantity":      trade.Quantity.String(),
		"price":         trade.Price.String(),
		"amount":        trade.Amount.String(),
		"commission":    trade.Commission.String(),
		"leverage":      trade.Leverage.String(),
		"order_status":  order.Status,
	})

	position := result.Position
	positionData := map[string]any{
		"position_id":   position.ID.String(),
		"user_id":       position.UserID.String(),
		"instrument_id": position.InstrumentID.String(),
		"symbol":        position.Symbol,
		"side":          position.Side,
		"quantity":      position.Quantity.String(),
		"entry_price":   position.AverageEntryPrice.String(),
	}
	if position.LiquidationPrice != nil {
		positionData["liquidation_price"] = position.LiquidationPrice.String()
	}
	switch result.PositionChange {
	case storage.PositionOpened:
		positionData["leverage"] = position.Leverage.String()
		positionData["margin_ratio"] = position.MarginRatio.String()
		e.publisher.Publish(ctx, events.PositionOpened, position.ID.String(), positionData)
	case storage.PositionIncreased, storage.PositionReduced:
		positionData["realized_pnl"] = result.RealizedPnL.String()
		positionData["margin_ratio"] = position.MarginRatio.String()
		e.publisher.Publish(ctx, events.PositionUpdated, position.ID.String(), positionData)
	case storage.PositionClosed:
		positionData["realized_pnl"] = result.RealizedPnL.String()
		positionData["total_pnl"] = position.RealizedPnL.String()
		e.publisher.Publish(ctx, events.PositionClosed, position.ID.String(), positionData)
	case storage.PositionLiquidated:
		positionData["realized_pnl"] = result.RealizedPnL.String()
		positionData["final_pnl"] = position.RealizedPnL.String()
		e.publisher.Publish(ctx, events.PositionLiquidated, position.ID.String(), positionData)
	}

	account := result.Account
	e.publisher.Publish(ctx, events.AccountUpdated, account.ID.String(), map[string]any{
		"account_id":       account.ID.String(),
		"user_id":          account.UserID.String(),
		"balance":          account.Balance.String(),
		"equity":           account.Equity.String(),
		"margin_used":      account.MarginUsed.String(),
		"margin_available": account.Balance.Sub(account.MarginUsed).String(),
	})
}

func (e *Engine) rejectOrder(ctx context.Context, order storage.Order, reason string) {
	rejected, err := e.store.RejectOrder(ctx, order.ID, reason)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotOpen) {
			e.metrics.IncOrderOutcome("already_handled")
			return
		}
		e.logger.Error("reject order failed", "order_id", order.ID, "error", err)
		return
	}

	e.metrics.IncOrderOutcome("rejected")
	e.logger.Warn("order rejected", "order_id", rejected.ID, "reason", reason)
	e.publisher.Publish(ctx, events.OrderRejected, rejected.ID.String(), map[string]any{
		"order_id": rejected.ID.String(),
		"user_id":  rejected.UserID.String(),
		"symbol":   rejected.Symbol,
		"reason":   reason,
	})
}
