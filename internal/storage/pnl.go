package storage

import "github.com/shopspring/decimal"

// pnlSanityCap bounds a single position's computed P&L. Anything beyond it
// is treated as corrupt input and reported as zero.
var pnlSanityCap = decimal.NewFromInt(1_000_000)

// UnrealizedPnL marks an open position to the given price.
//
//	long:  (current - entry) * quantity
//	short: (entry - current) * quantity
//
// Non-positive entry price, current price, or quantity yields zero, as does
// a result whose magnitude exceeds the sanity cap.
func UnrealizedPnL(side string, entryPrice, currentPrice, quantity decimal.Decimal) decimal.Decimal {
	if entryPrice.LessThanOrEqual(decimal.Zero) ||
		currentPrice.LessThanOrEqual(decimal.Zero) ||
		quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	var pnl decimal.Decimal
	if side == PositionSideLong {
		pnl = currentPrice.Sub(entryPrice).Mul(quantity)
	} else {
		pnl = entryPrice.Sub(currentPrice).Mul(quantity)
	}

	if pnl.Abs().GreaterThan(pnlSanityCap) {
		return decimal.Zero
	}
	return pnl
}

// RealizedPnL computes the locked-in P&L for a closing fill. The exit price
// takes the place of the mark price; the quantity is the closed portion only.
func RealizedPnL(side string, entryPrice, exitPrice, quantity decimal.Decimal) decimal.Decimal {
	if side == PositionSideLong {
		return exitPrice.Sub(entryPrice).Mul(quantity)
	}
	return entryPrice.Sub(exitPrice).Mul(quantity)
}

// WeightedAverageEntry recomputes the entry price after an increasing fill.
func WeightedAverageEntry(oldQty, oldEntry, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	newQty := oldQty.Add(fillQty)
	if newQty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	totalCost := oldQty.Mul(oldEntry).Add(fillQty.Mul(fillPrice))
	return totalCost.Div(newQty)
}

// MarginForFill is the margin consumed by a fill: notional divided by
// leverage for leveraged orders, full notional otherwise.
func MarginForFill(fillAmount, leverage decimal.Decimal) decimal.Decimal {
	if leverage.GreaterThan(decimal.NewFromInt(1)) {
		return fillAmount.Div(leverage)
	}
	return fillAmount
}

// MarginCallRatio is unrealized P&L over margin used, the erosion figure the
// risk monitor checks against the margin-call threshold. Zero margin yields
// zero.
func MarginCallRatio(unrealizedPnL, marginUsed decimal.Decimal) decimal.Decimal {
	if marginUsed.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return unrealizedPnL.Div(marginUsed)
}

// marginEpsilon guards the position margin ratio against a zero requirement.
var marginEpsilon = decimal.New(1, -9)

// PositionMarginRatio is margin used over the required margin, floored at
// epsilon. Fully collateralized positions sit at 1.
func PositionMarginRatio(marginUsed, marginRequired decimal.Decimal) decimal.Decimal {
	if marginRequired.LessThan(marginEpsilon) {
		marginRequired = marginEpsilon
	}
	return marginUsed.Div(marginRequired)
}

// LiquidationPrice solves the liquidation condition total_pnl = -margin_used
// for the mark price. A long liquidates at
// entry - (margin_used + realized)/quantity, a short at the mirror image.
// Returns nil for an empty position or a non-positive solution.
func LiquidationPrice(side string, entryPrice, marginUsed, realizedPnL, quantity decimal.Decimal) *decimal.Decimal {
	if quantity.LessThanOrEqual(decimal.Zero) || marginUsed.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	buffer := marginUsed.Add(realizedPnL).Div(quantity)
	var price decimal.Decimal
	if side == PositionSideLong {
		price = entryPrice.Sub(buffer)
	} else {
		price = entryPrice.Add(buffer)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	return &price
}
