package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Position change kinds reported by ApplyFill.
const (
	PositionOpened     = "opened"
	PositionIncreased  = "increased"
	PositionReduced    = "reduced"
	PositionClosed     = "closed"
	PositionLiquidated = "liquidated"
)

type FillRequest struct {
	OrderID   uuid.UUID
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	TradeType string
	Reason    string
}

type FillResult struct {
	Order          Order
	Trade          Trade
	Position       Position
	PositionChange string
	RealizedPnL    decimal.Decimal
	Entries        []LedgerEntry
	Account        Account
}

// ApplyFill executes one fill atomically: the order update, the trade
// record, the position mutation, the ledger entries, and the account update
// either all commit or none do. The order row is locked and its status
// re-checked inside the transaction, so overlapping callers fill at most
// once; the loser gets ErrOrderNotOpen. Deadlocks and serialization
// conflicts are retried with backoff.
func (s *Store) ApplyFill(ctx context.Context, req FillRequest) (*FillResult, error) {
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("fill price must be positive")
	}
	if req.TradeType == "" {
		req.TradeType = TradeTypeFill
	}

	var result *FillResult
	err := withTxRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.applyFillTx(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) applyFillTx(ctx context.Context, req FillRequest) (*FillResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, req.OrderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if !order.IsOpen() {
		return nil, ErrOrderNotOpen
	}

	fillQty := req.Quantity
	if fillQty.LessThanOrEqual(decimal.Zero) || fillQty.GreaterThan(order.RemainingQuantity) {
		fillQty = order.RemainingQuantity
	}
	if fillQty.LessThanOrEqual(decimal.Zero) {
		return nil, ErrOrderNotOpen
	}

	now := time.Now().UTC()
	fillAmount := fillQty.Mul(req.Price)
	commission := fillAmount.Mul(order.CommissionRate)
	tradeMargin := MarginForFill(fillAmount, order.Leverage)

	position, change, realized, releasedMargin, err := s.applyFillToPosition(ctx, tx, order, fillQty, req, now)
	if err != nil {
		return nil, err
	}

	trade := Trade{
		ID:             uuid.New(),
		OrderID:        order.ID,
		UserID:         order.UserID,
		AccountID:      order.AccountID,
		InstrumentID:   order.InstrumentID,
		Symbol:         order.Symbol,
		TradeType:      req.TradeType,
		Side:           order.Side,
		Quantity:       fillQty,
		Price:          req.Price,
		Amount:         fillAmount,
		Commission:     commission,
		CommissionRate: order.CommissionRate,
		Leverage:       order.Leverage,
		MarginUsed:     tradeMargin,
		RealizedPnL:    realized,
		ExecutedAt:     now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO trades (
			id, order_id, user_id, account_id, instrument_id, symbol,
			trade_type, side, quantity, price, amount, commission,
			commission_rate, leverage, margin_used, realized_pnl, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		trade.ID, trade.OrderID, trade.UserID, trade.AccountID, trade.InstrumentID, trade.Symbol,
		trade.TradeType, trade.Side, trade.Quantity.String(), trade.Price.String(),
		trade.Amount.String(), trade.Commission.String(),
		trade.CommissionRate.String(), trade.Leverage.String(),
		trade.MarginUsed.String(), trade.RealizedPnL.String(), trade.ExecutedAt,
	); err != nil {
		return nil, err
	}

	order.FilledQuantity = order.FilledQuantity.Add(fillQty)
	order.FilledAmount = order.FilledAmount.Add(fillAmount)
	order.RemainingQuantity = order.Quantity.Sub(order.FilledQuantity)
	order.RemainingAmount = order.TotalAmount.Sub(order.FilledAmount)
	order.Commission = order.Commission.Add(commission)
	order.MarginUsed = order.MarginUsed.Add(tradeMargin)
	// A market order had no reference price at creation; its requirement is
	// discovered fill by fill.
	if order.MarginRequired.LessThan(order.MarginUsed) {
		order.MarginRequired = order.MarginUsed
	}
	if order.FilledQuantity.GreaterThan(decimal.Zero) {
		order.AverageFillPrice = order.FilledAmount.Div(order.FilledQuantity)
	}
	if order.RemainingQuantity.LessThanOrEqual(decimal.Zero) {
		order.Status = OrderStatusFilled
		order.FilledAt = &now
	} else {
		order.Status = OrderStatusPartial
	}
	order.UpdatedAt = now

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET filled_quantity = $2, filled_amount = $3, average_fill_price = $4,
		    commission = $5, margin_required = $6, margin_used = $7,
		    status = $8, filled_at = $9, updated_at = $10
		WHERE id = $1
	`,
		order.ID, order.FilledQuantity.String(), order.FilledAmount.String(),
		order.AverageFillPrice.String(),
		order.Commission.String(), order.MarginRequired.String(), order.MarginUsed.String(),
		order.Status, order.FilledAt, now,
	); err != nil {
		return nil, err
	}

	marginDelta := tradeMargin
	if change == PositionReduced || change == PositionClosed || change == PositionLiquidated {
		marginDelta = releasedMargin.Neg()
	}
	account, entries, err := s.writeLedger(ctx, tx, order, trade, position, change, realized, marginDelta, req.Reason, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	return &FillResult{
		Order:          order,
		Trade:          trade,
		Position:       position,
		PositionChange: change,
		RealizedPnL:    realized,
		Entries:        entries,
		Account:        account,
	}, nil
}

// applyFillToPosition mutates (or creates) the open position for the
// order's (user, instrument). Returns the resulting position, the kind of
// change, the realized P&L delta, and the margin released by a decrease.
func (s *Store) applyFillToPosition(ctx context.Context, tx pgx.Tx, order Order, fillQty decimal.Decimal, req FillRequest, now time.Time) (Position, string, decimal.Decimal, decimal.Decimal, error) {
	fillAmount := fillQty.Mul(req.Price)
	commission := fillAmount.Mul(order.CommissionRate)
	tradeMargin := MarginForFill(fillAmount, order.Leverage)

	row := tx.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1 AND instrument_id = $2 AND status = 'open'
		FOR UPDATE
	`, order.UserID, order.InstrumentID)

	position, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		side := PositionSideLong
		if order.Side == OrderSideSell {
			side = PositionSideShort
		}
		position = Position{
			ID:                uuid.New(),
			UserID:            order.UserID,
			AccountID:         order.AccountID,
			InstrumentID:      order.InstrumentID,
			Symbol:            order.Symbol,
			Status:            PositionStatusOpen,
			Side:              side,
			Quantity:          fillQty,
			AverageEntryPrice: req.Price,
			CurrentPrice:      req.Price,
			Leverage:          order.Leverage,
			MarginUsed:        tradeMargin,
			MarginRequired:    tradeMargin,
			TotalTrades:       1,
			TotalVolume:       fillAmount,
			TotalFees:         commission,
			OpenedAt:          now,
			UpdatedAt:         now,
		}
		position.MarginRatio = PositionMarginRatio(position.MarginUsed, position.MarginRequired)
		position.LiquidationPrice = LiquidationPrice(position.Side, position.AverageEntryPrice,
			position.MarginUsed, position.RealizedPnL, position.Quantity)

		var liquidationPrice *string
		if position.LiquidationPrice != nil {
			v := position.LiquidationPrice.String()
			liquidationPrice = &v
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO positions (
				id, user_id, account_id, instrument_id, symbol, status, side,
				quantity, average_entry_price, current_price,
				unrealized_pnl, realized_pnl, leverage, margin_used,
				margin_required, margin_ratio, liquidation_price,
				total_trades, total_volume, total_fees, opened_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 0, $11, $12,
			          $13, $14, $15, $16, $17, $18, $19, $19)
		`,
			position.ID, position.UserID, position.AccountID, position.InstrumentID,
			position.Symbol, position.Status, position.Side,
			position.Quantity.String(), position.AverageEntryPrice.String(), position.CurrentPrice.String(),
			position.Leverage.String(), position.MarginUsed.String(),
			position.MarginRequired.String(), position.MarginRatio.String(), liquidationPrice,
			position.TotalTrades, position.TotalVolume.String(), position.TotalFees.String(), now,
		); err != nil {
			// A concurrent fill opened the position first; retry the
			// transaction so this fill lands on the existing row.
			if isUniqueViolation(err) {
				return Position{}, "", decimal.Zero, decimal.Zero, ErrPositionConflict
			}
			return Position{}, "", decimal.Zero, decimal.Zero, err
		}
		return position, PositionOpened, decimal.Zero, decimal.Zero, nil
	}
	if err != nil {
		return Position{}, "", decimal.Zero, decimal.Zero, err
	}

	increasing := (position.Side == PositionSideLong && order.Side == OrderSideBuy) ||
		(position.Side == PositionSideShort && order.Side == OrderSideSell)

	change := PositionIncreased
	realized := decimal.Zero
	releasedMargin := decimal.Zero

	if increasing {
		position.AverageEntryPrice = WeightedAverageEntry(position.Quantity, position.AverageEntryPrice, fillQty, req.Price)
		position.Quantity = position.Quantity.Add(fillQty)
		position.MarginUsed = position.MarginUsed.Add(tradeMargin)
		position.MarginRequired = position.MarginRequired.Add(tradeMargin)
	} else {
		closedQty := fillQty
		if closedQty.GreaterThan(position.Quantity) {
			closedQty = position.Quantity
		}
		realized = RealizedPnL(position.Side, position.AverageEntryPrice, req.Price, closedQty)
		position.RealizedPnL = position.RealizedPnL.Add(realized)

		if fillQty.GreaterThanOrEqual(position.Quantity) {
			releasedMargin = position.MarginUsed
			position.Quantity = decimal.Zero
			position.MarginUsed = decimal.Zero
			position.MarginRequired = decimal.Zero
			position.UnrealizedPnL = decimal.Zero
			position.ClosedAt = &now
			if req.TradeType == TradeTypeLiquidation {
				position.Status = PositionStatusLiquidated
				change = PositionLiquidated
			} else {
				position.Status = PositionStatusClosed
				change = PositionClosed
			}
		} else {
			// Release margin in proportion to the closed quantity, not at
			// the exit-price notional.
			releasedMargin = position.MarginUsed.Mul(closedQty).Div(position.Quantity)
			releasedRequired := position.MarginRequired.Mul(closedQty).Div(position.Quantity)
			position.MarginUsed = position.MarginUsed.Sub(releasedMargin)
			position.MarginRequired = position.MarginRequired.Sub(releasedRequired)
			position.Quantity = position.Quantity.Sub(closedQty)
			change = PositionReduced
		}
	}

	position.TotalTrades++
	position.TotalVolume = position.TotalVolume.Add(fillAmount)
	position.TotalFees = position.TotalFees.Add(commission)
	position.CurrentPrice = req.Price
	position.UnrealizedPnL = UnrealizedPnL(position.Side, position.AverageEntryPrice, req.Price, position.Quantity)
	position.MarginRatio = PositionMarginRatio(position.MarginUsed, position.MarginRequired)
	position.LiquidationPrice = LiquidationPrice(position.Side, position.AverageEntryPrice,
		position.MarginUsed, position.RealizedPnL, position.Quantity)
	position.UpdatedAt = now

	var liquidationPrice *string
	if position.LiquidationPrice != nil {
		v := position.LiquidationPrice.String()
		liquidationPrice = &v
	}
	if _, err := tx.Exec(ctx, `
		UPDATE positions
		SET status = $2, quantity = $3, average_entry_price = $4, current_price = $5,
		    unrealized_pnl = $6, realized_pnl = $7, margin_used = $8,
		    margin_required = $9, margin_ratio = $10, liquidation_price = $11,
		    total_trades = $12, total_volume = $13, total_fees = $14,
		    closed_at = $15, updated_at = $16
		WHERE id = $1
	`,
		position.ID, position.Status, position.Quantity.String(),
		position.AverageEntryPrice.String(), position.CurrentPrice.String(),
		position.UnrealizedPnL.String(), position.RealizedPnL.String(), position.MarginUsed.String(),
		position.MarginRequired.String(), position.MarginRatio.String(), liquidationPrice,
		position.TotalTrades, position.TotalVolume.String(), position.TotalFees.String(),
		position.ClosedAt, now,
	); err != nil {
		return Position{}, "", decimal.Zero, decimal.Zero, err
	}

	return position, change, realized, releasedMargin, nil
}

// writeLedger appends the journal rows for one fill and brings the account
// row up to date. Entries apply in sequence: the fee entry's balance_before
// is the trade entry's balance_after, and a position_close entry follows
// when the fill realized P&L.
func (s *Store) writeLedger(ctx context.Context, tx pgx.Tx, order Order, trade Trade, position Position, change string, realized, marginDelta decimal.Decimal, reason string, now time.Time) (Account, []LedgerEntry, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, balance::text, equity::text, margin_used::text,
		       realized_pnl::text, unrealized_pnl::text, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, order.AccountID)
	account, err := scanAccount(row)
	if err != nil {
		return Account{}, nil, err
	}

	var entries []LedgerEntry

	netAmount := trade.Amount
	if order.Side == OrderSideSell {
		netAmount = netAmount.Neg()
	}
	balance := account.Balance

	appendEntry := func(entryType string, amount decimal.Decimal, description string) {
		before := balance
		balance = balance.Add(amount)
		entries = append(entries, LedgerEntry{
			ID:            uuid.New(),
			UserID:        order.UserID,
			AccountID:     order.AccountID,
			OrderID:       &order.ID,
			TradeID:       &trade.ID,
			PositionID:    &position.ID,
			EntryType:     entryType,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  balance,
			Currency:      "USD",
			Description:   description,
			CreatedAt:     now,
		})
	}

	appendEntry(LedgerEntryPnL, netAmount,
		fmt.Sprintf("Trade execution: %s %s @ %s", order.Side, trade.Quantity, trade.Price))
	if trade.Commission.GreaterThan(decimal.Zero) {
		appendEntry(LedgerEntryFee,
			trade.Commission.Neg(),
			fmt.Sprintf("Trading commission: %s%%", trade.CommissionRate.Mul(decimal.NewFromInt(100))))
	}
	if change == PositionReduced || change == PositionClosed || change == PositionLiquidated {
		description := fmt.Sprintf("Position close: realized P&L %s", realized)
		if reason != "" {
			description = fmt.Sprintf("%s (%s)", description, reason)
		}
		appendEntry(LedgerEntryPositionClose, realized, description)
	}

	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_ledger (
				id, user_id, account_id, order_id, trade_id, position_id,
				entry_type, amount, balance_before, balance_after,
				currency, description, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			e.ID, e.UserID, e.AccountID, e.OrderID, e.TradeID, e.PositionID,
			e.EntryType, e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
			e.Currency, e.Description, e.CreatedAt,
		); err != nil {
			return Account{}, nil, err
		}
	}

	var unrealizedStr string
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(unrealized_pnl), 0)::text
		FROM positions
		WHERE account_id = $1 AND status = 'open'
	`, order.AccountID).Scan(&unrealizedStr); err != nil {
		return Account{}, nil, err
	}
	accountUnrealized, err := decimal.NewFromString(unrealizedStr)
	if err != nil {
		return Account{}, nil, fmt.Errorf("parse account unrealized pnl: %w", err)
	}

	account.Balance = balance
	account.MarginUsed = account.MarginUsed.Add(marginDelta)
	if account.MarginUsed.LessThan(decimal.Zero) {
		account.MarginUsed = decimal.Zero
	}
	account.RealizedPnL = account.RealizedPnL.Add(realized)
	account.UnrealizedPnL = accountUnrealized
	account.Equity = account.Balance.Add(account.UnrealizedPnL)
	account.UpdatedAt = now

	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $2, equity = $3, margin_used = $4,
		    realized_pnl = $5, unrealized_pnl = $6, updated_at = $7
		WHERE id = $1
	`,
		account.ID, account.Balance.String(), account.Equity.String(), account.MarginUsed.String(),
		account.RealizedPnL.String(), account.UnrealizedPnL.String(), now,
	); err != nil {
		return Account{}, nil, err
	}

	return account, entries, nil
}
