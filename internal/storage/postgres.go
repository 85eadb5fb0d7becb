package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotOpen     = errors.New("order is not open")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionNotOpen  = errors.New("position is not open")
	ErrPositionConflict = errors.New("position opened concurrently")
	ErrAccountNotFound  = errors.New("account not found")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

const orderColumns = `
	id, user_id, account_id, instrument_id, symbol, order_type, side, status,
	time_in_force,
	quantity::text, filled_quantity::text, limit_price::text, stop_price::text,
	average_fill_price::text, total_amount::text, filled_amount::text,
	commission::text, commission_rate::text, leverage::text,
	margin_required::text, margin_used::text, is_margin_order, reduce_only,
	COALESCE(client_order_id, ''), COALESCE(rejection_reason, ''), COALESCE(notes, ''),
	created_at, updated_at, filled_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var o Order
	var qty, filledQty, avgPrice, totalAmt, filledAmt, commission, commRate, leverage string
	var marginRequired, marginUsed string
	var limitPrice, stopPrice *string

	err := row.Scan(
		&o.ID, &o.UserID, &o.AccountID, &o.InstrumentID, &o.Symbol,
		&o.OrderType, &o.Side, &o.Status, &o.TimeInForce,
		&qty, &filledQty, &limitPrice, &stopPrice,
		&avgPrice, &totalAmt, &filledAmt,
		&commission, &commRate, &leverage,
		&marginRequired, &marginUsed, &o.IsMarginOrder, &o.ReduceOnly,
		&o.ClientOrderID, &o.RejectionReason, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt, &o.FilledAt, &o.CancelledAt,
	)
	if err != nil {
		return Order{}, err
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
		col string
	}{
		{&o.Quantity, qty, "quantity"},
		{&o.FilledQuantity, filledQty, "filled_quantity"},
		{&o.AverageFillPrice, avgPrice, "average_fill_price"},
		{&o.TotalAmount, totalAmt, "total_amount"},
		{&o.FilledAmount, filledAmt, "filled_amount"},
		{&o.Commission, commission, "commission"},
		{&o.CommissionRate, commRate, "commission_rate"},
		{&o.Leverage, leverage, "leverage"},
		{&o.MarginRequired, marginRequired, "margin_required"},
		{&o.MarginUsed, marginUsed, "margin_used"},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return Order{}, fmt.Errorf("parse %s: %w", f.col, err)
		}
		*f.dst = v
	}
	if limitPrice != nil {
		p, err := decimal.NewFromString(*limitPrice)
		if err != nil {
			return Order{}, fmt.Errorf("parse limit_price: %w", err)
		}
		o.LimitPrice = &p
	}
	if stopPrice != nil {
		p, err := decimal.NewFromString(*stopPrice)
		if err != nil {
			return Order{}, fmt.Errorf("parse stop_price: %w", err)
		}
		o.StopPrice = &p
	}

	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	o.RemainingAmount = o.TotalAmount.Sub(o.FilledAmount)
	return o, nil
}

// GetOrder re-reads an order from the durable store. Matching never trusts
// a listing snapshot once the per-order lock is held.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	return order, nil
}

func (s *Store) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending', 'partial')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// CreateOrder inserts a new pending order. Used for synthetic close orders
// raised by risk checks; user-submitted orders arrive through the order API.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now().UTC()
	o.Status = OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Leverage.IsZero() {
		o.Leverage = decimal.NewFromInt(1)
	}
	if o.TimeInForce == "" {
		o.TimeInForce = "GTC"
	}
	if o.Leverage.GreaterThan(decimal.NewFromInt(1)) {
		o.IsMarginOrder = true
	}
	// Priced orders know their margin requirement up front; market orders
	// discover it fill by fill.
	if o.MarginRequired.IsZero() {
		if reference := o.LimitPrice; reference != nil {
			o.MarginRequired = MarginForFill(o.Quantity.Mul(*reference), o.Leverage)
		} else if o.StopPrice != nil {
			o.MarginRequired = MarginForFill(o.Quantity.Mul(*o.StopPrice), o.Leverage)
		}
	}

	var limitPrice, stopPrice, clientOrderID *string
	if o.LimitPrice != nil {
		v := o.LimitPrice.String()
		limitPrice = &v
	}
	if o.StopPrice != nil {
		v := o.StopPrice.String()
		stopPrice = &v
	}
	if o.ClientOrderID != "" {
		v := o.ClientOrderID
		clientOrderID = &v
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, account_id, instrument_id, symbol, order_type, side, status,
			time_in_force, quantity, filled_quantity, limit_price, stop_price,
			average_fill_price, total_amount, filled_amount,
			commission_rate, leverage, margin_required, margin_used,
			is_margin_order, reduce_only, client_order_id,
			notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, 0, 0, 0,
		          $13, $14, $15, 0, $16, $17, $18, $19, $20, $20)
	`,
		o.ID, o.UserID, o.AccountID, o.InstrumentID, strings.ToUpper(o.Symbol),
		o.OrderType, o.Side, o.Status, o.TimeInForce,
		o.Quantity.String(), limitPrice, stopPrice,
		o.CommissionRate.String(), o.Leverage.String(), o.MarginRequired.String(),
		o.IsMarginOrder, o.ReduceOnly, clientOrderID,
		o.Notes, now,
	)
	return err
}

// RejectOrder marks an open order rejected with a stored reason. Rejection
// is terminal; a rejected order is never re-evaluated.
func (s *Store) RejectOrder(ctx context.Context, id uuid.UUID, reason string) (Order, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = 'rejected', rejection_reason = $2, cancelled_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'partial')
		RETURNING `+orderColumns,
		id, reason, now)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetOrder(ctx, id); getErr != nil {
				return Order{}, getErr
			}
			return Order{}, ErrOrderNotOpen
		}
		return Order{}, err
	}
	return order, nil
}

// ConvertStopToMarket rewrites a triggered stop order as a market order,
// dropping the limit price. The caller executes it in the same tick.
func (s *Store) ConvertStopToMarket(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET order_type = 'market', limit_price = NULL, updated_at = $2
		WHERE id = $1 AND order_type = 'stop' AND status IN ('pending', 'partial')
		RETURNING `+orderColumns,
		id, time.Now().UTC())

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotOpen
		}
		return Order{}, err
	}
	return order, nil
}

// ConvertStopLimitToLimit rewrites a triggered stop-limit order as a plain
// limit order, keeping the limit price and clearing the stop price. The
// order is then evaluated under limit semantics on a later tick.
func (s *Store) ConvertStopLimitToLimit(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET order_type = 'limit', stop_price = NULL, updated_at = $2
		WHERE id = $1 AND order_type = 'stop_limit' AND status IN ('pending', 'partial')
		RETURNING `+orderColumns,
		id, time.Now().UTC())

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotOpen
		}
		return Order{}, err
	}
	return order, nil
}

const positionColumns = `
	id, user_id, account_id, instrument_id, symbol, status, side,
	quantity::text, average_entry_price::text, current_price::text,
	unrealized_pnl::text, realized_pnl::text, leverage::text, margin_used::text,
	margin_required::text, margin_ratio::text,
	liquidation_price::text, stop_loss::text, take_profit::text,
	total_trades, total_volume::text, total_fees::text,
	opened_at, updated_at, closed_at`

func scanPosition(row rowScanner) (Position, error) {
	var p Position
	var qty, entry, current, unrealized, realized, leverage, margin string
	var marginRequired, marginRatio, volume, fees string
	var liquidationPrice, stopLoss, takeProfit *string

	err := row.Scan(
		&p.ID, &p.UserID, &p.AccountID, &p.InstrumentID, &p.Symbol, &p.Status, &p.Side,
		&qty, &entry, &current,
		&unrealized, &realized, &leverage, &margin,
		&marginRequired, &marginRatio,
		&liquidationPrice, &stopLoss, &takeProfit,
		&p.TotalTrades, &volume, &fees,
		&p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return Position{}, err
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
		col string
	}{
		{&p.Quantity, qty, "quantity"},
		{&p.AverageEntryPrice, entry, "average_entry_price"},
		{&p.CurrentPrice, current, "current_price"},
		{&p.UnrealizedPnL, unrealized, "unrealized_pnl"},
		{&p.RealizedPnL, realized, "realized_pnl"},
		{&p.Leverage, leverage, "leverage"},
		{&p.MarginUsed, margin, "margin_used"},
		{&p.MarginRequired, marginRequired, "margin_required"},
		{&p.MarginRatio, marginRatio, "margin_ratio"},
		{&p.TotalVolume, volume, "total_volume"},
		{&p.TotalFees, fees, "total_fees"},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return Position{}, fmt.Errorf("parse %s: %w", f.col, err)
		}
		*f.dst = v
	}
	if liquidationPrice != nil {
		v, err := decimal.NewFromString(*liquidationPrice)
		if err != nil {
			return Position{}, fmt.Errorf("parse liquidation_price: %w", err)
		}
		p.LiquidationPrice = &v
	}
	if stopLoss != nil {
		v, err := decimal.NewFromString(*stopLoss)
		if err != nil {
			return Position{}, fmt.Errorf("parse stop_loss: %w", err)
		}
		p.StopLoss = &v
	}
	if takeProfit != nil {
		v, err := decimal.NewFromString(*takeProfit)
		if err != nil {
			return Position{}, fmt.Errorf("parse take_profit: %w", err)
		}
		p.TakeProfit = &v
	}
	return p, nil
}

// ListOpenPositions loads every open position, used to rebuild the
// in-memory mirror at startup.
func (s *Store) ListOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'open'
		ORDER BY opened_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetOpenPosition returns the single open position for (user, instrument),
// or ErrPositionNotFound.
func (s *Store) GetOpenPosition(ctx context.Context, userID, instrumentID uuid.UUID) (Position, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1 AND instrument_id = $2 AND status = 'open'
	`, userID, instrumentID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrPositionNotFound
		}
		return Position{}, err
	}
	return p, nil
}

// RepriceOpenPositions marks every open position on the symbol to the given
// price and persists the recomputed unrealized P&L. Returns the updated rows.
func (s *Store) RepriceOpenPositions(ctx context.Context, symbol string, currentPrice decimal.Decimal) ([]Position, error) {
	var updated []Position
	err := withTxRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback(ctx)
			}
		}()

		rows, err := tx.Query(ctx, `
			SELECT `+positionColumns+`
			FROM positions
			WHERE symbol = $1 AND status = 'open'
			FOR UPDATE
		`, strings.ToUpper(symbol))
		if err != nil {
			return err
		}
		var positions []Position
		for rows.Next() {
			p, err := scanPosition(rows)
			if err != nil {
				rows.Close()
				return err
			}
			positions = append(positions, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		updated = updated[:0]
		for _, p := range positions {
			pnl := UnrealizedPnL(p.Side, p.AverageEntryPrice, currentPrice, p.Quantity)
			if _, err := tx.Exec(ctx, `
				UPDATE positions
				SET current_price = $2, unrealized_pnl = $3, updated_at = $4
				WHERE id = $1
			`, p.ID, currentPrice.String(), pnl.String(), now); err != nil {
				return err
			}
			p.CurrentPrice = currentPrice
			p.UnrealizedPnL = pnl
			p.UpdatedAt = now
			updated = append(updated, p)
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID uuid.UUID) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, balance::text, equity::text, margin_used::text,
		       realized_pnl::text, unrealized_pnl::text, updated_at
		FROM accounts
		WHERE id = $1
	`, accountID)
	return scanAccount(row)
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var balance, equity, margin, realized, unrealized string
	err := row.Scan(&a.ID, &a.UserID, &balance, &equity, &margin, &realized, &unrealized, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
		col string
	}{
		{&a.Balance, balance, "balance"},
		{&a.Equity, equity, "equity"},
		{&a.MarginUsed, margin, "margin_used"},
		{&a.RealizedPnL, realized, "realized_pnl"},
		{&a.UnrealizedPnL, unrealized, "unrealized_pnl"},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return Account{}, fmt.Errorf("parse %s: %w", f.col, err)
		}
		*f.dst = v
	}
	return a, nil
}

// LedgerEntries returns the journal for one account in insertion order.
func (s *Store) LedgerEntries(ctx context.Context, accountID uuid.UUID) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, account_id, order_id, trade_id, position_id,
		       entry_type, amount::text, balance_before::text, balance_after::text,
		       currency, COALESCE(description, ''), created_at
		FROM account_ledger
		WHERE account_id = $1
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var amount, before, after string
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.AccountID, &e.OrderID, &e.TradeID, &e.PositionID,
			&e.EntryType, &amount, &before, &after,
			&e.Currency, &e.Description, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, fmt.Errorf("parse balance_before: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
