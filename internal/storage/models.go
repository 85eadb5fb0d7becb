package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderTypeMarket    = "market"
	OrderTypeLimit     = "limit"
	OrderTypeStop      = "stop"
	OrderTypeStopLimit = "stop_limit"
)

const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusPartial   = "partial"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
	OrderStatusExpired   = "expired"
)

const (
	PositionSideLong  = "long"
	PositionSideShort = "short"
)

const (
	PositionStatusOpen       = "open"
	PositionStatusClosed     = "closed"
	PositionStatusLiquidated = "liquidated"
)

const (
	TradeTypeFill        = "fill"
	TradeTypeLiquidation = "liquidation"
	TradeTypeFunding     = "funding"
	TradeTypeAdjustment  = "adjustment"
)

// Ledger entry types. The engine writes pnl, fee, and position_close; the
// remaining types belong to the account service, which appends to the same
// journal.
const (
	LedgerEntryDeposit       = "deposit"
	LedgerEntryWithdrawal    = "withdrawal"
	LedgerEntryPnL           = "pnl"
	LedgerEntryFee           = "fee"
	LedgerEntryMarginCall    = "margin_call"
	LedgerEntryInterest      = "interest"
	LedgerEntryDividend      = "dividend"
	LedgerEntryRefund        = "refund"
	LedgerEntryBonus         = "bonus"
	LedgerEntryPenalty       = "penalty"
	LedgerEntryPositionClose = "position_close"
)

type Order struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	AccountID         uuid.UUID
	InstrumentID      uuid.UUID
	Symbol            string
	OrderType         string
	Side              string
	Status            string
	TimeInForce       string
	Quantity          decimal.Decimal
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	LimitPrice        *decimal.Decimal
	StopPrice         *decimal.Decimal
	AverageFillPrice  decimal.Decimal
	TotalAmount       decimal.Decimal
	FilledAmount      decimal.Decimal
	RemainingAmount   decimal.Decimal
	Commission        decimal.Decimal
	CommissionRate    decimal.Decimal
	Leverage          decimal.Decimal
	MarginRequired    decimal.Decimal
	MarginUsed        decimal.Decimal
	IsMarginOrder     bool
	ReduceOnly        bool
	ClientOrderID     string
	RejectionReason   string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FilledAt          *time.Time
	CancelledAt       *time.Time
}

// Remaining reports the quantity still eligible for matching.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o Order) IsOpen() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartial
}

type Position struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	AccountID         uuid.UUID
	InstrumentID      uuid.UUID
	Symbol            string
	Status            string
	Side              string
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	CurrentPrice      decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	RealizedPnL       decimal.Decimal
	Leverage          decimal.Decimal
	MarginUsed        decimal.Decimal
	MarginRequired    decimal.Decimal
	MarginRatio       decimal.Decimal
	LiquidationPrice  *decimal.Decimal
	StopLoss          *decimal.Decimal
	TakeProfit        *decimal.Decimal
	TotalTrades       int64
	TotalVolume       decimal.Decimal
	TotalFees         decimal.Decimal
	OpenedAt          time.Time
	UpdatedAt         time.Time
	ClosedAt          *time.Time
}

// TotalPnL is realized plus mark-to-market unrealized, the figure the
// liquidation threshold is checked against.
func (p Position) TotalPnL() decimal.Decimal {
	return p.RealizedPnL.Add(p.UnrealizedPnL)
}

type Trade struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	UserID         uuid.UUID
	AccountID      uuid.UUID
	InstrumentID   uuid.UUID
	Symbol         string
	TradeType      string
	Side           string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Amount         decimal.Decimal
	Commission     decimal.Decimal
	CommissionRate decimal.Decimal
	Leverage       decimal.Decimal
	MarginUsed     decimal.Decimal
	RealizedPnL    decimal.Decimal
	ExecutedAt     time.Time
}

type LedgerEntry struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	AccountID     uuid.UUID
	OrderID       *uuid.UUID
	TradeID       *uuid.UUID
	PositionID    *uuid.UUID
	EntryType     string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Currency      string
	Description   string
	CreatedAt     time.Time
}

type Account struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Balance       decimal.Decimal
	Equity        decimal.Decimal
	MarginUsed    decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}
