package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yeshwanth1127/trading-ecosystem/internal/pricecache"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*storage.Order
	positions map[uuid.UUID]*storage.Position
	account   storage.Account
	fills     []storage.FillRequest
	created   []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[uuid.UUID]*storage.Order),
		positions: make(map[uuid.UUID]*storage.Position),
		account: storage.Account{
			ID:      uuid.New(),
			UserID:  uuid.New(),
			Balance: decimal.RequireFromString("10000"),
		},
	}
}

func (f *fakeStore) addOrder(o storage.Order) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = storage.OrderStatusPending
	}
	if o.Leverage.IsZero() {
		o.Leverage = decimal.NewFromInt(1)
	}
	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	copied := o
	f.orders[o.ID] = &copied
	return o.ID
}

func (f *fakeStore) addPosition(p storage.Position) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = storage.PositionStatusOpen
	}
	copied := p
	f.positions[p.ID] = &copied
	return p.ID
}

func (f *fakeStore) ListOpenOrders(ctx context.Context) ([]storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Order
	for _, o := range f.orders {
		if o.IsOpen() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOrder(ctx context.Context, id uuid.UUID) (storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return storage.Order{}, storage.ErrOrderNotFound
	}
	return *o, nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, o *storage.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.Status = storage.OrderStatusPending
	o.RemainingQuantity = o.Quantity
	f.mu.Lock()
	copied := *o
	f.orders[o.ID] = &copied
	f.created = append(f.created, o.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) RejectOrder(ctx context.Context, id uuid.UUID, reason string) (storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return storage.Order{}, storage.ErrOrderNotFound
	}
	if !o.IsOpen() {
		return storage.Order{}, storage.ErrOrderNotOpen
	}
	o.Status = storage.OrderStatusRejected
	o.RejectionReason = reason
	return *o, nil
}

func (f *fakeStore) ConvertStopToMarket(ctx context.Context, id uuid.UUID) (storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || !o.IsOpen() || o.OrderType != storage.OrderTypeStop {
		return storage.Order{}, storage.ErrOrderNotOpen
	}
	o.OrderType = storage.OrderTypeMarket
	o.LimitPrice = nil
	return *o, nil
}

func (f *fakeStore) ConvertStopLimitToLimit(ctx context.Context, id uuid.UUID) (storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || !o.IsOpen() || o.OrderType != storage.OrderTypeStopLimit {
		return storage.Order{}, storage.ErrOrderNotOpen
	}
	o.OrderType = storage.OrderTypeLimit
	o.StopPrice = nil
	return *o, nil
}

func (f *fakeStore) ApplyFill(ctx context.Context, req storage.FillRequest) (*storage.FillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[req.OrderID]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	if !o.IsOpen() {
		return nil, storage.ErrOrderNotOpen
	}

	fillQty := req.Quantity
	remaining := o.Quantity.Sub(o.FilledQuantity)
	if fillQty.LessThanOrEqual(decimal.Zero) || fillQty.GreaterThan(remaining) {
		fillQty = remaining
	}
	f.fills = append(f.fills, req)

	o.FilledQuantity = o.FilledQuantity.Add(fillQty)
	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	if o.RemainingQuantity.IsZero() {
		o.Status = storage.OrderStatusFilled
	} else {
		o.Status = storage.OrderStatusPartial
	}

	tradeType := req.TradeType
	if tradeType == "" {
		tradeType = storage.TradeTypeFill
	}
	trade := storage.Trade{
		ID:       uuid.New(),
		OrderID:  o.ID,
		UserID:   o.UserID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: fillQty,
		Price:    req.Price,
		Amount:   fillQty.Mul(req.Price),
	}

	var position *storage.Position
	for _, p := range f.positions {
		if p.UserID == o.UserID && p.InstrumentID == o.InstrumentID && p.Status == storage.PositionStatusOpen {
			position = p
			break
		}
	}

	change := storage.PositionOpened
	realized := decimal.Zero
	if position == nil {
		side := storage.PositionSideLong
		if o.Side == storage.OrderSideSell {
			side = storage.PositionSideShort
		}
		position = &storage.Position{
			ID:                uuid.New(),
			UserID:            o.UserID,
			AccountID:         o.AccountID,
			InstrumentID:      o.InstrumentID,
			Symbol:            o.Symbol,
			Status:            storage.PositionStatusOpen,
			Side:              side,
			Quantity:          fillQty,
			AverageEntryPrice: req.Price,
			Leverage:          o.Leverage,
		}
		f.positions[position.ID] = position
	} else {
		increasing := (position.Side == storage.PositionSideLong && o.Side == storage.OrderSideBuy) ||
			(position.Side == storage.PositionSideShort && o.Side == storage.OrderSideSell)
		if increasing {
			position.AverageEntryPrice = storage.WeightedAverageEntry(position.Quantity, position.AverageEntryPrice, fillQty, req.Price)
			position.Quantity = position.Quantity.Add(fillQty)
			change = storage.PositionIncreased
		} else {
			closedQty := decimal.Min(fillQty, position.Quantity)
			realized = storage.RealizedPnL(position.Side, position.AverageEntryPrice, req.Price, closedQty)
			position.RealizedPnL = position.RealizedPnL.Add(realized)
			if fillQty.GreaterThanOrEqual(position.Quantity) {
				position.Quantity = decimal.Zero
				position.MarginUsed = decimal.Zero
				if tradeType == storage.TradeTypeLiquidation {
					position.Status = storage.PositionStatusLiquidated
					change = storage.PositionLiquidated
				} else {
					position.Status = storage.PositionStatusClosed
					change = storage.PositionClosed
				}
			} else {
				position.Quantity = position.Quantity.Sub(closedQty)
				change = storage.PositionReduced
			}
		}
	}

	return &storage.FillResult{
		Order:          *o,
		Trade:          trade,
		Position:       *position,
		PositionChange: change,
		RealizedPnL:    realized,
		Account:        f.account,
	}, nil
}

func (f *fakeStore) ListOpenPositions(ctx context.Context) ([]storage.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Position
	for _, p := range f.positions {
		if p.Status == storage.PositionStatusOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) RepriceOpenPositions(ctx context.Context, symbol string, currentPrice decimal.Decimal) ([]storage.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Position
	for _, p := range f.positions {
		if p.Status == storage.PositionStatusOpen && p.Symbol == symbol {
			p.CurrentPrice = currentPrice
			p.UnrealizedPnL = storage.UnrealizedPnL(p.Side, p.AverageEntryPrice, currentPrice, p.Quantity)
			out = append(out, *p)
		}
	}
	return out, nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[uuid.UUID]string)}
}

func (l *fakeLocker) Acquire(ctx context.Context, orderID uuid.UUID) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[orderID]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[orderID] = token
	return token, true, nil
}

func (l *fakeLocker) Release(ctx context.Context, orderID uuid.UUID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[orderID] == token {
		delete(l.held, orderID)
	}
	return nil
}

type fakePrices struct {
	mu        sync.Mutex
	quotes    map[string]pricecache.Quote
	refreshes int
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: make(map[string]pricecache.Quote)}
}

func (p *fakePrices) set(symbol, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = pricecache.Quote{Price: decimal.RequireFromString(price), Timestamp: time.Now()}
}

func (p *fakePrices) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return nil
}

func (p *fakePrices) Get(symbol string) (pricecache.Quote, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	return q, ok
}

func (p *fakePrices) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quotes)
}

func (p *fakePrices) LastRefresh() time.Time { return time.Now() }

type publishedEvent struct {
	eventType string
	key       string
	data      map[string]any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, eventType, key string, data map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType, key, data})
}

func (p *fakePublisher) byType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(store *fakeStore, prices *fakePrices, publisher *fakePublisher) *Engine {
	return New(store, newFakeLocker(), prices, publisher, slog.Default(), nil, Config{
		TickInterval: 10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	})
}
