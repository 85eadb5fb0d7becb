package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yeshwanth1127/trading-ecosystem/internal/pricecache"
	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

// Store is the durable order/position/ledger backend.
type Store interface {
	ListOpenOrders(ctx context.Context) ([]storage.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (storage.Order, error)
	CreateOrder(ctx context.Context, o *storage.Order) error
	RejectOrder(ctx context.Context, id uuid.UUID, reason string) (storage.Order, error)
	ConvertStopToMarket(ctx context.Context, id uuid.UUID) (storage.Order, error)
	ConvertStopLimitToLimit(ctx context.Context, id uuid.UUID) (storage.Order, error)
	ApplyFill(ctx context.Context, req storage.FillRequest) (*storage.FillResult, error)
	ListOpenPositions(ctx context.Context) ([]storage.Position, error)
	RepriceOpenPositions(ctx context.Context, symbol string, currentPrice decimal.Decimal) ([]storage.Position, error)
}

// Locker serializes per-order work across engine instances.
type Locker interface {
	Acquire(ctx context.Context, orderID uuid.UUID) (token string, ok bool, err error)
	Release(ctx context.Context, orderID uuid.UUID, token string) error
}

// PriceSource supplies the freshest known market data per symbol.
type PriceSource interface {
	Refresh(ctx context.Context) error
	Get(symbol string) (pricecache.Quote, bool)
	Size() int
	LastRefresh() time.Time
}

// Publisher emits trading events; delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, data map[string]any)
}

type Config struct {
	TickInterval         time.Duration
	ErrorBackoff         time.Duration
	MissingPriceLogEvery time.Duration
}

// Engine drives the execution loop: price refresh, order matching,
// stop-loss/take-profit scanning, liquidation checks, and position
// revaluation, once per tick.
type Engine struct {
	store     Store
	locker    Locker
	prices    PriceSource
	publisher Publisher
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config

	book         *positionBook
	missingPrice *warnLimiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

func New(store Store, locker Locker, prices PriceSource, publisher Publisher, logger *slog.Logger, metrics *Metrics, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Engine{
		store:        store,
		locker:       locker,
		prices:       prices,
		publisher:    publisher,
		logger:       logger,
		metrics:      metrics,
		cfg:          cfg,
		book:         newPositionBook(),
		missingPrice: newWarnLimiter(cfg.MissingPriceLogEvery),
	}
}

// Start rebuilds the position mirror and launches the loop. It is a no-op
// if the engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	if err := e.book.load(ctx, e.store); err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	e.logger.Info("position mirror loaded", "open_positions", e.book.size())

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.started = time.Now().UTC()

	go e.run(loopCtx)
	e.logger.Info("execution engine started", "tick_interval", e.cfg.TickInterval)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Info("execution engine stopped")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	for {
		start := time.Now()
		err := e.tick(ctx)
		e.metrics.ObserveTick(time.Since(start), err)
		e.metrics.SetGauges(e.book.size(), e.prices.Size())

		delay := e.cfg.TickInterval
		if err != nil {
			e.logger.Error("tick failed", "error", err)
			delay = e.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// tick performs one pass of the loop. An error from the price refresh
// aborts the tick; later stages log per-item failures and keep going, so no
// single order or position can stall the rest.
func (e *Engine) tick(ctx context.Context) error {
	if err := e.prices.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh price cache: %w", err)
	}

	e.revaluePositions(ctx)
	e.processOpenOrders(ctx)
	e.scanStopTriggers(ctx)
	e.checkRiskLimits(ctx)
	return nil
}

// Status is the operational snapshot served by the HTTP surface.
type Status struct {
	Running        bool       `json:"running"`
	OpenPositions  int        `json:"open_positions"`
	PriceCacheSize int        `json:"price_cache_size"`
	LastPriceSync  time.Time  `json:"last_price_sync"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	started := e.started
	e.mu.Unlock()

	s := Status{
		Running:        running,
		OpenPositions:  e.book.size(),
		PriceCacheSize: e.prices.Size(),
		LastPriceSync:  e.prices.LastRefresh(),
	}
	if running {
		s.StartedAt = &started
	}
	return s
}

// TestTrigger evaluates stop-loss/take-profit for one position at an
// arbitrary price, executing the close if it fires. Returns the action
// taken: "stop_loss", "take_profit", or "none". Verification hook only;
// real triggers come from the tick's scan.
func (e *Engine) TestTrigger(ctx context.Context, userID, instrumentID uuid.UUID, price decimal.Decimal) (string, error) {
	position, ok := e.book.get(userID, instrumentID)
	if !ok {
		return "", storage.ErrPositionNotFound
	}

	switch {
	case position.StopLoss != nil && stopLossHit(position, price):
		if err := e.closePosition(ctx, position, price, storage.TradeTypeFill, "Stop loss triggered (manual check)"); err != nil {
			return "", err
		}
		e.publishTrigger(ctx, position, "stop_loss", *position.StopLoss, price)
		return "stop_loss", nil
	case position.TakeProfit != nil && takeProfitHit(position, price):
		if err := e.closePosition(ctx, position, price, storage.TradeTypeFill, "Take profit triggered (manual check)"); err != nil {
			return "", err
		}
		e.publishTrigger(ctx, position, "take_profit", *position.TakeProfit, price)
		return "take_profit", nil
	}
	return "none", nil
}
