package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

// positionBook is the in-memory mirror of open positions, keyed by
// (user, instrument). The durable store stays the source of truth; the book
// is rebuilt at startup and resynchronized after every fill and reprice so
// risk checks never re-query per tick.
type positionBook struct {
	mu        sync.RWMutex
	positions map[positionKey]storage.Position
}

type positionKey struct {
	userID       uuid.UUID
	instrumentID uuid.UUID
}

func newPositionBook() *positionBook {
	return &positionBook{positions: make(map[positionKey]storage.Position)}
}

func (b *positionBook) load(ctx context.Context, store Store) error {
	positions, err := store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[positionKey]storage.Position, len(positions))
	for _, p := range positions {
		b.positions[positionKey{p.UserID, p.InstrumentID}] = p
	}
	return nil
}

// apply reflects a durable position mutation in the mirror. Closed and
// liquidated positions drop out of the book.
func (b *positionBook) apply(p storage.Position) {
	key := positionKey{p.UserID, p.InstrumentID}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Status == storage.PositionStatusOpen {
		b.positions[key] = p
	} else {
		delete(b.positions, key)
	}
}

func (b *positionBook) get(userID, instrumentID uuid.UUID) (storage.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[positionKey{userID, instrumentID}]
	return p, ok
}

func (b *positionBook) list() []storage.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]storage.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

// symbols returns the distinct instruments with at least one open position.
func (b *positionBook) symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range b.positions {
		seen[p.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

func (b *positionBook) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// revalue marks every open position on symbols with cached prices and
// persists the recomputed unrealized P&L, then refreshes the mirror from
// the rows the store returned.
func (e *Engine) revaluePositions(ctx context.Context) {
	for _, symbol := range e.book.symbols() {
		quote, ok := e.prices.Get(symbol)
		if !ok {
			continue
		}
		updated, err := e.store.RepriceOpenPositions(ctx, symbol, quote.Price)
		if err != nil {
			e.logger.Error("position revaluation failed", "symbol", symbol, "error", err)
			continue
		}
		for _, p := range updated {
			e.book.apply(p)
		}
	}
}
