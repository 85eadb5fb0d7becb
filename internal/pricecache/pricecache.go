package pricecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Quote is the latest observed market data point for one symbol.
type Quote struct {
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// Cache mirrors the market-data ingester's latest_price:* hashes in memory
// so the matching loop never touches Redis per order. Only Refresh writes
// the map; readers take the RLock.
type Cache struct {
	client     redis.Cmdable
	keyPattern string
	scanCount  int64

	mu          sync.RWMutex
	quotes      map[string]Quote
	lastRefresh time.Time
}

const hgetallBatchSize = 50

func New(client redis.Cmdable, keyPattern string, scanCount int64) *Cache {
	if keyPattern == "" {
		keyPattern = "latest_price:*"
	}
	if scanCount <= 0 {
		scanCount = 500
	}
	return &Cache{
		client:     client,
		keyPattern: keyPattern,
		scanCount:  scanCount,
		quotes:     make(map[string]Quote),
	}
}

// Refresh scans all price keys and bulk-reads their hashes in pipelined
// batches. SCAN keeps the read incremental; a full KEYS listing would block
// the store. Stale entries are kept: a symbol that stops updating retains
// its last observed quote.
func (c *Cache) Refresh(ctx context.Context) error {
	prefix := strings.TrimSuffix(c.keyPattern, "*")

	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.keyPattern, c.scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan price keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	updates := make(map[string]Quote, len(keys))
	for start := 0; start < len(keys); start += hgetallBatchSize {
		end := start + hgetallBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		pipe := c.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(chunk))
		for i, key := range chunk {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("read price hashes: %w", err)
		}

		for i, cmd := range cmds {
			fields, err := cmd.Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			symbol := strings.ToUpper(strings.TrimPrefix(chunk[i], prefix))
			quote, err := parseQuote(fields)
			if err != nil {
				continue
			}
			updates[symbol] = quote
		}
	}

	c.mu.Lock()
	for symbol, quote := range updates {
		c.quotes[symbol] = quote
	}
	c.lastRefresh = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func parseQuote(fields map[string]string) (Quote, error) {
	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return Quote{}, fmt.Errorf("parse price: %w", err)
	}
	q := Quote{Price: price}
	if v, ok := fields["bid"]; ok {
		if q.Bid, err = decimal.NewFromString(v); err != nil {
			return Quote{}, fmt.Errorf("parse bid: %w", err)
		}
	}
	if v, ok := fields["ask"]; ok {
		if q.Ask, err = decimal.NewFromString(v); err != nil {
			return Quote{}, fmt.Errorf("parse ask: %w", err)
		}
	}
	if v, ok := fields["volume"]; ok {
		if q.Volume, err = decimal.NewFromString(v); err != nil {
			return Quote{}, fmt.Errorf("parse volume: %w", err)
		}
	}
	if v, ok := fields["timestamp"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			q.Timestamp = ts
		}
	}
	return q, nil
}

func (c *Cache) Get(symbol string) (Quote, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return Quote{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	quote, ok := c.quotes[key]
	return quote, ok
}

// Symbols returns the cached symbol set in no particular order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.quotes))
	for symbol := range c.quotes {
		out = append(out, symbol)
	}
	return out
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
