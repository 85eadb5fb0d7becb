// Seeds a dev database and Redis with demo accounts, prices, and open
// orders so the execution engine has work to do locally.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/yeshwanth1127/trading-ecosystem/internal/storage"
)

var (
	demoUserID      = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	demoAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	traderUserID    = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	traderAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000102")

	btcInstrumentID = uuid.MustParse("00000000-0000-0000-0000-000000000301")
	ethInstrumentID = uuid.MustParse("00000000-0000-0000-0000-000000000302")
)

func main() {
	env := getEnv("ENGINE_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: ENGINE_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "trading"),
		getEnv("POSTGRES_PASSWORD", "trading"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "trading_platform"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedAccounts(ctx, pool); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Accounts seeded")

	if err := seedPrices(ctx, redisClient); err != nil {
		log.Fatalf("seed prices: %v", err)
	}
	fmt.Println("✓ Prices seeded")

	if err := seedOrders(ctx, pool); err != nil {
		log.Fatalf("seed orders: %v", err)
	}
	fmt.Println("✓ Orders seeded")

	fmt.Println("Done.")
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool) error {
	accounts := []struct {
		accountID uuid.UUID
		userID    uuid.UUID
		balance   string
	}{
		{demoAccountID, demoUserID, "100000"},
		{traderAccountID, traderUserID, "50000"},
	}
	for _, a := range accounts {
		if _, err := pool.Exec(ctx, `
			INSERT INTO accounts (id, user_id, balance, equity)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (id) DO NOTHING
		`, a.accountID, a.userID, a.balance); err != nil {
			return err
		}
	}
	return nil
}

func seedPrices(ctx context.Context, client *redis.Client) error {
	now := time.Now().UTC().Format(time.RFC3339)
	prices := map[string]map[string]any{
		"latest_price:BTCUSDT": {
			"price": "65000", "bid": "64995", "ask": "65005", "volume": "1200", "timestamp": now,
		},
		"latest_price:ETHUSDT": {
			"price": "3200", "bid": "3199", "ask": "3201", "volume": "8500", "timestamp": now,
		},
	}
	for key, fields := range prices {
		if err := client.HSet(ctx, key, fields).Err(); err != nil {
			return err
		}
	}
	return nil
}

func seedOrders(ctx context.Context, pool *pgxpool.Pool) error {
	store := storage.New(pool, nil)

	limitPrice := decimal.RequireFromString("64000")
	stopPrice := decimal.RequireFromString("3100")

	orders := []*storage.Order{
		{
			UserID:         demoUserID,
			AccountID:      demoAccountID,
			InstrumentID:   btcInstrumentID,
			Symbol:         "BTCUSDT",
			OrderType:      storage.OrderTypeMarket,
			Side:           storage.OrderSideBuy,
			Quantity:       decimal.RequireFromString("0.5"),
			CommissionRate: decimal.RequireFromString("0.001"),
			Leverage:       decimal.NewFromInt(1),
			Notes:          "seed: demo market buy",
		},
		{
			UserID:         demoUserID,
			AccountID:      demoAccountID,
			InstrumentID:   btcInstrumentID,
			Symbol:         "BTCUSDT",
			OrderType:      storage.OrderTypeLimit,
			Side:           storage.OrderSideBuy,
			Quantity:       decimal.RequireFromString("0.25"),
			LimitPrice:     &limitPrice,
			CommissionRate: decimal.RequireFromString("0.001"),
			Leverage:       decimal.NewFromInt(1),
			Notes:          "seed: demo limit buy below market",
		},
		{
			UserID:         traderUserID,
			AccountID:      traderAccountID,
			InstrumentID:   ethInstrumentID,
			Symbol:         "ETHUSDT",
			OrderType:      storage.OrderTypeStop,
			Side:           storage.OrderSideSell,
			Quantity:       decimal.RequireFromString("2"),
			StopPrice:      &stopPrice,
			CommissionRate: decimal.RequireFromString("0.001"),
			Leverage:       decimal.NewFromInt(2),
			Notes:          "seed: trader stop sell",
		},
	}

	for _, o := range orders {
		if err := store.CreateOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
