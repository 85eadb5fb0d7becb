package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	TradingEvents string
	DLQ           string
}

type KafkaConfig struct {
	Brokers []string
	Topics  KafkaTopics
}

// EngineConfig tunes the execution loop itself.
type EngineConfig struct {
	TickInterval         time.Duration
	ErrorBackoff         time.Duration
	OrderLockTTL         time.Duration
	PriceKeyPattern      string
	PriceScanCount       int64
	MissingPriceLogEvery time.Duration
}

type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Engine EngineConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := os.Getenv("ENGINE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var app AppConfig
	if err := v.Unmarshal(&app); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &Config{
		App: app,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "trading_platform"),
			User:     envString("POSTGRES_USER", "trading"),
			Password: envString("POSTGRES_PASSWORD", "trading"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			Topics: KafkaTopics{
				TradingEvents: envString("KAFKA_TRADING_EVENTS_TOPIC", v.GetString("kafka.topics.trading_events")),
				DLQ:           envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dlq")),
			},
		},
		Engine: EngineConfig{
			TickInterval:         envDuration("ENGINE_TICK_INTERVAL", v.GetDuration("engine.tick_interval")),
			ErrorBackoff:         envDuration("ENGINE_ERROR_BACKOFF", v.GetDuration("engine.error_backoff")),
			OrderLockTTL:         envDuration("ENGINE_ORDER_LOCK_TTL", v.GetDuration("engine.order_lock_ttl")),
			PriceKeyPattern:      envString("ENGINE_PRICE_KEY_PATTERN", v.GetString("engine.price_key_pattern")),
			PriceScanCount:       int64(envInt("ENGINE_PRICE_SCAN_COUNT", v.GetInt("engine.price_scan_count"))),
			MissingPriceLogEvery: envDuration("ENGINE_MISSING_PRICE_LOG_EVERY", v.GetDuration("engine.missing_price_log_every")),
		},
	}

	if cfg.App.HTTP.Port <= 0 {
		return nil, fmt.Errorf("http port must be positive")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.Topics.TradingEvents == "" {
		return nil, fmt.Errorf("kafka trading events topic required")
	}
	if cfg.Engine.TickInterval <= 0 {
		return nil, fmt.Errorf("engine tick interval must be positive")
	}
	if cfg.Engine.OrderLockTTL <= 0 {
		return nil, fmt.Errorf("engine order lock ttl must be positive")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "execution-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8086)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.trading_events", "trading.events")
	v.SetDefault("kafka.topics.dlq", "trading.events.dlq")
	v.SetDefault("engine.tick_interval", "100ms")
	v.SetDefault("engine.error_backoff", "1s")
	v.SetDefault("engine.order_lock_ttl", "30s")
	v.SetDefault("engine.price_key_pattern", "latest_price:*")
	v.SetDefault("engine.price_scan_count", 500)
	v.SetDefault("engine.missing_price_log_every", "5m")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
