package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Service    ServiceConfig
	Binance    ExchangeConfig
	Connection ConnectionConfig
	Candles    CandleConfig
	Backfill   BackfillConfig
	UserStream UserStreamConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	ChannelPrefix string
}

type CacheConfig struct {
	CandleTTL time.Duration
	QuoteTTL  time.Duration
}

type ServiceConfig struct {
	BatchWriteSize     int
	BatchWriteInterval time.Duration
	StoreTrades        bool
	StoreOHLC          bool
	PublishUpdates     bool
}

// ExchangeConfig holds the credentials and market selection of one venue
type ExchangeConfig struct {
	Enabled     bool
	APIKey      string
	APISecret   string
	Host        string // overrides the TLD based hosts when set
	TLD         string
	Market      string // spot or futures
	Symbols     []string
	SymbolsFile string
}

// ConnectionConfig tunes the streaming connection supervisor
type ConnectionConfig struct {
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectMaxAttempts   int
	RateLimitBackoffFactor float64
	MaxStreamsPerSocket    int
	CommandsPerSecond      float64
	HeartbeatTimeout       time.Duration
	HandshakeTimeout       time.Duration
}

type CandleConfig struct {
	Timeframes       []models.Timeframe
	FinalizeInterval time.Duration
	MetadataRefresh  time.Duration
	HealthInterval   time.Duration
}

type BackfillConfig struct {
	Enabled          bool
	Depth            int // bars of the finest timeframe
	Workers          int
	CallsPerSecond   float64
	FetchMaxAttempts int
}

type UserStreamConfig struct {
	Enabled   bool
	KeepAlive time.Duration
	Validity  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	timeframes, err := models.ParseTimeframes(getEnv("BINANCE_TIMEFRAMES", "1m,3m,5m,15m,1h,4h,1d,1w"))
	if err != nil {
		return nil, fmt.Errorf("BINANCE_TIMEFRAMES: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "market"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "siis:market"),
		},
		Cache: CacheConfig{
			CandleTTL: parseDuration(getEnv("CACHE_TTL_CANDLE", "24h"), 24*time.Hour),
			QuoteTTL:  parseDuration(getEnv("CACHE_TTL_QUOTE", "1m"), time.Minute),
		},
		Service: ServiceConfig{
			BatchWriteSize:     getEnvInt("BATCH_WRITE_SIZE", 500),
			BatchWriteInterval: parseDuration(getEnv("BATCH_WRITE_INTERVAL", "1s"), 1*time.Second),
			StoreTrades:        getEnvBool("STORE_TRADE", false),
			StoreOHLC:          getEnvBool("STORE_OHLC", true),
			PublishUpdates:     getEnvBool("PUBLISH_UPDATES", true),
		},
		Binance: ExchangeConfig{
			Enabled:     getEnvBool("ENABLE_BINANCE", true),
			APIKey:      getEnv("BINANCE_API_KEY", ""),
			APISecret:   getEnv("BINANCE_API_SECRET", ""),
			Host:        getEnv("BINANCE_HOST", ""),
			TLD:         getEnv("BINANCE_TLD", "com"),
			Market:      strings.ToLower(getEnv("BINANCE_MARKET", "spot")),
			Symbols:     splitList(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")),
			SymbolsFile: getEnv("SYMBOLS_FILE", ""),
		},
		Connection: ConnectionConfig{
			ReconnectInitialDelay:  parseDuration(getEnv("RECONNECT_INITIAL_DELAY", "100ms"), 100*time.Millisecond),
			ReconnectMaxDelay:      parseDuration(getEnv("RECONNECT_MAX_DELAY", "5s"), 5*time.Second),
			ReconnectMaxAttempts:   getEnvInt("RECONNECT_MAX_ATTEMPTS", 20),
			RateLimitBackoffFactor: getEnvFloat("RATE_LIMIT_BACKOFF_FACTOR", 4),
			MaxStreamsPerSocket:    getEnvInt("WS_MAX_STREAMS", 200),
			CommandsPerSecond:      getEnvFloat("WS_COMMANDS_PER_SECOND", 10),
			HeartbeatTimeout:       parseDuration(getEnv("HEARTBEAT_TIMEOUT", "60s"), 60*time.Second),
			HandshakeTimeout:       parseDuration(getEnv("HANDSHAKE_TIMEOUT", "10s"), 10*time.Second),
		},
		Candles: CandleConfig{
			Timeframes:       timeframes,
			FinalizeInterval: parseDuration(getEnv("FINALIZE_INTERVAL", "1s"), time.Second),
			MetadataRefresh:  parseDuration(getEnv("METADATA_REFRESH", "4h"), 4*time.Hour),
			HealthInterval:   parseDuration(getEnv("HEALTH_CHECK_INTERVAL", "10s"), 10*time.Second),
		},
		Backfill: BackfillConfig{
			Enabled:          getEnvBool("INITIAL_FETCH", true),
			Depth:            getEnvInt("INITIAL_FETCH_DEPTH", 500),
			Workers:          getEnvInt("BACKFILL_WORKERS", 4),
			CallsPerSecond:   getEnvFloat("HISTORY_CALLS_PER_SECOND", 5),
			FetchMaxAttempts: getEnvInt("FETCH_MAX_ATTEMPTS", 5),
		},
		UserStream: UserStreamConfig{
			Enabled:   getEnvBool("USER_STREAM_ENABLED", false),
			KeepAlive: parseDuration(getEnv("USER_STREAM_KEEPALIVE", "30m"), 30*time.Minute),
			Validity:  parseDuration(getEnv("USER_STREAM_VALIDITY", "60m"), 60*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ClickHouse.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Binance.Market != "spot" && c.Binance.Market != "futures" {
		return fmt.Errorf("BINANCE_MARKET must be spot or futures, got %q", c.Binance.Market)
	}
	if len(c.Candles.Timeframes) == 0 {
		return fmt.Errorf("BINANCE_TIMEFRAMES must not be empty")
	}
	if c.Connection.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if c.Connection.MaxStreamsPerSocket <= 0 {
		return fmt.Errorf("WS_MAX_STREAMS must be positive")
	}
	if c.Connection.RateLimitBackoffFactor < 1 {
		return fmt.Errorf("RATE_LIMIT_BACKOFF_FACTOR must be at least 1")
	}
	if c.UserStream.Enabled {
		if c.Binance.APIKey == "" {
			return fmt.Errorf("BINANCE_API_KEY is required for the user stream")
		}
		if c.UserStream.KeepAlive >= c.UserStream.Validity {
			return fmt.Errorf("USER_STREAM_KEEPALIVE must be shorter than the listen key validity")
		}
	}
	return nil
}

func (c *ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s?dial_timeout=10s&max_execution_time=60",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
