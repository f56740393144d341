package main

import (
	"context"
	"fmt"
	"time"

	"github.com/firebird631/siis-sub001/internal/config"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

var tables = []struct {
	name  string
	query string
}{
	{
		name: "candles",
		query: `
		CREATE TABLE IF NOT EXISTS candles (
			exchange LowCardinality(String),
			symbol LowCardinality(String),
			timeframe UInt32,
			open_time DateTime,
			open Float64 CODEC(DoubleDelta, LZ4),
			high Float64 CODEC(DoubleDelta, LZ4),
			low Float64 CODEC(DoubleDelta, LZ4),
			close Float64 CODEC(DoubleDelta, LZ4),
			volume Float64 CODEC(Gorilla, ZSTD(1)),
			buy_volume Float64 CODEC(Gorilla, ZSTD(1)),
			spread Float64 CODEC(Gorilla, ZSTD(1)),
			trade_count UInt32,
			source LowCardinality(String),
			consolidated UInt8,
			updated_at DateTime DEFAULT now(),
			date Date MATERIALIZED toDate(open_time)
		)
		ENGINE = ReplacingMergeTree(updated_at)
		PARTITION BY (exchange, timeframe, toYYYYMM(date))
		ORDER BY (exchange, symbol, timeframe, open_time)
		SETTINGS index_granularity = 8192
	`,
	},
	{
		name: "trades",
		query: `
		CREATE TABLE IF NOT EXISTS trades (
			exchange LowCardinality(String),
			symbol LowCardinality(String),
			trade_id Int64,
			timestamp DateTime64(3),
			price Float64 CODEC(Gorilla, LZ4),
			volume Float64 CODEC(Gorilla, ZSTD(1)),
			taker_side Int8,
			date Date MATERIALIZED toDate(timestamp)
		)
		ENGINE = MergeTree
		PARTITION BY (exchange, toYYYYMMDD(date))
		ORDER BY (exchange, symbol, timestamp, trade_id)
		TTL date + INTERVAL 30 DAY
		SETTINGS index_granularity = 8192
	`,
	},
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	ch := cfg.ClickHouse

	// Connect to the default database first
	conn, err := open(ch, "default")
	if err != nil {
		logger.Fatalf("Failed to connect to ClickHouse: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger.Infof("Creating database: %s", ch.Database)
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", ch.Database)); err != nil {
		logger.Fatalf("Failed to create database: %v", err)
	}
	conn.Close()
	logger.Info("✓ Database created")

	conn, err = open(ch, ch.Database)
	if err != nil {
		logger.Fatalf("Failed to reconnect to database: %v", err)
	}
	defer conn.Close()

	for _, table := range tables {
		logger.Infof("Creating %s table...", table.name)
		if err := conn.Exec(ctx, table.query); err != nil {
			logger.Fatalf("Failed to create %s table: %v", table.name, err)
		}
		logger.Infof("✓ %s table created", table.name)
	}

	indexes := []string{
		"ALTER TABLE candles ADD INDEX IF NOT EXISTS source_idx (source) TYPE bloom_filter() GRANULARITY 1",
		"ALTER TABLE trades ADD INDEX IF NOT EXISTS symbol_idx (symbol) TYPE bloom_filter() GRANULARITY 1",
	}
	for _, idx := range indexes {
		if err := conn.Exec(ctx, idx); err != nil {
			logger.Warnf("Failed to create index: %v", err)
		}
	}

	logger.Infof("✅ ClickHouse migration completed successfully (database %s)", ch.Database)
}

func open(ch config.ClickHouseConfig, database string) (driver.Conn, error) {
	return clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", ch.Host, ch.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: ch.Username,
			Password: ch.Password,
		},
		DialTimeout: 10 * time.Second,
	})
}
