package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const candleColumns = `
			exchange, symbol, timeframe, open_time,
			open, high, low, close,
			volume, buy_volume, spread, trade_count,
			source, consolidated, updated_at`

type CandleRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewCandleRepository(clickhouse driver.Conn, logger *logrus.Logger) *CandleRepository {
	return &CandleRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// GetCandles retrieves consolidated candles of a market in chronological order
func (r *CandleRepository) GetCandles(ctx context.Context, market models.MarketID, tf models.Timeframe, startTime, endTime time.Time, limit int) ([]models.Candle, error) {
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("get_candles"))
	metrics.DatabaseQueries.WithLabelValues("get_candles").Inc()

	query := `SELECT` + candleColumns + `
		FROM candles FINAL
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`

	args := []interface{}{market.Exchange(), market.Symbol(), uint32(tf)}

	if !startTime.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, startTime)
	}

	if !endTime.IsZero() {
		query += " AND open_time < ?"
		args = append(args, endTime)
	}

	query += " ORDER BY open_time DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.clickhouse.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		candle, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, candle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candles: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

// GetLatestCandle retrieves the most recent stored candle of a market
func (r *CandleRepository) GetLatestCandle(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error) {
	metrics.DatabaseQueries.WithLabelValues("get_latest").Inc()

	row := r.clickhouse.QueryRow(ctx, `SELECT`+candleColumns+`
		FROM candles FINAL
		WHERE exchange = ? AND symbol = ? AND timeframe = ?
		ORDER BY open_time DESC LIMIT 1`,
		market.Exchange(), market.Symbol(), uint32(tf))

	candle, err := scanCandle(row)
	if err != nil {
		return nil, err
	}
	return &candle, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandle(row scanner) (models.Candle, error) {
	var (
		candle                    models.Candle
		exchange, symbol          string
		tf, tradeCount            uint32
		consolidated              uint8
		open, high, low, close    float64
		volume, buyVolume, spread float64
		updatedAt                 time.Time
	)

	err := row.Scan(
		&exchange, &symbol, &tf, &candle.OpenTime,
		&open, &high, &low, &close,
		&volume, &buyVolume, &spread, &tradeCount,
		&candle.Source, &consolidated, &updatedAt,
	)
	if err != nil {
		return candle, err
	}

	candle.Market = models.NewMarketID(exchange, symbol)
	candle.Timeframe = models.Timeframe(tf)
	candle.OpenTime = candle.OpenTime.UTC()
	candle.Open = decimal.NewFromFloat(open)
	candle.High = decimal.NewFromFloat(high)
	candle.Low = decimal.NewFromFloat(low)
	candle.Close = decimal.NewFromFloat(close)
	candle.Volume = decimal.NewFromFloat(volume)
	candle.BuyVolume = decimal.NewFromFloat(buyVolume)
	candle.Spread = decimal.NewFromFloat(spread)
	candle.TradeCount = int(tradeCount)
	candle.Consolidated = consolidated == 1

	return candle, nil
}

// BatchCreateCandles inserts multiple candles. The table deduplicates on
// (exchange, symbol, timeframe, open_time), the latest row wins.
func (r *CandleRepository) BatchCreateCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("insert_candles"))
	metrics.DatabaseQueries.WithLabelValues("insert_candles").Inc()

	batch, err := r.clickhouse.PrepareBatch(ctx, `INSERT INTO candles (`+candleColumns+`)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	now := time.Now().UTC()
	for _, candle := range candles {
		open, _ := candle.Open.Float64()
		high, _ := candle.High.Float64()
		low, _ := candle.Low.Float64()
		close, _ := candle.Close.Float64()
		volume, _ := candle.Volume.Float64()
		buyVolume, _ := candle.BuyVolume.Float64()
		spread, _ := candle.Spread.Float64()

		consolidated := uint8(0)
		if candle.Consolidated {
			consolidated = 1
		}

		err := batch.Append(
			candle.Market.Exchange(), candle.Market.Symbol(), uint32(candle.Timeframe), candle.OpenTime,
			open, high, low, close,
			volume, buyVolume, spread, uint32(candle.TradeCount),
			candle.Source, consolidated, now,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// BatchCreateTrades inserts raw trades
func (r *CandleRepository) BatchCreateTrades(ctx context.Context, trades []models.TradeEvent) error {
	if len(trades) == 0 {
		return nil
	}
	defer metrics.TrackLatency(time.Now(), metrics.DatabaseQueryLatency.WithLabelValues("insert_trades"))
	metrics.DatabaseQueries.WithLabelValues("insert_trades").Inc()

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO trades (
			exchange, symbol, trade_id, timestamp,
			price, volume, taker_side
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, trade := range trades {
		price, _ := trade.Price.Float64()
		volume, _ := trade.Volume.Float64()

		err := batch.Append(
			trade.Market.Exchange(), trade.Market.Symbol(), trade.TradeID, trade.Timestamp,
			price, volume, int8(trade.TakerSide),
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// GetStats retrieves candle statistics
func (r *CandleRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	query := `
		SELECT
			count() as total_candles,
			count(DISTINCT symbol) as total_symbols,
			min(open_time) as earliest_candle,
			max(open_time) as latest_candle
		FROM candles`

	row := r.clickhouse.QueryRow(ctx, query)

	var totalCandles, totalSymbols uint64
	var earliest, latest time.Time

	err := row.Scan(&totalCandles, &totalSymbols, &earliest, &latest)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_candles":   totalCandles,
		"total_symbols":   totalSymbols,
		"earliest_candle": earliest,
		"latest_candle":   latest,
	}, nil
}
