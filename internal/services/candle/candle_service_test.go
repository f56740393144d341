package candle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedHistory struct {
	candles []models.Candle
	limit   int
}

func (h *storedHistory) GetCandles(ctx context.Context, market models.MarketID, tf models.Timeframe, startTime, endTime time.Time, limit int) ([]models.Candle, error) {
	h.limit = limit
	return append([]models.Candle(nil), h.candles...), nil
}

func (h *storedHistory) GetLatestCandle(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error) {
	if len(h.candles) == 0 {
		return nil, errors.New("no rows")
	}
	c := h.candles[len(h.candles)-1]
	return &c, nil
}

type staticCache struct {
	candle *models.Candle
	err    error
}

func (c staticCache) GetLatest(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error) {
	return c.candle, c.err
}

func minuteCandle(ts time.Time, price int64) models.Candle {
	return *models.NewCandle(testMarket, models.TF1m, ts, decimal.NewFromInt(price))
}

func TestServiceAppendsLiveCandle(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	history := &storedHistory{candles: []models.Candle{minuteCandle(base, 1), minuteCandle(base.Add(time.Minute), 2)}}

	agg := NewAggregator("binance", []models.Timeframe{models.TF1m}, nil, newTestLogger())
	agg.ProcessTrade(models.TradeEvent{
		Market:    testMarket,
		Timestamp: base.Add(2*time.Minute + time.Second),
		Price:     decimal.NewFromInt(3),
		Volume:    decimal.NewFromInt(1),
	})

	svc := NewService(agg, nil, history, newTestLogger())

	candles, err := svc.GetCandles(context.Background(), testMarket, models.TF1m, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCandlesLimit, history.limit)
	require.Len(t, candles, 3)
	assert.True(t, candles[2].OpenTime.Equal(base.Add(2*time.Minute)))
	assert.False(t, candles[2].Consolidated)

	// bounded queries are served from the store only
	candles, err = svc.GetCandles(context.Background(), testMarket, models.TF1m, base, base.Add(time.Hour), 5000)
	require.NoError(t, err)
	assert.Equal(t, MaxCandlesLimit, history.limit)
	assert.Len(t, candles, 2)
}

func TestServiceLatestFallsBack(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	stored := minuteCandle(base, 1)
	cached := minuteCandle(base.Add(time.Minute), 2)
	history := &storedHistory{candles: []models.Candle{stored}}

	svc := NewService(nil, staticCache{candle: &cached}, history, newTestLogger())
	latest, err := svc.GetLatestCandle(context.Background(), testMarket, models.TF1m)
	require.NoError(t, err)
	assert.True(t, latest.OpenTime.Equal(cached.OpenTime))

	svc = NewService(nil, staticCache{err: errors.New("redis down")}, history, newTestLogger())
	latest, err = svc.GetLatestCandle(context.Background(), testMarket, models.TF1m)
	require.NoError(t, err)
	assert.True(t, latest.OpenTime.Equal(stored.OpenTime))
}
