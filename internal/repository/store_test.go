package repository

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type memoryWriter struct {
	mu      sync.Mutex
	candles []models.Candle
	trades  []models.TradeEvent
}

func (m *memoryWriter) BatchCreateCandles(ctx context.Context, candles []models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles = append(m.candles, candles...)
	return nil
}

func (m *memoryWriter) BatchCreateTrades(ctx context.Context, trades []models.TradeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trades...)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestStorePersistsFinalizedCandles(t *testing.T) {
	w := &memoryWriter{}
	s := NewStore(w, StoreConfig{BatchSize: 10, BatchInterval: time.Hour, StoreOHLC: true}, testLogger())
	s.Start()

	market := models.NewMarketID("binance", "BTCUSDT")
	open := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := *models.NewCandle(market, models.TF1m, open, decimal.NewFromInt(100))

	s.CandleUpdated(c)
	s.CandleFinalized(c)
	s.AddTrade(models.TradeEvent{Market: market, Timestamp: open, Price: decimal.NewFromInt(100)})
	s.Stop()

	assert.Len(t, w.candles, 1)
	assert.Empty(t, w.trades)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) BatchCreateCandles(ctx context.Context, candles []models.Candle) error {
	return m.Called(ctx, candles).Error(0)
}

func (m *mockWriter) BatchCreateTrades(ctx context.Context, trades []models.TradeEvent) error {
	return m.Called(ctx, trades).Error(0)
}

func TestStorePersistsTrades(t *testing.T) {
	w := &mockWriter{}
	w.On("BatchCreateTrades", mock.Anything, mock.MatchedBy(func(trades []models.TradeEvent) bool {
		return len(trades) == 3
	})).Return(nil).Once()

	s := NewStore(w, StoreConfig{BatchSize: 10, BatchInterval: time.Hour, StoreTrades: true}, testLogger())
	s.Start()

	market := models.NewMarketID("binance", "ETHUSDT")
	for i := 0; i < 3; i++ {
		s.AddTrade(models.TradeEvent{Market: market, TradeID: int64(i), Price: decimal.NewFromInt(2000)})
	}
	// OHLC storage is off
	s.CandleFinalized(models.Candle{Market: market, Timeframe: models.TF1m})
	s.Stop()

	w.AssertExpectations(t)
	w.AssertNotCalled(t, "BatchCreateCandles", mock.Anything, mock.Anything)
}

func TestStoreKeepsRunningOnWriteErrors(t *testing.T) {
	w := &mockWriter{}
	w.On("BatchCreateCandles", mock.Anything, mock.Anything).Return(errors.New("clickhouse down"))

	s := NewStore(w, StoreConfig{BatchSize: 1, BatchInterval: time.Hour, StoreOHLC: true}, testLogger())
	s.Start()

	market := models.NewMarketID("binance", "BTCUSDT")
	open := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.CandleFinalized(*models.NewCandle(market, models.TF1m, open, decimal.NewFromInt(100)))
	s.CandleFinalized(*models.NewCandle(market, models.TF1m, open.Add(time.Minute), decimal.NewFromInt(101)))
	s.Stop()

	w.AssertNumberOfCalls(t, "BatchCreateCandles", 2)
}
