package repository

import (
	"context"
	"time"

	"github.com/firebird631/siis-sub001/internal/batch"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/sirupsen/logrus"
)

// Writer is the persistence surface used by Store
type Writer interface {
	BatchCreateCandles(ctx context.Context, candles []models.Candle) error
	BatchCreateTrades(ctx context.Context, trades []models.TradeEvent) error
}

// StoreConfig selects what Store persists
type StoreConfig struct {
	BatchSize     int
	BatchInterval time.Duration
	StoreOHLC     bool
	StoreTrades   bool
}

// Store persists finalized candles and raw trades through batch writers.
// It is a candle sink and never blocks the feed.
type Store struct {
	cfg     StoreConfig
	candles *batch.Writer[models.Candle]
	trades  *batch.Writer[models.TradeEvent]
}

func NewStore(w Writer, cfg StoreConfig, logger *logrus.Logger) *Store {
	return &Store{
		cfg:     cfg,
		candles: batch.NewWriter("candles", cfg.BatchSize, cfg.BatchInterval, w.BatchCreateCandles, logger),
		trades:  batch.NewWriter("trades", cfg.BatchSize, cfg.BatchInterval, w.BatchCreateTrades, logger),
	}
}

// Start runs the batch writers
func (s *Store) Start() {
	if s.cfg.StoreOHLC {
		s.candles.Start()
	}
	if s.cfg.StoreTrades {
		s.trades.Start()
	}
}

// Stop flushes pending rows
func (s *Store) Stop() {
	if s.cfg.StoreOHLC {
		s.candles.Stop()
	}
	if s.cfg.StoreTrades {
		s.trades.Stop()
	}
}

// AddTrade queues a raw trade when trade storage is enabled
func (s *Store) AddTrade(trade models.TradeEvent) {
	if s.cfg.StoreTrades {
		s.trades.Add(trade)
	}
}

func (s *Store) CandleUpdated(models.Candle) {}

func (s *Store) CandleFinalized(c models.Candle) {
	if s.cfg.StoreOHLC {
		s.candles.Add(c)
	}
}
