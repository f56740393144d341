package candle

import (
	"context"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	DefaultCandlesLimit = 500
	MaxCandlesLimit     = 1500
)

// HistoryReader reads stored candles
type HistoryReader interface {
	GetCandles(ctx context.Context, market models.MarketID, tf models.Timeframe, startTime, endTime time.Time, limit int) ([]models.Candle, error)
	GetLatestCandle(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error)
}

// LatestCache holds the last consolidated candle of every series
type LatestCache interface {
	GetLatest(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error)
}

// LiveSource exposes the candles still being built
type LiveSource interface {
	Current(market models.MarketID, tf models.Timeframe) (models.Candle, bool)
}

// Service answers candle queries from the live aggregator, the cache and
// the store, freshest first. live and cache may be nil.
type Service struct {
	live    LiveSource
	cache   LatestCache
	history HistoryReader
	logger  *logrus.Logger
}

func NewService(live LiveSource, cache LatestCache, history HistoryReader, logger *logrus.Logger) *Service {
	return &Service{
		live:    live,
		cache:   cache,
		history: history,
		logger:  logger,
	}
}

// GetCandles returns stored candles of [startTime, endTime), oldest first.
// An open ended query also gets the in-progress candle appended.
func (s *Service) GetCandles(ctx context.Context, market models.MarketID, tf models.Timeframe, startTime, endTime time.Time, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = DefaultCandlesLimit
	}
	if limit > MaxCandlesLimit {
		limit = MaxCandlesLimit
	}

	candles, err := s.history.GetCandles(ctx, market, tf, startTime, endTime, limit)
	if err != nil {
		return nil, err
	}

	if !endTime.IsZero() || s.live == nil {
		return candles, nil
	}
	current, ok := s.live.Current(market, tf)
	if !ok {
		return candles, nil
	}
	if n := len(candles); n > 0 && !candles[n-1].OpenTime.Before(current.OpenTime) {
		return candles, nil
	}
	candles = append(candles, current)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// GetLatestCandle returns the in-progress candle when there is one, else the
// last consolidated candle
func (s *Service) GetLatestCandle(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error) {
	if s.live != nil {
		if current, ok := s.live.Current(market, tf); ok {
			return &current, nil
		}
	}

	if s.cache != nil {
		cached, err := s.cache.GetLatest(ctx, market, tf)
		if err != nil {
			s.logger.WithError(err).Debug("Latest candle cache unavailable")
		} else if cached != nil {
			return cached, nil
		}
	}

	return s.history.GetLatestCandle(ctx, market, tf)
}
