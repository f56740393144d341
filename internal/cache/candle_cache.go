package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/firebird631/siis-sub001/internal/batch"
	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// CandleCache keeps the latest consolidated candle of every series in Redis.
// Finalized candles are written asynchronously in pipelines.
type CandleCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
	queue  *batch.Writer[models.Candle]
}

func NewCandleCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *CandleCache {
	c := &CandleCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
	c.queue = batch.NewWriter("latest candles", 200, 100*time.Millisecond, c.setMany, logger)
	return c
}

// Start runs the asynchronous writer
func (c *CandleCache) Start() {
	c.queue.Start()
}

// Stop writes what is queued and stops the writer
func (c *CandleCache) Stop() {
	c.queue.Stop()
}

// LatestKey returns the cache key of a series
func LatestKey(market models.MarketID, tf models.Timeframe) string {
	return fmt.Sprintf("candle:latest:%s:%s", market, tf)
}

// SetLatest caches a single latest candle
func (c *CandleCache) SetLatest(ctx context.Context, candle models.Candle) error {
	data, err := json.Marshal(candle)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, LatestKey(candle.Market, candle.Timeframe), data, c.ttl).Err()
}

// GetLatest retrieves cached latest candle, nil when absent
func (c *CandleCache) GetLatest(ctx context.Context, market models.MarketID, tf models.Timeframe) (*models.Candle, error) {
	data, err := c.client.Get(ctx, LatestKey(market, tf)).Bytes()
	if err == redis.Nil {
		metrics.RecordCacheAccess("redis", false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordCacheAccess("redis", true)

	var candle models.Candle
	if err := json.Unmarshal(data, &candle); err != nil {
		return nil, err
	}

	return &candle, nil
}

// Delete removes from cache
func (c *CandleCache) Delete(ctx context.Context, market models.MarketID, tf models.Timeframe) error {
	return c.client.Del(ctx, LatestKey(market, tf)).Err()
}

// CandleUpdated ignores in-progress candles
func (c *CandleCache) CandleUpdated(models.Candle) {}

// CandleFinalized queues the candle as the latest of its series
func (c *CandleCache) CandleFinalized(candle models.Candle) {
	c.queue.Add(candle)
}

func (c *CandleCache) setMany(ctx context.Context, candles []models.Candle) error {
	pipe := c.client.Pipeline()
	for _, candle := range candles {
		data, err := json.Marshal(candle)
		if err != nil {
			return err
		}
		pipe.Set(ctx, LatestKey(candle.Market, candle.Timeframe), data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
