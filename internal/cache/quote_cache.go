package cache

import (
	"context"
	"time"

	"github.com/firebird631/siis-sub001/internal/batch"
	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
	queue  *batch.Writer[models.QuoteEvent]
}

func NewQuoteCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *QuoteCache {
	c := &QuoteCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
	c.queue = batch.NewWriter("latest quotes", 500, 250*time.Millisecond, c.setMany, logger)
	return c
}

func (c *QuoteCache) Start() {
	c.queue.Start()
}

func (c *QuoteCache) Stop() {
	c.queue.Stop()
}

// QuoteKey returns the cache key of the best bid/ask of a market
func QuoteKey(market models.MarketID) string {
	return "quote:" + string(market)
}

// SetQuote queues a quote, only the last one per market and batch is written
func (c *QuoteCache) SetQuote(quote models.QuoteEvent) {
	c.queue.Add(quote)
}

// GetQuote retrieves the cached quote, nil when absent
func (c *QuoteCache) GetQuote(ctx context.Context, market models.MarketID) (*models.QuoteEvent, error) {
	data, err := c.client.Get(ctx, QuoteKey(market)).Bytes()
	if err == redis.Nil {
		metrics.RecordCacheAccess("redis", false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordCacheAccess("redis", true)

	var quote models.QuoteEvent
	if err := json.Unmarshal(data, &quote); err != nil {
		return nil, err
	}

	return &quote, nil
}

// Delete removes from cache
func (c *QuoteCache) Delete(ctx context.Context, market models.MarketID) error {
	return c.client.Del(ctx, QuoteKey(market)).Err()
}

func (c *QuoteCache) setMany(ctx context.Context, quotes []models.QuoteEvent) error {
	latest := coalesceQuotes(quotes)

	pipe := c.client.Pipeline()
	for _, quote := range latest {
		data, err := json.Marshal(quote)
		if err != nil {
			return err
		}
		pipe.Set(ctx, QuoteKey(quote.Market), data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// coalesceQuotes keeps the last quote of every market, in first seen order
func coalesceQuotes(quotes []models.QuoteEvent) []models.QuoteEvent {
	index := make(map[models.MarketID]int, len(quotes))
	var out []models.QuoteEvent
	for _, q := range quotes {
		if i, ok := index[q.Market]; ok {
			out[i] = q
			continue
		}
		index[q.Market] = len(out)
		out = append(out, q)
	}
	return out
}
