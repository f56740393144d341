package pubsub

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

const publishInterval = 20 * time.Millisecond

// Message is one payload bound to a Redis channel
type Message struct {
	Channel string
	Type    string // candle, quote
	Payload []byte
}

// Publisher fans candles and quotes out on Redis channels. Messages are
// queued and sent in pipelines from a single goroutine, keeping their order.
type Publisher struct {
	client  *redis.Client
	prefix  string
	logger  *logrus.Logger
	updates bool
	queue   *batch.Writer[Message]
}

// NewPublisher creates a publisher. With updates false only finalized
// candles are published.
func NewPublisher(client *redis.Client, prefix string, updates bool, logger *logrus.Logger) *Publisher {
	p := &Publisher{
		client:  client,
		prefix:  prefix,
		logger:  logger,
		updates: updates,
	}
	p.queue = batch.NewWriter("redis messages", 200, publishInterval, p.send, logger)
	return p
}

// Start runs the publishing loop
func (p *Publisher) Start() {
	p.queue.Start()
}

// Stop publishes what is queued and stops the loop
func (p *Publisher) Stop() {
	p.queue.Stop()
}

// CandleChannel returns the channel of a (market, timeframe) candle series
func CandleChannel(prefix string, market models.MarketID, tf models.Timeframe) string {
	return fmt.Sprintf("%s:candle:%s:%s:%s", prefix, market.Exchange(), market.Symbol(), tf)
}

// QuoteChannel returns the channel of a market best bid/ask
func QuoteChannel(prefix string, market models.MarketID) string {
	return fmt.Sprintf("%s:quote:%s:%s", prefix, market.Exchange(), market.Symbol())
}

// PublishCandle queues a candle update
func (p *Publisher) PublishCandle(candle models.Candle) error {
	data, err := json.Marshal(candle.ToResponse())
	if err != nil {
		return err
	}

	p.queue.Add(Message{Channel: CandleChannel(p.prefix, candle.Market, candle.Timeframe), Type: "candle", Payload: data})
	return nil
}

// PublishQuote queues a quote update
func (p *Publisher) PublishQuote(quote models.QuoteEvent) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}

	p.queue.Add(Message{Channel: QuoteChannel(p.prefix, quote.Market), Type: "quote", Payload: data})
	return nil
}

// CandleUpdated publishes in-progress candles when updates are enabled
func (p *Publisher) CandleUpdated(c models.Candle) {
	if !p.updates {
		return
	}
	if err := p.PublishCandle(c); err != nil {
		p.logger.WithError(err).Debugf("Failed to encode candle for %s %s", c.Market, c.Timeframe)
	}
}

// CandleFinalized publishes consolidated candles
func (p *Publisher) CandleFinalized(c models.Candle) {
	if err := p.PublishCandle(c); err != nil {
		p.logger.WithError(err).Debugf("Failed to encode candle for %s %s", c.Market, c.Timeframe)
	}
}

func (p *Publisher) send(ctx context.Context, messages []Message) error {
	start := time.Now()

	pipe := p.client.Pipeline()
	for _, m := range messages {
		pipe.Publish(ctx, m.Channel, m.Payload)
	}
	cmds, err := pipe.Exec(ctx)

	for i, cmd := range cmds {
		if cmd.Err() != nil {
			metrics.PublishFailures.WithLabelValues(messages[i].Type).Inc()
		} else {
			metrics.PublishSuccess.WithLabelValues(messages[i].Type).Inc()
		}
	}
	metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues("pipeline"))

	if err != nil {
		return fmt.Errorf("failed to publish %d messages: %w", len(messages), err)
	}
	return nil
}
