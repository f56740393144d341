package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"
	"github.com/firebird631/siis-sub001/internal/services/candle"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNoSource is returned when no native timeframe can build a target
var ErrNoSource = errors.New("no native timeframe divides target")

// HistoryFetcher reads historical candles of a venue. FetchCandles returns
// candles opening in [from, to) with strictly increasing open times and may
// return fewer than asked.
type HistoryFetcher interface {
	FetchCandles(ctx context.Context, market models.MarketID, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
	NativeTimeframes() []models.Timeframe
	MaxCandlesPerCall() int
}

// Config tunes a Generator
type Config struct {
	CallsPerSecond    float64
	MaxAttempts       int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// Series is the history of one timeframe
type Series struct {
	Timeframe models.Timeframe
	Candles   []models.Candle // complete windows, oldest first
	Current   *models.Candle  // bucket still open at now, if any
}

// Result is the outcome of one Generate call
type Result struct {
	Market  models.MarketID
	Series  []Series
	Fetched int // native candles received
	Calls   int
	Skipped int // windows given up after retries
}

// Seed installs every series into agg and returns the number of candles emitted as finalized
func (r *Result) Seed(agg *candle.Aggregator) int {
	emitted := 0
	for _, s := range r.Series {
		emitted += agg.Seed(r.Market, s.Timeframe, s.Candles, s.Current)
	}
	return emitted
}

// SeriesOf returns the series of tf
func (r *Result) SeriesOf(tf models.Timeframe) (Series, bool) {
	for _, s := range r.Series {
		if s.Timeframe == tf {
			return s, true
		}
	}
	return Series{}, false
}

// Generator builds history for a set of timeframes from as few native
// fetches as possible, deriving the rest by grouping finer candles.
type Generator struct {
	exchange string
	fetcher  HistoryFetcher
	cfg      Config
	limiter  *rate.Limiter
	logger   *logrus.Logger
}

// NewGenerator creates a generator. The limiter is shared by every Generate
// call so concurrent backfills respect the same REST budget.
func NewGenerator(exchange string, fetcher HistoryFetcher, cfg Config, logger *logrus.Logger) *Generator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Second
	}
	limit := rate.Limit(cfg.CallsPerSecond)
	if cfg.CallsPerSecond <= 0 {
		limit = rate.Inf
	}

	return &Generator{
		exchange: exchange,
		fetcher:  fetcher,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// sourceFor picks the timeframe target is built from: itself when native,
// otherwise the coarsest native timeframe dividing it.
func (g *Generator) sourceFor(target models.Timeframe) (models.Timeframe, error) {
	var best models.Timeframe
	for _, n := range g.fetcher.NativeTimeframes() {
		if n == target {
			return n, nil
		}
		if n < target && target%n == 0 && n > best {
			best = n
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoSource, target)
	}
	return best, nil
}

// Generate fetches and derives the history of market for every target
// timeframe from from up to now.
func (g *Generator) Generate(ctx context.Context, market models.MarketID, targets []models.Timeframe, from, now time.Time) (*Result, error) {
	result := &Result{Market: market}

	// native source -> targets built from it
	plan := make(map[models.Timeframe][]models.Timeframe)
	for _, target := range targets {
		src, err := g.sourceFor(target)
		if err != nil {
			g.logger.WithError(err).WithField("market", market).Warn("Skipping timeframe without history source")
			continue
		}
		plan[src] = append(plan[src], target)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("%s: %w", market, ErrNoSource)
	}

	sources := make([]models.Timeframe, 0, len(plan))
	for src := range plan {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, src := range sources {
		// start on the boundary of the coarsest target so its first bucket is whole
		start := models.BaseTime(src, from)
		for _, target := range plan[src] {
			if b := models.BaseTime(target, from); b.Before(start) {
				start = b
			}
		}

		candles, err := g.fetchRange(ctx, result, market, src, start, now)
		if err != nil {
			return nil, err
		}

		for _, target := range plan[src] {
			built := candles
			source := "history"
			if target != src {
				built = Derive(candles, target)
				source = "derived"
			}
			series := split(built, target, now, source)
			result.Series = append(result.Series, series)
			metrics.BackfillCandles.WithLabelValues(g.exchange, target.String(), source).Add(float64(len(series.Candles)))
		}
	}

	sort.Slice(result.Series, func(i, j int) bool { return result.Series[i].Timeframe < result.Series[j].Timeframe })

	g.logger.WithFields(logrus.Fields{
		"market":  market,
		"fetched": result.Fetched,
		"calls":   result.Calls,
		"skipped": result.Skipped,
	}).Info("📊 Backfill generated")

	return result, nil
}

// fetchRange reads [start, now] of src in windows of at most MaxCandlesPerCall bars
func (g *Generator) fetchRange(ctx context.Context, result *Result, market models.MarketID, src models.Timeframe, start, now time.Time) ([]models.Candle, error) {
	perCall := g.fetcher.MaxCandlesPerCall()
	if perCall <= 0 {
		perCall = 500
	}
	step := time.Duration(perCall) * src.Duration()
	end := models.BaseTime(src, now).Add(src.Duration())

	var out []models.Candle
	for wStart := start; wStart.Before(end); wStart = wStart.Add(step) {
		wEnd := wStart.Add(step)
		if wEnd.After(end) {
			wEnd = end
		}

		candles, err := g.fetchWindow(ctx, result, market, src, wStart, wEnd)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.Skipped++
			metrics.BackfillWindows.WithLabelValues(g.exchange, src.String(), "skipped").Inc()
			g.logger.WithError(err).WithFields(logrus.Fields{
				"market":    market,
				"timeframe": src,
				"from":      wStart,
				"to":        wEnd,
			}).Warn("Skipping history window")
			continue
		}
		metrics.BackfillWindows.WithLabelValues(g.exchange, src.String(), "ok").Inc()

		for _, c := range candles {
			if len(out) > 0 && !c.OpenTime.After(out[len(out)-1].OpenTime) {
				g.logger.WithField("market", market).Debugf("Dropping out of order %s candle at %s", src, c.OpenTime)
				continue
			}
			out = append(out, c)
		}
		result.Fetched += len(candles)
	}
	return out, nil
}

// fetchWindow runs one paced fetch, retried with backoff on transient errors
func (g *Generator) fetchWindow(ctx context.Context, result *Result, market models.MarketID, src models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialRetryDelay
	b.MaxInterval = g.cfg.MaxRetryDelay

	operation := func() ([]models.Candle, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		result.Calls++
		return g.fetcher.FetchCandles(ctx, market, src, from, to)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			g.logger.WithError(err).Debugf("History fetch of %s %s failed, retrying in %v", market, src, d)
		}),
	)
}

// Derive groups finer candles, oldest first, into target windows aligned on
// BaseTime. Candles inside a window are folded in order.
func Derive(finer []models.Candle, target models.Timeframe) []models.Candle {
	var out []models.Candle
	var cur *models.Candle

	for i := range finer {
		c := finer[i]
		openTime := models.BaseTime(target, c.OpenTime)
		if cur != nil && cur.OpenTime.Equal(openTime) {
			cur.FoldCandle(&c)
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		bucket := c
		bucket.Timeframe = target
		bucket.OpenTime = openTime
		bucket.Consolidated = false
		cur = &bucket
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// split separates the windows elapsed at now from the one still open
func split(candles []models.Candle, tf models.Timeframe, now time.Time, source string) Series {
	s := Series{Timeframe: tf}
	for i := range candles {
		c := candles[i]
		c.Source = source
		if !c.Elapsed(now) {
			c.Consolidated = false
			s.Current = &c
			break
		}
		c.Consolidated = true
		s.Candles = append(s.Candles, c)
	}
	return s
}
