package candle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Closing paths, used as metric labels
const (
	PathTrade    = "trade"
	PathPeriodic = "periodic"
	PathHistory  = "history"
)

// Aggregator consolidates trades into one open candle per (market, timeframe).
//
// All slot state lives behind a single mutex. Sink callbacks run while the
// mutex is held so updates and finalizations of a slot are observed in order;
// sinks must not block and must not call back into the aggregator.
type Aggregator struct {
	exchange   string
	timeframes []models.Timeframe
	sink       Sink
	logger     *logrus.Logger

	mu      sync.Mutex
	markets map[models.MarketID]*marketState

	tradeCount     int64
	droppedCount   int64
	finalizedCount int64
}

type marketState struct {
	timeframes []models.Timeframe
	slots      map[models.Timeframe]*models.Candle
	lastFinal  map[models.Timeframe]time.Time
	spread     decimal.Decimal

	// newest trade folded per timeframe, older ones keep the close
	lastTrade map[models.Timeframe]time.Time
}

// Stats is a snapshot of aggregator counters
type Stats struct {
	Markets   int   `json:"markets"`
	OpenSlots int   `json:"open_slots"`
	Trades    int64 `json:"trades"`
	Dropped   int64 `json:"dropped"`
	Finalized int64 `json:"finalized"`
}

// NewAggregator creates an aggregator generating the given timeframes for every market
func NewAggregator(exchange string, timeframes []models.Timeframe, sink Sink, logger *logrus.Logger) *Aggregator {
	if sink == nil {
		sink = NopSink{}
	}
	return &Aggregator{
		exchange:   exchange,
		timeframes: append([]models.Timeframe(nil), timeframes...),
		sink:       sink,
		logger:     logger,
		markets:    make(map[models.MarketID]*marketState),
	}
}

// Timeframes returns the default generated timeframes
func (a *Aggregator) Timeframes() []models.Timeframe {
	return append([]models.Timeframe(nil), a.timeframes...)
}

// Configure overrides the generated timeframes of one market
func (a *Aggregator) Configure(market models.MarketID, timeframes []models.Timeframe) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(market)
	st.timeframes = append([]models.Timeframe(nil), timeframes...)
}

// Remove forgets every slot of a market without emitting anything
func (a *Aggregator) Remove(market models.MarketID) {
	a.mu.Lock()
	delete(a.markets, market)
	a.mu.Unlock()
}

// state returns the market state, creating it when missing. Caller holds mu.
func (a *Aggregator) state(market models.MarketID) *marketState {
	st, ok := a.markets[market]
	if !ok {
		st = &marketState{
			timeframes: a.timeframes,
			slots:      make(map[models.Timeframe]*models.Candle),
			lastFinal:  make(map[models.Timeframe]time.Time),
			lastTrade:  make(map[models.Timeframe]time.Time),
		}
		a.markets[market] = st
	}
	return st
}

// ProcessQuote records the latest spread of a market
func (a *Aggregator) ProcessQuote(q models.QuoteEvent) {
	spread := q.Spread()
	if spread.IsZero() {
		return
	}

	a.mu.Lock()
	a.state(q.Market).spread = spread
	a.mu.Unlock()
}

// ProcessTrade folds a trade into every timeframe of its market and returns
// copies of the resulting in-progress candles.
func (a *Aggregator) ProcessTrade(trade models.TradeEvent) []models.Candle {
	start := time.Now()
	defer func() {
		metrics.TrackLatency(start, metrics.TradeLatency.WithLabelValues(a.exchange))
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(trade.Market)
	ts := trade.Timestamp.UTC()
	updated := make([]models.Candle, 0, len(st.timeframes))

	for _, tf := range st.timeframes {
		base := models.BaseTime(tf, ts)

		if last, ok := st.lastFinal[tf]; ok && !base.After(last) {
			a.drop(trade, tf, "finalized")
			continue
		}

		slot := st.slots[tf]
		if slot != nil && ts.Before(slot.OpenTime) {
			a.drop(trade, tf, "stale")
			continue
		}

		if slot != nil && slot.Elapsed(ts) {
			a.finalize(st, slot, PathTrade)
			slot = nil
		}

		if slot == nil {
			slot = models.NewCandle(trade.Market, tf, ts, trade.Price)
			slot.Source = "live"
			st.slots[tf] = slot
		}

		if ts.Before(st.lastTrade[tf]) {
			slot.FoldLateTrade(trade.Price, trade.Volume, trade.TakerSide)
		} else {
			slot.FoldTrade(trade.Price, trade.Volume, trade.TakerSide)
			st.lastTrade[tf] = ts
		}
		if !st.spread.IsZero() {
			slot.Spread = st.spread
		}

		c := *slot
		a.sink.CandleUpdated(c)
		metrics.CandleUpdates.WithLabelValues(a.exchange, tf.String()).Inc()
		updated = append(updated, c)
	}

	atomic.AddInt64(&a.tradeCount, 1)
	metrics.TrackTrade(a.exchange)

	return updated
}

func (a *Aggregator) drop(trade models.TradeEvent, tf models.Timeframe, reason string) {
	atomic.AddInt64(&a.droppedCount, 1)
	metrics.TradesDropped.WithLabelValues(a.exchange, reason).Inc()
	a.logger.WithFields(logrus.Fields{
		"market":    trade.Market,
		"timeframe": tf.String(),
		"timestamp": trade.Timestamp,
		"reason":    reason,
	}).Debug("Dropping out of order trade")
}

// finalize consolidates a candle, emits it and clears its slot when it is the
// open one. Caller holds mu.
func (a *Aggregator) finalize(st *marketState, slot *models.Candle, path string) bool {
	tf := slot.Timeframe
	if st.slots[tf] == slot {
		delete(st.slots, tf)
	}

	if last, ok := st.lastFinal[tf]; ok && !slot.OpenTime.After(last) {
		// already emitted for this window
		return false
	}

	slot.Consolidated = true
	st.lastFinal[tf] = slot.OpenTime

	atomic.AddInt64(&a.finalizedCount, 1)
	metrics.CandlesFinalized.WithLabelValues(a.exchange, tf.String(), path).Inc()
	a.sink.CandleFinalized(*slot)
	return true
}

// FinalizeElapsed closes every open slot whose window is over at now and
// returns the number of candles finalized.
func (a *Aggregator) FinalizeElapsed(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for _, st := range a.markets {
		for _, slot := range st.slots {
			if !slot.Elapsed(now) {
				continue
			}
			if a.finalize(st, slot, PathPeriodic) {
				count++
			}
		}
	}

	if count > 0 {
		a.logger.Debugf("Finalized %d elapsed candles", count)
	}
	return count
}

// Current returns a copy of the open candle of (market, tf)
func (a *Aggregator) Current(market models.MarketID, tf models.Timeframe) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.markets[market]
	if !ok {
		return models.Candle{}, false
	}
	slot, ok := st.slots[tf]
	if !ok {
		return models.Candle{}, false
	}
	return *slot, true
}

// LastFinalized returns the open time of the last finalized candle of (market, tf)
func (a *Aggregator) LastFinalized(market models.MarketID, tf models.Timeframe) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.markets[market]
	if !ok {
		return time.Time{}, false
	}
	last, ok := st.lastFinal[tf]
	return last, ok
}

// Seed merges backfilled history into the live state of (market, tf).
//
// Complete candles newer than the last finalized window are emitted as
// finalized, in order. The partial current bucket, when given, becomes the
// open slot or is merged with a live slot of the same window: open from
// history, extremes merged, live close kept, volume is the larger of both.
func (a *Aggregator) Seed(market models.MarketID, tf models.Timeframe, history []models.Candle, current *models.Candle) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.state(market)
	emitted := 0

	for i := range history {
		h := history[i]
		if last, ok := st.lastFinal[tf]; ok && !h.OpenTime.After(last) {
			continue
		}

		slot := st.slots[tf]
		switch {
		case slot == nil:
		case slot.OpenTime.Before(h.OpenTime):
			a.finalize(st, slot, PathPeriodic)
		case slot.OpenTime.Equal(h.OpenTime):
			h = mergeLive(h, *slot)
			delete(st.slots, tf)
		default:
			// live slot is already past this window
		}

		if a.finalize(st, &h, PathHistory) {
			emitted++
		}
	}

	if current == nil {
		return emitted
	}

	cur := *current
	cur.Consolidated = false
	if last, ok := st.lastFinal[tf]; ok && !cur.OpenTime.After(last) {
		return emitted
	}

	slot := st.slots[tf]
	switch {
	case slot == nil:
		st.slots[tf] = &cur
	case slot.OpenTime.Equal(cur.OpenTime):
		merged := mergeLive(cur, *slot)
		st.slots[tf] = &merged
	case slot.OpenTime.Before(cur.OpenTime):
		a.finalize(st, slot, PathPeriodic)
		st.slots[tf] = &cur
	default:
		// live trading already moved to a later window
		if a.finalize(st, &cur, PathHistory) {
			emitted++
		}
	}

	return emitted
}

// mergeLive combines a historical candle with the live slot of the same window
func mergeLive(hist, live models.Candle) models.Candle {
	merged := hist
	merged.Consolidated = false
	if live.High.GreaterThan(merged.High) {
		merged.High = live.High
	}
	if live.Low.LessThan(merged.Low) {
		merged.Low = live.Low
	}
	merged.Close = live.Close
	merged.Volume = decimal.Max(hist.Volume, live.Volume)
	merged.BuyVolume = decimal.Max(hist.BuyVolume, live.BuyVolume)
	if live.TradeCount > merged.TradeCount {
		merged.TradeCount = live.TradeCount
	}
	if !live.Spread.IsZero() {
		merged.Spread = live.Spread
	}
	merged.Source = "live"
	return merged
}

// Stats returns a snapshot of the aggregator counters
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	markets := len(a.markets)
	open := 0
	for _, st := range a.markets {
		open += len(st.slots)
	}
	a.mu.Unlock()

	return Stats{
		Markets:   markets,
		OpenSlots: open,
		Trades:    atomic.LoadInt64(&a.tradeCount),
		Dropped:   atomic.LoadInt64(&a.droppedCount),
		Finalized: atomic.LoadInt64(&a.finalizedCount),
	}
}
