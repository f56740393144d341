package watcher

import (
	"time"

	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/sirupsen/logrus"
)

// enqueue schedules history backfills, never blocking the caller
func (w *Watcher) enqueue(markets []models.MarketID) {
	w.mu.Lock()
	w.pending = append(w.pending, markets...)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// backfillOutage queues every watched market once a reconnect is ready, the
// trades missed while offline are recovered from the venue history
func (w *Watcher) backfillOutage() {
	w.mu.Lock()
	if !w.resync || !w.running || w.generator == nil {
		w.mu.Unlock()
		return
	}
	w.resync = false
	markets := make([]models.MarketID, 0, len(w.markets))
	for m := range w.markets {
		markets = append(markets, m)
	}
	w.mu.Unlock()

	if len(markets) == 0 {
		return
	}
	w.logger.WithFields(logrus.Fields{
		"exchange": w.exchange,
		"markets":  len(markets),
	}).Info("Backfilling after reconnect")
	w.enqueue(markets)
}

func (w *Watcher) next() (models.MarketID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return "", false
	}
	m := w.pending[0]
	w.pending = w.pending[1:]
	if len(w.pending) > 0 {
		// more work, pass the signal on to another worker
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return m, true
}

func (w *Watcher) backfillWorker(id int) {
	defer w.wg.Done()

	for {
		m, ok := w.next()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}
		if w.ctx.Err() != nil {
			return
		}
		w.backfill(id, m)
	}
}

// backfill fetches the history of one market and seeds the aggregator with it
func (w *Watcher) backfill(worker int, market models.MarketID) {
	if !w.watching(market) {
		return
	}

	start := time.Now()
	finest := w.cfg.Timeframes[0]
	for _, tf := range w.cfg.Timeframes {
		if tf < finest {
			finest = tf
		}
	}
	from := models.BaseTime(finest, start).Add(-time.Duration(w.cfg.BackfillDepth) * finest.Duration())

	entry := w.logger.WithFields(logrus.Fields{
		"exchange": w.exchange,
		"market":   market,
		"worker":   worker,
	})

	result, err := w.generator.Generate(w.ctx, market, w.cfg.Timeframes, from, time.Now())
	if err != nil {
		if w.ctx.Err() == nil {
			entry.WithError(err).Warn("Backfill failed")
		}
		return
	}

	// the market may have been dropped while fetching
	if !w.watching(market) {
		return
	}

	emitted := result.Seed(w.aggregator)
	if w.opts.OnSeeded != nil {
		w.opts.OnSeeded(market, result)
	}

	entry.WithFields(logrus.Fields{
		"fetched":  result.Fetched,
		"calls":    result.Calls,
		"skipped":  result.Skipped,
		"emitted":  emitted,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("📥 Backfill complete")
}
