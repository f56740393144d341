package watcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/firebird631/siis-sub001/internal/metrics"
	"github.com/firebird631/siis-sub001/internal/models"
	"github.com/firebird631/siis-sub001/internal/services/backfill"
	"github.com/firebird631/siis-sub001/internal/services/candle"
	"github.com/firebird631/siis-sub001/internal/services/connection"
	"github.com/firebird631/siis-sub001/internal/services/symbols"
	"github.com/firebird631/siis-sub001/internal/services/userstream"

	"github.com/sirupsen/logrus"
)

// Config tunes a Watcher
type Config struct {
	Symbols          []string // patterns, see symbols.Filter
	Timeframes       []models.Timeframe
	FinalizeInterval time.Duration
	HealthInterval   time.Duration
	MetadataRefresh  time.Duration
	BackfillDepth    int // bars of the finest timeframe
	BackfillWorkers  int
}

// Options wires a Watcher. Only Adapter is required: a nil History disables
// the backfill, nil ListenKeys disables the user stream and nil Metadata
// restricts Symbols to literal names.
type Options struct {
	Config     Config
	Adapter    connection.FeedAdapter
	Connection connection.Config

	History  backfill.HistoryFetcher
	Backfill backfill.Config

	ListenKeys userstream.ListenKeyClient
	UserStream userstream.Config
	// ListenKeyExpired recognizes the venue notice that the key is gone
	ListenKeyExpired func(data []byte) bool

	Metadata symbols.MetadataSource

	Sinks    []candle.Sink
	OnTrade  func(models.TradeEvent)
	OnQuote  func(models.QuoteEvent)
	OnUser   func(data []byte)
	OnSeeded func(market models.MarketID, result *backfill.Result)
}

// Status is the health snapshot of a watcher
type Status struct {
	Exchange   string           `json:"exchange"`
	State      string           `json:"state"`
	Healthy    bool             `json:"healthy"`
	Markets    int              `json:"markets"`
	Backfills  int              `json:"pending_backfills"`
	Connection connection.Stats `json:"connection"`
	Candles    candle.Stats     `json:"candles"`
	ListenKey  *time.Time       `json:"listen_key_expires_at,omitempty"`
}

// Watcher runs one exchange: a supervised connection feeding a candle
// aggregator, history backfill on a worker pool, the periodic finalizer and
// the user stream keepalive. Watchers share no state.
type Watcher struct {
	cfg      Config
	opts     Options
	exchange string
	logger   *logrus.Logger

	supervisor *connection.Supervisor
	aggregator *candle.Aggregator
	generator  *backfill.Generator
	keepalive  *userstream.KeepAlive
	symbols    *symbols.SymbolManager

	mu      sync.Mutex
	markets map[models.MarketID]bool
	pending []models.MarketID
	running bool
	// set while reconnecting, the next Ready backfills the outage
	resync  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped watcher
func New(opts Options, logger *logrus.Logger) (*Watcher, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("watcher needs a feed adapter")
	}
	cfg := opts.Config
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("watcher needs at least one timeframe")
	}
	if cfg.FinalizeInterval <= 0 {
		cfg.FinalizeInterval = time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.MetadataRefresh <= 0 {
		cfg.MetadataRefresh = 4 * time.Hour
	}
	if cfg.BackfillWorkers <= 0 {
		cfg.BackfillWorkers = 4
	}
	if cfg.BackfillDepth <= 0 {
		cfg.BackfillDepth = 500
	}

	w := &Watcher{
		cfg:      cfg,
		opts:     opts,
		exchange: opts.Adapter.Name(),
		logger:   logger,
		markets:  make(map[models.MarketID]bool),
		wake:     make(chan struct{}, 1),
	}

	w.aggregator = candle.NewAggregator(w.exchange, cfg.Timeframes, candle.Fanout(opts.Sinks), logger)
	w.supervisor = connection.NewSupervisor(opts.Adapter, w.handleEvent, opts.Connection, logger)
	w.supervisor.OnStateChange(w.onStateChange)

	if opts.History != nil {
		w.generator = backfill.NewGenerator(w.exchange, opts.History, opts.Backfill, logger)
	}
	if opts.ListenKeys != nil {
		w.keepalive = userstream.New(w.exchange, opts.ListenKeys, w.supervisor, opts.UserStream, logger)
	}

	var fetcher *symbols.SymbolFetcher
	if opts.Metadata != nil {
		fetcher = symbols.NewSymbolFetcher(opts.Metadata, cfg.MetadataRefresh/2, logger)
	}
	w.symbols = symbols.NewSymbolManager(cfg.Symbols, fetcher, w, logger)

	return w, nil
}

// Start resolves the markets, connects and starts every background loop. It
// returns once the connection is ready or has failed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("%s watcher already running", w.exchange)
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	for i := 0; i < w.cfg.BackfillWorkers && w.generator != nil; i++ {
		w.wg.Add(1)
		go w.backfillWorker(i)
	}

	// subscriptions made while offline are sent by the first connection
	if err := w.symbols.Refresh(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("resolve %s markets: %w", w.exchange, err)
	}

	if err := w.supervisor.Connect(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("connect %s: %w", w.exchange, err)
	}

	if w.keepalive != nil {
		if err := w.keepalive.Start(w.ctx); err != nil {
			w.Stop()
			return fmt.Errorf("start %s user stream: %w", w.exchange, err)
		}
	}

	w.wg.Add(1)
	go w.housekeeping()

	w.logger.WithFields(logrus.Fields{
		"exchange":   w.exchange,
		"markets":    w.symbols.GetSubscribedCount(),
		"timeframes": len(w.cfg.Timeframes),
	}).Info("✅ Watcher started")
	return nil
}

// Stop cancels every loop and waits for them, then closes the connection
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.WithField("exchange", w.exchange).Info("🛑 Stopping watcher...")

	w.cancel()
	w.wg.Wait()

	if w.keepalive != nil {
		w.keepalive.Stop()
	}
	w.supervisor.Close()

	w.logger.WithField("exchange", w.exchange).Info("✅ Watcher stopped")
}

// AddSymbols starts watching venue symbols: trades and quotes are subscribed
// and a history backfill is queued for each new market
func (w *Watcher) AddSymbols(ctx context.Context, syms []string) error {
	markets := w.marketIDs(syms)

	w.mu.Lock()
	var fresh []models.MarketID
	for _, m := range markets {
		if !w.markets[m] {
			w.markets[m] = true
			fresh = append(fresh, m)
		}
	}
	w.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	for _, m := range fresh {
		w.aggregator.Configure(m, w.cfg.Timeframes)
	}

	if err := w.supervisor.Subscribe(ctx, models.ChannelTrade, fresh...); err != nil {
		return err
	}
	if err := w.supervisor.Subscribe(ctx, models.ChannelQuote, fresh...); err != nil {
		return err
	}

	if w.generator != nil {
		w.enqueue(fresh)
	}
	return nil
}

// RemoveSymbols stops watching venue symbols and forgets their open candles
func (w *Watcher) RemoveSymbols(ctx context.Context, syms []string) error {
	markets := w.marketIDs(syms)

	w.mu.Lock()
	for _, m := range markets {
		delete(w.markets, m)
	}
	w.mu.Unlock()

	if err := w.supervisor.Unsubscribe(ctx, models.ChannelTrade, markets...); err != nil {
		return err
	}
	if err := w.supervisor.Unsubscribe(ctx, models.ChannelQuote, markets...); err != nil {
		return err
	}

	for _, m := range markets {
		w.aggregator.Remove(m)
	}
	return nil
}

func (w *Watcher) marketIDs(syms []string) []models.MarketID {
	markets := make([]models.MarketID, 0, len(syms))
	for _, s := range syms {
		markets = append(markets, models.NewMarketID(w.exchange, s))
	}
	return markets
}

func (w *Watcher) watching(m models.MarketID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.markets[m]
}

// handleEvent routes decoded events, called on the socket read goroutines
func (w *Watcher) handleEvent(ev models.FeedEvent) {
	switch ev.Kind {
	case models.EventTrade:
		w.aggregator.ProcessTrade(*ev.Trade)
		if w.opts.OnTrade != nil {
			w.opts.OnTrade(*ev.Trade)
		}

	case models.EventQuote:
		w.aggregator.ProcessQuote(*ev.Quote)
		if w.opts.OnQuote != nil {
			w.opts.OnQuote(*ev.Quote)
		}

	case models.EventUserData:
		if w.keepalive != nil && w.opts.ListenKeyExpired != nil && w.opts.ListenKeyExpired(ev.UserData) {
			w.keepalive.Expire()
		}
		if w.opts.OnUser != nil {
			w.opts.OnUser(ev.UserData)
		}
	}
}

func (w *Watcher) onStateChange(state models.ConnectionState, err error) {
	entry := w.logger.WithFields(logrus.Fields{"exchange": w.exchange, "state": state.String()})
	switch state {
	case models.StateFailed:
		entry.WithError(err).Error("❌ Connection failed")
	case models.StateReconnecting:
		w.mu.Lock()
		w.resync = true
		w.mu.Unlock()
		entry.WithError(err).Warn("Connection lost, reconnecting")
	case models.StateReady:
		entry.Info("Connection ready")
		w.backfillOutage()
	default:
		entry.Debug("Connection state changed")
	}
}

// housekeeping drives the periodic finalizer, the health check and the
// market metadata refresh
func (w *Watcher) housekeeping() {
	defer w.wg.Done()

	finalize := time.NewTicker(w.cfg.FinalizeInterval)
	defer finalize.Stop()
	health := time.NewTicker(w.cfg.HealthInterval)
	defer health.Stop()
	refresh := time.NewTicker(w.cfg.MetadataRefresh)
	defer refresh.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case now := <-finalize.C:
			w.aggregator.FinalizeElapsed(now)

		case <-health.C:
			w.checkHealth()

		case <-refresh.C:
			w.logger.WithField("exchange", w.exchange).Info("🔄 Refreshing symbol list...")
			if err := w.symbols.Refresh(w.ctx); err != nil {
				w.logger.WithError(err).WithField("exchange", w.exchange).Warn("Symbol refresh failed")
			}
		}
	}
}

func (w *Watcher) checkHealth() {
	status := w.Status()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	metrics.MemoryAllocated.Set(float64(mem.Alloc))

	entry := w.logger.WithFields(logrus.Fields{
		"exchange":   w.exchange,
		"state":      status.State,
		"markets":    status.Markets,
		"open_slots": status.Candles.OpenSlots,
		"trades":     status.Candles.Trades,
		"dropped":    status.Candles.Dropped,
		"backfills":  status.Backfills,
		"tps":        metrics.GetTradesPerSecond(),
	})
	if !status.Healthy {
		entry.Warn("⚠️  Watcher unhealthy")
		return
	}
	entry.Debug("Watcher health")
}

// Status returns a health snapshot
func (w *Watcher) Status() Status {
	w.mu.Lock()
	markets := len(w.markets)
	pending := len(w.pending)
	w.mu.Unlock()

	state := w.supervisor.State()
	status := Status{
		Exchange:   w.exchange,
		State:      state.String(),
		Healthy:    state == models.StateReady,
		Markets:    markets,
		Backfills:  pending,
		Connection: w.supervisor.Stats(),
		Candles:    w.aggregator.Stats(),
	}
	if w.keepalive != nil {
		if key := w.keepalive.Key(); key.Key != "" {
			expires := key.ExpiresAt
			status.ListenKey = &expires
		}
	}
	return status
}

// Aggregator returns the candle aggregator of the watcher
func (w *Watcher) Aggregator() *candle.Aggregator {
	return w.aggregator
}

// Supervisor returns the connection supervisor of the watcher
func (w *Watcher) Supervisor() *connection.Supervisor {
	return w.supervisor
}

// Markets returns the watched markets
func (w *Watcher) Markets() []string {
	return w.symbols.GetSubscribedSymbols()
}
