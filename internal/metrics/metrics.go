package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Candle metrics
	CandleUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_candle_updates_total",
			Help: "Total in-progress candle updates emitted",
		},
		[]string{"exchange", "timeframe"},
	)

	CandlesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_candles_finalized_total",
			Help: "Total candles finalized by closing path",
		},
		[]string{"exchange", "timeframe", "path"}, // trade, periodic, history
	)

	TradesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_trades_processed_total",
			Help: "Total trades folded into candles",
		},
		[]string{"exchange"},
	)

	TradesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_trades_dropped_total",
			Help: "Total trades rejected by the aggregator",
		},
		[]string{"exchange", "reason"}, // stale, finalized
	)

	TradeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siis_trade_latency_seconds",
			Help:    "Trade processing latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1µs to ~260ms
		},
		[]string{"exchange"},
	)

	// Exchange connection metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siis_connection_state",
			Help: "Connection state per exchange (0 offline .. 4 ready, 5 reconnecting, 6 failed)",
		},
		[]string{"exchange"},
	)

	ExchangeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siis_exchange_connections",
			Help: "Number of open physical WebSocket connections",
		},
		[]string{"exchange"},
	)

	ExchangeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_exchange_messages_total",
			Help: "Total messages received from exchanges",
		},
		[]string{"exchange"},
	)

	MalformedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_exchange_malformed_messages_total",
			Help: "Total inbound messages dropped because they could not be decoded",
		},
		[]string{"exchange"},
	)

	ExchangeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_exchange_errors_total",
			Help: "Total exchange connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_exchange_reconnects_total",
			Help: "Total reconnection attempts",
		},
		[]string{"exchange"},
	)

	SubscriptionCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_subscription_commands_total",
			Help: "Total subscribe/unsubscribe commands sent",
		},
		[]string{"exchange", "op"},
	)

	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siis_active_subscriptions",
			Help: "Number of recorded subscriptions per channel",
		},
		[]string{"exchange", "channel"},
	)

	// Backfill metrics
	BackfillWindows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_backfill_windows_total",
			Help: "Total history windows requested",
		},
		[]string{"exchange", "timeframe", "result"}, // ok, skipped
	)

	BackfillCandles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_backfill_candles_total",
			Help: "Total historical candles produced",
		},
		[]string{"exchange", "timeframe", "source"}, // history, derived
	)

	ListenKeyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_listen_key_events_total",
			Help: "Listen key lifecycle events",
		},
		[]string{"exchange", "event"}, // created, refreshed, rotated, failed
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_database_queries_total",
			Help: "Total database queries executed",
		},
		[]string{"operation"},
	)

	DatabaseQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siis_database_query_latency_seconds",
			Help:    "Database query latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"tier"},
	)

	// Publishing metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_publish_success_total",
			Help: "Total successful Redis publishes",
		},
		[]string{"channel_type"}, // candle, quote
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siis_publish_failures_total",
			Help: "Total failed Redis publishes",
		},
		[]string{"channel_type"},
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siis_publish_latency_seconds",
			Help:    "Redis publish latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"channel_type"},
	)

	// System metrics
	GoroutinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siis_goroutines_active",
			Help: "Number of active goroutines",
		},
	)

	MemoryAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siis_memory_allocated_bytes",
			Help: "Total memory allocated in bytes",
		},
	)
)

// RateTracker tracks rate per second for dynamic metrics
type RateTracker struct {
	count       int64
	lastCount   int64
	lastUpdated time.Time
	mu          sync.Mutex
}

func NewRateTracker() *RateTracker {
	return &RateTracker{
		lastUpdated: time.Now(),
	}
}

func (rt *RateTracker) Increment() {
	atomic.AddInt64(&rt.count, 1)
}

func (rt *RateTracker) GetRate() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rt.lastUpdated).Seconds()

	if elapsed < 1.0 {
		return 0 // Not enough time passed
	}

	current := atomic.LoadInt64(&rt.count)
	diff := current - rt.lastCount
	rate := float64(diff) / elapsed

	rt.lastCount = current
	rt.lastUpdated = now

	return rate
}

var tradesTracker = NewRateTracker()

// TrackTrade increments the processed trade counter
func TrackTrade(exchange string) {
	TradesProcessed.WithLabelValues(exchange).Inc()
	tradesTracker.Increment()
}

// GetTradesPerSecond returns current trades/sec
func GetTradesPerSecond() float64 {
	return tradesTracker.GetRate()
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(tier string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(tier).Inc()
	} else {
		CacheMisses.WithLabelValues(tier).Inc()
	}
}

// TrackLatency records the time elapsed since start, in seconds
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(time.Since(start).Seconds())
}
