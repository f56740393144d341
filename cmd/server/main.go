package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/firebird631/siis-sub001/internal/cache"
	"github.com/firebird631/siis-sub001/internal/config"
	"github.com/firebird631/siis-sub001/internal/exchange/binance"
	"github.com/firebird631/siis-sub001/internal/models"
	"github.com/firebird631/siis-sub001/internal/pubsub"
	"github.com/firebird631/siis-sub001/internal/repository"
	"github.com/firebird631/siis-sub001/internal/services/backfill"
	"github.com/firebird631/siis-sub001/internal/services/candle"
	"github.com/firebird631/siis-sub001/internal/services/connection"
	"github.com/firebird631/siis-sub001/internal/services/symbols"
	"github.com/firebird631/siis-sub001/internal/services/userstream"
	"github.com/firebird631/siis-sub001/internal/services/watcher"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting market data watcher...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if !cfg.Binance.Enabled {
		logger.Fatal("No exchange enabled, set ENABLE_BINANCE=true")
	}

	logger.Info("Connecting to ClickHouse...")
	clickhouseConn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse: ", err)
	}
	defer clickhouseConn.Close()

	if err := clickhouseConn.Ping(context.Background()); err != nil {
		logger.Fatal("ClickHouse ping failed: ", err)
	}
	logger.Info("ClickHouse connected successfully")

	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	candleRepo := repository.NewCandleRepository(clickhouseConn, logger)
	store := repository.NewStore(candleRepo, repository.StoreConfig{
		BatchSize:     cfg.Service.BatchWriteSize,
		BatchInterval: cfg.Service.BatchWriteInterval,
		StoreOHLC:     cfg.Service.StoreOHLC,
		StoreTrades:   cfg.Service.StoreTrades,
	}, logger)
	publisher := pubsub.NewPublisher(redisClient, cfg.Redis.ChannelPrefix, cfg.Service.PublishUpdates, logger)
	candleCache := cache.NewCandleCache(redisClient, cfg.Cache.CandleTTL, logger)
	quoteCache := cache.NewQuoteCache(redisClient, cfg.Cache.QuoteTTL, logger)

	store.Start()
	publisher.Start()
	candleCache.Start()
	quoteCache.Start()

	w, err := newBinanceWatcher(cfg, store, publisher, candleCache, quoteCache, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create watcher")
	}

	candleSvc := candle.NewService(w.Aggregator(), candleCache, candleRepo, logger)
	httpSrv := newHTTPServer(cfg, w, candleSvc, candleRepo, quoteCache)
	httpErrChan := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrChan <- err
		}
	}()

	if err := w.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start watcher")
	}
	logger.Infof("Market data watcher v%s started with %d markets", version, len(w.Markets()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-httpErrChan:
		logger.WithError(err).Error("HTTP server error")
	}

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)

	// the watcher goes first so the sinks drain everything it emitted
	w.Stop()
	store.Stop()
	publisher.Stop()
	candleCache.Stop()
	quoteCache.Stop()

	logger.Info("Shutdown complete")
}

func newBinanceWatcher(cfg *config.Config, store *repository.Store, publisher *pubsub.Publisher, candleCache *cache.CandleCache, quoteCache *cache.QuoteCache, logger *logrus.Logger) (*watcher.Watcher, error) {
	ws, rest := binance.Endpoints(cfg.Binance)
	client := binance.NewClient(binance.ClientConfig{
		BaseURL:           rest,
		Market:            cfg.Binance.Market,
		APIKey:            cfg.Binance.APIKey,
		ListenKeyValidity: cfg.UserStream.Validity,
	}, logger)

	opts := watcher.Options{
		Config: watcher.Config{
			Symbols:          symbols.LoadSymbolsWithFallback(cfg.Binance.SymbolsFile, cfg.Binance.Symbols),
			Timeframes:       cfg.Candles.Timeframes,
			FinalizeInterval: cfg.Candles.FinalizeInterval,
			HealthInterval:   cfg.Candles.HealthInterval,
			MetadataRefresh:  cfg.Candles.MetadataRefresh,
			BackfillDepth:    cfg.Backfill.Depth,
			BackfillWorkers:  cfg.Backfill.Workers,
		},
		Adapter: binance.NewAdapter(cfg.Binance.Market, ws),
		Connection: connection.Config{
			InitialDelay:           cfg.Connection.ReconnectInitialDelay,
			MaxDelay:               cfg.Connection.ReconnectMaxDelay,
			MaxAttempts:            cfg.Connection.ReconnectMaxAttempts,
			RateLimitBackoffFactor: cfg.Connection.RateLimitBackoffFactor,
			MaxStreamsPerSocket:    cfg.Connection.MaxStreamsPerSocket,
			CommandsPerSecond:      cfg.Connection.CommandsPerSecond,
			HeartbeatTimeout:       cfg.Connection.HeartbeatTimeout,
			HandshakeTimeout:       cfg.Connection.HandshakeTimeout,
		},
		Metadata: client,
		Sinks:    []candle.Sink{store, publisher, candleCache},
		OnTrade:  store.AddTrade,
		OnQuote: func(q models.QuoteEvent) {
			quoteCache.SetQuote(q)
			if err := publisher.PublishQuote(q); err != nil {
				logger.WithError(err).Debug("Quote dropped")
			}
		},
		ListenKeyExpired: binance.IsListenKeyExpired,
	}

	if cfg.Backfill.Enabled {
		opts.History = client
		opts.Backfill = backfill.Config{
			CallsPerSecond: cfg.Backfill.CallsPerSecond,
			MaxAttempts:    cfg.Backfill.FetchMaxAttempts,
		}
	}
	if cfg.UserStream.Enabled {
		opts.ListenKeys = client
		opts.UserStream = userstream.Config{Interval: cfg.UserStream.KeepAlive}
		opts.OnUser = func(data []byte) {
			logger.WithField("bytes", len(data)).Debug("User data event")
		}
	}

	return watcher.New(opts, logger)
}

func newHTTPServer(cfg *config.Config, w *watcher.Watcher, candleSvc *candle.Service, repo *repository.CandleRepository, quotes *cache.QuoteCache) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		status := w.Status()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(rw, code, map[string]interface{}{
			"healthy":        status.Healthy,
			"version":        version,
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
			"watchers":       []watcher.Status{status},
		})
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/stats", func(rw http.ResponseWriter, r *http.Request) {
		stats, err := repo.GetStats(r.Context())
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, stats)
	})

	mux.HandleFunc("/api/v1/candles", func(rw http.ResponseWriter, r *http.Request) {
		market, tf, err := seriesParams(r)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		q := r.URL.Query()
		var start, end time.Time
		if v := q.Get("start"); v != "" {
			if start, err = time.Parse(time.RFC3339, v); err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid start"})
				return
			}
		}
		if v := q.Get("end"); v != "" {
			if end, err = time.Parse(time.RFC3339, v); err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid end"})
				return
			}
		}
		limit, _ := strconv.Atoi(q.Get("limit"))

		candles, err := candleSvc.GetCandles(r.Context(), market, tf, start, end, limit)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out := make([]*models.CandleResponse, 0, len(candles))
		for i := range candles {
			out = append(out, candles[i].ToResponse())
		}
		writeJSON(rw, http.StatusOK, out)
	})

	mux.HandleFunc("/api/v1/candles/latest", func(rw http.ResponseWriter, r *http.Request) {
		market, tf, err := seriesParams(r)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		c, err := candleSvc.GetLatestCandle(r.Context(), market, tf)
		if err != nil {
			writeJSON(rw, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, c.ToResponse())
	})

	mux.HandleFunc("/api/v1/quote", func(rw http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
			return
		}
		quote, err := quotes.GetQuote(r.Context(), models.NewMarketID(binance.Name, symbol))
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if quote == nil {
			writeJSON(rw, http.StatusNotFound, map[string]string{"error": "no quote"})
			return
		}
		writeJSON(rw, http.StatusOK, quote)
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// seriesParams reads the symbol and timeframe query parameters
func seriesParams(r *http.Request) (models.MarketID, models.Timeframe, error) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		return "", 0, fmt.Errorf("symbol is required")
	}
	tf, err := models.ParseTimeframe(q.Get("timeframe"))
	if err != nil {
		return "", 0, err
	}
	return models.NewMarketID(binance.Name, symbol), tf, nil
}

func writeJSON(rw http.ResponseWriter, code int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
