package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/firebird631/siis-sub001/internal/config"
	"github.com/firebird631/siis-sub001/internal/exchange/binance"
	"github.com/firebird631/siis-sub001/internal/importer"
	"github.com/firebird631/siis-sub001/internal/models"
	"github.com/firebird631/siis-sub001/internal/repository"
	"github.com/firebird631/siis-sub001/internal/services/backfill"
	"github.com/firebird631/siis-sub001/internal/services/symbols"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

func main() {
	symbolList := flag.String("symbols", "", "Comma-separated symbols (defaults to BINANCE_SYMBOLS or SYMBOLS_FILE)")
	timeframes := flag.String("timeframes", "1h,4h,1d", "Comma-separated timeframes or 'all'")
	from := flag.String("from", time.Now().AddDate(0, -1, 0).Format(dateLayout), "Start date (YYYY-MM-DD)")
	to := flag.String("to", time.Now().Format(dateLayout), "End date (YYYY-MM-DD), exclusive")
	workers := flag.Int("workers", 4, "Number of parallel workers")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	job, err := buildJob(cfg, *symbolList, *timeframes, *from, *to, *workers)
	if err != nil {
		fmt.Println("Error:", err)
		flag.Usage()
		os.Exit(1)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to ClickHouse: %v", err)
	}
	defer conn.Close()

	_, rest := binance.Endpoints(cfg.Binance)
	client := binance.NewClient(binance.ClientConfig{
		BaseURL: rest,
		Market:  cfg.Binance.Market,
		APIKey:  cfg.Binance.APIKey,
	}, logger)

	gen := backfill.NewGenerator(binance.Name, client, backfill.Config{
		CallsPerSecond: cfg.Backfill.CallsPerSecond,
		MaxAttempts:    cfg.Backfill.FetchMaxAttempts,
	}, logger)
	imp := importer.New(gen, repository.NewCandleRepository(conn, logger), logger)

	logger.Infof("🚀 Starting import: %s", job.String())
	logger.Infof("📊 Timeframes: %v", job.Timeframes)
	logger.Infof("⚡ Workers: %d", job.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := imp.Import(ctx, job); err != nil {
		logger.Fatalf("Import failed: %v", err)
	}

	logger.Info("✅ Import completed successfully!")
}

func buildJob(cfg *config.Config, symbolList, timeframes, from, to string, workers int) (*importer.ImportJob, error) {
	syms := symbols.LoadSymbolsWithFallback(cfg.Binance.SymbolsFile, cfg.Binance.Symbols)
	if symbolList != "" {
		syms = symbols.NewFilter(splitSymbols(symbolList)).Literals()
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("no symbols to import")
	}

	tfs, err := parseTimeframes(timeframes)
	if err != nil {
		return nil, err
	}

	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return nil, fmt.Errorf("invalid -from: %w", err)
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return nil, fmt.Errorf("invalid -to: %w", err)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("-from must be before -to")
	}

	return &importer.ImportJob{
		Exchange:   binance.Name,
		Symbols:    syms,
		Timeframes: tfs,
		From:       start,
		To:         end,
		Workers:    workers,
	}, nil
}

func parseTimeframes(input string) ([]models.Timeframe, error) {
	if input == "all" {
		return models.AllTimeframes(), nil
	}
	return models.ParseTimeframes(input)
}

func splitSymbols(input string) []string {
	var out []string
	for _, s := range strings.Split(input, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
