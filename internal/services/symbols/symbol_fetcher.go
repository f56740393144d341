package symbols

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/firebird631/siis-sub001/internal/exchange/binance"

	"github.com/sirupsen/logrus"
)

// MetadataSource lists the symbols of a venue
type MetadataSource interface {
	ExchangeInfo(ctx context.Context) ([]binance.SymbolInfo, error)
}

// SymbolFetcher fetches and caches the trading symbols of an exchange
type SymbolFetcher struct {
	source    MetadataSource
	symbols   []string
	lastFetch time.Time
	cacheTTL  time.Duration
	mu        sync.RWMutex
	logger    *logrus.Logger
}

// NewSymbolFetcher creates a new symbol fetcher
func NewSymbolFetcher(source MetadataSource, cacheTTL time.Duration, logger *logrus.Logger) *SymbolFetcher {
	if cacheTTL <= 0 {
		cacheTTL = 4 * time.Hour
	}
	return &SymbolFetcher{
		source:   source,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// GetSymbols returns cached symbols or fetches them if cache is stale
func (f *SymbolFetcher) GetSymbols(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	if time.Since(f.lastFetch) < f.cacheTTL && len(f.symbols) > 0 {
		symbols := make([]string, len(f.symbols))
		copy(symbols, f.symbols)
		f.mu.RUnlock()
		return symbols, nil
	}
	f.mu.RUnlock()

	return f.FetchSymbols(ctx)
}

// FetchSymbols reads exchange metadata, keeping only trading symbols. On
// failure the previous list is returned along with the error.
func (f *SymbolFetcher) FetchSymbols(ctx context.Context) ([]string, error) {
	f.logger.Info("Fetching exchange symbols...")

	infos, err := f.source.ExchangeInfo(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Failed to fetch symbols, using cached list")
		return f.getCachedSymbols(), fmt.Errorf("fetch exchange info: %w", err)
	}

	symbols := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Trading() {
			symbols = append(symbols, info.Symbol)
		}
	}
	if len(symbols) == 0 {
		return f.getCachedSymbols(), fmt.Errorf("exchange info lists no trading symbol")
	}

	f.mu.Lock()
	f.symbols = symbols
	f.lastFetch = time.Now()
	f.mu.Unlock()

	f.logger.Infof("Fetched %d trading symbols", len(symbols))
	return symbols, nil
}

func (f *SymbolFetcher) getCachedSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	symbols := make([]string, len(f.symbols))
	copy(symbols, f.symbols)
	return symbols
}

// GetSymbolCount returns the number of cached symbols
func (f *SymbolFetcher) GetSymbolCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.symbols)
}
