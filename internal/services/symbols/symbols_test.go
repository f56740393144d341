package symbols

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/firebird631/siis-sub001/internal/exchange/binance"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFilter(t *testing.T) {
	f := NewFilter([]string{"*usdt", "BTC*", "!LUNAUSDT", " ", "!*DOWNUSDT"})

	tests := []struct {
		symbol string
		want   bool
	}{
		{"BTCUSDT", true},
		{"ethusdt", true},
		{"BTCEUR", true},
		{"LUNAUSDT", false},
		{"BNBDOWNUSDT", false},
		{"ETHBTC", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Match(tt.symbol), tt.symbol)
	}

	assert.Equal(t, []string{"BTCEUR", "BTCUSDT", "ETHUSDT"},
		f.Apply([]string{"ETHUSDT", "LUNAUSDT", "BTCUSDT", "ETHBTC", "BTCEUR", "btcusdt"}))
	assert.True(t, f.HasWildcards())
}

func TestFilterLiterals(t *testing.T) {
	f := NewFilter([]string{"ETHUSDT", "BTCUSDT", "XRPUSDT", "!XRPUSDT"})
	assert.False(t, f.HasWildcards())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, f.Literals())

	assert.Empty(t, NewFilter([]string{"!BTCUSDT"}).Apply([]string{"BTCUSDT", "ETHUSDT"}))
}

func TestLoadSymbolsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbols:\n  - BTCUSDT\n  - \"*EUR\"\n  - \"!LUNAEUR\"\n"), 0o644))

	symbols, err := LoadSymbolsFromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "*EUR", "!LUNAEUR"}, symbols)

	split := filepath.Join(dir, "split.yaml")
	require.NoError(t, os.WriteFile(split, []byte("symbols: [\"*USDT\"]\nexclude: [LUNAUSDT, \"!USTUSDT\"]\n"), 0o644))
	patterns, err := LoadSymbolsFromYAML(split)
	require.NoError(t, err)
	assert.Equal(t, []string{"*USDT", "!LUNAUSDT", "!USTUSDT"}, patterns)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("symbols: []\nexclude: [BTCUSDT]\n"), 0o644))
	_, err = LoadSymbolsFromYAML(empty)
	assert.Error(t, err)

	fallback := []string{"ETHUSDT"}
	assert.Equal(t, fallback, LoadSymbolsWithFallback(filepath.Join(dir, "missing.yaml"), fallback))
	assert.Equal(t, fallback, LoadSymbolsWithFallback("", fallback))
	assert.Equal(t, symbols, LoadSymbolsWithFallback(path, fallback))
}

type fakeSource struct {
	mu    sync.Mutex
	infos []binance.SymbolInfo
	err   error
	calls int
}

func (s *fakeSource) ExchangeInfo(ctx context.Context) ([]binance.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.infos, s.err
}

func (s *fakeSource) set(err error, symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.infos = nil
	for _, sym := range symbols {
		s.infos = append(s.infos, binance.SymbolInfo{Symbol: sym, Status: "TRADING"})
	}
}

func TestSymbolFetcherCaches(t *testing.T) {
	source := &fakeSource{}
	source.set(nil, "BTCUSDT", "ETHUSDT")
	source.infos = append(source.infos, binance.SymbolInfo{Symbol: "OLDUSDT", Status: "BREAK"})

	f := NewSymbolFetcher(source, time.Hour, newTestLogger())
	symbols, err := f.GetSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)

	_, err = f.GetSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	source.set(errors.New("timeout"))
	symbols, err = f.FetchSymbols(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
	assert.Equal(t, 2, f.GetSymbolCount())
}

type recordingSubscriber struct {
	added   [][]string
	removed [][]string
}

func (r *recordingSubscriber) AddSymbols(ctx context.Context, symbols []string) error {
	r.added = append(r.added, symbols)
	return nil
}

func (r *recordingSubscriber) RemoveSymbols(ctx context.Context, symbols []string) error {
	r.removed = append(r.removed, symbols)
	return nil
}

func TestSymbolManagerRefresh(t *testing.T) {
	source := &fakeSource{}
	source.set(nil, "BTCUSDT", "ETHUSDT", "LUNAUSDT", "ETHBTC")

	sub := &recordingSubscriber{}
	// zero TTL is replaced by the default, force fetches with a tiny one
	fetcher := NewSymbolFetcher(source, time.Nanosecond, newTestLogger())
	m := NewSymbolManager([]string{"*USDT", "!LUNAUSDT"}, fetcher, sub, newTestLogger())

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, [][]string{{"BTCUSDT", "ETHUSDT"}}, sub.added)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, m.GetSubscribedSymbols())

	// a listing and a delisting
	source.set(nil, "BTCUSDT", "SOLUSDT")
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, []string{"SOLUSDT"}, sub.added[1])
	assert.Equal(t, [][]string{{"ETHUSDT"}}, sub.removed)
	assert.Equal(t, 2, m.GetSubscribedCount())

	// metadata outage keeps everything
	source.set(errors.New("503"))
	require.NoError(t, m.Refresh(context.Background()))
	assert.Len(t, sub.removed, 1)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, m.GetSubscribedSymbols())
}

func TestSymbolManagerLiteralsWithoutMetadata(t *testing.T) {
	sub := &recordingSubscriber{}
	m := NewSymbolManager([]string{"BTCUSDT", "ETHUSDT"}, nil, sub, newTestLogger())
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, [][]string{{"BTCUSDT", "ETHUSDT"}}, sub.added)

	m = NewSymbolManager([]string{"*USDT"}, nil, sub, newTestLogger())
	assert.Error(t, m.Refresh(context.Background()))
}
