package symbols

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubscriptionInterface defines methods needed for subscribing to symbols
type SubscriptionInterface interface {
	AddSymbols(ctx context.Context, symbols []string) error
	RemoveSymbols(ctx context.Context, symbols []string) error
}

// SymbolManager resolves the configured patterns against exchange metadata
// and keeps the subscriber in line with the result
type SymbolManager struct {
	filter     *Filter
	fetcher    *SymbolFetcher
	subscriber SubscriptionInterface
	logger     *logrus.Logger

	subscribedSymbols map[string]bool
	mu                sync.RWMutex
}

// NewSymbolManager creates a new symbol manager
func NewSymbolManager(patterns []string, fetcher *SymbolFetcher, subscriber SubscriptionInterface, logger *logrus.Logger) *SymbolManager {
	return &SymbolManager{
		filter:            NewFilter(patterns),
		fetcher:           fetcher,
		subscriber:        subscriber,
		logger:            logger,
		subscribedSymbols: make(map[string]bool),
	}
}

// Resolve returns the symbols the patterns select right now
func (m *SymbolManager) Resolve(ctx context.Context) ([]string, error) {
	if m.fetcher == nil {
		if m.filter.HasWildcards() {
			return nil, fmt.Errorf("wildcard symbols need exchange metadata")
		}
		return m.filter.Literals(), nil
	}

	available, err := m.fetcher.GetSymbols(ctx)
	if err != nil && len(available) == 0 {
		if m.filter.HasWildcards() {
			return nil, err
		}
		m.logger.WithError(err).Warn("No exchange metadata, using literal symbols")
		return m.filter.Literals(), nil
	}
	return m.filter.Apply(available), err
}

// Refresh resolves the patterns, subscribes new symbols and drops the ones
// no longer listed. Nothing is dropped when metadata could not be fetched.
func (m *SymbolManager) Refresh(ctx context.Context) error {
	selected, err := m.Resolve(ctx)
	if err != nil && len(selected) == 0 {
		return fmt.Errorf("failed to resolve symbols: %w", err)
	}
	stale := err != nil

	want := make(map[string]bool, len(selected))
	for _, s := range selected {
		want[s] = true
	}

	m.mu.RLock()
	var added, removed []string
	for _, s := range selected {
		if !m.subscribedSymbols[s] {
			added = append(added, s)
		}
	}
	if !stale {
		for s := range m.subscribedSymbols {
			if !want[s] {
				removed = append(removed, s)
			}
		}
	}
	m.mu.RUnlock()
	sort.Strings(removed)

	if len(added) > 0 {
		if err := m.subscriber.AddSymbols(ctx, added); err != nil {
			return fmt.Errorf("failed to subscribe %d symbols: %w", len(added), err)
		}
		m.mu.Lock()
		for _, s := range added {
			m.subscribedSymbols[s] = true
		}
		m.mu.Unlock()
		m.logger.Infof("✅ Subscribed to %d new symbols", len(added))
	}

	if len(removed) > 0 {
		if err := m.subscriber.RemoveSymbols(ctx, removed); err != nil {
			return fmt.Errorf("failed to unsubscribe %d symbols: %w", len(removed), err)
		}
		m.mu.Lock()
		for _, s := range removed {
			delete(m.subscribedSymbols, s)
		}
		m.mu.Unlock()
		m.logger.Infof("Unsubscribed %d delisted symbols", len(removed))
	}

	m.logger.Infof("📈 Total subscribed symbols: %d", m.GetSubscribedCount())
	return nil
}

// GetSubscribedSymbols returns the sorted list of currently subscribed symbols
func (m *SymbolManager) GetSubscribedSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.subscribedSymbols))
	for symbol := range m.subscribedSymbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetSubscribedCount returns the number of subscribed symbols
func (m *SymbolManager) GetSubscribedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribedSymbols)
}
