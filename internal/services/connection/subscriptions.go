package connection

import (
	"sort"

	"github.com/firebird631/siis-sub001/internal/models"
)

// SubscriptionSet records which markets are subscribed on which channel.
// It is not synchronized, the supervisor guards its own copy.
type SubscriptionSet struct {
	channels map[models.Channel]map[models.MarketID]struct{}
}

// NewSubscriptionSet creates an empty set
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{channels: make(map[models.Channel]map[models.MarketID]struct{})}
}

// Add records markets on channel and returns the ones that were not there yet
func (s *SubscriptionSet) Add(channel models.Channel, markets ...models.MarketID) []models.MarketID {
	set, ok := s.channels[channel]
	if !ok {
		set = make(map[models.MarketID]struct{})
		s.channels[channel] = set
	}

	var added []models.MarketID
	for _, m := range markets {
		if _, exists := set[m]; exists {
			continue
		}
		set[m] = struct{}{}
		added = append(added, m)
	}
	return added
}

// Remove forgets markets on channel and returns the ones that were present
func (s *SubscriptionSet) Remove(channel models.Channel, markets ...models.MarketID) []models.MarketID {
	set, ok := s.channels[channel]
	if !ok {
		return nil
	}

	var removed []models.MarketID
	for _, m := range markets {
		if _, exists := set[m]; !exists {
			continue
		}
		delete(set, m)
		removed = append(removed, m)
	}
	if len(set) == 0 {
		delete(s.channels, channel)
	}
	return removed
}

// Contains reports whether market is subscribed on channel
func (s *SubscriptionSet) Contains(channel models.Channel, market models.MarketID) bool {
	_, ok := s.channels[channel][market]
	return ok
}

// Markets returns the sorted markets of channel
func (s *SubscriptionSet) Markets(channel models.Channel) []models.MarketID {
	set := s.channels[channel]
	out := make([]models.MarketID, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len is the total number of (channel, market) pairs
func (s *SubscriptionSet) Len() int {
	n := 0
	for _, set := range s.channels {
		n += len(set)
	}
	return n
}

// Streams expands the set into venue stream keys, in a stable order
func (s *SubscriptionSet) Streams(adapter FeedAdapter) []string {
	var streams []string
	for _, ch := range models.Channels() {
		for _, m := range s.Markets(ch) {
			streams = append(streams, adapter.StreamKey(ch, m))
		}
	}
	return streams
}

// Clone returns an independent copy
func (s *SubscriptionSet) Clone() *SubscriptionSet {
	c := NewSubscriptionSet()
	for ch, set := range s.channels {
		for m := range set {
			c.Add(ch, m)
		}
	}
	return c
}

// Snapshot returns the sorted content per channel
func (s *SubscriptionSet) Snapshot() map[models.Channel][]models.MarketID {
	out := make(map[models.Channel][]models.MarketID, len(s.channels))
	for ch := range s.channels {
		out[ch] = s.Markets(ch)
	}
	return out
}

// Equal reports whether both sets hold exactly the same pairs
func (s *SubscriptionSet) Equal(other *SubscriptionSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for ch, set := range s.channels {
		for m := range set {
			if !other.Contains(ch, m) {
				return false
			}
		}
	}
	return true
}
