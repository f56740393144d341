package candle

import (
	"github.com/firebird631/siis-sub001/internal/models"
)

// Sink receives candle notifications from the aggregator
type Sink interface {
	// CandleUpdated is called with the in-progress candle after every fold
	CandleUpdated(c models.Candle)
	// CandleFinalized is called exactly once per (market, timeframe, open time)
	CandleFinalized(c models.Candle)
}

// Fanout forwards every notification to each sink in order
type Fanout []Sink

func (f Fanout) CandleUpdated(c models.Candle) {
	for _, s := range f {
		s.CandleUpdated(c)
	}
}

func (f Fanout) CandleFinalized(c models.Candle) {
	for _, s := range f {
		s.CandleFinalized(c)
	}
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) CandleUpdated(models.Candle)   {}
func (NopSink) CandleFinalized(models.Candle) {}

// FuncSink adapts plain functions to Sink, nil functions are skipped
type FuncSink struct {
	OnUpdate   func(models.Candle)
	OnFinalize func(models.Candle)
}

func (f FuncSink) CandleUpdated(c models.Candle) {
	if f.OnUpdate != nil {
		f.OnUpdate(c)
	}
}

func (f FuncSink) CandleFinalized(c models.Candle) {
	if f.OnFinalize != nil {
		f.OnFinalize(c)
	}
}
