package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownTimeframe is returned when a timeframe is not part of the supported set
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// Timeframe is a candle duration in seconds
type Timeframe int64

const (
	TF1m  Timeframe = 60
	TF3m  Timeframe = 180
	TF5m  Timeframe = 300
	TF15m Timeframe = 900
	TF30m Timeframe = 1800
	TF1h  Timeframe = 3600
	TF2h  Timeframe = 7200
	TF4h  Timeframe = 14400
	TF6h  Timeframe = 21600
	TF8h  Timeframe = 28800
	TF12h Timeframe = 43200
	TF1d  Timeframe = 86400
	TF3d  Timeframe = 259200
	TF1w  Timeframe = 604800
	TF1M  Timeframe = 2592000
)

var timeframeLabels = map[Timeframe]string{
	TF1m:  "1m",
	TF3m:  "3m",
	TF5m:  "5m",
	TF15m: "15m",
	TF30m: "30m",
	TF1h:  "1h",
	TF2h:  "2h",
	TF4h:  "4h",
	TF6h:  "6h",
	TF8h:  "8h",
	TF12h: "12h",
	TF1d:  "1d",
	TF3d:  "3d",
	TF1w:  "1w",
	TF1M:  "1M",
}

// AllTimeframes returns the supported timeframes in ascending order
func AllTimeframes() []Timeframe {
	return []Timeframe{
		TF1m, TF3m, TF5m, TF15m, TF30m,
		TF1h, TF2h, TF4h, TF6h, TF8h, TF12h,
		TF1d, TF3d, TF1w, TF1M,
	}
}

// Valid reports whether tf belongs to the supported set
func (tf Timeframe) Valid() bool {
	_, ok := timeframeLabels[tf]
	return ok
}

// Duration converts the timeframe to a time.Duration
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Second
}

func (tf Timeframe) String() string {
	if label, ok := timeframeLabels[tf]; ok {
		return label
	}
	return strconv.FormatInt(int64(tf), 10) + "s"
}

// ParseTimeframe accepts a label ("1m", "4h", "1M") or a number of seconds ("60")
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	for tf, label := range timeframeLabels {
		if label == s {
			return tf, nil
		}
	}

	secs, err := strconv.ParseInt(s, 10, 64)
	if err == nil && Timeframe(secs).Valid() {
		return Timeframe(secs), nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
}

// ParseTimeframes parses a comma separated list of timeframes
func ParseTimeframes(s string) ([]Timeframe, error) {
	var result []Timeframe
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tf, err := ParseTimeframe(part)
		if err != nil {
			return nil, err
		}
		result = append(result, tf)
	}
	return result, nil
}

// BaseTime returns the open time of the tf window containing ts.
// Every window is aligned on the unix epoch.
func BaseTime(tf Timeframe, ts time.Time) time.Time {
	secs := ts.Unix()
	step := int64(tf)
	base := secs - secs%step
	if secs%step < 0 {
		base -= step
	}
	return time.Unix(base, 0).UTC()
}

// Candle represents OHLCV data of one market over one timeframe window
type Candle struct {
	Market       MarketID        `json:"market"`
	Timeframe    Timeframe       `json:"timeframe"`
	OpenTime     time.Time       `json:"open_time"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       decimal.Decimal `json:"volume"`
	BuyVolume    decimal.Decimal `json:"buy_volume"`
	Spread       decimal.Decimal `json:"spread"`
	TradeCount   int             `json:"trade_count"`
	Source       string          `json:"source"` // live, history, derived
	Consolidated bool            `json:"consolidated"`
}

// NewCandle opens a candle at the window containing ts, seeded with price
func NewCandle(market MarketID, tf Timeframe, ts time.Time, price decimal.Decimal) *Candle {
	return &Candle{
		Market:    market,
		Timeframe: tf,
		OpenTime:  BaseTime(tf, ts),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}

// CloseTime is the exclusive end of the candle window
func (c *Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// Elapsed reports whether the candle window is over at now
func (c *Candle) Elapsed(now time.Time) bool {
	return !now.Before(c.CloseTime())
}

// Contains reports whether ts falls inside the candle window
func (c *Candle) Contains(ts time.Time) bool {
	return !ts.Before(c.OpenTime) && ts.Before(c.CloseTime())
}

// FoldTrade folds a single trade into the candle
func (c *Candle) FoldTrade(price, volume decimal.Decimal, side TakerSide) {
	c.FoldLateTrade(price, volume, side)
	c.Close = price
}

// FoldLateTrade folds a trade older than the last folded one: it widens the
// range and adds volume but leaves the close untouched
func (c *Candle) FoldLateTrade(price, volume decimal.Decimal, side TakerSide) {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Volume = c.Volume.Add(volume)
	if side == TakerBuy {
		c.BuyVolume = c.BuyVolume.Add(volume)
	}
	c.TradeCount++
}

// FoldCandle folds a finer, later candle into c using the same rule as FoldTrade
func (c *Candle) FoldCandle(other *Candle) {
	if other.High.GreaterThan(c.High) {
		c.High = other.High
	}
	if other.Low.LessThan(c.Low) {
		c.Low = other.Low
	}
	c.Close = other.Close
	c.Volume = c.Volume.Add(other.Volume)
	c.BuyVolume = c.BuyVolume.Add(other.BuyVolume)
	c.TradeCount += other.TradeCount
	if !other.Spread.IsZero() {
		c.Spread = other.Spread
	}
}

// SameOHLCV compares prices and volume, ignoring metadata
func (c *Candle) SameOHLCV(other *Candle) bool {
	return c.OpenTime.Equal(other.OpenTime) &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume)
}

func (c *Candle) String() string {
	return fmt.Sprintf("%s %s %s O=%s H=%s L=%s C=%s V=%s closed=%v",
		c.Market, c.Timeframe, c.OpenTime.Format(time.RFC3339),
		c.Open, c.High, c.Low, c.Close, c.Volume, c.Consolidated)
}

// CandleResponse represents API response format
type CandleResponse struct {
	Market       string `json:"market"`
	Timeframe    string `json:"timeframe"`
	OpenTime     int64  `json:"open_time"`  // Milliseconds
	CloseTime    int64  `json:"close_time"` // Milliseconds
	Open         string `json:"open"`
	High         string `json:"high"`
	Low          string `json:"low"`
	Close        string `json:"close"`
	Volume       string `json:"volume"`
	Spread       string `json:"spread"`
	TradeCount   int    `json:"trade_count"`
	Consolidated bool   `json:"consolidated"`
}

// ToResponse converts Candle to API response format
func (c *Candle) ToResponse() *CandleResponse {
	return &CandleResponse{
		Market:       string(c.Market),
		Timeframe:    c.Timeframe.String(),
		OpenTime:     c.OpenTime.UnixMilli(),
		CloseTime:    c.CloseTime().UnixMilli(),
		Open:         c.Open.String(),
		High:         c.High.String(),
		Low:          c.Low.String(),
		Close:        c.Close.String(),
		Volume:       c.Volume.String(),
		Spread:       c.Spread.String(),
		TradeCount:   c.TradeCount,
		Consolidated: c.Consolidated,
	}
}
