package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketID is an exchange qualified symbol, e.g. "binance:BTCUSDT"
type MarketID string

// NewMarketID joins an exchange name and a symbol
func NewMarketID(exchange, symbol string) MarketID {
	return MarketID(strings.ToLower(exchange) + ":" + strings.ToUpper(symbol))
}

// Exchange returns the exchange part of the identifier
func (m MarketID) Exchange() string {
	if i := strings.IndexByte(string(m), ':'); i >= 0 {
		return string(m[:i])
	}
	return ""
}

// Symbol returns the venue symbol part of the identifier
func (m MarketID) Symbol() string {
	if i := strings.IndexByte(string(m), ':'); i >= 0 {
		return string(m[i+1:])
	}
	return string(m)
}

// TakerSide tells which side aggressed a trade
type TakerSide int8

const (
	TakerUnknown TakerSide = iota
	TakerBuy
	TakerSell
)

func (s TakerSide) String() string {
	switch s {
	case TakerBuy:
		return "buy"
	case TakerSell:
		return "sell"
	default:
		return "unknown"
	}
}

// TradeEvent is a canonical public trade
type TradeEvent struct {
	Market    MarketID        `json:"market"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	TakerSide TakerSide       `json:"taker_side"`
	TradeID   int64           `json:"trade_id,omitempty"`
}

// QuoteEvent is a canonical best bid/ask update
type QuoteEvent struct {
	Market    MarketID        `json:"market"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Spread returns ask minus bid, zero when either side is missing
func (q QuoteEvent) Spread() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid)
}

// EventKind discriminates FeedEvent
type EventKind int8

const (
	EventUnknown EventKind = iota
	EventTrade
	EventQuote
	EventUserData
	EventAck
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventQuote:
		return "quote"
	case EventUserData:
		return "user_data"
	case EventAck:
		return "ack"
	default:
		return "unknown"
	}
}

// FeedEvent is the decoded form of one inbound message. Only the field matching Kind is set.
type FeedEvent struct {
	Kind     EventKind
	Trade    *TradeEvent
	Quote    *QuoteEvent
	UserData []byte
	AckID    int64
}

// Channel is a subscription channel kind
type Channel string

const (
	ChannelTrade Channel = "trade"
	ChannelQuote Channel = "quote"
	ChannelDepth Channel = "depth"
	ChannelUser  Channel = "user"
)

// Channels lists every channel kind in a stable order
func Channels() []Channel {
	return []Channel{ChannelTrade, ChannelQuote, ChannelDepth, ChannelUser}
}

// ConnectionState is the lifecycle state of a supervised connection
type ConnectionState int32

const (
	StateOffline ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateReady
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ListenKey is a private stream session token
type ListenKey struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the key validity window is over at now
func (k ListenKey) Expired(now time.Time) bool {
	return k.Key == "" || !now.Before(k.ExpiresAt)
}
