package binance

import (
	"fmt"
	"strings"
	"time"

	"github.com/firebird631/siis-sub001/internal/config"
	"github.com/firebird631/siis-sub001/internal/models"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	// Name is the exchange name used in market identifiers
	Name = "binance"

	MarketSpot    = "spot"
	MarketFutures = "futures"

	// Binance accepts up to 1024 streams per socket, we stay well under it
	maxStreamsPerConnection = 200
)

// userDataEvents are the private stream event types forwarded untouched
var userDataEvents = map[string]bool{
	"outboundAccountPosition": true,
	"balanceUpdate":           true,
	"executionReport":         true,
	"listStatus":              true,
	"listenKeyExpired":        true,
	"ACCOUNT_UPDATE":          true,
	"ORDER_TRADE_UPDATE":      true,
	"MARGIN_CALL":             true,
	"ACCOUNT_CONFIG_UPDATE":   true,
}

type command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Adapter implements connection.FeedAdapter for Binance spot and USD-M futures
type Adapter struct {
	market   string
	endpoint string
}

// NewAdapter creates an adapter dialing endpoint. An empty endpoint resolves
// the public one of market.
func NewAdapter(market, endpoint string) *Adapter {
	if market != MarketFutures {
		market = MarketSpot
	}
	if endpoint == "" {
		endpoint, _ = Endpoints(config.ExchangeConfig{Market: market, TLD: "com"})
	}
	return &Adapter{market: market, endpoint: endpoint}
}

// Endpoints returns the WebSocket and REST base URLs of an exchange config
func Endpoints(cfg config.ExchangeConfig) (ws, rest string) {
	tld := cfg.TLD
	if tld == "" {
		tld = "com"
	}
	if cfg.Host != "" {
		host := strings.TrimSuffix(cfg.Host, "/")
		if strings.Contains(host, "://") {
			rest = host
			ws = strings.Replace(strings.Replace(host, "https://", "wss://", 1), "http://", "ws://", 1) + "/ws"
			return ws, rest
		}
		return "wss://" + host + "/ws", "https://" + host
	}
	if cfg.Market == MarketFutures {
		return fmt.Sprintf("wss://fstream.binance.%s/ws", tld), fmt.Sprintf("https://fapi.binance.%s", tld)
	}
	return fmt.Sprintf("wss://stream.binance.%s:9443/ws", tld), fmt.Sprintf("https://api.binance.%s", tld)
}

func (a *Adapter) Name() string                 { return Name }
func (a *Adapter) Endpoint() string             { return a.endpoint }
func (a *Adapter) MaxStreamsPerConnection() int { return maxStreamsPerConnection }

// StreamKey maps a channel and market to the Binance stream name. The user
// channel market is the listen key itself.
func (a *Adapter) StreamKey(channel models.Channel, market models.MarketID) string {
	sym := strings.ToLower(market.Symbol())
	switch channel {
	case models.ChannelTrade:
		if a.market == MarketFutures {
			return sym + "@aggTrade"
		}
		return sym + "@trade"
	case models.ChannelQuote:
		return sym + "@bookTicker"
	case models.ChannelDepth:
		return sym + "@depth@100ms"
	case models.ChannelUser:
		return string(market)
	default:
		return sym + "@" + string(channel)
	}
}

func (a *Adapter) SubscribeCommand(id int64, streams []string) ([]byte, error) {
	return json.Marshal(command{Method: "SUBSCRIBE", Params: streams, ID: id})
}

func (a *Adapter) UnsubscribeCommand(id int64, streams []string) ([]byte, error) {
	return json.Marshal(command{Method: "UNSUBSCRIBE", Params: streams, ID: id})
}

// Decode parses one frame. Recognized events nobody consumes decode to nothing.
func (a *Adapter) Decode(msg []byte) ([]models.FeedEvent, error) {
	if !gjson.ValidBytes(msg) {
		return nil, fmt.Errorf("invalid json")
	}
	r := gjson.ParseBytes(msg)
	if !r.IsObject() {
		return nil, fmt.Errorf("unexpected payload type")
	}

	// combined stream envelope
	if data := r.Get("data"); data.Exists() && r.Get("stream").Exists() {
		r = data
	}

	// command reply: {"result":null,"id":1} or {"error":{...},"id":1}
	if id := r.Get("id"); id.Exists() && !r.Get("e").Exists() {
		if e := r.Get("error"); e.Exists() {
			return nil, fmt.Errorf("command %d rejected: %s", id.Int(), e.Get("msg").String())
		}
		if r.Get("result").Exists() {
			return []models.FeedEvent{{Kind: models.EventAck, AckID: id.Int()}}, nil
		}
	}

	event := r.Get("e").String()
	switch {
	case event == "trade" || event == "aggTrade":
		trade, err := a.decodeTrade(r, event)
		if err != nil {
			return nil, err
		}
		return []models.FeedEvent{{Kind: models.EventTrade, Trade: trade}}, nil

	case event == "bookTicker" || (event == "" && r.Get("u").Exists() && r.Get("b").Exists()):
		quote, err := a.decodeQuote(r)
		if err != nil {
			return nil, err
		}
		return []models.FeedEvent{{Kind: models.EventQuote, Quote: quote}}, nil

	case event == "depthUpdate":
		return nil, nil

	case userDataEvents[event]:
		raw := make([]byte, len(r.Raw))
		copy(raw, r.Raw)
		return []models.FeedEvent{{Kind: models.EventUserData, UserData: raw}}, nil
	}

	return nil, fmt.Errorf("unknown event %q", event)
}

func (a *Adapter) decodeTrade(r gjson.Result, event string) (*models.TradeEvent, error) {
	symbol := r.Get("s").String()
	if symbol == "" {
		return nil, fmt.Errorf("%s without symbol", event)
	}
	price, err := parseDecimal(r.Get("p"))
	if err != nil {
		return nil, fmt.Errorf("%s price: %w", event, err)
	}
	qty, err := parseDecimal(r.Get("q"))
	if err != nil {
		return nil, fmt.Errorf("%s quantity: %w", event, err)
	}
	ts := r.Get("T")
	if !ts.Exists() {
		return nil, fmt.Errorf("%s without trade time", event)
	}

	// m: the buyer is the maker, so the seller took liquidity
	side := models.TakerBuy
	if r.Get("m").Bool() {
		side = models.TakerSell
	}

	id := r.Get("t")
	if event == "aggTrade" {
		id = r.Get("a")
	}

	return &models.TradeEvent{
		Market:    models.NewMarketID(Name, symbol),
		Timestamp: time.UnixMilli(ts.Int()).UTC(),
		Price:     price,
		Volume:    qty,
		TakerSide: side,
		TradeID:   id.Int(),
	}, nil
}

func (a *Adapter) decodeQuote(r gjson.Result) (*models.QuoteEvent, error) {
	symbol := r.Get("s").String()
	if symbol == "" {
		return nil, fmt.Errorf("bookTicker without symbol")
	}
	bid, err := parseDecimal(r.Get("b"))
	if err != nil {
		return nil, fmt.Errorf("bookTicker bid: %w", err)
	}
	ask, err := parseDecimal(r.Get("a"))
	if err != nil {
		return nil, fmt.Errorf("bookTicker ask: %w", err)
	}

	// spot tickers carry no timestamp
	ts := time.Now().UTC()
	if t := r.Get("T"); t.Exists() {
		ts = time.UnixMilli(t.Int()).UTC()
	} else if e := r.Get("E"); e.Exists() {
		ts = time.UnixMilli(e.Int()).UTC()
	}

	return &models.QuoteEvent{
		Market:    models.NewMarketID(Name, symbol),
		Bid:       bid,
		Ask:       ask,
		Timestamp: ts,
	}, nil
}

// IsListenKeyExpired reports whether a private stream payload announces the end of its listen key
func IsListenKeyExpired(data []byte) bool {
	return gjson.GetBytes(data, "e").String() == "listenKeyExpired"
}

func parseDecimal(r gjson.Result) (decimal.Decimal, error) {
	if !r.Exists() {
		return decimal.Zero, fmt.Errorf("missing field")
	}
	return decimal.NewFromString(r.String())
}
