package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"
	"github.com/firebird631/siis-sub001/internal/services/connection"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

const (
	maxCandlesPerCall        = 500
	defaultRequestTimeout    = 10 * time.Second
	defaultListenKeyValidity = 60 * time.Minute
)

// nativeTimeframes are served by the klines endpoint. 3d, 1w and 1M exist too
// but Binance aligns them on calendar boundaries, so they are derived from 1d.
var nativeTimeframes = []models.Timeframe{
	models.TF1m, models.TF3m, models.TF5m, models.TF15m, models.TF30m,
	models.TF1h, models.TF2h, models.TF4h, models.TF6h, models.TF8h, models.TF12h,
	models.TF1d,
}

// APIError is a non successful REST reply
type APIError struct {
	Status int
	Code   int64
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api: http %d code %d: %s", e.Status, e.Code, e.Msg)
}

// ClientConfig configures the REST client
type ClientConfig struct {
	BaseURL           string
	Market            string
	APIKey            string
	Timeout           time.Duration
	ListenKeyValidity time.Duration
}

// SymbolInfo is the subset of exchangeInfo the service needs
type SymbolInfo struct {
	Symbol     string `yaml:"symbol" json:"symbol"`
	Status     string `yaml:"status" json:"status"`
	BaseAsset  string `yaml:"base_asset" json:"base_asset"`
	QuoteAsset string `yaml:"quote_asset" json:"quote_asset"`
}

// Trading reports whether the symbol currently trades
func (s SymbolInfo) Trading() bool {
	return s.Status == "TRADING"
}

// Client talks to the Binance REST API
type Client struct {
	cfg    ClientConfig
	paths  restPaths
	client *fasthttp.Client
	logger *logrus.Logger
}

type restPaths struct {
	klines       string
	listenKey    string
	exchangeInfo string
}

// NewClient creates a REST client
func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.ListenKeyValidity <= 0 {
		cfg.ListenKeyValidity = defaultListenKeyValidity
	}

	paths := restPaths{
		klines:       "/api/v3/klines",
		listenKey:    "/api/v3/userDataStream",
		exchangeInfo: "/api/v3/exchangeInfo",
	}
	if cfg.Market == MarketFutures {
		paths = restPaths{
			klines:       "/fapi/v1/klines",
			listenKey:    "/fapi/v1/listenKey",
			exchangeInfo: "/fapi/v1/exchangeInfo",
		}
	}

	return &Client{
		cfg:   cfg,
		paths: paths,
		client: &fasthttp.Client{
			Name:                "siis",
			MaxIdleConnDuration: time.Minute,
		},
		logger: logger,
	}
}

// do runs one request. Authentication and client errors come back wrapped
// in backoff.Permanent, rate limits and server errors are left retryable.
func (c *Client) do(ctx context.Context, method, path string, args map[string]string, withKey bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(method)
	queryArgs := req.URI().QueryArgs()
	for k, v := range args {
		queryArgs.Set(k, v)
	}
	if withKey {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	body := append([]byte(nil), resp.Body()...)

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  status,
		"elapsed": time.Since(start),
	}).Debug("Binance REST call")

	if status == fasthttp.StatusOK {
		return body, nil
	}

	apiErr := &APIError{
		Status: status,
		Code:   gjson.GetBytes(body, "code").Int(),
		Msg:    gjson.GetBytes(body, "msg").String(),
	}
	if sentinel := connection.ClassifyHTTPStatus(status); sentinel != nil {
		err := fmt.Errorf("%w: %w", sentinel, apiErr)
		if errors.Is(sentinel, connection.ErrAuthentication) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if status >= 400 && status < 500 {
		return nil, backoff.Permanent(apiErr)
	}
	return nil, apiErr
}

// NativeTimeframes lists the timeframes FetchCandles accepts
func (c *Client) NativeTimeframes() []models.Timeframe {
	return nativeTimeframes
}

// MaxCandlesPerCall is the largest window FetchCandles should be asked for
func (c *Client) MaxCandlesPerCall() int {
	return maxCandlesPerCall
}

// FetchCandles returns the klines of market opening in [from, to), oldest first
func (c *Client) FetchCandles(ctx context.Context, market models.MarketID, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	native := false
	for _, n := range nativeTimeframes {
		if n == tf {
			native = true
			break
		}
	}
	if !native {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s is not a native kline interval", models.ErrUnknownTimeframe, tf))
	}

	body, err := c.do(ctx, fasthttp.MethodGet, c.paths.klines, map[string]string{
		"symbol":    market.Symbol(),
		"interval":  tf.String(),
		"startTime": strconv.FormatInt(from.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(to.UnixMilli()-1, 10),
		"limit":     strconv.Itoa(maxCandlesPerCall),
	}, false)
	if err != nil {
		return nil, err
	}

	jsonResult := gjson.ParseBytes(body)
	if !jsonResult.IsArray() {
		return nil, fmt.Errorf("unexpected kline response format")
	}

	rows := jsonResult.Array()
	candles := make([]models.Candle, 0, len(rows))
	var last time.Time
	for i, v := range rows {
		row := v.Array()
		if len(row) < 10 {
			return nil, fmt.Errorf("kline %d: %d fields", i, len(row))
		}

		openTime := time.UnixMilli(row[0].Int()).UTC()
		if openTime.Before(from) || !openTime.Before(to) {
			continue
		}
		if !last.IsZero() && !openTime.After(last) {
			return nil, fmt.Errorf("kline %d: open time %s not increasing", i, openTime)
		}
		last = openTime

		candle := models.Candle{
			Market:     market,
			Timeframe:  tf,
			OpenTime:   openTime,
			TradeCount: int(row[8].Int()),
			Source:     "history",
		}
		// open, high, low, close, volume, taker buy base volume
		fields := []*decimal.Decimal{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume, &candle.BuyVolume}
		for j, idx := range []int{1, 2, 3, 4, 5, 9} {
			if *fields[j], err = parseDecimal(row[idx]); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, idx, err)
			}
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// CreateListenKey opens a private stream session
func (c *Client) CreateListenKey(ctx context.Context) (models.ListenKey, error) {
	body, err := c.do(ctx, fasthttp.MethodPost, c.paths.listenKey, nil, true)
	if err != nil {
		return models.ListenKey{}, err
	}
	key := gjson.GetBytes(body, "listenKey").String()
	if key == "" {
		return models.ListenKey{}, fmt.Errorf("listen key missing from response")
	}
	return models.ListenKey{Key: key, ExpiresAt: time.Now().Add(c.cfg.ListenKeyValidity)}, nil
}

// RefreshListenKey extends key. Futures may answer with a different key,
// which then replaces the old one.
func (c *Client) RefreshListenKey(ctx context.Context, key string) (models.ListenKey, error) {
	body, err := c.do(ctx, fasthttp.MethodPut, c.paths.listenKey, map[string]string{"listenKey": key}, true)
	if err != nil {
		return models.ListenKey{}, err
	}
	if k := gjson.GetBytes(body, "listenKey").String(); k != "" {
		key = k
	}
	return models.ListenKey{Key: key, ExpiresAt: time.Now().Add(c.cfg.ListenKeyValidity)}, nil
}

// CloseListenKey ends a private stream session
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	_, err := c.do(ctx, fasthttp.MethodDelete, c.paths.listenKey, map[string]string{"listenKey": key}, true)
	return err
}

// ExchangeInfo lists every symbol of the market
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.paths.exchangeInfo, nil, false)
	if err != nil {
		return nil, err
	}

	symbols := gjson.GetBytes(body, "symbols")
	if !symbols.IsArray() {
		return nil, fmt.Errorf("unexpected exchangeInfo response format")
	}

	var out []SymbolInfo
	symbols.ForEach(func(_, s gjson.Result) bool {
		info := SymbolInfo{
			Symbol:     s.Get("symbol").String(),
			Status:     s.Get("status").String(),
			BaseAsset:  s.Get("baseAsset").String(),
			QuoteAsset: s.Get("quoteAsset").String(),
		}
		if info.Status == "" {
			info.Status = s.Get("contractStatus").String()
		}
		out = append(out, info)
		return true
	})
	return out, nil
}
