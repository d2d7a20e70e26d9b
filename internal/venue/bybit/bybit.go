// Package bybit is a thin REST + streaming adapter for the Bybit linear
// perpetual venue, satisfying venue.MarketData, venue.OrderManagement
// and venue.LinearOrderManagement.
//
// REST shape grounded on the teacher's broker_bridge.go HTTP-JSON client
// pattern (see internal/venue/upbit for the closer sibling); the
// streaming client in stream.go is grounded on
// Klingon-tech-klingdex/internal/rpc/websocket.go's hub/reconnect shape.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arbpair/zengine/internal/venue"
)

// Client is a Bybit REST client for the linear (USDT perpetual) category.
type Client struct {
	base   string
	apiKey string
	apiSec string
	hc     *http.Client
}

func New(base, apiKey, apiSec string) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "https://api.bybit.com"
	}
	return &Client{base: base, apiKey: apiKey, apiSec: apiSec, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Name() string { return "bybit" }

// MarketCode builds Bybit's concatenated symbol, e.g. ("BTC","USDT") ->
// "BTCUSDT".
func (c *Client) MarketCode(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("bybit: new request: %w (url=%s)", err, u)
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("bybit: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bybit: %s returned %d: %s", path, res.StatusCode, string(b))
	}
	var env struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("bybit: decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("bybit: %s: retCode=%d retMsg=%s", path, env.RetCode, env.RetMsg)
	}
	return json.Unmarshal(env.Result, out)
}

func (c *Client) GetTicker(ctx context.Context, markets []string) ([]venue.Ticker, error) {
	out := make([]venue.Ticker, 0, len(markets))
	for _, m := range markets {
		var res struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
			} `json:"list"`
		}
		q := url.Values{"category": {"linear"}, "symbol": {m}}
		if err := c.get(ctx, "/v5/market/tickers", q, &res); err != nil {
			return nil, err
		}
		if len(res.List) == 0 {
			continue
		}
		row := res.List[0]
		last, _ := strconv.ParseFloat(row.LastPrice, 64)
		bid, _ := strconv.ParseFloat(row.Bid1Price, 64)
		ask, _ := strconv.ParseFloat(row.Ask1Price, 64)
		out = append(out, venue.Ticker{Market: row.Symbol, Last: last, Bid: bid, Ask: ask, Ts: time.Now().UTC()})
	}
	return out, nil
}

func (c *Client) GetOrderbook(ctx context.Context, market string, depth int) (venue.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	var res struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {market}, "limit": {strconv.Itoa(depth)}}
	if err := c.get(ctx, "/v5/market/orderbook", q, &res); err != nil {
		return venue.OrderBook{}, err
	}
	ob := venue.OrderBook{Market: res.Symbol, Ts: time.UnixMilli(res.Ts).UTC()}
	for _, lvl := range res.Bids {
		if len(lvl) < 2 {
			continue
		}
		p, _ := strconv.ParseFloat(lvl[0], 64)
		s, _ := strconv.ParseFloat(lvl[1], 64)
		ob.Bids = append(ob.Bids, venue.OrderBookLevel{Price: p, Size: s})
	}
	for _, lvl := range res.Asks {
		if len(lvl) < 2 {
			continue
		}
		p, _ := strconv.ParseFloat(lvl[0], 64)
		s, _ := strconv.ParseFloat(lvl[1], 64)
		ob.Asks = append(ob.Asks, venue.OrderBookLevel{Price: p, Size: s})
	}
	return ob, nil
}

func (c *Client) GetCandles(ctx context.Context, market string, interval time.Duration, count int) ([]venue.Candle, error) {
	return c.getCandles(ctx, market, interval, count, 0)
}

func (c *Client) GetCandlesBefore(ctx context.Context, market string, interval time.Duration, count int, before time.Time) ([]venue.Candle, error) {
	return c.getCandles(ctx, market, interval, count, before.UnixMilli())
}

func (c *Client) getCandles(ctx context.Context, market string, interval time.Duration, count int, endMs int64) ([]venue.Candle, error) {
	q := url.Values{
		"category": {"linear"}, "symbol": {market},
		"interval": {strconv.Itoa(int(interval.Minutes()))},
		"limit":    {strconv.Itoa(count)},
	}
	if endMs > 0 {
		q.Set("end", strconv.FormatInt(endMs, 10))
	}
	var res struct {
		List [][]string `json:"list"` // [start, open, high, low, close, volume, turnover]
	}
	if err := c.get(ctx, "/v5/market/kline", q, &res); err != nil {
		return nil, err
	}
	out := make([]venue.Candle, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		o, _ := strconv.ParseFloat(row[1], 64)
		h, _ := strconv.ParseFloat(row[2], 64)
		l, _ := strconv.ParseFloat(row[3], 64)
		cl, _ := strconv.ParseFloat(row[4], 64)
		v, _ := strconv.ParseFloat(row[5], 64)
		out = append(out, venue.Candle{Ts: time.UnixMilli(ms).UTC(), Open: o, High: h, Low: l, Close: cl, Volume: v})
	}
	// Bybit returns newest-first; MarketData guarantees ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Client) GetAllTickers(ctx context.Context) ([]venue.Ticker, error) {
	return nil, fmt.Errorf("bybit: GetAllTickers requires a symbol list; use GetTicker")
}

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	return c.PlaceOrderLinear(ctx, req, false)
}

func (c *Client) CancelOrder(ctx context.Context, market, orderID string) error {
	m := market
	return c.CancelOrderLinear(ctx, orderID, &m)
}

func (c *Client) GetOrder(ctx context.Context, market, orderID string) (venue.Order, error) {
	return c.GetOrderLinear(ctx, orderID, market)
}

func (c *Client) GetOpenOrders(ctx context.Context, market string) ([]venue.Order, error) {
	return nil, fmt.Errorf("bybit: GetOpenOrders requires authenticated signing, not configured")
}

func (c *Client) GetBalances(ctx context.Context) ([]venue.Balance, error) {
	return nil, fmt.Errorf("bybit: GetBalances requires authenticated signing, not configured")
}

func (c *Client) GetBalance(ctx context.Context, currency string) (venue.Balance, error) {
	return venue.Balance{}, fmt.Errorf("bybit: GetBalance requires authenticated signing, not configured")
}

func (c *Client) PlaceOrderLinear(ctx context.Context, req venue.OrderRequest, reduceOnly bool) (venue.Order, error) {
	return venue.Order{}, fmt.Errorf("bybit: PlaceOrderLinear requires authenticated signing, not configured")
}

func (c *Client) GetOrderLinear(ctx context.Context, orderID string, market string) (venue.Order, error) {
	return venue.Order{}, fmt.Errorf("bybit: GetOrderLinear requires authenticated signing, not configured")
}

func (c *Client) CancelOrderLinear(ctx context.Context, orderID string, market *string) error {
	return fmt.Errorf("bybit: CancelOrderLinear requires authenticated signing, not configured")
}

func (c *Client) GetPositionsLinear(ctx context.Context, market string) ([]venue.Position, error) {
	return nil, fmt.Errorf("bybit: GetPositionsLinear requires authenticated signing, not configured")
}

var _ venue.MarketData = (*Client)(nil)
var _ venue.OrderManagement = (*Client)(nil)
var _ venue.LinearOrderManagement = (*Client)(nil)
