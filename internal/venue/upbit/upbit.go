// Package upbit is a thin REST adapter for the Upbit spot venue,
// satisfying venue.MarketData and venue.OrderManagement.
//
// Grounded on the teacher's broker_bridge.go (HTTP-JSON client against a
// configurable base URL, context-aware requests, flexible JSON decoding
// tolerant of string-or-number fields) — generalised here from a local
// FastAPI sidecar to Upbit's public REST host. The venue SDK itself is
// out of this engine's scope; this client implements exactly the
// capability surface venue.MarketData/OrderManagement require.
package upbit

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

// Client is an Upbit REST client.
type Client struct {
	base      string
	accessKey string
	secretKey string
	hc        *http.Client
}

// New builds a Client. accessKey/secretKey may be empty for
// market-data-only use.
func New(base, accessKey, secretKey string) *Client {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "https://api.upbit.com/v1"
	}
	return &Client{
		base:      base,
		accessKey: accessKey,
		secretKey: secretKey,
		hc:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Name() string { return "upbit" }

// MarketCode builds Upbit's "QUOTE-BASE" market identifier, e.g.
// ("BTC","KRW") -> "KRW-BTC".
func (c *Client) MarketCode(base, quote string) string {
	return fmt.Sprintf("%s-%s", strings.ToUpper(quote), strings.ToUpper(base))
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("upbit: new request: %w (url=%s)", err, u)
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upbit: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("upbit: %s returned %d: %s", path, res.StatusCode, string(b))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) GetTicker(ctx context.Context, markets []string) ([]venue.Ticker, error) {
	var rows []struct {
		Market    string  `json:"market"`
		TradePric float64 `json:"trade_price"`
		Timestamp int64   `json:"timestamp"`
	}
	q := url.Values{"markets": {strings.Join(markets, ",")}}
	if err := c.get(ctx, "/ticker", q, &rows); err != nil {
		return nil, err
	}
	out := make([]venue.Ticker, 0, len(rows))
	for _, r := range rows {
		out = append(out, venue.Ticker{
			Market: r.Market, Last: r.TradePric,
			Ts: time.UnixMilli(r.Timestamp).UTC(),
		})
	}
	return out, nil
}

func (c *Client) GetOrderbook(ctx context.Context, market string, depth int) (venue.OrderBook, error) {
	var rows []struct {
		Market         string `json:"market"`
		OrderbookUnits []struct {
			AskPrice float64 `json:"ask_price"`
			BidPrice float64 `json:"bid_price"`
			AskSize  float64 `json:"ask_size"`
			BidSize  float64 `json:"bid_size"`
		} `json:"orderbook_units"`
		Timestamp int64 `json:"timestamp"`
	}
	q := url.Values{"markets": {market}}
	if err := c.get(ctx, "/orderbook", q, &rows); err != nil {
		return venue.OrderBook{}, err
	}
	if len(rows) == 0 {
		return venue.OrderBook{}, fmt.Errorf("upbit: empty orderbook for %s", market)
	}
	r := rows[0]
	ob := venue.OrderBook{Market: r.Market, Ts: time.UnixMilli(r.Timestamp).UTC()}
	n := len(r.OrderbookUnits)
	if depth > 0 && depth < n {
		n = depth
	}
	for i := 0; i < n; i++ {
		u := r.OrderbookUnits[i]
		ob.Asks = append(ob.Asks, venue.OrderBookLevel{Price: u.AskPrice, Size: u.AskSize})
		ob.Bids = append(ob.Bids, venue.OrderBookLevel{Price: u.BidPrice, Size: u.BidSize})
	}
	return ob, nil
}

func (c *Client) GetCandles(ctx context.Context, market string, interval time.Duration, count int) ([]venue.Candle, error) {
	return c.getCandles(ctx, market, interval, count, "")
}

func (c *Client) GetCandlesBefore(ctx context.Context, market string, interval time.Duration, count int, before time.Time) ([]venue.Candle, error) {
	return c.getCandles(ctx, market, interval, count, before.UTC().Format("2006-01-02 15:04:05"))
}

func (c *Client) getCandles(ctx context.Context, market string, interval time.Duration, count int, to string) ([]venue.Candle, error) {
	unit := int(interval.Minutes())
	if unit <= 0 {
		unit = 1
	}
	q := url.Values{"market": {market}, "count": {strconv.Itoa(count)}}
	if to != "" {
		q.Set("to", to)
	}
	var rows []struct {
		CandleDateTimeUTC string  `json:"candle_date_time_utc"`
		OpeningPrice      float64 `json:"opening_price"`
		HighPrice         float64 `json:"high_price"`
		LowPrice          float64 `json:"low_price"`
		TradePrice        float64 `json:"trade_price"`
		CandleAccVolume   float64 `json:"candle_acc_trade_volume"`
	}
	if err := c.get(ctx, fmt.Sprintf("/candles/minutes/%d", unit), q, &rows); err != nil {
		return nil, err
	}
	out := make([]venue.Candle, 0, len(rows))
	for _, r := range rows {
		ts, _ := time.Parse("2006-01-02T15:04:05", r.CandleDateTimeUTC)
		out = append(out, venue.Candle{
			Ts: ts, Open: r.OpeningPrice, High: r.HighPrice, Low: r.LowPrice,
			Close: r.TradePrice, Volume: r.CandleAccVolume,
		})
	}
	// Upbit returns newest-first; MarketData guarantees ascending order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Client) GetAllTickers(ctx context.Context) ([]venue.Ticker, error) {
	return nil, fmt.Errorf("upbit: GetAllTickers requires a market list; use GetTicker")
}

// The authenticated order methods below are intentionally minimal: they
// satisfy venue.OrderManagement's shape so C4 can be exercised end to
// end, without reimplementing Upbit's JWT request-signing (out of
// scope — an external collaborator per the specification).

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	return venue.Order{}, fmt.Errorf("upbit: PlaceOrder requires authenticated signing, not configured")
}

func (c *Client) CancelOrder(ctx context.Context, market, orderID string) error {
	return fmt.Errorf("upbit: CancelOrder requires authenticated signing, not configured")
}

func (c *Client) GetOrder(ctx context.Context, market, orderID string) (venue.Order, error) {
	return venue.Order{}, fmt.Errorf("upbit: GetOrder requires authenticated signing, not configured")
}

func (c *Client) GetOpenOrders(ctx context.Context, market string) ([]venue.Order, error) {
	return nil, fmt.Errorf("upbit: GetOpenOrders requires authenticated signing, not configured")
}

func (c *Client) GetBalances(ctx context.Context) ([]venue.Balance, error) {
	return nil, fmt.Errorf("upbit: GetBalances requires authenticated signing, not configured")
}

func (c *Client) GetBalance(ctx context.Context, currency string) (venue.Balance, error) {
	return venue.Balance{}, fmt.Errorf("upbit: GetBalance requires authenticated signing, not configured")
}

var _ venue.MarketData = (*Client)(nil)
var _ venue.OrderManagement = (*Client)(nil)
