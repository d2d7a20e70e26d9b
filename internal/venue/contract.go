// Package venue declares the capability contracts every exchange client
// implements, plus the lower-cased-name registry that collects concrete
// venues at the CLI/wiring edge.
//
// Grounded on original_source/crates/arb-exchange/src/traits.rs: the
// MarketData / OrderManagement / LinearOrderManagement split carries over
// directly into Go interfaces, and market_code's documented examples
// (Upbit "BTC","KRW" -> "KRW-BTC", Bybit "BTC","USDT" -> "BTCUSDT") are
// kept verbatim as each adapter's MarketCode method. §9 of the
// specification prefers static dispatch where the venue set is known at
// compile time and a registry only at the wiring edge — the monitor and
// executor take the interfaces below, and cmd/arbengine passes them the
// concrete *upbit.Client / *bybit.Client values it builds without going
// through Registry.
package venue

import (
	"context"
	"time"
)

// Ticker is a best bid/ask snapshot for one market.
type Ticker struct {
	Market string
	Bid    float64
	Ask    float64
	Last   float64
	Ts     time.Time
}

// OrderBookLevel is one price/size rung.
type OrderBookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Market string
	Bids   []OrderBookLevel
	Asks   []OrderBookLevel
	Ts     time.Time
}

// Candle is one OHLC bar.
type Candle struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Side is the trading direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// TimeInForce selects order execution semantics.
type TimeInForce string

const (
	IOC   TimeInForce = "IOC"
	Limit TimeInForce = "LIMIT"
)

// OrderRequest is a venue-agnostic order instruction.
type OrderRequest struct {
	Market        string
	Side          Side
	Price         float64
	Qty           float64
	TimeInForce   TimeInForce
	ClientOrderID string
}

// OrderStatus is the lifecycle state a venue reports for an order.
type OrderStatus string

const (
	StatusNew      OrderStatus = "new"
	StatusFilled   OrderStatus = "filled"
	StatusPartial  OrderStatus = "partial"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
)

// Order is the venue's view of a placed order.
type Order struct {
	ID           string
	ClientOrderID string
	Market       string
	Side         Side
	Price        float64
	Qty          float64
	FilledQty    float64
	Status       OrderStatus
	CreatedAt    time.Time
}

// Balance is one currency's available/locked amounts.
type Balance struct {
	Currency  string
	Available float64
	Locked    float64
}

// InstrumentInfo carries the rounding/minimum constraints C4 needs for
// sizing and rounding.
type InstrumentInfo struct {
	Market      string
	QtyStep     float64
	TickSize    float64
	MinOrderQty float64
	MinNotional float64
}

// MarketData is implemented by every venue for unauthenticated data.
type MarketData interface {
	Name() string
	GetTicker(ctx context.Context, markets []string) ([]Ticker, error)
	GetOrderbook(ctx context.Context, market string, depth int) (OrderBook, error)
	// GetCandles returns count candles up to now, in ascending
	// timestamp order.
	GetCandles(ctx context.Context, market string, interval time.Duration, count int) ([]Candle, error)
	// GetCandlesBefore returns count candles strictly before `before`
	// (exclusive), in ascending timestamp order.
	GetCandlesBefore(ctx context.Context, market string, interval time.Duration, count int, before time.Time) ([]Candle, error)
	GetAllTickers(ctx context.Context) ([]Ticker, error)
	// MarketCode builds the venue-specific market identifier for a
	// base/quote pair, e.g. Upbit("BTC","KRW")=="KRW-BTC".
	MarketCode(base, quote string) string
}

// OrderManagement is implemented by every authenticated venue for spot
// (or, for the perp venue, the non-linear-specific) order flow.
type OrderManagement interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, market, orderID string) error
	GetOrder(ctx context.Context, market, orderID string) (Order, error)
	GetOpenOrders(ctx context.Context, market string) ([]Order, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetBalance(ctx context.Context, currency string) (Balance, error)
}

// InstrumentDataProvider is implemented by venues that expose explicit
// sizing/rounding constraints.
type InstrumentDataProvider interface {
	GetInstrumentInfo(ctx context.Context, market string) (InstrumentInfo, error)
}

// Exchange composes MarketData and OrderManagement plus an
// authentication check.
type Exchange interface {
	MarketData
	OrderManagement
	IsAuthenticated() bool
}

// Position is one open linear-perp position.
type Position struct {
	Market    string
	Side      Side
	Qty       float64
	EntryPx   float64
	Leverage  float64
	UpdatedAt time.Time
}

// LinearOrderManagement is implemented only by the perpetual-futures
// venue (Bybit in this engine).
type LinearOrderManagement interface {
	PlaceOrderLinear(ctx context.Context, req OrderRequest, reduceOnly bool) (Order, error)
	GetOrderLinear(ctx context.Context, orderID string, market string) (Order, error)
	CancelOrderLinear(ctx context.Context, orderID string, market *string) error
	GetPositionsLinear(ctx context.Context, market string) ([]Position, error)
}
