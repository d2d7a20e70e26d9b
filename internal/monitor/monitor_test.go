package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/arbpair/zengine/internal/exec"
	"github.com/arbpair/zengine/internal/fx"
	"github.com/arbpair/zengine/internal/money"
	"github.com/arbpair/zengine/internal/notifier"
	"github.com/arbpair/zengine/internal/policy"
	"github.com/arbpair/zengine/internal/position"
	"github.com/arbpair/zengine/internal/venue"
)

// fakeMarketData implements venue.MarketData with a fixed orderbook, just
// enough for gate 8 (depth) to evaluate.
type fakeMarketData struct {
	book venue.OrderBook
}

func (f fakeMarketData) Name() string { return "fake" }
func (f fakeMarketData) GetTicker(ctx context.Context, markets []string) ([]venue.Ticker, error) {
	return nil, nil
}
func (f fakeMarketData) GetOrderbook(ctx context.Context, market string, depth int) (venue.OrderBook, error) {
	return f.book, nil
}
func (f fakeMarketData) GetCandles(ctx context.Context, market string, interval time.Duration, count int) ([]venue.Candle, error) {
	return nil, nil
}
func (f fakeMarketData) GetCandlesBefore(ctx context.Context, market string, interval time.Duration, count int, before time.Time) ([]venue.Candle, error) {
	return nil, nil
}
func (f fakeMarketData) GetAllTickers(ctx context.Context) ([]venue.Ticker, error) { return nil, nil }
func (f fakeMarketData) MarketCode(base, quote string) string                      { return base + "-" + quote }

var _ venue.MarketData = fakeMarketData{}

// deepBook has enough bid notional to satisfy the default depth gate;
// emptyBook has none.
func deepBook() venue.OrderBook {
	return venue.OrderBook{Bids: []venue.OrderBookLevel{{Price: 1000, Size: 1000}}}
}
func emptyBook() venue.OrderBook {
	return venue.OrderBook{}
}

// denyEntryPolicy is a minimal ExecutionPolicy whose IsEntryAllowed
// always refuses; every other hook is unreachable by these tests.
type denyEntryPolicy struct {
	policy.ExecutionPolicy
}

func (denyEntryPolicy) IsEntryAllowed() bool { return false }

func testDeps(md venue.MarketData, fxProvider fx.Provider, pol policy.ExecutionPolicy) Deps {
	return Deps{
		Coin:        "BTC",
		UpbitMarket: "KRW-BTC",
		BybitMarket: "BTCUSDT",
		UpbitMD:     md,
		BybitMD:     md,
		FX:          fxProvider,
		Policy:      pol,
		SessionID:   "sess1",
	}
}

// readyMonitor builds a Monitor whose window is full and whose quotes are
// fresh, so only the gate under test can fail.
func readyMonitor(t *testing.T, md venue.MarketData, fxProvider fx.Provider, pol policy.ExecutionPolicy) *Monitor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WindowSize = 3
	cfg.TotalCapitalUSDT = 1000 // nonzero so gate 8's required-notional check is meaningful
	m := New(testDeps(md, fxProvider, pol), cfg)
	for i := 0; i < cfg.WindowSize; i++ {
		m.window.Push(0.10)
	}
	now := time.Now().UTC()
	m.quotes["upbit"] = quoteState{price: 100_000_000, arrivedAt: now, venueTs: now}
	m.quotes["bybit"] = quoteState{price: 70_000, arrivedAt: now, venueTs: now}
	return m
}

// S4 — the tick queue is bounded and drop-oldest: pushing past capacity
// never blocks the producer and every overflow increments Dropped.
func TestS4BackPressureDropsOldest(t *testing.T) {
	q := newTickQueue(4, "BTC")
	for i := 0; i < 10; i++ {
		q.Push(Tick{Coin: "BTC", Price: float64(i)})
	}
	if got := q.Dropped(); got != 6 {
		t.Fatalf("expected 6 dropped ticks (10 pushed, capacity 4), got %d", got)
	}
	if len(q.ch) != 4 {
		t.Fatalf("queue must stay at capacity, got len=%d", len(q.ch))
	}
	// The four remaining ticks must be the four most recent (6..9): the
	// oldest six were the ones dropped.
	var last float64 = -1
	for i := 0; i < 4; i++ {
		tk := <-q.ch
		if tk.Price <= last {
			t.Fatalf("expected ascending remaining ticks, got %v after %v", tk.Price, last)
		}
		last = tk.Price
	}
	if last != 9 {
		t.Fatalf("expected the newest tick (9) to survive, last seen %v", last)
	}
}

// S5 — the nine admission gates evaluate in strict order and the first
// failure wins, even when multiple gates would fail simultaneously.
func TestS5AdmissionGateOrdering(t *testing.T) {
	rate := fx.Static{RateValue: 1300}
	allow := policy.NewSimPolicy(0.21)

	t.Run("gate1_window_not_ready", func(t *testing.T) {
		m := New(testDeps(fakeMarketData{deepBook()}, rate, allow), DefaultConfig())
		fail := m.checkEntryGates(context.Background(), 0.5, 0, 0)
		if fail == nil || fail.Gate != 1 {
			t.Fatalf("expected gate 1 (window-not-ready), got %+v", fail)
		}
	})

	t.Run("gate2_quote_stale", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.WindowSize = 3
		m := New(testDeps(fakeMarketData{deepBook()}, rate, allow), cfg)
		for i := 0; i < cfg.WindowSize; i++ {
			m.window.Push(0.10)
		}
		// quotes left entirely unset: both stale (arrivedAt zero).
		fail := m.checkEntryGates(context.Background(), 0.5, 0.1, 0.01)
		if fail == nil || fail.Gate != 2 {
			t.Fatalf("expected gate 2 (quote-stale), got %+v", fail)
		}
	})

	t.Run("gate3_fx_stale", func(t *testing.T) {
		staleRate := fx.Static{RateValue: 0} // RateValue<=0 => fresh=false
		m := readyMonitor(t, fakeMarketData{deepBook()}, staleRate, allow)
		fail := m.checkEntryGates(context.Background(), 0.5, 0.1, 0.01)
		if fail == nil || fail.Gate != 3 {
			t.Fatalf("expected gate 3 (fx-stale), got %+v", fail)
		}
	})

	t.Run("gate4_signal_not_entry", func(t *testing.T) {
		m := readyMonitor(t, fakeMarketData{deepBook()}, rate, allow)
		// spreadPct == mean: z-score 0, far below EntryZ, so C2 returns NONE.
		fail := m.checkEntryGates(context.Background(), 0.10, 0.10, 0.0141421356)
		if fail == nil || fail.Gate != 4 {
			t.Fatalf("expected gate 4 (signal not ENTRY), got %+v", fail)
		}
	})

	t.Run("gate5_policy_not_allowed", func(t *testing.T) {
		m := readyMonitor(t, fakeMarketData{deepBook()}, rate, denyEntryPolicy{})
		fail := m.checkEntryGates(context.Background(), 0.45, 0.10, 0.0141421356)
		if fail == nil || fail.Gate != 5 {
			t.Fatalf("expected gate 5 (policy-not-allowed), got %+v", fail)
		}
	})

	t.Run("gate6_global_position_cap", func(t *testing.T) {
		m := readyMonitor(t, fakeMarketData{deepBook()}, rate, allow)
		m.cfg.MaxConcurrentPositions = 1
		m.deps.Global.Inc()
		fail := m.checkEntryGates(context.Background(), 0.45, 0.10, 0.0141421356)
		if fail == nil || fail.Gate != 6 {
			t.Fatalf("expected gate 6 (global-position-cap), got %+v", fail)
		}
	})

	t.Run("gate7_coin_already_has_position", func(t *testing.T) {
		m := readyMonitor(t, fakeMarketData{deepBook()}, rate, allow)
		m.AdoptRecovered(position.Record{Coin: "BTC", State: position.Open})
		fail := m.checkEntryGates(context.Background(), 0.45, 0.10, 0.0141421356)
		if fail == nil || fail.Gate != 7 {
			t.Fatalf("expected gate 7 (coin-already-has-position), got %+v", fail)
		}
	})

	t.Run("gate8_insufficient_depth", func(t *testing.T) {
		m := readyMonitor(t, fakeMarketData{emptyBook()}, rate, allow)
		fail := m.checkEntryGates(context.Background(), 0.45, 0.10, 0.0141421356)
		if fail == nil || fail.Gate != 8 {
			t.Fatalf("expected gate 8 (insufficient-depth), got %+v", fail)
		}
	})

	t.Run("all_gates_pass", func(t *testing.T) {
		m := readyMonitor(t, fakeMarketData{deepBook()}, rate, allow)
		fail := m.checkEntryGates(context.Background(), 0.45, 0.10, 0.0141421356)
		if fail != nil {
			t.Fatalf("expected every gate to pass, got %+v", fail)
		}
	})
}

// failOrderVenue never fills: every PlaceOrder/PlaceOrderLinear reports
// zero FilledQty, driving the executor's both-legs-fail path.
type failOrderVenue struct{}

func (failOrderVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	return venue.Order{ID: "ord", Market: req.Market, Side: req.Side, Price: req.Price, Status: venue.StatusRejected}, nil
}
func (failOrderVenue) CancelOrder(ctx context.Context, market, orderID string) error { return nil }
func (failOrderVenue) GetOrder(ctx context.Context, market, orderID string) (venue.Order, error) {
	return venue.Order{}, nil
}
func (failOrderVenue) GetOpenOrders(ctx context.Context, market string) ([]venue.Order, error) {
	return nil, nil
}
func (failOrderVenue) GetBalances(ctx context.Context) ([]venue.Balance, error) { return nil, nil }
func (failOrderVenue) GetBalance(ctx context.Context, currency string) (venue.Balance, error) {
	return venue.Balance{}, nil
}

// failLinearVenue adds the Bybit-only LinearOrderManagement surface on
// top of failOrderVenue, also never filling.
type failLinearVenue struct{ failOrderVenue }

func (failLinearVenue) PlaceOrderLinear(ctx context.Context, req venue.OrderRequest, reduceOnly bool) (venue.Order, error) {
	return venue.Order{ID: "ord", Market: req.Market, Side: req.Side, Price: req.Price, Status: venue.StatusRejected}, nil
}
func (failLinearVenue) GetOrderLinear(ctx context.Context, orderID, market string) (venue.Order, error) {
	return venue.Order{}, nil
}
func (failLinearVenue) CancelOrderLinear(ctx context.Context, orderID string, market *string) error {
	return nil
}
func (failLinearVenue) GetPositionsLinear(ctx context.Context, market string) ([]venue.Position, error) {
	return nil, nil
}

var _ venue.OrderManagement = failOrderVenue{}
var _ venue.LinearOrderManagement = failLinearVenue{}

// TestEvaluateEntryDoesNotAdoptCancelledPosition is the regression test
// for the LivePolicy wiring bug: OnEntrySignal returning a nil error
// must not be read by the monitor as "a position is now Open" — a
// both-legs-fail entry also returns err == nil, with rec.State ==
// Cancelled. The monitor must only adopt rec when it is actually Open,
// using rec's own qty/prices rather than fabricating its own.
func TestEvaluateEntryDoesNotAdoptCancelledPosition(t *testing.T) {
	store := position.NewMemStore()
	balances := exec.NewBalanceTracker(map[string]money.Money{
		"KRW":  money.New(100000000, 0),
		"USDT": money.New(100000, 0),
	})
	executor := exec.NewExecutor(exec.DefaultConfig(), failOrderVenue{}, &failLinearVenue{}, store, balances, notifier.NoopNotifier{})
	live := policy.NewLivePolicy(executor, store, nil, nil)

	md := fakeMarketData{deepBook()}
	rate := fx.Static{RateValue: 1300}
	m := readyMonitor(t, md, rate, live)
	// Give the window real variance so evaluateEntry's own mean/stddev
	// (computed from m.window, unlike checkEntryGates's test-supplied
	// values above) produces an ENTRY decision.
	m.window.Push(0.09)
	m.window.Push(0.10)
	m.window.Push(0.11)

	m.evaluateEntry(context.Background(), 0.45, 1300, 100_000_000, 70_000)

	if m.position != nil {
		t.Fatalf("expected no position adopted after a both-legs-fail entry, got %+v", m.position)
	}
	if got := m.deps.Global.Count(); got != 0 {
		t.Fatalf("expected Global count to stay 0 after a cancelled entry, got %d", got)
	}
}
