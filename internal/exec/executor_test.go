package exec

import (
	"context"
	"sync"
	"testing"

	"github.com/arbpair/zengine/internal/money"
	"github.com/arbpair/zengine/internal/notifier"
	"github.com/arbpair/zengine/internal/position"
	"github.com/arbpair/zengine/internal/venue"
)

// fakeOrderVenue is a scripted venue.OrderManagement: each call to
// PlaceOrder consumes the next response in order, the same pattern
// plus LinearOrderManagement for the Bybit side.
type fakeOrderVenue struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	filledQty float64
	price     float64 // 0 => echo back the requested price
	err       error
}

func (f *fakeOrderVenue) next(req venue.OrderRequest) (venue.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return venue.Order{}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return venue.Order{}, r.err
	}
	px := r.price
	if px == 0 {
		px = req.Price
	}
	return venue.Order{
		ID:        "ord",
		Market:    req.Market,
		Side:      req.Side,
		Price:     px,
		Qty:       req.Qty,
		FilledQty: r.filledQty,
		Status:    venue.StatusFilled,
	}, nil
}

func (f *fakeOrderVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Order, error) {
	return f.next(req)
}
func (f *fakeOrderVenue) CancelOrder(ctx context.Context, market, orderID string) error { return nil }
func (f *fakeOrderVenue) GetOrder(ctx context.Context, market, orderID string) (venue.Order, error) {
	return venue.Order{}, nil
}
func (f *fakeOrderVenue) GetOpenOrders(ctx context.Context, market string) ([]venue.Order, error) {
	return nil, nil
}
func (f *fakeOrderVenue) GetBalances(ctx context.Context) ([]venue.Balance, error) { return nil, nil }
func (f *fakeOrderVenue) GetBalance(ctx context.Context, currency string) (venue.Balance, error) {
	return venue.Balance{}, nil
}

// fakeLinearVenue adds LinearOrderManagement on top of fakeOrderVenue
// for the Bybit leg.
type fakeLinearVenue struct {
	fakeOrderVenue
}

func (f *fakeLinearVenue) PlaceOrderLinear(ctx context.Context, req venue.OrderRequest, reduceOnly bool) (venue.Order, error) {
	return f.next(req)
}
func (f *fakeLinearVenue) GetOrderLinear(ctx context.Context, orderID, market string) (venue.Order, error) {
	return venue.Order{}, nil
}
func (f *fakeLinearVenue) CancelOrderLinear(ctx context.Context, orderID string, market *string) error {
	return nil
}
func (f *fakeLinearVenue) GetPositionsLinear(ctx context.Context, market string) ([]venue.Position, error) {
	return nil, nil
}

var _ venue.OrderManagement = (*fakeOrderVenue)(nil)
var _ venue.LinearOrderManagement = (*fakeLinearVenue)(nil)

func newTestExecutor(upbit *fakeOrderVenue, bybit *fakeLinearVenue) (*Executor, position.Store, *BalanceTracker) {
	store := position.NewMemStore()
	balances := NewBalanceTracker(map[string]money.Money{
		"KRW":  money.New(100000000, 0),
		"USDT": money.New(100000, 0),
	})
	return NewExecutor(DefaultConfig(), upbit, bybit, store, balances, notifier.NoopNotifier{}), store, balances
}

func baseEntryRequest() EntryRequest {
	return EntryRequest{
		SessionID:     "sess1",
		Coin:          "BTC",
		UpbitMarket:   "KRW-BTC",
		BybitMarket:   "BTCUSDT",
		UpbitCurrency: "KRW",
		BybitCurrency: "USDT",
		Qty:           money.New(1, -2), // 0.01
		UpbitPrice:    money.New(100000000, 0),
		BybitPrice:    money.New(70000, 0),
		UpbitTick:     money.New(1000, 0),
		BybitTick:     money.New(1, -1),
	}
}

// S2 — one leg fills, the other fails entirely: emergency unwind sells
// back the filled leg on the first retry and the position lands in
// Cancelled with the unwind attempt recorded.
func TestS2OneLegFillEmergencyUnwind(t *testing.T) {
	upbit := &fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0.01},          // entry buy: fully filled
		{filledQty: 0.01},          // unwind sell-back: fully filled on attempt 1
	}}
	bybit := &fakeLinearVenue{fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0}, // entry sell: IOC got no fill
	}}}
	executor, _, balances := newTestExecutor(upbit, bybit)

	rec, err := executor.ExecuteEntry(context.Background(), baseEntryRequest())
	if err != nil {
		t.Fatalf("expected the unwind to succeed without error, got %v", err)
	}
	if rec.State != position.Cancelled {
		t.Fatalf("expected Cancelled after successful unwind, got %s", rec.State)
	}
	if rec.SucceededLeg != position.LegUpbit {
		t.Fatalf("expected succeeded_leg=upbit, got %s", rec.SucceededLeg)
	}
	if rec.EmergencyAttempts != 1 {
		t.Fatalf("expected exactly one unwind attempt, got %d", rec.EmergencyAttempts)
	}
	if got := balances.Reserved("KRW"); !got.IsZero() {
		t.Fatalf("KRW reservation must be released after unwind, got %s", got)
	}
	if got := balances.Reserved("USDT"); !got.IsZero() {
		t.Fatalf("USDT reservation must be released after unwind, got %s", got)
	}
}

// S2b — the unwind itself needs two attempts (first retry under-fills)
// before succeeding; the widened price on the second attempt still
// results in Cancelled, with both attempts recorded.
func TestS2UnwindWidensOnPartialRetry(t *testing.T) {
	upbit := &fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0.01},          // entry buy: fully filled
		{filledQty: 0},              // unwind attempt 1: no fill
		{filledQty: 0.01},          // unwind attempt 2: fully filled
	}}
	bybit := &fakeLinearVenue{fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0}, // entry sell: IOC got no fill
	}}}
	executor, _, _ := newTestExecutor(upbit, bybit)

	rec, err := executor.ExecuteEntry(context.Background(), baseEntryRequest())
	if err != nil {
		t.Fatalf("expected the unwind to eventually succeed, got %v", err)
	}
	if rec.State != position.Cancelled {
		t.Fatalf("expected Cancelled, got %s", rec.State)
	}
	if rec.EmergencyAttempts != 2 {
		t.Fatalf("expected two unwind attempts, got %d", rec.EmergencyAttempts)
	}
}

// S2c — both legs fail to fill: the position is cancelled immediately,
// with no unwind needed and both reservations released.
func TestBothLegsFailReleasesReservations(t *testing.T) {
	upbit := &fakeOrderVenue{responses: []fakeResponse{{filledQty: 0}}}
	bybit := &fakeLinearVenue{fakeOrderVenue{responses: []fakeResponse{{filledQty: 0}}}}
	executor, store, balances := newTestExecutor(upbit, bybit)

	rec, err := executor.ExecuteEntry(context.Background(), baseEntryRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != position.Cancelled {
		t.Fatalf("expected Cancelled, got %s", rec.State)
	}
	if !balances.Reserved("KRW").IsZero() || !balances.Reserved("USDT").IsZero() {
		t.Fatalf("both reservations must be released")
	}
	if rows, _ := store.LoadOpen(context.Background(), "sess1"); len(rows) != 0 {
		t.Fatalf("cancelled position must be removed from the store, got %+v", rows)
	}
}

// S6 — both legs fill but for mismatched quantities: the position
// resizes down to the smaller (matched) quantity and trades back the
// excess on the over-filled leg, landing Open with equal qtys.
func TestS6PartialFillResizesToMatchedQty(t *testing.T) {
	upbit := &fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0.01, price: 100000000},  // entry buy: fully filled
		{filledQty: 0.002, price: 100000000}, // resize: sell back the 0.002 excess
	}}
	bybit := &fakeLinearVenue{fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0.008, price: 70000}, // entry sell: only 0.008 filled
	}}}
	executor, _, balances := newTestExecutor(upbit, bybit)

	rec, err := executor.ExecuteEntry(context.Background(), baseEntryRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != position.Open {
		t.Fatalf("expected Open, got %s", rec.State)
	}
	matched := money.New(8, -3) // 0.008
	if !rec.UpbitQty.Equal(matched) || !rec.BybitQty.Equal(matched) {
		t.Fatalf("expected both legs resized to matched qty %s, got upbit=%s bybit=%s", matched, rec.UpbitQty, rec.BybitQty)
	}
	if upbit.calls != 2 {
		t.Fatalf("expected the excess upbit fill to be sold back (2 calls), got %d", upbit.calls)
	}
	if bybit.calls != 1 {
		t.Fatalf("bybit already matched the smaller side, expected no resize call, got %d", bybit.calls)
	}
	if got := balances.Reserved("KRW"); !got.IsZero() {
		t.Fatalf("KRW reservation must be committed (cleared) after settlement, got %s", got)
	}
}

// S6b — the Bybit (perp) leg over-fills instead: the excess is closed
// with a reduce-only buy-back via PlaceOrderLinear.
func TestS6PartialFillResizesBybitExcess(t *testing.T) {
	upbit := &fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0.008, price: 100000000}, // entry buy: only 0.008 filled
	}}
	bybit := &fakeLinearVenue{fakeOrderVenue{responses: []fakeResponse{
		{filledQty: 0.01, price: 70000},      // entry sell: fully filled
		{filledQty: 0.002, price: 70000},     // resize: reduce-only buy back excess
	}}}
	executor, _, _ := newTestExecutor(upbit, bybit)

	rec, err := executor.ExecuteEntry(context.Background(), baseEntryRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	matched := money.New(8, -3)
	if !rec.UpbitQty.Equal(matched) || !rec.BybitQty.Equal(matched) {
		t.Fatalf("expected both legs resized to matched qty %s, got upbit=%s bybit=%s", matched, rec.UpbitQty, rec.BybitQty)
	}
	if bybit.calls != 2 {
		t.Fatalf("expected the excess bybit fill to be closed reduce-only (2 calls), got %d", bybit.calls)
	}
}
