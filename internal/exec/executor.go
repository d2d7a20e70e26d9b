package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbpair/zengine/internal/logging"
	"github.com/arbpair/zengine/internal/metrics"
	"github.com/arbpair/zengine/internal/money"
	"github.com/arbpair/zengine/internal/notifier"
	"github.com/arbpair/zengine/internal/position"
	"github.com/arbpair/zengine/internal/venue"
)

// Config bounds the executor's timeouts and retry budget.
type Config struct {
	OrderDeadline       time.Duration // default 5s: await-both-outcomes deadline
	EmergencyDeadline   time.Duration // default 5s: per-attempt unwind deadline
	MaxEmergencyAttempts int          // default 3
}

func DefaultConfig() Config {
	return Config{
		OrderDeadline:        5 * time.Second,
		EmergencyDeadline:    5 * time.Second,
		MaxEmergencyAttempts: 3,
	}
}

// Executor transforms ENTRY/EXIT decisions into a pair of venue orders,
// keeping the balance tracker and the position store in sync with
// reality (C4). Grounded on the teacher's trader.go:closeLot (unlock
// for I/O, place order, re-lock, branch on partial vs full fill) and
// trader.go:maybeRepriceOnce (widening-price retry loop, generalised
// here into the emergency-unwind retry).
type Executor struct {
	cfg      Config
	upbit    venue.OrderManagement
	bybit    interface {
		venue.OrderManagement
		venue.LinearOrderManagement
	}
	store    position.Store
	balances *BalanceTracker
	notify   notifier.Notifier
	log      *logging.Logger
}

func NewExecutor(cfg Config, upbitClient venue.OrderManagement, bybitClient interface {
	venue.OrderManagement
	venue.LinearOrderManagement
}, store position.Store, balances *BalanceTracker, notify notifier.Notifier) *Executor {
	if notify == nil {
		notify = notifier.NoopNotifier{}
	}
	return &Executor{
		cfg:      cfg,
		upbit:    upbitClient,
		bybit:    bybitClient,
		store:    store,
		balances: balances,
		notify:   notify,
		log:      logging.Default().Component("executor"),
	}
}

// EntryRequest is everything the executor needs to open a paired
// position, assembled by the monitor after the nine admission gates
// pass.
type EntryRequest struct {
	SessionID string
	Coin      string

	UpbitMarket string
	BybitMarket string

	UpbitCurrency string // quote currency reserved for the spot leg, e.g. "KRW"
	BybitCurrency string // margin currency reserved for the perp leg, e.g. "USDT"

	Qty         money.Money
	UpbitPrice  money.Money // already tick-rounded, ceil for buy
	BybitPrice  money.Money // already tick-rounded, floor for sell
	UpbitTick   money.Money // tick_size, used to widen the unwind price on retry
	BybitTick   money.Money

	EntrySpreadPct float64
	EntryZScore    float64
	EntryUsdKrw    float64
}

// legOutcome is one leg's dispatch result.
type legOutcome struct {
	order Order
	err   error
}

// Order is the subset of a venue order result the executor acts on.
type Order struct {
	ID        string
	FilledQty money.Money
	FilledPx  money.Money
	Status    venue.OrderStatus
}

// ExecuteEntry runs the entry protocol: insert Opening, reserve both legs
// under the new position id, dispatch both legs in parallel, branch on
// the joint outcome.
func (e *Executor) ExecuteEntry(ctx context.Context, req EntryRequest) (position.Record, error) {
	upbitNotional := money.Notional(req.Qty, req.UpbitPrice)
	bybitNotional := money.Notional(req.Qty, req.BybitPrice)

	rec := position.Record{
		SessionID:      req.SessionID,
		Coin:           req.Coin,
		State:          position.Opening,
		UpbitQty:       req.Qty,
		BybitQty:       req.Qty,
		EntrySpreadPct: req.EntrySpreadPct,
		EntryZScore:    req.EntryZScore,
		EntryUsdKrw:    req.EntryUsdKrw,
		OpenedAt:       time.Now().UTC(),
		InFlight:       true,
		SucceededLeg:   position.LegNone,
		ClientOrderID:  uuid.NewString(),
	}
	id, err := e.store.Save(ctx, rec)
	if err != nil {
		return position.Record{}, fmt.Errorf("exec: save opening position: %w", err)
	}
	rec.ID = id

	if err := e.balances.Reserve(id, LegUpbit, req.UpbitCurrency, upbitNotional); err != nil {
		return rec, fmt.Errorf("exec: reserve upbit leg: %w", err)
	}
	if err := e.balances.Reserve(id, LegBybit, req.BybitCurrency, bybitNotional); err != nil {
		e.balances.Release(id, LegUpbit)
		return rec, fmt.Errorf("exec: reserve bybit leg: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.OrderDeadline)
	defer cancel()

	var wg sync.WaitGroup
	var upbitOut, bybitOut legOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		o, err := e.placeIOC(dctx, e.upbit, req.UpbitMarket, venue.Buy, req.UpbitPrice, req.Qty, rec.ClientOrderID)
		upbitOut = legOutcome{order: o, err: err}
	}()
	go func() {
		defer wg.Done()
		o, err := e.placeIOC(dctx, e.bybit, req.BybitMarket, venue.Sell, req.BybitPrice, req.Qty, rec.ClientOrderID)
		bybitOut = legOutcome{order: o, err: err}
	}()
	wg.Wait()

	upbitFilled := legFilled(upbitOut)
	bybitFilled := legFilled(bybitOut)

	switch {
	case upbitFilled && bybitFilled:
		return e.settleBothFilled(ctx, rec, upbitOut.order, bybitOut.order, req)
	case !upbitFilled && !bybitFilled:
		return e.settleBothFailed(ctx, rec)
	case upbitFilled && !bybitFilled:
		return e.emergencyUnwind(ctx, rec, req, position.LegUpbit, upbitOut.order)
	default:
		return e.emergencyUnwind(ctx, rec, req, position.LegBybit, bybitOut.order)
	}
}

func legFilled(o legOutcome) bool {
	return o.err == nil && o.order.FilledQty.IsPositive()
}

func (e *Executor) placeIOC(ctx context.Context, om venue.OrderManagement, market string, side venue.Side, price, qty money.Money, clientOrderID string) (Order, error) {
	req := venue.OrderRequest{
		Market:        market,
		Side:          side,
		Price:         money.ToFloat64(price),
		Qty:           money.ToFloat64(qty),
		TimeInForce:   venue.IOC,
		ClientOrderID: clientOrderID,
	}
	o, err := om.PlaceOrder(ctx, req)
	if err != nil {
		return Order{}, err
	}
	filledQty, ferr := money.ToDecimal(o.FilledQty)
	if ferr != nil {
		filledQty = money.Zero
	}
	filledPx, perr := money.ToDecimal(o.Price)
	if perr != nil {
		filledPx = price
	}
	return Order{ID: o.ID, FilledQty: filledQty, FilledPx: filledPx, Status: o.Status}, nil
}

// settleBothFilled transitions Opening->Open once both legs have a
// positive fill. A partial entry fill on one leg (the two legs rarely
// fill for exactly the same quantity under IOC) is resolved by
// resizing down to the smaller side: the leg that over-filled is
// immediately traded back for the excess with an IOC limit order at
// that leg's fill price, so the position
// that lands in Open always has matched upbit/bybit quantities.
func (e *Executor) settleBothFilled(ctx context.Context, rec position.Record, upbitOrd, bybitOrd Order, req EntryRequest) (position.Record, error) {
	matched := upbitOrd.FilledQty
	if bybitOrd.FilledQty.LessThan(matched) {
		matched = bybitOrd.FilledQty
	}
	if excess := upbitOrd.FilledQty.Sub(matched); excess.IsPositive() {
		e.reduceExcessFill(ctx, rec, req.UpbitMarket, venue.Sell, upbitOrd.FilledPx, excess, rec.ClientOrderID+"-resize")
	}
	if excess := bybitOrd.FilledQty.Sub(matched); excess.IsPositive() {
		e.reduceExcessBybit(ctx, req.BybitMarket, bybitOrd.FilledPx, excess, rec.ClientOrderID+"-resize")
	}

	e.balances.Commit(rec.ID, LegUpbit)
	e.balances.Commit(rec.ID, LegBybit)

	inFlight := false
	fields := position.UpdateFields{
		UpbitQty:        &matched,
		BybitQty:        &matched,
		UpbitEntryPrice: &upbitOrd.FilledPx,
		BybitEntryPrice: &bybitOrd.FilledPx,
		UpbitOrderID:    &upbitOrd.ID,
		BybitOrderID:    &bybitOrd.ID,
		InFlight:        &inFlight,
	}
	res, err := e.store.UpdateState(ctx, rec.ID, position.Opening, position.Open, fields)
	if err != nil {
		e.log.Error("store update failed after both legs filled; memory authoritative", "position_id", rec.ID, "error", err)
	}
	_ = res
	fields.Apply(&rec)
	rec.State = position.Open
	return rec, nil
}

// reduceExcessFill sells back the unmatched portion of a spot fill with
// an IOC limit order at price (best-effort: failure here is logged, not
// retried, since the
// excess is small by construction and the position's matched qty is
// already correct).
func (e *Executor) reduceExcessFill(ctx context.Context, rec position.Record, market string, side venue.Side, price, qty money.Money, clientOrderID string) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.EmergencyDeadline)
	defer cancel()
	if _, err := e.placeIOC(dctx, e.upbit, market, side, price, qty, clientOrderID); err != nil {
		e.log.Error("resize: failed to sell back excess spot fill", "position_id", rec.ID, "qty", qty, "error", err)
	}
}

// reduceExcessBybit closes the unmatched portion of a perp fill via a
// reduce-only order.
func (e *Executor) reduceExcessBybit(ctx context.Context, market string, price, qty money.Money, clientOrderID string) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.EmergencyDeadline)
	defer cancel()
	if _, err := e.placeExitLinearReduceOnly(dctx, market, price, qty, clientOrderID); err != nil {
		e.log.Error("resize: failed to reduce excess perp fill", "qty", qty, "error", err)
	}
}

func (e *Executor) settleBothFailed(ctx context.Context, rec position.Record) (position.Record, error) {
	e.balances.Release(rec.ID, LegUpbit)
	e.balances.Release(rec.ID, LegBybit)

	inFlight := false
	_, err := e.store.UpdateState(ctx, rec.ID, position.Opening, position.Cancelled, position.UpdateFields{InFlight: &inFlight})
	if err != nil {
		e.log.Error("store update failed after both legs failed", "position_id", rec.ID, "error", err)
	}
	if rerr := e.store.Remove(ctx, rec.ID); rerr != nil {
		e.log.Error("remove cancelled position failed", "position_id", rec.ID, "error", rerr)
	}
	rec.State = position.Cancelled
	return rec, nil
}

// emergencyUnwind places a widening-price opposite-direction order on
// the filled leg, sized to the executed quantity, retrying up to
// MaxEmergencyAttempts. The failed leg's IOC order is not cancelled; no
// cancel request is sent for it.
func (e *Executor) emergencyUnwind(ctx context.Context, rec position.Record, req EntryRequest, succeeded position.SucceededLeg, filled Order) (position.Record, error) {
	e.log.Warn("one-leg fill, entering emergency unwind", "position_id", rec.ID, "succeeded_leg", succeeded)
	metrics.OneLegFailures.WithLabelValues(rec.Coin, string(succeeded)).Inc()

	succ := succeeded
	_, _ = e.store.UpdateState(ctx, rec.ID, position.Opening, position.Opening, position.UpdateFields{SucceededLeg: &succ})
	rec.SucceededLeg = succ

	var market string
	var unwindSide venue.Side
	var tick money.Money
	onBybit := succeeded == position.LegBybit

	if succeeded == position.LegUpbit {
		market = req.UpbitMarket
		unwindSide = venue.Sell // unwind a filled spot buy by selling back
		tick = req.UpbitTick
	} else {
		market = req.BybitMarket
		unwindSide = venue.Buy // unwind a filled perp short by buying back
		tick = req.BybitTick
	}
	if tick.IsZero() {
		tick = money.New(1, -2)
	}

	price := filled.FilledPx
	attempts := 0
	for attempts < e.cfg.MaxEmergencyAttempts {
		attempts++
		dctx, cancel := context.WithTimeout(ctx, e.cfg.EmergencyDeadline)
		var o Order
		var err error
		if onBybit {
			o, err = e.placeExitLinearReduceOnly(dctx, market, price, filled.FilledQty, rec.ClientOrderID+"-unwind")
		} else {
			o, err = e.placeIOC(dctx, e.upbit, market, unwindSide, price, filled.FilledQty, rec.ClientOrderID+"-unwind")
		}
		cancel()

		na := attempts
		_, _ = e.store.UpdateState(ctx, rec.ID, position.Opening, position.Opening, position.UpdateFields{EmergencyAttempts: &na})
		rec.EmergencyAttempts = na

		if err == nil && o.FilledQty.GreaterThanOrEqual(filled.FilledQty) {
			metrics.UnwindAttempts.WithLabelValues(rec.Coin, "filled").Inc()
			e.balances.Release(rec.ID, LegUpbit)
			e.balances.Release(rec.ID, LegBybit)
			inFlight := false
			_, uerr := e.store.UpdateState(ctx, rec.ID, position.Opening, position.Cancelled, position.UpdateFields{InFlight: &inFlight})
			if uerr != nil {
				e.log.Error("store update failed after successful unwind", "position_id", rec.ID, "error", uerr)
			}
			rec.State = position.Cancelled
			e.notify.Notify(ctx, notifier.Alert{
				Level: notifier.LevelWarn, Event: notifier.EventOneLegFail,
				Message: fmt.Sprintf("position %d: one-leg fill unwound after %d attempt(s)", rec.ID, attempts),
			})
			return rec, nil
		}

		metrics.UnwindAttempts.WithLabelValues(rec.Coin, "failed").Inc()

		// widen the price for the next attempt, mirroring the filled
		// side's aggression: unwind a buy-back by ceiling up, a
		// sell-back by flooring down, each step one tick wider.
		if unwindSide == venue.Buy {
			price = money.CeilToTick(price.Add(tick), tick)
		} else {
			price = money.FloorToTick(price.Sub(tick), tick)
		}
	}

	inFlight := false
	_, uerr := e.store.UpdateState(ctx, rec.ID, position.Opening, position.Error, position.UpdateFields{InFlight: &inFlight})
	if uerr != nil {
		e.log.Error("store update failed after exhausted unwind retries", "position_id", rec.ID, "error", uerr)
	}
	rec.State = position.Error
	e.notify.Notify(ctx, notifier.Alert{
		Level: notifier.LevelCritical, Event: notifier.EventOneLegFail,
		Message: fmt.Sprintf("position %d: emergency unwind exhausted %d attempts, operator action required", rec.ID, e.cfg.MaxEmergencyAttempts),
	})
	return rec, fmt.Errorf("exec: emergency unwind exhausted %d attempts for position %d", e.cfg.MaxEmergencyAttempts, rec.ID)
}

// ExitRequest carries the prices the exit protocol dispatches at;
// reduce-only applies to the perp (Bybit) leg per the specification.
type ExitRequest struct {
	UpbitMarket string
	BybitMarket string
	UpbitPrice  money.Money
	BybitPrice  money.Money
}

// ExecuteExit runs the exit protocol: symmetric to entry but
// reduce-only on the perp side, using exit_client_order_id. A partial
// fill leaves the unfilled remainder in Closing for re-dispatch.
func (e *Executor) ExecuteExit(ctx context.Context, rec position.Record, req ExitRequest) (position.Record, money.Money, error) {
	if rec.ExitClientOrderID == "" {
		rec.ExitClientOrderID = uuid.NewString()
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.OrderDeadline)
	defer cancel()

	var wg sync.WaitGroup
	var upbitOut, bybitOut legOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		o, err := e.placeIOC(dctx, e.upbit, req.UpbitMarket, venue.Sell, req.UpbitPrice, rec.UpbitQty, rec.ExitClientOrderID)
		upbitOut = legOutcome{order: o, err: err}
	}()
	go func() {
		defer wg.Done()
		o, err := e.placeExitLinearReduceOnly(dctx, req.BybitMarket, req.BybitPrice, rec.BybitQty, rec.ExitClientOrderID)
		bybitOut = legOutcome{order: o, err: err}
	}()
	wg.Wait()

	closedQty := upbitOut.order.FilledQty
	if bybitOut.order.FilledQty.LessThan(closedQty) {
		closedQty = bybitOut.order.FilledQty
	}

	pnl := money.Notional(closedQty, upbitOut.order.FilledPx.Sub(rec.UpbitEntryPrice)).
		Add(money.Notional(closedQty, rec.BybitEntryPrice.Sub(bybitOut.order.FilledPx)))

	remaining := rec.UpbitQty.Sub(closedQty)
	if remaining.IsZero() || remaining.IsNegative() {
		now := time.Now().UTC()
		rpnl := pnl
		inFlight := false
		fields := position.UpdateFields{
			ClosedAt:         &now,
			RealizedPnL:      &rpnl,
			InFlight:         &inFlight,
			ExitUpbitOrderID: &upbitOut.order.ID,
			ExitBybitOrderID: &bybitOut.order.ID,
		}
		if _, err := e.store.UpdateState(ctx, rec.ID, position.Closing, position.Closed, fields); err != nil {
			e.log.Error("store update failed after exit fill", "position_id", rec.ID, "error", err)
		}
		fields.Apply(&rec)
		rec.State = position.Closed
		return rec, pnl, nil
	}

	// Partial fill: record the closed portion's PnL against the
	// reduced qtys and leave the position in Closing for re-dispatch.
	newUpbitQty := rec.UpbitQty.Sub(closedQty)
	newBybitQty := rec.BybitQty.Sub(closedQty)
	fields := position.UpdateFields{UpbitQty: &newUpbitQty, BybitQty: &newBybitQty}
	if _, err := e.store.UpdateState(ctx, rec.ID, position.Closing, position.Closing, fields); err != nil {
		e.log.Error("store update failed recording partial exit", "position_id", rec.ID, "error", err)
	}
	fields.Apply(&rec)
	return rec, pnl, nil
}

func (e *Executor) placeExitLinearReduceOnly(ctx context.Context, market string, price, qty money.Money, clientOrderID string) (Order, error) {
	req := venue.OrderRequest{
		Market:        market,
		Side:          venue.Buy, // closing a short perp leg is a buy
		Price:         money.ToFloat64(price),
		Qty:           money.ToFloat64(qty),
		TimeInForce:   venue.IOC,
		ClientOrderID: clientOrderID,
	}
	o, err := e.bybit.PlaceOrderLinear(ctx, req, true)
	if err != nil {
		return Order{}, err
	}
	filledQty, ferr := money.ToDecimal(o.FilledQty)
	if ferr != nil {
		filledQty = money.Zero
	}
	filledPx, perr := money.ToDecimal(o.Price)
	if perr != nil {
		filledPx = price
	}
	return Order{ID: o.ID, FilledQty: filledQty, FilledPx: filledPx, Status: o.Status}, nil
}
