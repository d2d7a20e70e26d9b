// Package policy implements the ExecutionPolicy boundary (§4.5/§9):
// SimPolicy transitions a virtual position immediately in memory,
// LivePolicy drives the real paired executor. Both satisfy the same
// interface so the monitor's hot path never branches on sim-vs-live.
//
// Grounded on
// original_source/crates/arb-strategy/src/zscore/execution_policy.rs:
// the EntryContext/ExitContext/TtlExpiryContext owned-snapshot shapes
// and the SimPolicy/LivePolicy split translate directly, with Rust's
// RPITIT trait (needed only for Send futures across tokio::spawn)
// replaced by a plain Go interface — goroutines have no equivalent
// constraint.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbpair/zengine/internal/exec"
	"github.com/arbpair/zengine/internal/logging"
	"github.com/arbpair/zengine/internal/money"
	"github.com/arbpair/zengine/internal/notifier"
	"github.com/arbpair/zengine/internal/position"
)

// EntryContext is an owned snapshot handed to the policy once the nine
// admission gates have all passed.
type EntryContext struct {
	SessionID          string
	Coin               string
	ZScore             float64
	SpreadPct          float64
	ExpectedProfitPct  float64
	UpbitEntryPrice    money.Money
	BybitEntryPrice    money.Money
	Qty                money.Money
	UpbitTick          money.Money
	BybitTick          money.Money
	UsdKrw             float64
	Mean               float64
	Stddev             float64
	UpbitMarket        string
	BybitMarket        string
	UpbitCurrency      string
	BybitCurrency      string
}

// ExitContext is an owned snapshot handed to the policy when the exit
// z-score condition is met.
type ExitContext struct {
	Position    position.Record
	ZScore      float64
	SpreadPct   float64
	UpbitExit   money.Money
	BybitExit   money.Money
	UpbitMarket string
	BybitMarket string
}

// TtlPosition is one TTL-expired position's closing context.
type TtlPosition struct {
	Position position.Record
}

// TtlExpiryContext carries every position that hit its TTL for one
// coin family in a single timer firing.
type TtlExpiryContext struct {
	Coin        string
	Positions   []TtlPosition
	UpbitExit   money.Money
	BybitExit   money.Money
	UpbitMarket string
	BybitMarket string
	ForceClose  bool // grace period exceeded: skip further repricing, close at market
}

// MinuteRecord is one completed minute sample, handed to the policy
// for side effects. SimPolicy and LivePolicy both use the no-op
// OnMinuteClosed from noopHooks and do not persist it.
type MinuteRecord struct {
	Coin      string
	Ts        time.Time
	SpreadPct float64
	Mean      float64
	Stddev    float64
}

// ClosedTrade is one fully realised trade, handed to the policy after
// a position reaches Closed.
type ClosedTrade struct {
	Position   position.Record
	RealizedPnL money.Money
}

// ExecutionPolicy abstracts how a signal turns into real or virtual
// execution. SimPolicy answers "what would have happened"; LivePolicy
// answers "what did happen" by driving exec.Executor.
type ExecutionPolicy interface {
	// OnEntrySignal returns the resulting position.Record so the caller
	// can tell a real Open position from a cancelled/unwound one: a nil
	// error only means the entry protocol ran to completion, not that it
	// landed Open (both-legs-fail and a successfully-unwound one-leg
	// fill both return err == nil with rec.State == Cancelled).
	OnEntrySignal(ctx context.Context, ec EntryContext) (position.Record, error)
	OnExitSignal(ctx context.Context, ec ExitContext) error
	OnTTLExpiry(ctx context.Context, tc TtlExpiryContext) error
	// IsEntryAllowed is a lock-free, fast check consulted before the
	// nine admission gates finish evaluating; SimPolicy always allows,
	// LivePolicy consults its risk manager and reconciliation state.
	IsEntryAllowed() bool
	OnMinuteClosed(ctx context.Context, rec MinuteRecord)
	OnTradeClosed(ctx context.Context, trade ClosedTrade, positionDBID *int64)
}

// noopHooks supplies the optional hooks' zero-cost default so each
// concrete policy only implements what it actually uses, mirroring the
// original trait's default-method pattern.
type noopHooks struct{}

func (noopHooks) OnMinuteClosed(context.Context, MinuteRecord)                 {}
func (noopHooks) OnTradeClosed(context.Context, ClosedTrade, *int64)           {}

// SimPosition is a virtual open position tracked entirely in memory.
type SimPosition struct {
	Coin            string
	Qty             money.Money
	UpbitEntryPrice money.Money
	BybitEntryPrice money.Money
	OpenedAt        time.Time
}

// SimPolicy simulates fills instantly and in full, with no venue I/O,
// no balance reservation, and no store persistence — it exists so the
// monitor's admission-gate and signal logic can be exercised and
// back-tested without touching real money.
type SimPolicy struct {
	noopHooks
	mu        sync.Mutex
	open      map[string]SimPosition // keyed by coin; at most one per coin, same as the live invariant
	trades    []ClosedTrade
	roundTripFeePct float64
	log       *logging.Logger
}

func NewSimPolicy(roundTripFeePct float64) *SimPolicy {
	return &SimPolicy{
		open:            make(map[string]SimPosition),
		roundTripFeePct: roundTripFeePct,
		log:             logging.Default().Component("sim-policy"),
	}
}

func (p *SimPolicy) IsEntryAllowed() bool { return true }

func (p *SimPolicy) OnEntrySignal(ctx context.Context, ec EntryContext) (position.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.open[ec.Coin]; exists {
		return position.Record{}, fmt.Errorf("policy: sim already has an open position for %s", ec.Coin)
	}
	now := time.Now().UTC()
	p.open[ec.Coin] = SimPosition{
		Coin: ec.Coin, Qty: ec.Qty,
		UpbitEntryPrice: ec.UpbitEntryPrice, BybitEntryPrice: ec.BybitEntryPrice,
		OpenedAt: now,
	}
	p.log.Info("sim entry", "coin", ec.Coin, "z", ec.ZScore, "qty", ec.Qty)
	return position.Record{
		SessionID:       ec.SessionID,
		Coin:            ec.Coin,
		State:           position.Open,
		UpbitQty:        ec.Qty,
		BybitQty:        ec.Qty,
		UpbitEntryPrice: ec.UpbitEntryPrice,
		BybitEntryPrice: ec.BybitEntryPrice,
		OpenedAt:        now,
	}, nil
}

func (p *SimPolicy) OnExitSignal(ctx context.Context, ec ExitContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.open[ec.Position.Coin]
	if !ok {
		return fmt.Errorf("policy: sim has no open position for %s", ec.Position.Coin)
	}
	pnl := money.Notional(sp.Qty, ec.UpbitExit.Sub(sp.UpbitEntryPrice)).
		Add(money.Notional(sp.Qty, sp.BybitEntryPrice.Sub(ec.BybitExit)))
	delete(p.open, ec.Position.Coin)
	rec := ec.Position
	rec.RealizedPnL = &pnl
	p.trades = append(p.trades, ClosedTrade{Position: rec, RealizedPnL: pnl})
	p.log.Info("sim exit", "coin", ec.Position.Coin, "pnl", pnl)
	return nil
}

func (p *SimPolicy) OnTTLExpiry(ctx context.Context, tc TtlExpiryContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range tc.Positions {
		sp, ok := p.open[tp.Position.Coin]
		if !ok {
			continue
		}
		pnl := money.Notional(sp.Qty, tc.UpbitExit.Sub(sp.UpbitEntryPrice)).
			Add(money.Notional(sp.Qty, sp.BybitEntryPrice.Sub(tc.BybitExit)))
		delete(p.open, tp.Position.Coin)
		rec := tp.Position
		rec.RealizedPnL = &pnl
		p.trades = append(p.trades, ClosedTrade{Position: rec, RealizedPnL: pnl})
	}
	return nil
}

// Trades returns every trade the simulation has closed so far.
func (p *SimPolicy) Trades() []ClosedTrade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ClosedTrade, len(p.trades))
	copy(out, p.trades)
	return out
}

// RiskManager is consulted by LivePolicy.IsEntryAllowed. A minimal
// implementation is provided by AlwaysAllow; a real deployment wires
// in kill-switch and reconciliation-in-progress state.
type RiskManager interface {
	IsEntryAllowed() bool
}

// AlwaysAllow is the trivial RiskManager used when no kill-switch or
// reconciliation gate is configured.
type AlwaysAllow struct{}

func (AlwaysAllow) IsEntryAllowed() bool { return true }

// LivePolicy drives the real paired executor (C4): entry reserves
// balance and dispatches both legs, exit transitions Open->Closing
// before dispatching the reduce-only pair, TTL expiry re-uses the
// exit path per position.
type LivePolicy struct {
	noopHooks
	executor *exec.Executor
	store    position.Store
	risk     RiskManager
	notify   notifier.Notifier
	log      *logging.Logger
}

func NewLivePolicy(executor *exec.Executor, store position.Store, risk RiskManager, notify notifier.Notifier) *LivePolicy {
	if risk == nil {
		risk = AlwaysAllow{}
	}
	if notify == nil {
		notify = notifier.NoopNotifier{}
	}
	return &LivePolicy{
		executor: executor,
		store:    store,
		risk:     risk,
		notify:   notify,
		log:      logging.Default().Component("live-policy"),
	}
}

var _ ExecutionPolicy = (*SimPolicy)(nil)
var _ ExecutionPolicy = (*LivePolicy)(nil)

func (p *LivePolicy) IsEntryAllowed() bool { return p.risk.IsEntryAllowed() }

func (p *LivePolicy) OnEntrySignal(ctx context.Context, ec EntryContext) (position.Record, error) {
	req := exec.EntryRequest{
		SessionID:      ec.SessionID,
		Coin:           ec.Coin,
		UpbitMarket:    ec.UpbitMarket,
		BybitMarket:    ec.BybitMarket,
		UpbitCurrency:  ec.UpbitCurrency,
		BybitCurrency:  ec.BybitCurrency,
		Qty:            ec.Qty,
		UpbitPrice:     ec.UpbitEntryPrice,
		BybitPrice:     ec.BybitEntryPrice,
		UpbitTick:      ec.UpbitTick,
		BybitTick:      ec.BybitTick,
		EntrySpreadPct: ec.SpreadPct,
		EntryZScore:    ec.ZScore,
		EntryUsdKrw:    ec.UsdKrw,
	}
	rec, err := p.executor.ExecuteEntry(ctx, req)
	if err != nil {
		p.log.Error("entry execution failed", "coin", ec.Coin, "error", err)
		return rec, err
	}
	p.log.Info("live entry settled", "coin", ec.Coin, "position_id", rec.ID, "state", rec.State)
	return rec, nil
}

func (p *LivePolicy) OnExitSignal(ctx context.Context, ec ExitContext) error {
	closingFields := position.UpdateFields{}
	if _, err := p.store.UpdateState(ctx, ec.Position.ID, position.Open, position.Closing, closingFields); err != nil {
		p.log.Error("store transition Open->Closing failed; proceeding on memory state", "position_id", ec.Position.ID, "error", err)
	}
	rec := ec.Position
	rec.State = position.Closing

	out, pnl, err := p.executor.ExecuteExit(ctx, rec, exec.ExitRequest{
		UpbitMarket: ec.UpbitMarket, BybitMarket: ec.BybitMarket,
		UpbitPrice: ec.UpbitExit, BybitPrice: ec.BybitExit,
	})
	if err != nil {
		p.log.Error("exit execution failed", "position_id", rec.ID, "error", err)
		return err
	}
	if out.State == position.Closed {
		p.OnTradeClosed(ctx, ClosedTrade{Position: out, RealizedPnL: pnl}, &out.ID)
	}
	return nil
}

func (p *LivePolicy) OnTTLExpiry(ctx context.Context, tc TtlExpiryContext) error {
	var firstErr error
	for _, tp := range tc.Positions {
		if err := p.OnExitSignal(ctx, ExitContext{
			Position: tp.Position, UpbitExit: tc.UpbitExit, BybitExit: tc.BybitExit,
			UpbitMarket: tc.UpbitMarket, BybitMarket: tc.BybitMarket,
		}); err != nil {
			p.notify.Notify(ctx, notifier.Alert{
				Level: notifier.LevelWarn, Event: notifier.EventTTLForceClose,
				Message: fmt.Sprintf("ttl expiry exit failed for position %d: %v", tp.Position.ID, err),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
