// Package monitor implements the per-coin-family execution pipeline
// (C5): a single long-lived cooperative task owning the rolling
// window, last-quote state and open-position slot for one coin,
// multiplexing ticks/minute-closes/TTL-expiries/cancellation in one
// select loop and running the nine ordered ENTRY admission gates
// before ever calling into the pluggable ExecutionPolicy.
//
// Grounded on the teacher's trader.go centralised stateApplyCh
// single-writer goroutine (here generalised from "one loop for the
// whole trader" into "one loop per coin family", reading from a
// bounded, drop-oldest tick queue instead of a closure channel) and on
// original_source/crates/arb-exchange/src/traits.rs for the capability
// contracts the policy dispatches through.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arbpair/zengine/internal/exec"
	"github.com/arbpair/zengine/internal/fx"
	"github.com/arbpair/zengine/internal/logging"
	"github.com/arbpair/zengine/internal/metrics"
	"github.com/arbpair/zengine/internal/money"
	"github.com/arbpair/zengine/internal/notifier"
	"github.com/arbpair/zengine/internal/policy"
	"github.com/arbpair/zengine/internal/position"
	"github.com/arbpair/zengine/internal/signal"
	"github.com/arbpair/zengine/internal/statistics"
	"github.com/arbpair/zengine/internal/venue"
)

// Tick is one price update the monitor consumes, sourced from a venue
// stream or its REST polling fallback.
type Tick struct {
	Venue string // "upbit" or "bybit"
	Coin  string
	Price float64
	Ts    time.Time
}

// quoteState is the last-received price per venue, with both its local
// arrival time and the venue's own timestamp so freshness can be
// judged against both budgets.
type quoteState struct {
	price     float64
	arrivedAt time.Time
	venueTs   time.Time
}

func (q quoteState) fresh(now time.Time, staleness, clockSkew time.Duration) bool {
	if q.arrivedAt.IsZero() {
		return false
	}
	return now.Sub(q.arrivedAt) <= staleness && now.Sub(q.venueTs) <= clockSkew
}

// Config bundles the per-coin tunables spec §6's strategy block names.
type Config struct {
	WindowSize             int
	EntryZ                 float64
	ExitZ                  float64
	MinStddevThreshold     float64
	RoundTripFeePct        float64
	TotalCapitalUSDT       float64
	PositionRatio          float64
	MaxConcurrentPositions int

	QuoteStalenessBudget time.Duration // default 2s
	VenueClockSkewBudget time.Duration // default 2s
	FXTTL                time.Duration // default 10min, enforced by the fx.Provider itself
	TTL                  time.Duration // default 60min
	GracePeriod          time.Duration // default 5min
	DepthSafetyFactor    float64       // default 1.5: required fillable notional multiple

	TickQueueCapacity int // default 10000
}

func DefaultConfig() Config {
	return Config{
		WindowSize:             30,
		EntryZ:                 2.0,
		ExitZ:                  0.5,
		MinStddevThreshold:     0.001,
		RoundTripFeePct:        0.21,
		PositionRatio:          0.1,
		MaxConcurrentPositions: 5,
		QuoteStalenessBudget:   2 * time.Second,
		VenueClockSkewBudget:   2 * time.Second,
		FXTTL:                  10 * time.Minute,
		TTL:                    60 * time.Minute,
		GracePeriod:            5 * time.Minute,
		DepthSafetyFactor:      1.5,
		TickQueueCapacity:      10000,
	}
}

// GlobalState is shared across every coin's Monitor so that gate 6 (the
// process-wide open-position cap) is evaluated against the true total.
type GlobalState struct {
	openCount int64
}

func NewGlobalState() *GlobalState { return &GlobalState{} }

func (g *GlobalState) Inc() { atomic.AddInt64(&g.openCount, 1) }
func (g *GlobalState) Dec() { atomic.AddInt64(&g.openCount, -1) }
func (g *GlobalState) Count() int64 { return atomic.LoadInt64(&g.openCount) }

// Deps wires one coin's Monitor to its collaborators. UpbitInstrument
// and BybitInstrument may be nil; when absent, gate 9 is treated as
// satisfied (the venue advertises no stricter constraint than the
// rounding already applied).
type Deps struct {
	Coin        string
	UpbitMarket string
	BybitMarket string

	UpbitMD venue.MarketData
	BybitMD venue.MarketData

	UpbitInstrument venue.InstrumentDataProvider
	BybitInstrument venue.InstrumentDataProvider

	FX       fx.Provider
	Policy   policy.ExecutionPolicy
	Store    position.Store
	Balances *exec.BalanceTracker
	Notify   notifier.Notifier
	Global   *GlobalState

	SessionID string
}

// Monitor is the single-writer cooperative task for one coin family.
type Monitor struct {
	deps Deps
	cfg  Config

	window           *statistics.Window
	quotes           map[string]quoteState
	lastMinuteClosed int64 // unix minute, truncated; enforces strict monotonic pushes

	position *position.Record // nil when no open position for this coin

	queue *tickQueue
	log   *logging.Logger
}

func New(deps Deps, cfg Config) *Monitor {
	if deps.Notify == nil {
		deps.Notify = notifier.NoopNotifier{}
	}
	if deps.Global == nil {
		deps.Global = NewGlobalState()
	}
	return &Monitor{
		deps:   deps,
		cfg:    cfg,
		window: statistics.NewWindow(cfg.WindowSize),
		quotes: make(map[string]quoteState),
		queue:  newTickQueue(cfg.TickQueueCapacity, deps.Coin),
		log:    logging.Default().Component("monitor." + deps.Coin),
	}
}

// PushTick enqueues a tick from a stream reader or REST fallback. Safe
// to call from any goroutine; never blocks.
func (m *Monitor) PushTick(t Tick) { m.queue.Push(t) }

// Dropped returns how many ticks have been dropped for overflow.
func (m *Monitor) Dropped() int64 { return m.queue.Dropped() }

// AdoptRecovered seeds the monitor with a position recovered from the
// store on restart (spec §4.3's recovery protocol); it is adopted into
// memory as-is, its state left untouched.
func (m *Monitor) AdoptRecovered(rec position.Record) { m.position = &rec }

// Run drains events until ctx is cancelled, implementing the
// Tick/MinuteClosed/TtlExpiry/Cancel multiplexer.
func (m *Monitor) Run(ctx context.Context) error {
	minuteTimer := time.NewTimer(untilNextUTCMinute(time.Now()))
	defer minuteTimer.Stop()
	ttlTimer := time.NewTicker(1 * time.Minute)
	defer ttlTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor cancelled, draining", "coin", m.deps.Coin)
			return ctx.Err()

		case t := <-m.queue.ch:
			m.handleTick(ctx, t)

		case now := <-minuteTimer.C:
			m.handleMinuteClosed(ctx, now)
			minuteTimer.Reset(untilNextUTCMinute(now))

		case <-ttlTimer.C:
			m.handleTTLCheck(ctx)
		}
	}
}

func untilNextUTCMinute(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}

func (m *Monitor) handleTick(ctx context.Context, t Tick) {
	now := time.Now().UTC()
	m.quotes[t.Venue] = quoteState{price: t.Price, arrivedAt: now, venueTs: t.Ts}

	upbitQ, hasUpbit := m.quotes["upbit"]
	bybitQ, hasBybit := m.quotes["bybit"]
	if !hasUpbit || !hasBybit {
		return
	}
	if !upbitQ.fresh(now, m.cfg.QuoteStalenessBudget, m.cfg.VenueClockSkewBudget) ||
		!bybitQ.fresh(now, m.cfg.QuoteStalenessBudget, m.cfg.VenueClockSkewBudget) {
		return
	}

	rate, fxFresh := m.deps.FX.Rate()
	if !fxFresh {
		return
	}
	spreadPct := computeSpreadPct(upbitQ.price, bybitQ.price, rate)

	if m.position != nil {
		m.evaluateExit(ctx, spreadPct, rate, upbitQ.price, bybitQ.price)
		return
	}
	m.evaluateEntry(ctx, spreadPct, rate, upbitQ.price, bybitQ.price)
}

// computeSpreadPct expresses the Upbit (KRW) price in USD via the FX
// rate and compares it to the Bybit (USDT) price.
func computeSpreadPct(upbitKRW, bybitUSDT, usdKrw float64) float64 {
	if usdKrw == 0 || bybitUSDT == 0 {
		return 0
	}
	upbitUSD := upbitKRW / usdKrw
	return (upbitUSD - bybitUSDT) / bybitUSDT * 100
}

// gateFailure is the first-failure-wins result of the nine admission
// gates; Gate is 1-indexed to match spec §4.5's enumeration.
type gateFailure struct {
	Gate   int
	Reason string
}

func (g gateFailure) Error() string { return fmt.Sprintf("gate %d: %s", g.Gate, g.Reason) }

func (m *Monitor) evaluateEntry(ctx context.Context, spreadPct, usdKrw, upbitPrice, bybitPrice float64) {
	mean := m.window.Mean()
	stddev := m.window.Stddev(mean)

	if fail := m.checkEntryGates(ctx, spreadPct, mean, stddev); fail != nil {
		m.log.Debug("entry gate rejected", "coin", m.deps.Coin, "gate", fail.Gate, "reason", fail.Reason)
		metrics.RecordGateFailure(m.deps.Coin, fail.Gate, fail.Reason)
		return
	}

	decision := signal.Evaluate(m.deps.Coin, spreadPct, mean, stddev, false, signal.Thresholds{
		EntryZ: m.cfg.EntryZ, ExitZ: m.cfg.ExitZ, MinStddev: m.cfg.MinStddevThreshold,
		RoundTripFeePct: m.cfg.RoundTripFeePct, CapitalAvailable: true, PositionCapReached: false,
	})
	if decision.Outcome != signal.Entry {
		return
	}

	upbitTick := money.New(1, -2)
	bybitTick := money.New(1, -2)
	qtyStep := money.New(1, -8)
	minOrderQty := money.Zero
	minNotional := money.Zero
	if info, err := m.instrumentInfo(ctx, m.deps.UpbitInstrument, m.deps.UpbitMarket); err == nil {
		qtyStep, _ = money.ToDecimal(info.QtyStep)
		upbitTick, _ = money.ToDecimal(info.TickSize)
		minOrderQty, _ = money.ToDecimal(info.MinOrderQty)
		minNotional, _ = money.ToDecimal(info.MinNotional)
	}
	if info, err := m.instrumentInfo(ctx, m.deps.BybitInstrument, m.deps.BybitMarket); err == nil {
		bybitTick, _ = money.ToDecimal(info.TickSize)
	}

	upbitPriceMoney, _ := money.ToDecimal(upbitPrice)
	bybitPriceMoney, _ := money.ToDecimal(bybitPrice)
	entryUpbitPrice := money.CeilToTick(upbitPriceMoney, upbitTick)
	entryBybitPrice := money.FloorToTick(bybitPriceMoney, bybitTick)

	capitalMoney, _ := money.ToDecimal(m.cfg.TotalCapitalUSDT * m.cfg.PositionRatio)
	qty := money.FloorToStep(capitalMoney.Div(bybitPriceMoney), qtyStep)
	if qty.LessThan(minOrderQty) {
		m.log.Debug("entry gate rejected", "coin", m.deps.Coin, "gate", 9, "reason", "qty below min_order_qty")
		return
	}
	notional := money.Notional(qty, bybitPriceMoney)
	if notional.LessThan(minNotional) {
		m.log.Debug("entry gate rejected", "coin", m.deps.Coin, "gate", 9, "reason", "notional below min_notional")
		return
	}

	ec := policy.EntryContext{
		SessionID: m.deps.SessionID, Coin: m.deps.Coin,
		ZScore: decision.ZScore, SpreadPct: decision.SpreadPct, ExpectedProfitPct: decision.ExpectedProfitPct,
		UpbitEntryPrice: entryUpbitPrice, BybitEntryPrice: entryBybitPrice,
		Qty: qty, UpbitTick: upbitTick, BybitTick: bybitTick,
		UsdKrw: usdKrw, Mean: mean, Stddev: stddev,
		UpbitMarket: m.deps.UpbitMarket, BybitMarket: m.deps.BybitMarket,
		UpbitCurrency: "KRW", BybitCurrency: "USDT",
	}
	rec, err := m.deps.Policy.OnEntrySignal(ctx, ec)
	if err != nil {
		m.log.Error("entry signal failed", "coin", m.deps.Coin, "error", err)
		return
	}
	if rec.State != position.Open {
		// A nil error only means the entry protocol ran to completion:
		// both-legs-fail and a successfully emergency-unwound one-leg
		// fill both land here with State Cancelled (or Error). No
		// position was actually opened, so the coin stays free to try
		// again on the next tick.
		m.log.Info("entry did not result in an open position", "coin", m.deps.Coin, "state", rec.State)
		return
	}
	m.deps.Global.Inc()
	m.position = &rec
	metrics.EntriesOpened.WithLabelValues(m.deps.Coin).Inc()
	metrics.OpenPositions.Set(float64(m.deps.Global.Count()))
}

func (m *Monitor) checkEntryGates(ctx context.Context, spreadPct, mean, stddev float64) *gateFailure {
	if !m.window.IsReady() {
		return &gateFailure{1, "window-not-ready"}
	}
	upbitQ, bybitQ := m.quotes["upbit"], m.quotes["bybit"]
	now := time.Now().UTC()
	if !upbitQ.fresh(now, m.cfg.QuoteStalenessBudget, m.cfg.VenueClockSkewBudget) ||
		!bybitQ.fresh(now, m.cfg.QuoteStalenessBudget, m.cfg.VenueClockSkewBudget) {
		return &gateFailure{2, "quote-stale"}
	}
	if _, fresh := m.deps.FX.Rate(); !fresh {
		return &gateFailure{3, "fx-stale"}
	}
	decision := signal.Evaluate(m.deps.Coin, spreadPct, mean, stddev, false, signal.Thresholds{
		EntryZ: m.cfg.EntryZ, ExitZ: m.cfg.ExitZ, MinStddev: m.cfg.MinStddevThreshold,
		RoundTripFeePct: m.cfg.RoundTripFeePct, CapitalAvailable: true, PositionCapReached: false,
	})
	if decision.Outcome != signal.Entry {
		return &gateFailure{4, decision.Reason.String()}
	}
	if !m.deps.Policy.IsEntryAllowed() {
		return &gateFailure{5, "policy-not-allowed"}
	}
	if m.deps.Global.Count() >= int64(m.cfg.MaxConcurrentPositions) {
		return &gateFailure{6, "global-position-cap"}
	}
	if m.position != nil {
		return &gateFailure{7, "coin-already-has-position"}
	}
	if ok, err := m.hasSufficientDepth(ctx, spreadPct); err != nil || !ok {
		return &gateFailure{8, "insufficient-depth"}
	}
	return nil
}

func (m *Monitor) hasSufficientDepth(ctx context.Context, spreadPct float64) (bool, error) {
	requiredNotional := m.cfg.TotalCapitalUSDT * m.cfg.PositionRatio * m.cfg.DepthSafetyFactor
	ob, err := m.deps.BybitMD.GetOrderbook(ctx, m.deps.BybitMarket, 25)
	if err != nil {
		return false, err
	}
	fillable := 0.0
	for _, lvl := range ob.Bids {
		fillable += lvl.Price * lvl.Size
		if fillable >= requiredNotional {
			break
		}
	}
	return fillable >= requiredNotional, nil
}

func (m *Monitor) instrumentInfo(ctx context.Context, p venue.InstrumentDataProvider, market string) (venue.InstrumentInfo, error) {
	if p == nil {
		return venue.InstrumentInfo{}, fmt.Errorf("monitor: no instrument provider for %s", market)
	}
	return p.GetInstrumentInfo(ctx, market)
}

func (m *Monitor) evaluateExit(ctx context.Context, spreadPct, usdKrw, upbitPrice, bybitPrice float64) {
	mean := m.window.Mean()
	stddev := m.window.Stddev(mean)
	decision := signal.Evaluate(m.deps.Coin, spreadPct, mean, stddev, true, signal.Thresholds{
		EntryZ: m.cfg.EntryZ, ExitZ: m.cfg.ExitZ, MinStddev: m.cfg.MinStddevThreshold,
		RoundTripFeePct: m.cfg.RoundTripFeePct,
	})
	if decision.Outcome != signal.Exit {
		return
	}
	m.closePosition(ctx, spreadPct, decision.ZScore, upbitPrice, bybitPrice, false)
}

func (m *Monitor) closePosition(ctx context.Context, spreadPct, zScore, upbitPrice, bybitPrice float64, forceClose bool) {
	if m.position == nil {
		return
	}
	rec := *m.position
	upbitExit, _ := money.ToDecimal(upbitPrice)
	bybitExit, _ := money.ToDecimal(bybitPrice)
	upbitExit = money.FloorToTick(upbitExit, money.New(1, -2))
	bybitExit = money.CeilToTick(bybitExit, money.New(1, -2))

	err := m.deps.Policy.OnExitSignal(ctx, policy.ExitContext{
		Position: rec, ZScore: zScore, SpreadPct: spreadPct,
		UpbitExit: upbitExit, BybitExit: bybitExit,
		UpbitMarket: m.deps.UpbitMarket, BybitMarket: m.deps.BybitMarket,
	})
	if err != nil {
		m.log.Error("exit signal failed, retrying next tick", "coin", m.deps.Coin, "error", err)
		return
	}
	m.deps.Global.Dec()
	m.position = nil
	metrics.ExitsClosed.WithLabelValues(m.deps.Coin, "closed").Inc()
	metrics.OpenPositions.Set(float64(m.deps.Global.Count()))
	if forceClose {
		m.deps.Notify.Notify(ctx, notifier.Alert{
			Level: notifier.LevelWarn, Event: notifier.EventTTLForceClose,
			Message: fmt.Sprintf("%s: TTL force-closed after grace period", m.deps.Coin),
		})
	}
}

func (m *Monitor) handleMinuteClosed(ctx context.Context, ts time.Time) {
	upbitQ, hasUpbit := m.quotes["upbit"]
	bybitQ, hasBybit := m.quotes["bybit"]
	if !hasUpbit || !hasBybit {
		return // a minute with only one venue's quote: skip the sample
	}
	rate, fresh := m.deps.FX.Rate()
	if !fresh {
		return
	}
	spreadPct := computeSpreadPct(upbitQ.price, bybitQ.price, rate)
	minuteUnix := ts.UTC().Truncate(time.Minute).Unix()
	if minuteUnix <= m.lastMinuteClosed {
		return // strict monotonic minute ordering: missing minutes are skipped, never backfilled
	}
	m.window.Push(spreadPct)
	m.lastMinuteClosed = minuteUnix
	mean := m.window.Mean()
	stddev := m.window.Stddev(mean)
	if stddev > 0 {
		metrics.ZScore.WithLabelValues(m.deps.Coin).Observe((spreadPct - mean) / stddev)
	}
	m.deps.Policy.OnMinuteClosed(ctx, policy.MinuteRecord{
		Coin: m.deps.Coin, Ts: ts, SpreadPct: spreadPct, Mean: mean, Stddev: stddev,
	})
}

func (m *Monitor) handleTTLCheck(ctx context.Context) {
	if m.position == nil {
		return
	}
	age := time.Since(m.position.OpenedAt)
	if age <= m.cfg.TTL {
		return
	}
	forceClose := age > m.cfg.TTL+m.cfg.GracePeriod

	upbitQ, bybitQ := m.quotes["upbit"], m.quotes["bybit"]
	rate, fresh := m.deps.FX.Rate()
	if !fresh || upbitQ.arrivedAt.IsZero() || bybitQ.arrivedAt.IsZero() {
		if !forceClose {
			return
		}
	}
	spreadPct := computeSpreadPct(upbitQ.price, bybitQ.price, rate)
	m.closePosition(ctx, spreadPct, 0, upbitQ.price, bybitQ.price, forceClose)
}
