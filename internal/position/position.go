// Package position implements the two-legged position state machine and
// its durable store (C3).
//
// Grounded on original_source/crates/arb-strategy/src/zscore/position_store.rs:
// PositionRecord's field list, the TransitionResult enum, and the
// save/update_state/load_open/remove contract all carry over. The
// optimistic-lock compare-and-set (update_state succeeds only if the
// in-store state equals the expected "from") is the Go translation of the
// original's atomic row-count check.
package position

import (
	"fmt"
	"time"

	"github.com/arbpair/zengine/internal/money"
)

// State is one node of the position lifecycle.
type State string

const (
	Opening   State = "Opening"
	Open      State = "Open"
	Closing   State = "Closing"
	Closed    State = "Closed"
	Cancelled State = "Cancelled"
	Error     State = "Error"
)

// legalTransitions enumerates the only state transitions the machine
// permits. Any transition not listed here is an internal-invariant
// violation.
var legalTransitions = map[State]map[State]bool{
	Opening: {Open: true, Cancelled: true, Error: true},
	Open:    {Closing: true},
	Closing: {Closed: true, Error: true},
}

// IsLegalTransition reports whether from->to is one of the permitted
// edges in the state graph.
func IsLegalTransition(from, to State) bool {
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// SucceededLeg records which leg filled when exactly one leg of a paired
// order filled, to guide emergency unwind.
type SucceededLeg string

const (
	LegNone  SucceededLeg = "none"
	LegUpbit SucceededLeg = "upbit"
	LegBybit SucceededLeg = "bybit"
)

// Record is the durable representation of one position and its full
// field list per the specification's data model.
type Record struct {
	ID        int64
	SessionID string
	Coin      string
	State     State

	UpbitQty         money.Money
	BybitQty         money.Money
	UpbitEntryPrice  money.Money
	BybitEntryPrice  money.Money

	UpbitOrderID       string
	BybitOrderID       string
	ExitUpbitOrderID   string
	ExitBybitOrderID   string

	ClientOrderID     string
	ExitClientOrderID string

	EntrySpreadPct float64
	EntryZScore    float64
	EntryUsdKrw    float64

	OpenedAt    time.Time
	ClosedAt    *time.Time
	RealizedPnL *money.Money

	InFlight          bool
	SucceededLeg      SucceededLeg
	EmergencyAttempts int
}

// UpdateFields carries a partial update: nil/zero-value fields present in
// a store's update_state call. Only fields explicitly set here are
// applied; the caller distinguishes "leave unchanged" from "set to
// zero value" by only populating what it means to change.
type UpdateFields struct {
	UpbitQty          *money.Money
	BybitQty          *money.Money
	UpbitEntryPrice   *money.Money
	BybitEntryPrice   *money.Money
	UpbitOrderID      *string
	BybitOrderID      *string
	ExitUpbitOrderID  *string
	ExitBybitOrderID  *string
	ClosedAt          *time.Time
	RealizedPnL       *money.Money
	InFlight          *bool
	SucceededLeg      *SucceededLeg
	EmergencyAttempts *int
}

// Apply mutates r in place with every non-nil field in f.
func (f UpdateFields) Apply(r *Record) {
	if f.UpbitQty != nil {
		r.UpbitQty = *f.UpbitQty
	}
	if f.BybitQty != nil {
		r.BybitQty = *f.BybitQty
	}
	if f.UpbitEntryPrice != nil {
		r.UpbitEntryPrice = *f.UpbitEntryPrice
	}
	if f.BybitEntryPrice != nil {
		r.BybitEntryPrice = *f.BybitEntryPrice
	}
	if f.UpbitOrderID != nil {
		r.UpbitOrderID = *f.UpbitOrderID
	}
	if f.BybitOrderID != nil {
		r.BybitOrderID = *f.BybitOrderID
	}
	if f.ExitUpbitOrderID != nil {
		r.ExitUpbitOrderID = *f.ExitUpbitOrderID
	}
	if f.ExitBybitOrderID != nil {
		r.ExitBybitOrderID = *f.ExitBybitOrderID
	}
	if f.ClosedAt != nil {
		r.ClosedAt = f.ClosedAt
	}
	if f.RealizedPnL != nil {
		r.RealizedPnL = f.RealizedPnL
	}
	if f.InFlight != nil {
		r.InFlight = *f.InFlight
	}
	if f.SucceededLeg != nil {
		r.SucceededLeg = *f.SucceededLeg
	}
	if f.EmergencyAttempts != nil {
		r.EmergencyAttempts = *f.EmergencyAttempts
	}
}

// Validate checks the state-machine invariants that must hold for r on
// its own (not ones requiring sibling rows, like the at-most-one-Opening
// constraint, which the store enforces).
func (r Record) Validate() error {
	if r.State == Open {
		if !r.UpbitQty.IsPositive() || !r.BybitQty.IsPositive() {
			return fmt.Errorf("position %d: Open requires both qtys > 0", r.ID)
		}
		if r.UpbitEntryPrice.IsZero() || r.BybitEntryPrice.IsZero() {
			return fmt.Errorf("position %d: Open requires both entry prices set", r.ID)
		}
	}
	if r.State == Closed {
		if r.ClosedAt == nil || r.RealizedPnL == nil {
			return fmt.Errorf("position %d: Closed requires closed_at and realized_pnl", r.ID)
		}
	}
	if r.InFlight && r.State != Opening && r.State != Closing {
		return fmt.Errorf("position %d: in_flight=true illegal in state %s", r.ID, r.State)
	}
	return nil
}
