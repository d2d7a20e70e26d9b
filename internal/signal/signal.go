// Package signal implements the entry/exit decision evaluator (C2).
//
// Grounded on original_source/crates/arb-strategy/src/zscore/signal.rs:
// the same gate ordering (z-score first, then has-position branch, then
// the entry conditions in sequence) and the same reason taxonomy carry
// over, generalised from a Result<Option<Signal>, StrategyError> into a
// Decision value object plus a typed Reason, matching the teacher's
// Decision{Signal, Confidence, Reason} shape in strategy.go.
package signal

import (
	"fmt"

	"github.com/arbpair/zengine/internal/statistics"
)

// Outcome is the decision kind C2 returns.
type Outcome int

const (
	None Outcome = iota
	Entry
	Exit
)

func (o Outcome) String() string {
	switch o {
	case Entry:
		return "ENTRY"
	case Exit:
		return "EXIT"
	default:
		return "NONE"
	}
}

// Reason categorises why a NONE decision was reached. It is not set for
// ENTRY/EXIT outcomes.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBelowStddevThreshold
	ReasonOutOfBand
	ReasonFeeExceedsProfit
	ReasonCapitalExhausted
	ReasonPositionCap
	ReasonWindowNotReady
)

func (r Reason) String() string {
	switch r {
	case ReasonBelowStddevThreshold:
		return "below-threshold"
	case ReasonOutOfBand:
		return "out-of-band"
	case ReasonFeeExceedsProfit:
		return "fee-exceeds-profit"
	case ReasonCapitalExhausted:
		return "capital-exhausted"
	case ReasonPositionCap:
		return "position-cap"
	case ReasonWindowNotReady:
		return "window-not-ready"
	default:
		return ""
	}
}

// Decision is the result of evaluating one spread tick.
type Decision struct {
	Coin              string
	Outcome           Outcome
	Reason            Reason
	ZScore            float64
	SpreadPct         float64
	ExpectedProfitPct float64 // only meaningful for ENTRY
	Detail            string  // human-readable diagnostic line
}

// Thresholds bundles the tunables C2 evaluates against.
type Thresholds struct {
	EntryZ             float64
	ExitZ              float64
	MinStddev          float64
	RoundTripFeePct    float64
	CapitalAvailable   bool // false ⇒ ReasonCapitalExhausted on would-be ENTRY
	PositionCapReached bool // true ⇒ ReasonPositionCap on would-be ENTRY
}

// Evaluate computes a Decision for one spread tick given the rolling
// mean/stddev and whether a position is already open for this coin.
//
// Ties at thresholds count as satisfied: z >= EntryZ and z <= ExitZ use
// non-strict comparison.
func Evaluate(coin string, spreadPct, mean, stddev float64, hasPosition bool, th Thresholds) Decision {
	z, err := statistics.ZScore(spreadPct, mean, stddev, th.MinStddev)
	if err != nil {
		return Decision{
			Coin: coin, Outcome: None, Reason: ReasonBelowStddevThreshold,
			SpreadPct: spreadPct,
			Detail:    err.Error(),
		}
	}

	if hasPosition {
		if z <= th.ExitZ {
			return Decision{
				Coin: coin, Outcome: Exit, ZScore: z, SpreadPct: spreadPct,
				Detail: fmt.Sprintf("z=%.4f <= exit_z=%.4f", z, th.ExitZ),
			}
		}
		return Decision{
			Coin: coin, Outcome: None, Reason: ReasonOutOfBand, ZScore: z, SpreadPct: spreadPct,
			Detail: fmt.Sprintf("z=%.4f > exit_z=%.4f", z, th.ExitZ),
		}
	}

	if z < th.EntryZ {
		return Decision{
			Coin: coin, Outcome: None, Reason: ReasonOutOfBand, ZScore: z, SpreadPct: spreadPct,
			Detail: fmt.Sprintf("z=%.4f < entry_z=%.4f", z, th.EntryZ),
		}
	}

	expectedProfitPct := (spreadPct - mean) - th.RoundTripFeePct
	if expectedProfitPct <= 0 {
		return Decision{
			Coin: coin, Outcome: None, Reason: ReasonFeeExceedsProfit, ZScore: z, SpreadPct: spreadPct,
			ExpectedProfitPct: expectedProfitPct,
			Detail:            fmt.Sprintf("expected_profit_pct=%.4f <= 0", expectedProfitPct),
		}
	}
	if th.PositionCapReached {
		return Decision{
			Coin: coin, Outcome: None, Reason: ReasonPositionCap, ZScore: z, SpreadPct: spreadPct,
			ExpectedProfitPct: expectedProfitPct,
		}
	}
	if !th.CapitalAvailable {
		return Decision{
			Coin: coin, Outcome: None, Reason: ReasonCapitalExhausted, ZScore: z, SpreadPct: spreadPct,
			ExpectedProfitPct: expectedProfitPct,
		}
	}

	return Decision{
		Coin: coin, Outcome: Entry, ZScore: z, SpreadPct: spreadPct,
		ExpectedProfitPct: expectedProfitPct,
		Detail:            fmt.Sprintf("z=%.4f >= entry_z=%.4f, expected_profit_pct=%.4f", z, th.EntryZ, expectedProfitPct),
	}
}
