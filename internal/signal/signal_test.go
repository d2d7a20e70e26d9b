package signal

import "testing"

func s1Thresholds() Thresholds {
	return Thresholds{
		EntryZ: 2.0, ExitZ: 0.5, MinStddev: 0.001,
		RoundTripFeePct:  0.21,
		CapitalAvailable: true,
	}
}

// S1 — clean entry + exit, exact numbers from the specification.
func TestS1CleanEntryAndExit(t *testing.T) {
	mean, stddev := 0.100, 0.0141421356

	d := Evaluate("BTC", 0.140, mean, stddev, false, s1Thresholds())
	if d.Outcome != None || d.Reason != ReasonFeeExceedsProfit {
		t.Fatalf("tick1: got %+v, want NONE/fee-exceeds-profit", d)
	}

	d = Evaluate("BTC", 0.330, mean, stddev, false, s1Thresholds())
	if d.Outcome != None || d.Reason != ReasonFeeExceedsProfit {
		t.Fatalf("tick2: got %+v, want NONE/fee-exceeds-profit", d)
	}

	d = Evaluate("BTC", 0.420, mean, stddev, false, s1Thresholds())
	if d.Outcome != Entry {
		t.Fatalf("tick3: got %+v, want ENTRY", d)
	}

	d = Evaluate("BTC", 0.105, mean, stddev, true, s1Thresholds())
	if d.Outcome != Exit {
		t.Fatalf("tick4: got %+v, want EXIT", d)
	}
}

func TestEntryTieAtThresholdSatisfies(t *testing.T) {
	th := s1Thresholds()
	// z exactly == entry_z=2.0 with mean=0, stddev=1 -> spreadPct=2.0
	d := Evaluate("BTC", 2.0, 0.0, 1.0, false, th)
	if d.Outcome != Entry {
		t.Fatalf("z == entry_z must satisfy ENTRY, got %+v", d)
	}
}

func TestExitTieAtThresholdSatisfies(t *testing.T) {
	th := s1Thresholds()
	d := Evaluate("BTC", 0.5, 0.0, 1.0, true, th)
	if d.Outcome != Exit {
		t.Fatalf("z == exit_z must satisfy EXIT, got %+v", d)
	}
}

func TestBelowStddevThresholdIsNoneNotError(t *testing.T) {
	th := s1Thresholds()
	th.MinStddev = 1.0
	d := Evaluate("BTC", 0.14, 0.10, 0.01, false, th)
	if d.Outcome != None || d.Reason != ReasonBelowStddevThreshold {
		t.Fatalf("got %+v, want NONE/below-threshold", d)
	}
}

func TestUniformWindowZeroStddevAlwaysNone(t *testing.T) {
	th := s1Thresholds()
	th.MinStddev = 0.0001
	for _, s := range []float64{-1, 0, 1, 100} {
		d := Evaluate("BTC", s, 0.10, 0, false, th)
		if d.Outcome != None {
			t.Fatalf("stddev=0 must always decide NONE, got %+v for s=%v", d, s)
		}
	}
}

func TestCapitalExhaustedGate(t *testing.T) {
	th := s1Thresholds()
	th.CapitalAvailable = false
	d := Evaluate("BTC", 0.420, 0.100, 0.0141421356, false, th)
	if d.Outcome != None || d.Reason != ReasonCapitalExhausted {
		t.Fatalf("got %+v, want NONE/capital-exhausted", d)
	}
}

func TestPositionCapGate(t *testing.T) {
	th := s1Thresholds()
	th.PositionCapReached = true
	d := Evaluate("BTC", 0.420, 0.100, 0.0141421356, false, th)
	if d.Outcome != None || d.Reason != ReasonPositionCap {
		t.Fatalf("got %+v, want NONE/position-cap", d)
	}
}
