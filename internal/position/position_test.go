package position

import (
	"context"
	"testing"
	"time"

	"github.com/arbpair/zengine/internal/money"
)

func mustMoney(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return m
}

func TestUpdateStateIdempotentNoOp(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	id, err := s.Save(ctx, Record{SessionID: "s1", Coin: "BTC", State: Opening})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.UpdateState(ctx, id, Opening, Opening, UpdateFields{})
	if err != nil {
		t.Fatal(err)
	}
	if res != AlreadyTransitioned {
		t.Fatalf("update_state(id, s, s, ∅) must be a no-op, got %v", res)
	}
}

func TestUpdateStateAppliedOnce(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	qty := mustMoney(t, "0.01")
	px := mustMoney(t, "60000000")
	id, _ := s.Save(ctx, Record{SessionID: "s1", Coin: "BTC", State: Opening})

	res, err := s.UpdateState(ctx, id, Opening, Open, UpdateFields{
		UpbitQty: &qty, BybitQty: &qty,
		UpbitEntryPrice: &px, BybitEntryPrice: &px,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != Applied {
		t.Fatalf("first transition must apply, got %v", res)
	}

	// Retrying the same from->to after it already happened must be a
	// no-op, not a second application.
	res2, err := s.UpdateState(ctx, id, Opening, Open, UpdateFields{})
	if err != nil {
		t.Fatal(err)
	}
	if res2 != AlreadyTransitioned {
		t.Fatalf("repeat transition must be AlreadyTransitioned, got %v", res2)
	}
}

func TestLoadOpenExcludesClosedAndOtherSessions(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	qty := mustMoney(t, "0.01")
	px := mustMoney(t, "60000000")
	pnl := mustMoney(t, "1.23")
	now := time.Now()

	openID, _ := s.Save(ctx, Record{SessionID: "s1", Coin: "BTC", State: Opening})
	s.UpdateState(ctx, openID, Opening, Open, UpdateFields{
		UpbitQty: &qty, BybitQty: &qty, UpbitEntryPrice: &px, BybitEntryPrice: &px,
	})

	closedID, _ := s.Save(ctx, Record{SessionID: "s1", Coin: "ETH", State: Opening})
	s.UpdateState(ctx, closedID, Opening, Open, UpdateFields{
		UpbitQty: &qty, BybitQty: &qty, UpbitEntryPrice: &px, BybitEntryPrice: &px,
	})
	s.UpdateState(ctx, closedID, Open, Closing, UpdateFields{})
	s.UpdateState(ctx, closedID, Closing, Closed, UpdateFields{ClosedAt: &now, RealizedPnL: &pnl})

	s.Save(ctx, Record{SessionID: "other-session", Coin: "BTC", State: Opening})

	rows, err := s.LoadOpen(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != openID {
		t.Fatalf("expected only the Open BTC row, got %+v", rows)
	}
}

// S3 — crash recovery: a Closing position whose exit orders both filled
// transitions to Closed with realized_pnl written.
func TestS3CrashRecoveryClosingBothFilled(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	qty := mustMoney(t, "0.01")
	px := mustMoney(t, "60000000")

	id, _ := s.Save(ctx, Record{SessionID: "42", Coin: "BTC", State: Opening})
	s.UpdateState(ctx, id, Opening, Open, UpdateFields{
		UpbitQty: &qty, BybitQty: &qty, UpbitEntryPrice: &px, BybitEntryPrice: &px,
	})
	s.UpdateState(ctx, id, Open, Closing, UpdateFields{})

	rows, err := s.LoadOpen(ctx, "42")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected to recover one open row, got %v err=%v", rows, err)
	}
	if rows[0].State != Closing {
		t.Fatalf("recovered row must be Closing, got %s", rows[0].State)
	}

	// Recovery queries both exit orders, finds both filled, finishes the
	// closing flow.
	now := time.Now()
	pnl := mustMoney(t, "5.00")
	res, err := s.UpdateState(ctx, id, Closing, Closed, UpdateFields{ClosedAt: &now, RealizedPnL: &pnl})
	if err != nil {
		t.Fatal(err)
	}
	if res != Applied {
		t.Fatalf("expected Applied, got %v", res)
	}

	rows, _ = s.LoadOpen(ctx, "42")
	if len(rows) != 0 {
		t.Fatalf("Closed position must not be returned by LoadOpen, got %+v", rows)
	}
}

func TestAtMostOneOpeningPerSessionCoin(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if _, err := s.Save(ctx, Record{SessionID: "s1", Coin: "BTC", State: Opening}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(ctx, Record{SessionID: "s1", Coin: "BTC", State: Opening}); err == nil {
		t.Fatalf("second concurrent Opening row for the same (session,coin) must be rejected")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	id, _ := s.Save(ctx, Record{SessionID: "s1", Coin: "BTC", State: Opening})
	if _, err := s.UpdateState(ctx, id, Opening, Closing, UpdateFields{}); err == nil {
		t.Fatalf("Opening->Closing is not in the legal graph and must error")
	}
}

// S3 — the cross-session handshake: session 43 starts, discovers session
// 42 never shut down cleanly, marks it Crashed, and recovers 42's open
// positions via LoadOpen before continuing under its own session id.
func TestSessionCrashRecoveryHandshake(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.StartSession(ctx, "42", ""); err != nil {
		t.Fatal(err)
	}
	qty := mustMoney(t, "0.01")
	px := mustMoney(t, "60000000")
	id, _ := s.Save(ctx, Record{SessionID: "42", Coin: "BTC", State: Opening})
	s.UpdateState(ctx, id, Opening, Open, UpdateFields{
		UpbitQty: &qty, BybitQty: &qty, UpbitEntryPrice: &px, BybitEntryPrice: &px,
	})
	// 42 never calls EndSession: the process crashed.

	prior, ok, err := s.PriorSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || prior != "42" {
		t.Fatalf("expected to find crashed session 42, got prior=%q ok=%v", prior, ok)
	}
	if err := s.EndSession(ctx, prior, SessionCrashed); err != nil {
		t.Fatal(err)
	}

	recovered, err := s.LoadOpen(ctx, prior)
	if err != nil || len(recovered) != 1 || recovered[0].Coin != "BTC" {
		t.Fatalf("expected to recover the open BTC position from session 42, got %+v err=%v", recovered, err)
	}

	if err := s.StartSession(ctx, "43", prior); err != nil {
		t.Fatal(err)
	}

	// Once 42 is Crashed and 43 is the new Running session, a third
	// start must find 43 as the crashable prior, not 42 again.
	next, ok, err := s.PriorSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || next != "43" {
		t.Fatalf("expected session 43 to be the new prior-running session, got %q ok=%v", next, ok)
	}
}

func TestPriorSessionNoneOnFirstRun(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_, ok, err := s.PriorSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("a fresh store must report no prior session")
	}
}
