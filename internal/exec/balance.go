// Package exec implements the paired-order executor (C4): reservation,
// dispatch, joint-outcome handling, emergency unwind, and the balance
// tracker it depends on.
package exec

import (
	"fmt"
	"sync"

	"github.com/arbpair/zengine/internal/money"
)

// Leg identifies one side of a paired trade.
type Leg string

const (
	LegUpbit Leg = "upbit"
	LegBybit Leg = "bybit"
)

// reservationKey is (position_id, leg): reservations are keyed this way
// so that retrying reserve is idempotent and a crash never leaves a
// phantom reservation — on restart, reservations are rebuilt by scanning
// the live position map in memory, never by querying the store.
type reservationKey struct {
	positionID int64
	leg        Leg
}

type balance struct {
	available money.Money
	reserved  money.Money
}

// BalanceTracker is the process-wide ledger of (currency -> {available,
// reserved}). Its critical sections are arithmetic only (O(1)) and never
// suspend, so a single mutex guarding the whole map is correct under the
// concurrency model's "no lock held across a suspension point" rule.
type BalanceTracker struct {
	mu                   sync.Mutex
	balances             map[string]*balance
	reservations         map[reservationKey]money.Money
	reservationCurrency  map[reservationKey]string
}

// NewBalanceTracker builds a tracker seeded with the given starting
// available balances per currency.
func NewBalanceTracker(seed map[string]money.Money) *BalanceTracker {
	t := &BalanceTracker{
		balances:            make(map[string]*balance),
		reservations:        make(map[reservationKey]money.Money),
		reservationCurrency: make(map[reservationKey]string),
	}
	for currency, amount := range seed {
		t.balances[currency] = &balance{available: amount}
	}
	return t
}

func (t *BalanceTracker) entry(currency string) *balance {
	b, ok := t.balances[currency]
	if !ok {
		b = &balance{}
		t.balances[currency] = b
	}
	return b
}

// Reserve subtracts amount from currency's available balance and adds it
// to reserved, keyed by (positionID, leg). Calling Reserve again with the
// same key and amount is a no-op (idempotent retry); calling it with a
// different amount for an existing key is an internal-invariant error.
func (t *BalanceTracker) Reserve(positionID int64, leg Leg, currency string, amount money.Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := reservationKey{positionID, leg}
	if existing, ok := t.reservations[key]; ok {
		if !existing.Equal(amount) {
			return fmt.Errorf("exec: reserve(%d,%s) already reserved %s, retried with %s", positionID, leg, existing, amount)
		}
		return nil
	}

	b := t.entry(currency)
	if b.available.LessThan(amount) {
		return fmt.Errorf("exec: insufficient %s balance: available=%s requested=%s", currency, b.available, amount)
	}
	b.available = b.available.Sub(amount)
	b.reserved = b.reserved.Add(amount)
	t.reservations[key] = amount
	t.reservationCurrency[key] = currency
	return nil
}

// Commit clears the reservation for (positionID, leg) and permanently
// deducts it from available (the venue is the true ledger; this keeps
// the in-memory tracker consistent with a filled order). No-op if no
// reservation exists for the key (already committed or released).
func (t *BalanceTracker) Commit(positionID int64, leg Leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := reservationKey{positionID, leg}
	amount, ok := t.reservations[key]
	if !ok {
		return
	}
	currency := t.reservationCurrency[key]
	b := t.entry(currency)
	b.reserved = b.reserved.Sub(amount)
	delete(t.reservations, key)
	delete(t.reservationCurrency, key)
}

// Release returns the reservation for (positionID, leg) to available.
// No-op if no reservation exists. reserve-then-release restores the
// tracker to its prior state exactly.
func (t *BalanceTracker) Release(positionID int64, leg Leg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := reservationKey{positionID, leg}
	amount, ok := t.reservations[key]
	if !ok {
		return
	}
	currency := t.reservationCurrency[key]
	b := t.entry(currency)
	b.available = b.available.Add(amount)
	b.reserved = b.reserved.Sub(amount)
	delete(t.reservations, key)
	delete(t.reservationCurrency, key)
}

// Available returns currency's current available balance.
func (t *BalanceTracker) Available(currency string) money.Money {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry(currency).available
}

// Reserved returns currency's current reserved balance.
func (t *BalanceTracker) Reserved(currency string) money.Money {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry(currency).reserved
}

// PendingReservation is one reservation to re-apply during recovery.
type PendingReservation struct {
	PositionID int64
	Leg        Leg
	Currency   string
	Amount     money.Money
}

// RebuildFromPositions resets reservations to empty and re-applies the
// given set, derived by the caller from scanning the live in-memory
// position map — never from the store — so that a crash never leaves a
// phantom reservation and recovery never re-derives memory from the
// store.
func (t *BalanceTracker) RebuildFromPositions(pending []PendingReservation) {
	t.mu.Lock()
	t.reservations = make(map[reservationKey]money.Money)
	t.reservationCurrency = make(map[reservationKey]string)
	for currency := range t.balances {
		t.balances[currency].reserved = money.Zero
	}
	t.mu.Unlock()

	for _, r := range pending {
		_ = t.Reserve(r.PositionID, r.Leg, r.Currency, r.Amount)
	}
}
