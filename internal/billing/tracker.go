// Package billing charges one task's units of work against its owner's
// balance, in program order, and latches the stop signal on first refusal.
package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/timmy/skiptrace/internal/domain"
)

// Ledger is the store port the tracker charges through.
type Ledger interface {
	// Balance reads the owner's live balance.
	Balance(ctx context.Context, ownerID string) (domain.Credits, error)
	// ChargeAtomic decrements the balance, appends a ledger entry and bumps
	// the task's credits_used as one transaction, or writes nothing.
	ChargeAtomic(ctx context.Context, req domain.ChargeRequest) (newBalance domain.Credits, ok bool, err error)
}

// ChargeResult is the outcome of one charge attempt. OK == false is the
// normal stop signal, not an error.
type ChargeResult struct {
	OK         bool
	NewBalance domain.Credits
}

// Breakdown is per-unit spend and count for reporting.
type Breakdown struct {
	SearchPages      int            `json:"search_pages"`
	SearchPageCredit domain.Credits `json:"search_page_credits"`
	DetailPages      int            `json:"detail_pages"`
	DetailPageCredit domain.Credits `json:"detail_page_credits"`
}

// Total returns the sum over all units.
func (b Breakdown) Total() domain.Credits {
	return b.SearchPageCredit + b.DetailPageCredit
}

// Tracker bills a single task run. It is driven by the task's one charge
// loop, but is safe to read from pollers.
type Tracker struct {
	ledger  Ledger
	ownerID string
	taskID  string

	mu        sync.Mutex
	stopped   bool
	breakdown Breakdown
}

func NewTracker(ledger Ledger, ownerID, taskID string) *Tracker {
	return &Tracker{ledger: ledger, ownerID: ownerID, taskID: taskID}
}

// CanAfford reports whether the live balance covers cost. It mutates nothing.
// A store failure reads as "cannot afford".
func (t *Tracker) CanAfford(ctx context.Context, cost domain.Credits) bool {
	bal, err := t.ledger.Balance(ctx, t.ownerID)
	if err != nil {
		return false
	}
	return bal >= cost
}

// Charge bills one unit. Once a charge is refused, CanContinue stays false
// for the rest of the run and later calls are refused without touching the
// store, even if the balance was replenished in between.
// The returned error is reserved for store failures.
func (t *Tracker) Charge(ctx context.Context, cost domain.Credits, unit domain.UnitType, reason string) (ChargeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ChargeResult{}, nil
	}

	bal, ok, err := t.ledger.ChargeAtomic(ctx, domain.ChargeRequest{
		OwnerID: t.ownerID,
		TaskID:  t.taskID,
		Amount:  cost,
		Unit:    unit,
		Reason:  reason,
	})
	if err != nil {
		return ChargeResult{}, fmt.Errorf("charge %s: %w", unit, err)
	}
	if !ok {
		t.stopped = true
		return ChargeResult{OK: false, NewBalance: bal}, nil
	}

	switch unit {
	case domain.UnitDetailPage:
		t.breakdown.DetailPages++
		t.breakdown.DetailPageCredit += cost
	default:
		t.breakdown.SearchPages++
		t.breakdown.SearchPageCredit += cost
	}
	return ChargeResult{OK: true, NewBalance: bal}, nil
}

// CanContinue is false forever after the first refused charge.
func (t *Tracker) CanContinue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// CostBreakdown returns the spend of this run so far.
func (t *Tracker) CostBreakdown() Breakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.breakdown
}

// Used returns the total charged by this run.
func (t *Tracker) Used() domain.Credits {
	return t.CostBreakdown().Total()
}
