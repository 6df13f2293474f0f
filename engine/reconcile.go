/*
reconcile.go - Balance verification against the supplier's system of record

PURPOSE:
  Re-verifies that a delivered card still reflects the expected remaining
  balance, recording drift as an append-only BalanceCheck history. This is
  a read/verify operation with no effect on the claim or delivery state
  machines, which keeps it off the concurrency-critical path.

FAILURE:
  A supplier error during a check is recorded as a BalanceCheck carrying
  the sentinel balance and does not retry automatically; the caller decides
  whether to re-run.
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/fulfillment-engine/supplier"
)

// Reconciler verifies unit balances on demand, one at a time or batched
// across a bounded worker pool.
type Reconciler struct {
	inventory InventoryStore
	checks    BalanceCheckStore
	supplier  supplier.Supplier
	nowFunc   func() time.Time
}

func NewReconciler(inventory InventoryStore, checks BalanceCheckStore, sup supplier.Supplier) *Reconciler {
	return &Reconciler{
		inventory: inventory,
		checks:    checks,
		supplier:  sup,
		nowFunc:   time.Now,
	}
}

// CheckBalance verifies one unit. On success the unit's current balance and
// last-check timestamp are updated; on supplier failure only the sentinel
// check row is written and the unit is left untouched.
func (r *Reconciler) CheckBalance(ctx context.Context, unitID UnitID) (*BalanceCheck, error) {
	unit, err := r.inventory.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}

	now := r.nowFunc()
	check := BalanceCheck{
		ID:              NewCheckID(),
		InventoryUnitID: unitID,
		CheckedAt:       now,
		Source:          r.supplier.Name(),
	}

	reported, err := r.supplier.Balance(ctx, unit.SourceCode)
	if err != nil {
		check.Failed = true
		check.ReportedBalance = SentinelBalance
		check.Discrepancy = SentinelBalance.Sub(unit.CurrentBalance)
		if appendErr := r.checks.AppendCheck(ctx, check); appendErr != nil {
			return nil, fmt.Errorf("record failed check: %w", appendErr)
		}
		return &check, nil
	}

	check.ReportedBalance = reported
	check.Discrepancy = reported.Sub(unit.CurrentBalance)

	if err := r.checks.AppendCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("record check: %w", err)
	}
	if err := r.inventory.UpdateBalance(ctx, unitID, reported, now); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	return &check, nil
}

// BatchResultItem pairs a unit with its check or error.
type BatchResultItem struct {
	UnitID UnitID
	Check  *BalanceCheck
	Err    error
}

// CheckBatch fans unit checks out over a bounded worker pool. Results come
// back in input order.
func (r *Reconciler) CheckBatch(ctx context.Context, unitIDs []UnitID, workers int) []BatchResultItem {
	if workers <= 0 {
		workers = 4
	}
	if workers > len(unitIDs) {
		workers = len(unitIDs)
	}

	results := make([]BatchResultItem, len(unitIDs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				check, err := r.CheckBalance(ctx, unitIDs[i])
				results[i] = BatchResultItem{UnitID: unitIDs[i], Check: check, Err: err}
			}
		}()
	}

	for i := range unitIDs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
