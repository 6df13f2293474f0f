/*
scheduler.go - Background maintenance scheduler

PURPOSE:
  Periodically runs the maintenance tasks the engine needs to stay
  healthy without operator involvement:
  - Recovery sweep of stale pending claims (crashed mid-fulfillment)
  - Balance re-verification of recently delivered cards
  - Expiry of aged available inventory

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass is independent; a failing task logs and does not block
    the others
  - All writes go through the same coordinator/reconciler paths as the
    HTTP handlers, so the state machine rules hold

CONFIGURATION:
  - CheckInterval:   How often to run (default: 1 minute)
  - StaleTimeout:    Pending claims older than this are swept (default: 5 minutes)
  - RecheckWindow:   Delivered units are re-verified this long after delivery (default: 24 hours)
  - ExpiryAge:       Available units older than this are expired (0 disables)
  - Enabled:         Whether scheduler is active (default: true)

USAGE:
  scheduler := NewMaintenanceScheduler(store, coordinator, reconciler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Sweep and BatchReconcile endpoints (manual equivalents)
  - engine/coordinator.go: SweepStale
  - engine/reconcile.go: CheckBatch
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/fulfillment-engine/engine"
)

// MaintenanceScheduler runs the engine's periodic maintenance tasks.
type MaintenanceScheduler struct {
	Store         engine.Store
	Coordinator   *engine.Coordinator
	Reconciler    *engine.Reconciler
	CheckInterval time.Duration
	StaleTimeout  time.Duration
	RecheckWindow time.Duration
	ExpiryAge     time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMaintenanceScheduler creates a new scheduler with default intervals.
func NewMaintenanceScheduler(store engine.Store, coord *engine.Coordinator, rec *engine.Reconciler) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Store:         store,
		Coordinator:   coord,
		Reconciler:    rec,
		CheckInterval: 1 * time.Minute,
		StaleTimeout:  5 * time.Minute,
		RecheckWindow: 24 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return // already running
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.wg.Add(1)

	go ms.run(ms.ticker)

	log.Printf("[Scheduler] Started with check interval: %v", ms.CheckInterval)
}

// Stop stops the scheduler. Safe to call more than once.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker == nil {
		return
	}
	ms.ticker.Stop()
	ms.ticker = nil
	close(ms.stop)
	ms.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (ms *MaintenanceScheduler) run(ticker *time.Ticker) {
	defer ms.wg.Done()

	// Run immediately on start
	ms.runOnce()

	for {
		select {
		case <-ticker.C:
			ms.runOnce()
		case <-ms.stop:
			return
		}
	}
}

func (ms *MaintenanceScheduler) runOnce() {
	ctx := context.Background()

	ms.sweepStaleClaims(ctx)
	ms.recheckDelivered(ctx)
	ms.expireAged(ctx)
}

// sweepStaleClaims retries fulfillment for claims stuck in pending.
func (ms *MaintenanceScheduler) sweepStaleClaims(ctx context.Context) {
	report, err := ms.Coordinator.SweepStale(ctx, ms.StaleTimeout)
	if err != nil {
		log.Printf("[Scheduler] Error sweeping stale claims: %v", err)
		return
	}
	if report.Scanned > 0 {
		log.Printf("[Scheduler] Sweep completed: %d scanned, %d recovered, %d failed",
			report.Scanned, report.Recovered, report.Failed)
	}
}

// recheckDelivered re-verifies balances of units delivered within the
// recheck window, skipping units already checked since delivery.
func (ms *MaintenanceScheduler) recheckDelivered(ctx context.Context) {
	if ms.RecheckWindow <= 0 {
		return
	}

	cutoff := time.Now().Add(-ms.RecheckWindow)
	units, err := ms.Store.ListDeliveredBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[Scheduler] Error listing delivered units: %v", err)
		return
	}
	if len(units) == 0 {
		return
	}

	due := make([]engine.UnitID, len(units))
	for i, u := range units {
		due[i] = u.ID
	}

	drifted := 0
	for _, res := range ms.Reconciler.CheckBatch(ctx, due, 0) {
		if res.Err != nil {
			log.Printf("[Scheduler] Error checking balance for %s: %v", res.UnitID, res.Err)
			continue
		}
		if res.Check != nil && !res.Check.Failed && !res.Check.Discrepancy.IsZero() {
			drifted++
			log.Printf("[Scheduler] Balance drift on %s: %s", res.UnitID, res.Check.Discrepancy.String())
		}
	}
	log.Printf("[Scheduler] Recheck completed: %d units, %d drifted", len(due), drifted)
}

// expireAged marks available units older than ExpiryAge as expired.
func (ms *MaintenanceScheduler) expireAged(ctx context.Context) {
	if ms.ExpiryAge <= 0 {
		return
	}

	cutoff := time.Now().Add(-ms.ExpiryAge)
	n, err := ms.Store.ExpireOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("[Scheduler] Error expiring units: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Scheduler] Expired %d aged units", n)
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (ms *MaintenanceScheduler) RunNow() {
	ms.runOnce()
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (ms *MaintenanceScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(ms.CheckInterval)
}
