/*
coordinator.go - Idempotent entry point for granting rewards

PURPOSE:
  Claim is the single entry point for "grant recipient R a reward for
  condition C on campaign P". The insert of the claim record is the
  concurrency-safety mechanism: the unique key on (recipient, campaign,
  condition) converts a race between duplicate triggers into a
  first-writer-wins insert, so double-issue is impossible by construction,
  across goroutines and across processes.

CONTROL FLOW:
  1. Insert a Pending claim. On a duplicate key, load and return the
     existing record's outcome (idempotent replay).
  2. Reserve a local unit. On a miss, provision (local re-check, then
     supplier purchase).
  3. On success: resolve the claim to Claimed, mark the unit Assigned, and
     hand off to the dispatcher asynchronously.
  4. On provisioning failure: resolve to OutOfStock or ProvisioningFailed
     depending on the supplier's error kind. These are terminal; a fresh
     trigger for a different condition is a separate claim.

CRASH RECOVERY:
  A crash between steps 1 and 2 leaves a Pending claim with no unit.
  SweepStale finds such records past a timeout and retries provisioning or
  fails them.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-engine/supplier"
)

// ClaimRequest is a condition-met trigger from the campaign layer.
type ClaimRequest struct {
	RecipientID     RecipientID
	CampaignID      CampaignID
	ConditionNumber int
	BrandID         BrandID
	Denomination    decimal.Decimal
	OwnerClientID   ClientID
	Channel         Channel
	Destination     string
}

// Key returns the request's idempotency key.
func (r ClaimRequest) Key() ClaimKey {
	return ClaimKey{
		RecipientID:     r.RecipientID,
		CampaignID:      r.CampaignID,
		ConditionNumber: r.ConditionNumber,
	}
}

// ClaimResult is what the trigger caller receives.
type ClaimResult struct {
	ClaimID         ClaimID
	Outcome         ClaimOutcome
	InventoryUnitID *UnitID
	FailureReason   string
	Replayed        bool // true when a prior claim for the same key answered
}

// DispatchFunc hands a resolved claim to the delivery dispatcher. The
// default implementation runs the dispatcher in a goroutine; tests inject a
// synchronous one.
type DispatchFunc func(claimID ClaimID, ch Channel, destination string)

// Coordinator is the idempotent claim entry point.
type Coordinator struct {
	store       Store
	provisioner *Provisioner
	dispatch    DispatchFunc
	nowFunc     func() time.Time
}

// NewCoordinator wires the coordinator to its store and provisioner. The
// dispatcher hand-off is asynchronous: delivery failures never block or
// fail the claim itself.
func NewCoordinator(store Store, prov *Provisioner, disp *Dispatcher) *Coordinator {
	c := &Coordinator{
		store:       store,
		provisioner: prov,
		nowFunc:     time.Now,
	}
	c.dispatch = func(claimID ClaimID, ch Channel, destination string) {
		go func() {
			// Detached from the trigger request: the claim is already
			// durable, and delivery converges on its own.
			if _, err := disp.Deliver(context.Background(), claimID, ch, destination); err != nil {
				log.Printf("[Coordinator] delivery hand-off failed claim=%s: %v", claimID, err)
			}
		}()
	}
	return c
}

// SetDispatch replaces the delivery hand-off. A nil fn disables dispatch
// entirely; tests install a synchronous fn to observe deliveries.
func (c *Coordinator) SetDispatch(fn DispatchFunc) {
	c.dispatch = fn
}

// Claim grants at most one unit for the request's key. Safe to call any
// number of times, concurrently, from any process: all callers observe the
// first writer's outcome.
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	record := ClaimRecord{
		ID:              NewClaimID(),
		RecipientID:     req.RecipientID,
		CampaignID:      req.CampaignID,
		ConditionNumber: req.ConditionNumber,
		BrandID:         req.BrandID,
		Denomination:    req.Denomination,
		OwnerClientID:   req.OwnerClientID,
		Outcome:         OutcomePending,
		RequestedAt:     c.nowFunc(),
	}

	err := c.store.CreateClaim(ctx, record)
	if errors.Is(err, ErrDuplicateClaim) {
		// Idempotent replay: somebody already owns this key.
		existing, err := c.store.GetClaimByKey(ctx, req.Key())
		if err != nil {
			return nil, fmt.Errorf("load existing claim: %w", err)
		}
		return &ClaimResult{
			ClaimID:         existing.ID,
			Outcome:         existing.Outcome,
			InventoryUnitID: existing.InventoryUnitID,
			FailureReason:   existing.FailureReason,
			Replayed:        true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}

	return c.fulfill(ctx, record, req.Channel, req.Destination)
}

// fulfill runs steps 2-3 for a claim this caller owns.
func (c *Coordinator) fulfill(ctx context.Context, record ClaimRecord, ch Channel, destination string) (*ClaimResult, error) {
	unit, err := c.store.ReserveOne(ctx, record.BrandID, record.Denomination, record.OwnerClientID)
	if errors.Is(err, ErrNoAvailableUnit) {
		unit, err = c.provisioner.Provision(ctx, record.BrandID, record.Denomination, record.OwnerClientID)
	}
	if err != nil {
		return c.resolveFailure(ctx, record.ID, err)
	}

	now := c.nowFunc()
	if err := c.store.ResolveClaim(ctx, record.ID, OutcomeClaimed, &unit.ID, "", now); err != nil {
		return nil, fmt.Errorf("resolve claim: %w", err)
	}
	if err := c.store.MarkAssigned(ctx, unit.ID, record.ID); err != nil {
		return nil, fmt.Errorf("mark assigned: %w", err)
	}

	if c.dispatch != nil && destination != "" {
		c.dispatch(record.ID, ch, destination)
	}

	return &ClaimResult{
		ClaimID:         record.ID,
		Outcome:         OutcomeClaimed,
		InventoryUnitID: &unit.ID,
	}, nil
}

// resolveFailure maps a provisioning error onto a terminal outcome. The
// claim record stays as the auditable row an operator inspects.
func (c *Coordinator) resolveFailure(ctx context.Context, id ClaimID, cause error) (*ClaimResult, error) {
	outcome := OutcomeProvisioningFailed
	if supplier.IsOutOfStock(cause) {
		outcome = OutcomeOutOfStock
	}

	if err := c.store.ResolveClaim(ctx, id, outcome, nil, cause.Error(), c.nowFunc()); err != nil {
		return nil, fmt.Errorf("resolve claim after %q: %w", cause, err)
	}
	log.Printf("[Coordinator] claim=%s outcome=%s cause=%q", id, outcome, cause)

	return &ClaimResult{
		ClaimID:       id,
		Outcome:       outcome,
		FailureReason: cause.Error(),
	}, nil
}

// =============================================================================
// RECOVERY SWEEP
// =============================================================================

// SweepReport summarizes one recovery pass over stale Pending claims.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Recovered int `json:"recovered"` // re-provisioned to Claimed
	Failed    int `json:"failed"`    // resolved to OutOfStock/ProvisioningFailed
}

// SweepStale retries provisioning for Pending claims older than timeout.
// Such claims exist only after a crash between the claim insert and its
// resolution. Claims that still cannot be provisioned are resolved to a
// terminal failure outcome so nothing stays ambiguous forever.
//
// Swept claims have no recorded destination, so recovered units are left
// Assigned for operator-triggered delivery.
func (c *Coordinator) SweepStale(ctx context.Context, timeout time.Duration) (*SweepReport, error) {
	cutoff := c.nowFunc().Add(-timeout)
	stale, err := c.store.ListStalePending(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}

	report := &SweepReport{Scanned: len(stale)}
	for _, claim := range stale {
		result, err := c.fulfill(ctx, claim, "", "")
		if err != nil {
			return report, fmt.Errorf("sweep claim %s: %w", claim.ID, err)
		}
		if result.Outcome == OutcomeClaimed {
			report.Recovered++
		} else {
			report.Failed++
		}
	}

	if report.Scanned > 0 {
		log.Printf("[Coordinator] sweep: scanned=%d recovered=%d failed=%d",
			report.Scanned, report.Recovered, report.Failed)
	}
	return report, nil
}
