/*
store.go - Persistence interfaces for the fulfillment engine

PURPOSE:
  Defines the interface between the engine and the database. All inventory
  mutation goes through these atomic transition operations; no component
  other than a Store implementation ever flips a unit's status directly.

ATOMICITY CONTRACT:
  ReserveOne and CreateClaim are the two load-bearing operations. Both must
  be implemented as conditional writes (compare-and-swap on status, unique
  constraint on the claim key), never as read-modify-write in two steps.
  Claims can originate from different processes, so in-process locking is
  not a substitute.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (single durable store)
  - engine/store/memory.go: In-memory for testing
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVENTORY STORE - Unit lifecycle with atomic transitions
// =============================================================================

// InventoryStore is the durable record of gift card units. Status transitions
// are forward-only; transitioning from anything other than the expected
// predecessor fails with ErrInvalidStateTransition.
type InventoryStore interface {
	// ReserveOne atomically selects one Available unit matching the pool key
	// and transitions it to Reserved. Two simultaneous callers must never
	// receive the same unit. Returns ErrNoAvailableUnit on a miss.
	ReserveOne(ctx context.Context, brand BrandID, denomination decimal.Decimal, owner ClientID) (*InventoryUnit, error)

	// InsertUnit persists a single unit (used by provisioning; the unit
	// arrives already Reserved). Returns ErrDuplicateSourceCode if the
	// redemption code exists.
	InsertUnit(ctx context.Context, unit InventoryUnit) error

	// InsertBatch bulk-inserts imported units. Duplicate source codes are
	// reported as skipped, not errors.
	InsertBatch(ctx context.Context, units []InventoryUnit) (*BatchResult, error)

	// MarkAssigned transitions Reserved -> Assigned, recording the claim.
	MarkAssigned(ctx context.Context, id UnitID, claimID ClaimID) error

	// MarkDelivering transitions Assigned -> Delivering. This CAS is the
	// delivery lock: of two racing Deliver calls, exactly one wins it and
	// only the winner may pass the card code to a provider.
	MarkDelivering(ctx context.Context, id UnitID) error

	// ReleaseDelivering transitions Delivering -> Assigned after a Deliver
	// call ends without a confirmed send, making the unit redeliverable.
	ReleaseDelivering(ctx context.Context, id UnitID) error

	// MarkDelivered transitions Delivering -> Delivered.
	MarkDelivered(ctx context.Context, id UnitID) error

	// MarkFailed transitions Reserved/Assigned/Delivering -> Failed with a
	// reason.
	MarkFailed(ctx context.Context, id UnitID, reason string) error

	// ExpireOlderThan sweeps Available units created before cutoff into
	// Expired, returning how many were swept.
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// UpdateBalance records a verified balance. Read-only with respect to
	// the status machine: Delivered stays Delivered.
	UpdateBalance(ctx context.Context, id UnitID, balance decimal.Decimal, checkedAt time.Time) error

	GetUnit(ctx context.Context, id UnitID) (*InventoryUnit, error)
	ListByStatus(ctx context.Context, status UnitStatus) ([]InventoryUnit, error)

	// ListDeliveredBefore returns Delivered units whose last balance check
	// is older than cutoff (or that have never been checked).
	ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]InventoryUnit, error)
}

// BatchResult reports the outcome of a bulk insert.
type BatchResult struct {
	Inserted   int
	Duplicates []string // source codes skipped
}

// =============================================================================
// CLAIM STORE - First-writer-wins idempotency
// =============================================================================

// ClaimStore persists claim records. The unique constraint on
// (recipient, campaign, condition) is the idempotency mechanism, so there is
// no window for double-issue even across process crashes.
type ClaimStore interface {
	// CreateClaim inserts a new Pending record. Returns ErrDuplicateClaim
	// if the key already exists; the caller then loads the existing record.
	CreateClaim(ctx context.Context, claim ClaimRecord) error

	GetClaim(ctx context.Context, id ClaimID) (*ClaimRecord, error)
	GetClaimByKey(ctx context.Context, key ClaimKey) (*ClaimRecord, error)

	// ResolveClaim transitions a Pending claim to a terminal outcome,
	// attaching the unit when outcome is Claimed. Resolving an already
	// resolved claim fails with ErrInvalidStateTransition.
	ResolveClaim(ctx context.Context, id ClaimID, outcome ClaimOutcome, unitID *UnitID, reason string, at time.Time) error

	ListByOutcome(ctx context.Context, outcome ClaimOutcome) ([]ClaimRecord, error)

	// ListStalePending returns Pending claims requested before cutoff.
	// A crash between claim insert and resolution leaves such records;
	// the recovery sweep retries or fails them.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]ClaimRecord, error)
}

// =============================================================================
// DELIVERY STORE - Append-only attempt history
// =============================================================================

// DeliveryStore persists delivery attempts. Attempts are immutable once
// written and strictly ordered by attempt number per claim.
type DeliveryStore interface {
	AppendAttempt(ctx context.Context, attempt DeliveryAttempt) error
	ListAttempts(ctx context.Context, claimID ClaimID) ([]DeliveryAttempt, error)

	// NextAttemptNumber returns max(attempt_number)+1 for the claim,
	// starting at 1. Monotonic across redeliveries.
	NextAttemptNumber(ctx context.Context, claimID ClaimID) (int, error)
}

// =============================================================================
// BALANCE CHECK STORE - Append-only verification history
// =============================================================================

type BalanceCheckStore interface {
	AppendCheck(ctx context.Context, check BalanceCheck) error
	ListChecks(ctx context.Context, unitID UnitID) ([]BalanceCheck, error)
}

// Store combines all persistence interfaces. The four entities live in one
// durable store so claim resolution and unit assignment stay consistent.
type Store interface {
	InventoryStore
	ClaimStore
	DeliveryStore
	BalanceCheckStore
}
