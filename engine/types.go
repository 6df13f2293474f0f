/*
Package engine provides the core gift card fulfillment engine.

PURPOSE:
  This package contains the domain types and algorithms for claiming,
  provisioning, delivering, and reconciling gift card inventory. The engine
  guarantees that a reward is never issued twice for the same trigger and
  that no inventory unit is ever assigned to two recipients, even under
  concurrent webhook delivery and retries.

KEY CONCEPTS IN THIS FILE (types.go):
  - InventoryUnit: One physical/virtual gift card with a lifecycle status
  - ClaimRecord:   The binding between a reward trigger and a unit; its
                   (recipient, campaign, condition) key is the idempotency key
  - DeliveryAttempt: One try to push a claimed reward over SMS/email
  - BalanceCheck:  A point-in-time verification against the supplier

DESIGN PRINCIPLES:
  1. Status transitions are forward-only and validated by the stores
  2. Precision: decimal.Decimal for all currency values
  3. Type safety: distinct ID types for units, claims, brands, clients
  4. Auditability: claims and attempts are never deleted

SEE ALSO:
  - store.go:       Persistence interfaces
  - coordinator.go: Idempotent claim entry point
  - dispatch.go:    Delivery with capped retries
  - reconcile.go:   Balance verification
*/
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UnitID string
type ClaimID string
type BrandID string
type ClientID string
type RecipientID string
type CampaignID string

// NewUnitID returns a fresh inventory unit identifier.
func NewUnitID() UnitID { return UnitID("unit-" + uuid.NewString()) }

// NewClaimID returns a fresh claim record identifier.
func NewClaimID() ClaimID { return ClaimID("claim-" + uuid.NewString()) }

// NewAttemptID returns a fresh delivery attempt identifier.
func NewAttemptID() string { return "attempt-" + uuid.NewString() }

// NewCheckID returns a fresh balance check identifier.
func NewCheckID() string { return "check-" + uuid.NewString() }

// MustParseDecimal parses a decimal string, returning zero on failure.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// INVENTORY UNIT - One gift card instance
// =============================================================================

// UnitStatus is the lifecycle state of an inventory unit.
type UnitStatus string

const (
	UnitAvailable  UnitStatus = "available"
	UnitReserved   UnitStatus = "reserved"
	UnitAssigned   UnitStatus = "assigned"
	UnitDelivering UnitStatus = "delivering"
	UnitDelivered  UnitStatus = "delivered"
	UnitFailed     UnitStatus = "failed"
	UnitExpired    UnitStatus = "expired"
)

// CanTransitionTo reports whether moving from s to next is a legal
// transition. Delivered, Failed, and Expired are terminal. Delivering is
// the dispatch lock: the unit holds it for the duration of one Deliver
// call, so the card code is only ever in flight to one provider call at a
// time. It is the single backward edge (back to Assigned on failure);
// exhaustion deliberately leaves a unit in Assigned, never Available, so
// a card is never silently lost and never re-issued.
func (s UnitStatus) CanTransitionTo(next UnitStatus) bool {
	switch s {
	case UnitAvailable:
		return next == UnitReserved || next == UnitExpired
	case UnitReserved:
		return next == UnitAssigned || next == UnitFailed
	case UnitAssigned:
		return next == UnitDelivering || next == UnitFailed
	case UnitDelivering:
		return next == UnitDelivered || next == UnitAssigned || next == UnitFailed
	default:
		return false
	}
}

// InventoryUnit is one gift card in the pool. A unit carries no recipient;
// the binding to a recipient lives on the ClaimRecord that reserved it.
type InventoryUnit struct {
	ID                 UnitID
	BrandID            BrandID
	Denomination       decimal.Decimal
	OwnerClientID      ClientID
	SourceCode         string // opaque redemption code, unique across all units
	Status             UnitStatus
	CurrentBalance     decimal.Decimal
	FailureReason      string
	AssignedClaimID    ClaimID // set on MarkAssigned, for operator inspection
	LastBalanceCheckAt *time.Time
	CreatedAt          time.Time
}

// =============================================================================
// CLAIM RECORD - Idempotency key + outcome for one reward trigger
// =============================================================================

// ClaimOutcome is the resolution state of a claim.
type ClaimOutcome string

const (
	OutcomePending            ClaimOutcome = "pending"
	OutcomeClaimed            ClaimOutcome = "claimed"
	OutcomeOutOfStock         ClaimOutcome = "out_of_stock"
	OutcomeProvisioningFailed ClaimOutcome = "provisioning_failed"
)

// Terminal reports whether the outcome will never change again.
func (o ClaimOutcome) Terminal() bool { return o != OutcomePending }

// ClaimKey is the idempotency key: one reward per recipient per campaign
// condition. The store enforces uniqueness on this triple.
type ClaimKey struct {
	RecipientID     RecipientID
	CampaignID      CampaignID
	ConditionNumber int
}

// ClaimRecord binds a reward trigger to an inventory unit. Records are
// created once per key, mutated only by the coordinator, never deleted.
type ClaimRecord struct {
	ID              ClaimID
	RecipientID     RecipientID
	CampaignID      CampaignID
	ConditionNumber int

	// Requested reward config, carried on the record so the recovery sweep
	// can re-provision a claim whose trigger is long gone.
	BrandID       BrandID
	Denomination  decimal.Decimal
	OwnerClientID ClientID

	InventoryUnitID *UnitID // nil until resolved to Claimed
	Outcome         ClaimOutcome
	FailureReason   string
	RequestedAt     time.Time
	ResolvedAt      *time.Time
}

// Key returns the claim's idempotency key.
func (c ClaimRecord) Key() ClaimKey {
	return ClaimKey{
		RecipientID:     c.RecipientID,
		CampaignID:      c.CampaignID,
		ConditionNumber: c.ConditionNumber,
	}
}

// =============================================================================
// DELIVERY ATTEMPT - One try to push a claimed reward
// =============================================================================

// Channel identifies how a reward is delivered to the recipient.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// AttemptStatus is the result of a single delivery attempt.
type AttemptStatus string

const (
	AttemptSent      AttemptStatus = "sent"
	AttemptFailed    AttemptStatus = "failed"
	AttemptExhausted AttemptStatus = "exhausted"
)

// DeliveryAttempt records one try, immutable once written. AttemptNumber is
// monotonically increasing per claim, including across operator redeliveries.
type DeliveryAttempt struct {
	ID                string
	ClaimRecordID     ClaimID
	Channel           Channel
	AttemptNumber     int
	Status            AttemptStatus
	ProviderMessageID string
	ErrorMessage      string
	AttemptedAt       time.Time
}

// =============================================================================
// BALANCE CHECK - Append-only verification history
// =============================================================================

// SentinelBalance is recorded as the reported balance when the supplier
// could not be reached during a check.
var SentinelBalance = decimal.NewFromInt(-1)

// BalanceCheck is a point-in-time verification of a unit's remaining value.
type BalanceCheck struct {
	ID              string
	InventoryUnitID UnitID
	CheckedAt       time.Time
	ReportedBalance decimal.Decimal
	Discrepancy     decimal.Decimal // reported minus expected
	Source          string          // supplier name
	Failed          bool            // supplier unreachable; ReportedBalance is SentinelBalance
}
