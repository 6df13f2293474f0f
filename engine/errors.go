/*
errors.go - Centralized error types for the fulfillment engine

PURPOSE:
  All engine error types in one place. Adapter packages (supplier, channel)
  define their own typed errors at their boundary; the engine maps those into
  claim outcomes so the state machine always makes a definite transition.

ERROR CATEGORIES:
  1. Inventory errors - Pool exhaustion, missing units
  2. Claim errors     - Duplicate keys (expected under retries)
  3. Integrity errors - Invalid state transitions (defects, logged loudly)

USAGE:
  if errors.Is(err, engine.ErrNoAvailableUnit) {
      // fall through to provisioning
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoAvailableUnit is returned by ReserveOne when the pool has no
	// Available unit for the requested brand/denomination/owner.
	ErrNoAvailableUnit = errors.New("no available inventory unit")

	// ErrDuplicateClaim is returned when a claim already exists for the
	// (recipient, campaign, condition) key. This is expected behavior for
	// retried triggers; the coordinator resolves it as an idempotent replay.
	ErrDuplicateClaim = errors.New("duplicate claim key")

	// ErrDuplicateSourceCode is returned when inserting a unit whose
	// redemption code already exists.
	ErrDuplicateSourceCode = errors.New("duplicate source code")

	// ErrUnitNotFound is returned when a referenced unit doesn't exist.
	ErrUnitNotFound = errors.New("inventory unit not found")

	// ErrClaimNotFound is returned when a referenced claim doesn't exist.
	ErrClaimNotFound = errors.New("claim record not found")

	// ErrInvalidStateTransition indicates a status change that violates the
	// unit lifecycle. This is a data-integrity defect, never swallowed.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrClaimNotDeliverable is returned when delivery is requested for a
	// claim that has no assigned unit or is already delivered.
	ErrClaimNotDeliverable = errors.New("claim has no deliverable unit")

	// ErrDeliveryInFlight is returned when another Deliver call currently
	// holds the claim's unit in Delivering. The losing caller must not send;
	// the card code may already be on the wire.
	ErrDeliveryInFlight = errors.New("delivery already in flight for claim")

	// ErrNoSender is returned when no sender is registered for a channel.
	ErrNoSender = errors.New("no sender registered for channel")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError reports an attempted illegal unit status change.
type InvalidTransitionError struct {
	UnitID UnitID
	From   UnitStatus
	To     UnitStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for unit %s: %s -> %s", e.UnitID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnitNotFound) || errors.Is(err, ErrClaimNotFound)
}

// IsConflict returns true if the error is a uniqueness conflict that a
// caller can treat as "already done".
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateClaim) || errors.Is(err, ErrDuplicateSourceCode)
}
