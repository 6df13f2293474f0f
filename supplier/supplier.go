/*
Package supplier abstracts the external gift card supplier.

PURPOSE:
  The supplier exposes two endpoints: purchase (brand + denomination ->
  card code) and balance (card reference -> remaining value). Both are
  rate-limited and occasionally unavailable, so every error is classified
  at this boundary into a typed kind the engine can map to a definite
  claim outcome. Raw transport errors never cross into the engine.

ERROR CLASSIFICATION:
  OutOfStock  - supplier explicitly reports no stock for the denomination
  Unavailable - timeout or 5xx; transient, the trigger may fire again later
  Rejected    - unexpected 4xx; terminal until manual review

AUDIT:
  Every purchase call, success or failure, is recorded through AuditLogger
  for financial reconciliation. Billing itself is out of scope; the hook
  is part of this package's contract.

SEE ALSO:
  - http.go: JSON-over-HTTP client implementation
  - engine/provision.go: Fallback ordering (local inventory first)
*/
package supplier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

type ErrorKind string

const (
	KindOutOfStock  ErrorKind = "out_of_stock"
	KindUnavailable ErrorKind = "unavailable"
	KindRejected    ErrorKind = "rejected"
)

// Error is a classified supplier failure.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // HTTP status when applicable, 0 otherwise
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("supplier %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("supplier %s: %s", e.Kind, e.Message)
}

// IsOutOfStock reports whether the supplier explicitly had no stock.
func IsOutOfStock(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindOutOfStock
}

// IsUnavailable reports whether the failure is transient (timeout, 5xx).
func IsUnavailable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindUnavailable
}

// =============================================================================
// SUPPLIER INTERFACE
// =============================================================================

// PurchaseRequest asks the supplier for one card.
type PurchaseRequest struct {
	BrandID      string
	Denomination decimal.Decimal
	ClientRef    string // caller's reference, echoed in the audit trail
}

// PurchaseResponse is a successfully purchased card.
type PurchaseResponse struct {
	CardCode     string // opaque redemption code
	SupplierRef  string
	Denomination decimal.Decimal
}

// Supplier is the external purchase + balance API.
type Supplier interface {
	// Purchase buys one card. Failures are always *Error.
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResponse, error)

	// Balance returns the remaining value for a card code.
	Balance(ctx context.Context, cardCode string) (decimal.Decimal, error)

	// Name identifies the supplier in balance check history.
	Name() string
}

// =============================================================================
// AUDIT HOOK
// =============================================================================

// AuditEntry records one supplier purchase call.
type AuditEntry struct {
	Supplier     string
	BrandID      string
	Denomination decimal.Decimal
	ClientRef    string
	SupplierRef  string // empty on failure
	Err          string // empty on success
	At           time.Time
	Elapsed      time.Duration
}

// AuditLogger receives every purchase call, success or failure.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// LogAudit writes audit entries to the process log.
type LogAudit struct{}

func (LogAudit) Record(_ context.Context, e AuditEntry) {
	if e.Err != "" {
		log.Printf("[SupplierAudit] supplier=%s brand=%s denom=%s ref=%s elapsed=%v error=%q",
			e.Supplier, e.BrandID, e.Denomination, e.ClientRef, e.Elapsed, e.Err)
		return
	}
	log.Printf("[SupplierAudit] supplier=%s brand=%s denom=%s ref=%s supplier_ref=%s elapsed=%v",
		e.Supplier, e.BrandID, e.Denomination, e.ClientRef, e.SupplierRef, e.Elapsed)
}
