/*
provision.go - Two-tier provisioning with fixed fallback ordering

PURPOSE:
  Uniform interface over "pull from local inventory" vs. "purchase from the
  external supplier", tried in that order. The local re-check covers units
  imported between the coordinator's first miss and now; only when it misses
  again does the supplier get called, exactly once.

FAILURE SEMANTICS:
  Supplier errors arrive pre-classified (*supplier.Error). OutOfStock means
  the supplier explicitly had none; Unavailable is transient; Rejected is
  terminal until manual review. The coordinator maps these onto claim
  outcomes.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-engine/supplier"
)

// Provisioner acquires one Reserved unit for a pool key, from local stock
// first, then from the supplier.
type Provisioner struct {
	inventory InventoryStore
	supplier  supplier.Supplier
	nowFunc   func() time.Time
}

func NewProvisioner(inventory InventoryStore, sup supplier.Supplier) *Provisioner {
	return &Provisioner{
		inventory: inventory,
		supplier:  sup,
		nowFunc:   time.Now,
	}
}

// Provision returns a unit in Reserved state, persisted before it is handed
// back. Errors from the supplier path are always *supplier.Error.
func (p *Provisioner) Provision(ctx context.Context, brand BrandID, denomination decimal.Decimal, owner ClientID) (*InventoryUnit, error) {
	// Strategy 1: re-check local inventory.
	unit, err := p.inventory.ReserveOne(ctx, brand, denomination, owner)
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, ErrNoAvailableUnit) {
		return nil, fmt.Errorf("local re-check: %w", err)
	}

	// Strategy 2: purchase from the supplier.
	resp, err := p.supplier.Purchase(ctx, supplier.PurchaseRequest{
		BrandID:      string(brand),
		Denomination: denomination,
		ClientRef:    string(owner),
	})
	if err != nil {
		return nil, err
	}

	fresh := InventoryUnit{
		ID:             NewUnitID(),
		BrandID:        brand,
		Denomination:   resp.Denomination,
		OwnerClientID:  owner,
		SourceCode:     resp.CardCode,
		Status:         UnitReserved,
		CurrentBalance: resp.Denomination,
		CreatedAt:      p.nowFunc(),
	}
	if err := p.inventory.InsertUnit(ctx, fresh); err != nil {
		// A duplicate code means the supplier replayed a card that already
		// lives in the pool. The purchased code cannot be handed out twice,
		// so surface it for manual review rather than guessing.
		return nil, fmt.Errorf("persist purchased unit %s: %w", fresh.SourceCode, err)
	}
	return &fresh, nil
}
