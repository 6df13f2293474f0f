package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-engine/engine"
	"github.com/warp/fulfillment-engine/engine/store"
	"github.com/warp/fulfillment-engine/supplier"
)

func newTestProvisioner(t *testing.T) (*engine.Provisioner, *store.Memory, *fakeSupplier) {
	t.Helper()
	mem := store.NewMemory()
	sup := &fakeSupplier{}
	return engine.NewProvisioner(mem, sup), mem, sup
}

func TestProvisioner_LocalStock_WinsOverSupplier(t *testing.T) {
	// GIVEN: A matching unit in the local pool
	// WHEN: Provision runs
	// THEN: The local unit is reserved; the supplier is never called

	prov, mem, sup := newTestProvisioner(t)
	ctx := context.Background()
	seeded := seedUnit(t, mem, "LOCAL-1")

	unit, err := prov.Provision(ctx, "brand-a", decimal.NewFromInt(25), "client-1")
	require.NoError(t, err)

	assert.Equal(t, seeded.ID, unit.ID)
	assert.Equal(t, engine.UnitReserved, unit.Status)
	assert.Equal(t, 0, sup.purchaseCount(), "local hit must not touch the supplier")
}

func TestProvisioner_EmptyPool_PurchasesExactlyOnce(t *testing.T) {
	// GIVEN: No matching local stock
	// WHEN: Provision runs
	// THEN: One supplier purchase; the unit is persisted Reserved

	prov, mem, sup := newTestProvisioner(t)
	ctx := context.Background()

	unit, err := prov.Provision(ctx, "brand-a", decimal.NewFromInt(25), "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sup.purchaseCount())

	stored, err := mem.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.UnitReserved, stored.Status)
	assert.Equal(t, "CODE-brand-a-1", stored.SourceCode)
	assert.True(t, stored.CurrentBalance.Equal(decimal.NewFromInt(25)),
		"purchased card starts at full denomination")
}

func TestProvisioner_PoolKeyMismatch_FallsThrough(t *testing.T) {
	// GIVEN: Stock for a different brand, denomination, and owner
	// WHEN: Provision runs for an unmatched pool key
	// THEN: The mismatched units are untouched and a purchase happens

	prov, mem, sup := newTestProvisioner(t)
	ctx := context.Background()

	other := seedUnit(t, mem, "LOCAL-1")
	_, err := prov.Provision(ctx, "brand-b", decimal.NewFromInt(25), "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sup.purchaseCount())

	stored, err := mem.GetUnit(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.UnitAvailable, stored.Status, "foreign pool stock stays put")
}

func TestProvisioner_SupplierError_PassesThroughClassified(t *testing.T) {
	// GIVEN: No stock and a failing supplier
	// WHEN: Provision runs
	// THEN: The classified *supplier.Error surfaces unwrapped

	prov, _, sup := newTestProvisioner(t)
	sup.purchaseErr = &supplier.Error{Kind: supplier.KindOutOfStock, Message: "none left"}

	_, err := prov.Provision(context.Background(), "brand-a", decimal.NewFromInt(25), "client-1")
	require.Error(t, err)
	assert.True(t, supplier.IsOutOfStock(err))
}

func TestProvisioner_DuplicateSupplierCode_Surfaces(t *testing.T) {
	// GIVEN: The supplier replays a code that already exists in the pool
	// WHEN: Provision tries to persist the purchased unit
	// THEN: The duplicate surfaces for manual review

	prov, mem, _ := newTestProvisioner(t)
	ctx := context.Background()

	// fakeSupplier's first code for brand-a is CODE-brand-a-1. Pre-seed it
	// as an already reserved unit so the insert collides.
	clash := seedUnit(t, mem, "CODE-brand-a-1")
	_, err := mem.ReserveOne(ctx, clash.BrandID, clash.Denomination, clash.OwnerClientID)
	require.NoError(t, err)

	_, err = prov.Provision(ctx, "brand-a", decimal.NewFromInt(25), "client-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDuplicateSourceCode)
}
