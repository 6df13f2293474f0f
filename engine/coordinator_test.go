package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-engine/engine"
	"github.com/warp/fulfillment-engine/engine/store"
	"github.com/warp/fulfillment-engine/supplier"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeSupplier hands out sequentially numbered card codes and supports
// scripted failures.
type fakeSupplier struct {
	mu          sync.Mutex
	purchases   int
	purchaseErr error
	balance     decimal.Decimal
	balanceErr  error
}

func (f *fakeSupplier) Purchase(_ context.Context, req supplier.PurchaseRequest) (*supplier.PurchaseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	f.purchases++
	return &supplier.PurchaseResponse{
		CardCode:     fmt.Sprintf("CODE-%s-%d", req.BrandID, f.purchases),
		SupplierRef:  fmt.Sprintf("ref-%d", f.purchases),
		Denomination: req.Denomination,
	}, nil
}

func (f *fakeSupplier) Balance(_ context.Context, _ string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeSupplier) Name() string { return "fake" }

func (f *fakeSupplier) purchaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purchases
}

func newTestCoordinator(t *testing.T) (*engine.Coordinator, *store.Memory, *fakeSupplier) {
	t.Helper()
	mem := store.NewMemory()
	sup := &fakeSupplier{balance: decimal.NewFromInt(25)}
	prov := engine.NewProvisioner(mem, sup)
	coord := engine.NewCoordinator(mem, prov, nil)
	coord.SetDispatch(nil)
	return coord, mem, sup
}

func claimReq(recipient, campaign string, condition int) engine.ClaimRequest {
	return engine.ClaimRequest{
		RecipientID:     engine.RecipientID(recipient),
		CampaignID:      engine.CampaignID(campaign),
		ConditionNumber: condition,
		BrandID:         "brand-a",
		Denomination:    decimal.NewFromInt(25),
		OwnerClientID:   "client-1",
	}
}

func seedUnit(t *testing.T, mem *store.Memory, code string) engine.InventoryUnit {
	t.Helper()
	unit := engine.InventoryUnit{
		ID:             engine.NewUnitID(),
		BrandID:        "brand-a",
		Denomination:   decimal.NewFromInt(25),
		OwnerClientID:  "client-1",
		SourceCode:     code,
		Status:         engine.UnitAvailable,
		CurrentBalance: decimal.NewFromInt(25),
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	require.NoError(t, mem.InsertUnit(context.Background(), unit))
	return unit
}

// =============================================================================
// IDEMPOTENCY TESTS
// =============================================================================

func TestCoordinator_DuplicateTrigger_ReplaysFirstOutcome(t *testing.T) {
	// GIVEN: A recipient already claimed condition 1 on a campaign
	// WHEN: The same trigger fires again
	// THEN: The original outcome is replayed; no second unit is assigned

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedUnit(t, mem, "CODE-1")
	seedUnit(t, mem, "CODE-2")

	first, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeClaimed, first.Outcome)
	assert.False(t, first.Replayed)

	second, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)
	assert.True(t, second.Replayed, "duplicate trigger should replay")
	assert.Equal(t, first.ClaimID, second.ClaimID)
	assert.Equal(t, *first.InventoryUnitID, *second.InventoryUnitID)

	// Only one unit left the available pool.
	available, err := mem.ListByStatus(ctx, engine.UnitAvailable)
	require.NoError(t, err)
	assert.Len(t, available, 1)
}

func TestCoordinator_ConcurrentSameKey_ExactlyOneUnitAssigned(t *testing.T) {
	// GIVEN: Plenty of stock
	// WHEN: 20 goroutines fire the identical trigger at once
	// THEN: Exactly one claim wins; everyone observes the same unit

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		seedUnit(t, mem, fmt.Sprintf("CODE-%d", i))
	}

	const callers = 20
	results := make([]*engine.ClaimResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	// A loser that replays while the winner is still mid-fulfillment
	// legitimately observes Pending; it must still see the same claim.
	var winner *engine.ClaimResult
	for _, res := range results {
		assert.Equal(t, results[0].ClaimID, res.ClaimID, "all callers see the first writer's claim")
		if res.Replayed {
			require.Contains(t, []engine.ClaimOutcome{engine.OutcomeClaimed, engine.OutcomePending}, res.Outcome)
			if res.Outcome == engine.OutcomeClaimed {
				require.NotNil(t, res.InventoryUnitID)
			}
			continue
		}
		require.Nil(t, winner, "exactly one caller should win the insert")
		winner = res
	}
	require.NotNil(t, winner, "exactly one caller should win the insert")
	require.Equal(t, engine.OutcomeClaimed, winner.Outcome)
	require.NotNil(t, winner.InventoryUnitID)
	for _, res := range results {
		if res.InventoryUnitID != nil {
			assert.Equal(t, *winner.InventoryUnitID, *res.InventoryUnitID)
		}
	}

	assigned, err := mem.ListByStatus(ctx, engine.UnitAssigned)
	require.NoError(t, err)
	assert.Len(t, assigned, 1, "exactly one unit should be assigned")
}

func TestCoordinator_DifferentConditions_AreSeparateClaims(t *testing.T) {
	// GIVEN: The same recipient and campaign
	// WHEN: Conditions 1 and 2 both fire
	// THEN: Two distinct claims, two distinct units

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedUnit(t, mem, "CODE-1")
	seedUnit(t, mem, "CODE-2")

	res1, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)
	res2, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 2))
	require.NoError(t, err)

	assert.NotEqual(t, res1.ClaimID, res2.ClaimID)
	assert.NotEqual(t, *res1.InventoryUnitID, *res2.InventoryUnitID)
}

// =============================================================================
// PROVISIONING OUTCOME TESTS
// =============================================================================

func TestCoordinator_EmptyPool_PurchasesFromSupplier(t *testing.T) {
	// GIVEN: No local stock
	// WHEN: A trigger fires
	// THEN: The supplier is called once and the claim resolves Claimed

	coord, mem, sup := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)

	assert.Equal(t, engine.OutcomeClaimed, res.Outcome)
	assert.Equal(t, 1, sup.purchaseCount())

	unit, err := mem.GetUnit(ctx, *res.InventoryUnitID)
	require.NoError(t, err)
	assert.Equal(t, engine.UnitAssigned, unit.Status)
	assert.Equal(t, res.ClaimID, unit.AssignedClaimID)
}

func TestCoordinator_SupplierOutOfStock_ResolvesOutOfStock(t *testing.T) {
	// GIVEN: No local stock and a supplier reporting out_of_stock
	// WHEN: A trigger fires
	// THEN: The claim resolves to the terminal OutOfStock outcome

	coord, mem, sup := newTestCoordinator(t)
	ctx := context.Background()
	sup.purchaseErr = &supplier.Error{Kind: supplier.KindOutOfStock, Message: "no stock"}

	res, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)

	assert.Equal(t, engine.OutcomeOutOfStock, res.Outcome)
	assert.Contains(t, res.FailureReason, "out_of_stock")

	claim, err := mem.GetClaim(ctx, res.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeOutOfStock, claim.Outcome)
	assert.NotNil(t, claim.ResolvedAt)
}

func TestCoordinator_SupplierUnavailable_ResolvesProvisioningFailed(t *testing.T) {
	// GIVEN: No local stock and a supplier that is down
	// WHEN: A trigger fires
	// THEN: The claim resolves ProvisioningFailed and replays as such

	coord, _, sup := newTestCoordinator(t)
	ctx := context.Background()
	sup.purchaseErr = &supplier.Error{Kind: supplier.KindUnavailable, Message: "timeout", StatusCode: 503}

	res, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeProvisioningFailed, res.Outcome)

	// Terminal: the retry arrives as a replay, not a new attempt.
	sup.purchaseErr = nil
	replay, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, engine.OutcomeProvisioningFailed, replay.Outcome)
	assert.Equal(t, 0, sup.purchaseCount(), "replay must not re-provision")
}

// =============================================================================
// DISPATCH HAND-OFF TESTS
// =============================================================================

func TestCoordinator_WithDestination_HandsOffToDispatcher(t *testing.T) {
	// GIVEN: A trigger carrying a delivery destination
	// WHEN: The claim resolves Claimed
	// THEN: The dispatcher receives the claim exactly once

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedUnit(t, mem, "CODE-1")

	var gotClaim engine.ClaimID
	var gotChannel engine.Channel
	var gotDest string
	calls := 0
	coord.SetDispatch(func(claimID engine.ClaimID, ch engine.Channel, destination string) {
		calls++
		gotClaim, gotChannel, gotDest = claimID, ch, destination
	})

	req := claimReq("rec-1", "camp-1", 1)
	req.Channel = engine.ChannelSMS
	req.Destination = "+15550001111"

	res, err := coord.Claim(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, res.ClaimID, gotClaim)
	assert.Equal(t, engine.ChannelSMS, gotChannel)
	assert.Equal(t, "+15550001111", gotDest)
}

func TestCoordinator_NoDestination_SkipsDispatch(t *testing.T) {
	// GIVEN: A trigger with no destination
	// WHEN: The claim resolves Claimed
	// THEN: Nothing is dispatched; the unit stays Assigned

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedUnit(t, mem, "CODE-1")

	calls := 0
	coord.SetDispatch(func(engine.ClaimID, engine.Channel, string) { calls++ })

	res, err := coord.Claim(ctx, claimReq("rec-1", "camp-1", 1))
	require.NoError(t, err)

	assert.Equal(t, 0, calls)
	unit, err := mem.GetUnit(ctx, *res.InventoryUnitID)
	require.NoError(t, err)
	assert.Equal(t, engine.UnitAssigned, unit.Status)
}

// =============================================================================
// RECOVERY SWEEP TESTS
// =============================================================================

func TestCoordinator_SweepStale_RecoversOrphanedClaim(t *testing.T) {
	// GIVEN: A Pending claim left behind by a crash, and available stock
	// WHEN: The sweep runs
	// THEN: The claim resolves Claimed and its unit is Assigned

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()
	seedUnit(t, mem, "CODE-1")

	orphan := engine.ClaimRecord{
		ID:              engine.NewClaimID(),
		RecipientID:     "rec-1",
		CampaignID:      "camp-1",
		ConditionNumber: 1,
		BrandID:         "brand-a",
		Denomination:    decimal.NewFromInt(25),
		OwnerClientID:   "client-1",
		Outcome:         engine.OutcomePending,
		RequestedAt:     time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, mem.CreateClaim(ctx, orphan))

	report, err := coord.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 0, report.Failed)

	claim, err := mem.GetClaim(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeClaimed, claim.Outcome)
	require.NotNil(t, claim.InventoryUnitID)

	unit, err := mem.GetUnit(ctx, *claim.InventoryUnitID)
	require.NoError(t, err)
	assert.Equal(t, engine.UnitAssigned, unit.Status, "recovered unit waits for operator delivery")
}

func TestCoordinator_SweepStale_FailsUnprovisionableClaim(t *testing.T) {
	// GIVEN: A stale Pending claim, no stock, supplier out of stock
	// WHEN: The sweep runs
	// THEN: The claim resolves to a terminal failure, not left Pending

	coord, mem, sup := newTestCoordinator(t)
	ctx := context.Background()
	sup.purchaseErr = &supplier.Error{Kind: supplier.KindOutOfStock, Message: "no stock"}

	orphan := engine.ClaimRecord{
		ID:              engine.NewClaimID(),
		RecipientID:     "rec-1",
		CampaignID:      "camp-1",
		ConditionNumber: 1,
		BrandID:         "brand-a",
		Denomination:    decimal.NewFromInt(25),
		OwnerClientID:   "client-1",
		Outcome:         engine.OutcomePending,
		RequestedAt:     time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, mem.CreateClaim(ctx, orphan))

	report, err := coord.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	claim, err := mem.GetClaim(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeOutOfStock, claim.Outcome)
}

func TestCoordinator_SweepStale_IgnoresFreshPending(t *testing.T) {
	// GIVEN: A Pending claim younger than the timeout
	// WHEN: The sweep runs
	// THEN: It is left alone

	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()

	fresh := engine.ClaimRecord{
		ID:              engine.NewClaimID(),
		RecipientID:     "rec-1",
		CampaignID:      "camp-1",
		ConditionNumber: 1,
		BrandID:         "brand-a",
		Denomination:    decimal.NewFromInt(25),
		OwnerClientID:   "client-1",
		Outcome:         engine.OutcomePending,
		RequestedAt:     time.Now(),
	}
	require.NoError(t, mem.CreateClaim(ctx, fresh))

	report, err := coord.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)

	claim, err := mem.GetClaim(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomePending, claim.Outcome)
}
