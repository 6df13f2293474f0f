package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fulfillment-engine/channel"
	"github.com/warp/fulfillment-engine/engine"
	"github.com/warp/fulfillment-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeSender replays a scripted sequence of errors; nil means success.
type fakeSender struct {
	script []error
	calls  int
}

func (f *fakeSender) Send(_ context.Context, _ channel.Message) (string, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.script) && f.script[idx] != nil {
		return "", f.script[idx]
	}
	return "provider-msg-1", nil
}

func transientErr() error {
	return &channel.SendError{Transient: true, StatusCode: 503, Message: "provider down"}
}

func permanentErr() error {
	return &channel.SendError{Transient: false, StatusCode: 400, Message: "invalid phone number"}
}

// newTestDispatcher seeds a Claimed claim with an Assigned unit and returns a
// dispatcher whose backoff is effectively zero.
func newTestDispatcher(t *testing.T, sender channel.Sender) (*engine.Dispatcher, *store.Memory, engine.ClaimID) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	unit := seedUnit(t, mem, "CODE-1")
	claim := engine.ClaimRecord{
		ID:              engine.NewClaimID(),
		RecipientID:     "rec-1",
		CampaignID:      "camp-1",
		ConditionNumber: 1,
		BrandID:         unit.BrandID,
		Denomination:    unit.Denomination,
		OwnerClientID:   unit.OwnerClientID,
		Outcome:         engine.OutcomePending,
		RequestedAt:     time.Now(),
	}
	require.NoError(t, mem.CreateClaim(ctx, claim))

	reserved, err := mem.ReserveOne(ctx, unit.BrandID, unit.Denomination, unit.OwnerClientID)
	require.NoError(t, err)
	require.NoError(t, mem.ResolveClaim(ctx, claim.ID, engine.OutcomeClaimed, &reserved.ID, "", time.Now()))
	require.NoError(t, mem.MarkAssigned(ctx, reserved.ID, claim.ID))

	disp := engine.NewDispatcher(mem,
		map[engine.Channel]channel.Sender{engine.ChannelSMS: sender},
		engine.DispatcherConfig{MaxAttempts: 3, BackoffBase: time.Millisecond})
	return disp, mem, claim.ID
}

func assignedUnitID(t *testing.T, mem *store.Memory, claimID engine.ClaimID) engine.UnitID {
	t.Helper()
	claim, err := mem.GetClaim(context.Background(), claimID)
	require.NoError(t, err)
	require.NotNil(t, claim.InventoryUnitID)
	return *claim.InventoryUnitID
}

// =============================================================================
// RETRY POLICY TESTS
// =============================================================================

func TestDispatcher_FirstAttemptSucceeds_MarksDelivered(t *testing.T) {
	// GIVEN: A healthy provider
	// WHEN: Deliver runs
	// THEN: One Sent attempt is recorded and the unit moves to Delivered

	sender := &fakeSender{}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	outcome, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryDelivered, outcome)
	assert.Equal(t, 1, sender.calls)

	attempts, err := mem.ListAttempts(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, engine.AttemptSent, attempts[0].Status)
	assert.Equal(t, "provider-msg-1", attempts[0].ProviderMessageID)
	assert.Equal(t, 1, attempts[0].AttemptNumber)

	unit, err := mem.GetUnit(ctx, assignedUnitID(t, mem, claimID))
	require.NoError(t, err)
	assert.Equal(t, engine.UnitDelivered, unit.Status)
}

func TestDispatcher_TransientFailures_RetriesUpToCap(t *testing.T) {
	// GIVEN: A provider that fails transiently on every call
	// WHEN: Deliver runs with MaxAttempts=3
	// THEN: Exactly 3 attempts are recorded, the last one Exhausted

	sender := &fakeSender{script: []error{transientErr(), transientErr(), transientErr()}}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	outcome, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryExhausted, outcome)
	assert.Equal(t, 3, sender.calls, "retry budget is a hard cap")

	attempts, err := mem.ListAttempts(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, engine.AttemptFailed, attempts[0].Status)
	assert.Equal(t, engine.AttemptFailed, attempts[1].Status)
	assert.Equal(t, engine.AttemptExhausted, attempts[2].Status)
}

func TestDispatcher_TransientThenSuccess_StopsRetrying(t *testing.T) {
	// GIVEN: A provider that recovers on the second call
	// WHEN: Deliver runs
	// THEN: Two attempts: one Failed, one Sent

	sender := &fakeSender{script: []error{transientErr(), nil}}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	outcome, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryDelivered, outcome)

	attempts, err := mem.ListAttempts(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, engine.AttemptFailed, attempts[0].Status)
	assert.Equal(t, engine.AttemptSent, attempts[1].Status)
}

func TestDispatcher_PermanentFailure_ShortCircuits(t *testing.T) {
	// GIVEN: A provider rejecting the destination outright
	// WHEN: Deliver runs
	// THEN: A single Exhausted attempt; no retry budget is burned

	sender := &fakeSender{script: []error{permanentErr()}}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	outcome, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryExhausted, outcome)
	assert.Equal(t, 1, sender.calls, "permanent error must not retry")

	attempts, err := mem.ListAttempts(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, engine.AttemptExhausted, attempts[0].Status)
	assert.Contains(t, attempts[0].ErrorMessage, "invalid phone number")
}

func TestDispatcher_Exhaustion_LeavesUnitAssigned(t *testing.T) {
	// GIVEN: Delivery exhausts its retry budget
	// WHEN: The outcome is Exhausted
	// THEN: The unit stays Assigned; it never returns to Available

	sender := &fakeSender{script: []error{transientErr(), transientErr(), transientErr()}}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	_, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)

	unit, err := mem.GetUnit(ctx, assignedUnitID(t, mem, claimID))
	require.NoError(t, err)
	assert.Equal(t, engine.UnitAssigned, unit.Status, "stuck reward waits for the operator")
}

// =============================================================================
// EXCLUSIVITY TESTS
// =============================================================================

// blockingSender parks inside Send until released, so a second Deliver call
// can race the first one deterministically.
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (b *blockingSender) Send(_ context.Context, _ channel.Message) (string, error) {
	atomic.AddInt32(&b.calls, 1)
	b.entered <- struct{}{}
	<-b.release
	return "provider-msg-1", nil
}

func TestDispatcher_ConcurrentDeliver_SendsCodeAtMostOnce(t *testing.T) {
	// GIVEN: A Deliver call parked inside the provider send
	// WHEN: A second Deliver races it for the same claim
	// THEN: The racer is rejected before reaching the provider; exactly one
	//       send total

	sender := &blockingSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		winOutcome engine.DeliveryOutcome
		winErr     error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		winOutcome, winErr = disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	}()

	// First call is now mid-send; the unit must be locked.
	<-sender.entered
	unit, err := mem.GetUnit(ctx, assignedUnitID(t, mem, claimID))
	require.NoError(t, err)
	assert.Equal(t, engine.UnitDelivering, unit.Status)

	_, raceErr := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	assert.ErrorIs(t, raceErr, engine.ErrDeliveryInFlight)

	close(sender.release)
	wg.Wait()

	require.NoError(t, winErr)
	assert.Equal(t, engine.DeliveryDelivered, winOutcome)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sender.calls), "card code must reach the provider at most once")

	attempts, err := mem.ListAttempts(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

// =============================================================================
// REDELIVERY TESTS
// =============================================================================

func TestDispatcher_Redelivery_ContinuesAttemptNumbering(t *testing.T) {
	// GIVEN: A first Deliver call that exhausted at attempt 3
	// WHEN: The operator redelivers and the provider recovers
	// THEN: The new attempt is numbered 4, monotonic across calls

	sender := &fakeSender{script: []error{transientErr(), transientErr(), transientErr(), nil}}
	disp, mem, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	outcome, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	require.Equal(t, engine.DeliveryExhausted, outcome)

	outcome, err = disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryDelivered, outcome)

	attempts, err := mem.ListAttempts(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
	assert.Equal(t, engine.AttemptSent, attempts[3].Status)
}

func TestDispatcher_RedeliverDeliveredClaim_IsNoOp(t *testing.T) {
	// GIVEN: A claim whose unit is already Delivered
	// WHEN: Deliver is called again
	// THEN: No provider call, outcome Delivered

	sender := &fakeSender{}
	disp, _, claimID := newTestDispatcher(t, sender)
	ctx := context.Background()

	_, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	require.Equal(t, 1, sender.calls)

	outcome, err := disp.Deliver(ctx, claimID, engine.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryDelivered, outcome)
	assert.Equal(t, 1, sender.calls, "no-op redelivery must not resend")
}

// =============================================================================
// PRECONDITION TESTS
// =============================================================================

func TestDispatcher_UnresolvedClaim_IsNotDeliverable(t *testing.T) {
	// GIVEN: A claim still Pending
	// WHEN: Deliver is called
	// THEN: ErrClaimNotDeliverable, no attempt recorded

	sender := &fakeSender{}
	mem := store.NewMemory()
	claim := engine.ClaimRecord{
		ID:              engine.NewClaimID(),
		RecipientID:     "rec-1",
		CampaignID:      "camp-1",
		ConditionNumber: 1,
		Outcome:         engine.OutcomePending,
		RequestedAt:     time.Now(),
	}
	require.NoError(t, mem.CreateClaim(context.Background(), claim))

	disp := engine.NewDispatcher(mem,
		map[engine.Channel]channel.Sender{engine.ChannelSMS: sender},
		engine.DefaultDispatcherConfig())

	_, err := disp.Deliver(context.Background(), claim.ID, engine.ChannelSMS, "+15550001111")
	assert.ErrorIs(t, err, engine.ErrClaimNotDeliverable)
	assert.Equal(t, 0, sender.calls)
}

func TestDispatcher_UnknownChannel_Errors(t *testing.T) {
	// GIVEN: No sender registered for email
	// WHEN: Deliver is called on that channel
	// THEN: ErrNoSender

	sender := &fakeSender{}
	disp, _, claimID := newTestDispatcher(t, sender)

	_, err := disp.Deliver(context.Background(), claimID, engine.ChannelEmail, "a@b.com")
	assert.ErrorIs(t, err, engine.ErrNoSender)
}
