/*
dispatch.go - Delivery with capped retries and permanent-error short-circuit

PURPOSE:
  Pushes a claimed reward to the recipient over SMS or email and converges
  to a terminal delivery state. Every attempt is recorded, successful or
  not; attempt numbers stay monotonic per claim across operator
  redeliveries.

RETRY POLICY:
  Up to MaxAttempts tries with exponential backoff, but only for
  classified-transient provider errors. A permanent error (invalid phone
  number, hard reject) exhausts immediately without burning the budget.

EXCLUSIVITY:
  Deliver holds the unit in Delivering for the duration of the call. The
  Assigned -> Delivering CAS is the lock: a racing Deliver (auto-dispatch
  retry vs. operator redelivery) loses the CAS and returns
  ErrDeliveryInFlight without ever calling a provider, so the card code is
  transmitted at most once per confirmed send.

EXHAUSTION:
  On Exhausted the unit is released back to Assigned. The reward exists
  but is stuck; an operator redelivers it manually. Delivery failure never
  returns the unit to Available, because the failure may be a false
  negative (the SMS sent but the acknowledgment was lost) and re-issuing
  the code would be a double delivery.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/fulfillment-engine/channel"
)

// DeliveryOutcome is the terminal result of one Deliver call.
type DeliveryOutcome string

const (
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryExhausted DeliveryOutcome = "exhausted"
)

// DispatcherConfig carries the tunable retry parameters.
type DispatcherConfig struct {
	MaxAttempts int           // retry budget per Deliver call
	BackoffBase time.Duration // first retry delay, doubled each attempt
}

// DefaultDispatcherConfig is the production retry policy.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

// Dispatcher sends claimed rewards through registered channel senders.
type Dispatcher struct {
	store   Store
	senders map[Channel]channel.Sender
	cfg     DispatcherConfig
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(store Store, senders map[Channel]channel.Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Dispatcher{
		store:   store,
		senders: senders,
		cfg:     cfg,
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver pushes the claim's card to destination over ch. It requires a
// Claimed record with an Assigned unit. Returns DeliveryDelivered or
// DeliveryExhausted; a non-nil error means delivery could not even start.
func (d *Dispatcher) Deliver(ctx context.Context, claimID ClaimID, ch Channel, destination string) (DeliveryOutcome, error) {
	sender, ok := d.senders[ch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSender, ch)
	}

	claim, err := d.store.GetClaim(ctx, claimID)
	if err != nil {
		return "", err
	}
	if claim.Outcome != OutcomeClaimed || claim.InventoryUnitID == nil {
		return "", fmt.Errorf("%w: claim %s outcome=%s", ErrClaimNotDeliverable, claimID, claim.Outcome)
	}

	unit, err := d.store.GetUnit(ctx, *claim.InventoryUnitID)
	if err != nil {
		return "", err
	}
	if unit.Status == UnitDelivered {
		// Redelivery of an already delivered claim is a no-op.
		return DeliveryDelivered, nil
	}
	if unit.Status != UnitAssigned && unit.Status != UnitDelivering {
		return "", fmt.Errorf("%w: unit %s status=%s", ErrClaimNotDeliverable, unit.ID, unit.Status)
	}

	// Take the delivery lock. Losing the CAS means another Deliver call is
	// in flight (or just finished); re-reading the status disambiguates.
	if err := d.store.MarkDelivering(ctx, unit.ID); err != nil {
		var transErr *InvalidTransitionError
		if errors.As(err, &transErr) {
			switch transErr.From {
			case UnitDelivering:
				return "", fmt.Errorf("%w: unit %s", ErrDeliveryInFlight, unit.ID)
			case UnitDelivered:
				return DeliveryDelivered, nil
			}
		}
		return "", fmt.Errorf("lock unit for delivery: %w", err)
	}

	delivered := false
	defer func() {
		if delivered {
			return
		}
		// Release must survive a cancelled request context, or the unit
		// stays locked and unredeliverable.
		if relErr := d.store.ReleaseDelivering(context.Background(), unit.ID); relErr != nil {
			log.Printf("[Dispatcher] failed to release unit %s after delivery: %v", unit.ID, relErr)
		}
	}()

	msg := channel.Message{
		Destination:  destination,
		BrandID:      string(unit.BrandID),
		Denomination: unit.Denomination,
		CardCode:     unit.SourceCode,
	}

	for try := 1; try <= d.cfg.MaxAttempts; try++ {
		number, err := d.store.NextAttemptNumber(ctx, claimID)
		if err != nil {
			return "", fmt.Errorf("next attempt number: %w", err)
		}

		providerID, sendErr := sender.Send(ctx, msg)

		attempt := DeliveryAttempt{
			ID:            NewAttemptID(),
			ClaimRecordID: claimID,
			Channel:       ch,
			AttemptNumber: number,
			AttemptedAt:   d.nowFunc(),
		}

		if sendErr == nil {
			attempt.Status = AttemptSent
			attempt.ProviderMessageID = providerID
			if err := d.store.AppendAttempt(ctx, attempt); err != nil {
				return "", fmt.Errorf("record attempt: %w", err)
			}
			if err := d.store.MarkDelivered(ctx, unit.ID); err != nil {
				return "", fmt.Errorf("mark delivered: %w", err)
			}
			delivered = true
			log.Printf("[Dispatcher] delivered claim=%s unit=%s channel=%s attempt=%d provider_id=%s",
				claimID, unit.ID, ch, number, providerID)
			return DeliveryDelivered, nil
		}

		attempt.ErrorMessage = sendErr.Error()
		lastTry := try == d.cfg.MaxAttempts || !channel.IsTransient(sendErr)
		if lastTry {
			attempt.Status = AttemptExhausted
		} else {
			attempt.Status = AttemptFailed
		}
		if err := d.store.AppendAttempt(ctx, attempt); err != nil {
			return "", fmt.Errorf("record attempt: %w", err)
		}

		if lastTry {
			log.Printf("[Dispatcher] exhausted claim=%s unit=%s channel=%s attempts=%d error=%q",
				claimID, unit.ID, ch, try, sendErr)
			return DeliveryExhausted, nil
		}

		// Exponential backoff: base, 2*base, 4*base, ...
		delay := d.cfg.BackoffBase << (try - 1)
		if err := d.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	// Unreachable: the loop always terminates via lastTry.
	return DeliveryExhausted, nil
}
