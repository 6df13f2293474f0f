// Package store provides engine.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.Store with mutex-guarded maps. Reservation and
// claim creation are atomic under the lock, giving the same first-writer-wins
// semantics the SQLite store gets from its constraints.
type Memory struct {
	mu       sync.Mutex
	units    map[engine.UnitID]*engine.InventoryUnit
	codes    map[string]engine.UnitID // source code -> unit
	claims   map[engine.ClaimID]*engine.ClaimRecord
	keys     map[engine.ClaimKey]engine.ClaimID
	attempts map[engine.ClaimID][]engine.DeliveryAttempt
	checks   map[engine.UnitID][]engine.BalanceCheck
}

func NewMemory() *Memory {
	return &Memory{
		units:    make(map[engine.UnitID]*engine.InventoryUnit),
		codes:    make(map[string]engine.UnitID),
		claims:   make(map[engine.ClaimID]*engine.ClaimRecord),
		keys:     make(map[engine.ClaimKey]engine.ClaimID),
		attempts: make(map[engine.ClaimID][]engine.DeliveryAttempt),
		checks:   make(map[engine.UnitID][]engine.BalanceCheck),
	}
}

var _ engine.Store = (*Memory)(nil)

// =============================================================================
// INVENTORY
// =============================================================================

func (m *Memory) ReserveOne(_ context.Context, brand engine.BrandID, denomination decimal.Decimal, owner engine.ClientID) (*engine.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *engine.InventoryUnit
	for _, u := range m.units {
		if u.Status != engine.UnitAvailable || u.BrandID != brand || u.OwnerClientID != owner {
			continue
		}
		if !u.Denomination.Equal(denomination) {
			continue
		}
		if oldest == nil || u.CreatedAt.Before(oldest.CreatedAt) {
			oldest = u
		}
	}
	if oldest == nil {
		return nil, engine.ErrNoAvailableUnit
	}

	oldest.Status = engine.UnitReserved
	copied := *oldest
	return &copied, nil
}

func (m *Memory) InsertUnit(_ context.Context, unit engine.InventoryUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(unit)
}

func (m *Memory) insertLocked(unit engine.InventoryUnit) error {
	if _, exists := m.codes[unit.SourceCode]; exists {
		return engine.ErrDuplicateSourceCode
	}
	stored := unit
	m.units[unit.ID] = &stored
	m.codes[unit.SourceCode] = unit.ID
	return nil
}

func (m *Memory) InsertBatch(_ context.Context, units []engine.InventoryUnit) (*engine.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &engine.BatchResult{}
	for _, u := range units {
		if err := m.insertLocked(u); err != nil {
			result.Duplicates = append(result.Duplicates, u.SourceCode)
			continue
		}
		result.Inserted++
	}
	return result, nil
}

func (m *Memory) transition(id engine.UnitID, to engine.UnitStatus, mutate func(*engine.InventoryUnit)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.units[id]
	if !ok {
		return engine.ErrUnitNotFound
	}
	if !unit.Status.CanTransitionTo(to) {
		return &engine.InvalidTransitionError{UnitID: id, From: unit.Status, To: to}
	}
	unit.Status = to
	if mutate != nil {
		mutate(unit)
	}
	return nil
}

func (m *Memory) MarkAssigned(_ context.Context, id engine.UnitID, claimID engine.ClaimID) error {
	return m.transition(id, engine.UnitAssigned, func(u *engine.InventoryUnit) {
		u.AssignedClaimID = claimID
	})
}

func (m *Memory) MarkDelivering(_ context.Context, id engine.UnitID) error {
	return m.transition(id, engine.UnitDelivering, nil)
}

func (m *Memory) ReleaseDelivering(_ context.Context, id engine.UnitID) error {
	return m.transition(id, engine.UnitAssigned, nil)
}

func (m *Memory) MarkDelivered(_ context.Context, id engine.UnitID) error {
	return m.transition(id, engine.UnitDelivered, nil)
}

func (m *Memory) MarkFailed(_ context.Context, id engine.UnitID, reason string) error {
	return m.transition(id, engine.UnitFailed, func(u *engine.InventoryUnit) {
		u.FailureReason = reason
	})
}

func (m *Memory) ExpireOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, u := range m.units {
		if u.Status == engine.UnitAvailable && u.CreatedAt.Before(cutoff) {
			u.Status = engine.UnitExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateBalance(_ context.Context, id engine.UnitID, balance decimal.Decimal, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.units[id]
	if !ok {
		return engine.ErrUnitNotFound
	}
	unit.CurrentBalance = balance
	at := checkedAt
	unit.LastBalanceCheckAt = &at
	return nil
}

func (m *Memory) GetUnit(_ context.Context, id engine.UnitID) (*engine.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unit, ok := m.units[id]
	if !ok {
		return nil, engine.ErrUnitNotFound
	}
	copied := *unit
	return &copied, nil
}

func (m *Memory) ListByStatus(_ context.Context, status engine.UnitStatus) ([]engine.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.InventoryUnit
	for _, u := range m.units {
		if u.Status == status {
			out = append(out, *u)
		}
	}
	sortUnits(out)
	return out, nil
}

func (m *Memory) ListDeliveredBefore(_ context.Context, cutoff time.Time) ([]engine.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.InventoryUnit
	for _, u := range m.units {
		if u.Status != engine.UnitDelivered {
			continue
		}
		if u.LastBalanceCheckAt == nil || u.LastBalanceCheckAt.Before(cutoff) {
			out = append(out, *u)
		}
	}
	sortUnits(out)
	return out, nil
}

func sortUnits(units []engine.InventoryUnit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].CreatedAt.Equal(units[j].CreatedAt) {
			return units[i].ID < units[j].ID
		}
		return units[i].CreatedAt.Before(units[j].CreatedAt)
	})
}

// =============================================================================
// CLAIMS
// =============================================================================

func (m *Memory) CreateClaim(_ context.Context, claim engine.ClaimRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := claim.Key()
	if _, exists := m.keys[key]; exists {
		return engine.ErrDuplicateClaim
	}
	stored := claim
	m.claims[claim.ID] = &stored
	m.keys[key] = claim.ID
	return nil
}

func (m *Memory) GetClaim(_ context.Context, id engine.ClaimID) (*engine.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[id]
	if !ok {
		return nil, engine.ErrClaimNotFound
	}
	copied := *claim
	return &copied, nil
}

func (m *Memory) GetClaimByKey(_ context.Context, key engine.ClaimKey) (*engine.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[key]
	if !ok {
		return nil, engine.ErrClaimNotFound
	}
	copied := *m.claims[id]
	return &copied, nil
}

func (m *Memory) ResolveClaim(_ context.Context, id engine.ClaimID, outcome engine.ClaimOutcome, unitID *engine.UnitID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[id]
	if !ok {
		return engine.ErrClaimNotFound
	}
	if claim.Outcome != engine.OutcomePending {
		return engine.ErrInvalidStateTransition
	}
	claim.Outcome = outcome
	claim.InventoryUnitID = unitID
	claim.FailureReason = reason
	resolved := at
	claim.ResolvedAt = &resolved
	return nil
}

func (m *Memory) ListByOutcome(_ context.Context, outcome engine.ClaimOutcome) ([]engine.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.ClaimRecord
	for _, c := range m.claims {
		if c.Outcome == outcome {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *Memory) ListStalePending(_ context.Context, cutoff time.Time) ([]engine.ClaimRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []engine.ClaimRecord
	for _, c := range m.claims {
		if c.Outcome == engine.OutcomePending && c.RequestedAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// =============================================================================
// DELIVERY ATTEMPTS
// =============================================================================

func (m *Memory) AppendAttempt(_ context.Context, attempt engine.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[attempt.ClaimRecordID] = append(m.attempts[attempt.ClaimRecordID], attempt)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, claimID engine.ClaimID) ([]engine.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]engine.DeliveryAttempt, len(m.attempts[claimID]))
	copy(out, m.attempts[claimID])
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *Memory) NextAttemptNumber(_ context.Context, claimID engine.ClaimID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := 0
	for _, a := range m.attempts[claimID] {
		if a.AttemptNumber > max {
			max = a.AttemptNumber
		}
	}
	return max + 1, nil
}

// =============================================================================
// BALANCE CHECKS
// =============================================================================

func (m *Memory) AppendCheck(_ context.Context, check engine.BalanceCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[check.InventoryUnitID] = append(m.checks[check.InventoryUnitID], check)
	return nil
}

func (m *Memory) ListChecks(_ context.Context, unitID engine.UnitID) ([]engine.BalanceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]engine.BalanceCheck, len(m.checks[unitID]))
	copy(out, m.checks[unitID])
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedAt.Before(out[j].CheckedAt) })
	return out, nil
}
