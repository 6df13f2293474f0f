/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.Store (inventory, claims, delivery attempts, balance
  checks) using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

LOAD-BEARING CONSTRAINTS:
  Two unique indexes are correctness mechanisms, not mere indexes:
  - idx_claims_key on claim_records(recipient_id, campaign_id,
    condition_number): converts racing duplicate triggers into a
    first-writer-wins insert (the idempotency key).
  - idx_units_source_code on inventory_units(source_code): one redemption
    code can never exist twice in the pool.

COMPARE-AND-SWAP TRANSITIONS:
  Every status change is a single conditional UPDATE guarded by the
  expected predecessor status; a zero row count means the unit moved under
  us and the transition is rejected. ReserveOne selects a candidate and
  retries the conditional update until it wins a unit or the pool is empty.
  No read-modify-write in two steps anywhere.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/fulfillment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ engine.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Inventory units (gift card pool)
	CREATE TABLE IF NOT EXISTS inventory_units (
		id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL,
		denomination TEXT NOT NULL,
		owner_client_id TEXT NOT NULL,
		source_code TEXT NOT NULL,
		status TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		failure_reason TEXT,
		assigned_claim_id TEXT,
		last_balance_check_at TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one redemption code can never exist twice
	CREATE UNIQUE INDEX IF NOT EXISTS idx_units_source_code
		ON inventory_units(source_code);

	-- Pool lookup (hot path for ReserveOne)
	CREATE INDEX IF NOT EXISTS idx_units_pool
		ON inventory_units(brand_id, denomination, owner_client_id, status);
	CREATE INDEX IF NOT EXISTS idx_units_status
		ON inventory_units(status);

	-- Claim records (audit trail, never deleted)
	CREATE TABLE IF NOT EXISTS claim_records (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		condition_number INTEGER NOT NULL,
		brand_id TEXT NOT NULL,
		denomination TEXT NOT NULL,
		owner_client_id TEXT NOT NULL,
		inventory_unit_id TEXT,
		outcome TEXT NOT NULL,
		failure_reason TEXT,
		requested_at TEXT NOT NULL,
		resolved_at TEXT
	);

	-- CRITICAL: the idempotency key. Racing duplicate triggers collapse
	-- into a first-writer-wins insert on this index.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_key
		ON claim_records(recipient_id, campaign_id, condition_number);

	CREATE INDEX IF NOT EXISTS idx_claims_outcome
		ON claim_records(outcome);
	CREATE INDEX IF NOT EXISTS idx_claims_requested_at
		ON claim_records(requested_at);

	-- Delivery attempts (immutable once written)
	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		claim_record_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		provider_message_id TEXT,
		error_message TEXT,
		attempted_at TEXT NOT NULL,
		UNIQUE(claim_record_id, attempt_number)
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_claim
		ON delivery_attempts(claim_record_id);

	-- Balance checks (append-only history)
	CREATE TABLE IF NOT EXISTS balance_checks (
		id TEXT PRIMARY KEY,
		inventory_unit_id TEXT NOT NULL,
		checked_at TEXT NOT NULL,
		reported_balance TEXT NOT NULL,
		discrepancy TEXT NOT NULL,
		source TEXT NOT NULL,
		failed BOOLEAN DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_checks_unit
		ON balance_checks(inventory_unit_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// INVENTORY STORE (engine.InventoryStore interface)
// =============================================================================

const unitColumns = `id, brand_id, denomination, owner_client_id, source_code, status,
	current_balance, failure_reason, assigned_claim_id, last_balance_check_at, created_at`

// ReserveOne atomically claims one Available unit for the pool key.
//
// The conditional UPDATE is the compare-and-swap: it only fires if the
// candidate is still Available. Losing the race (zero rows affected) just
// means another caller took that unit first; pick the next candidate.
func (s *Store) ReserveOne(ctx context.Context, brand engine.BrandID, denomination decimal.Decimal, owner engine.ClientID) (*engine.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM inventory_units
			WHERE brand_id = ? AND denomination = ? AND owner_client_id = ? AND status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, brand, denomination.String(), owner, engine.UnitAvailable).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, engine.ErrNoAvailableUnit
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select candidate unit: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE inventory_units SET status = ?
			WHERE id = ? AND status = ?
		`, engine.UnitReserved, id, engine.UnitAvailable)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve unit: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			return s.getUnitLocked(ctx, engine.UnitID(id))
		}
		// Lost the race for this candidate; try the next one.
	}
}

// InsertUnit persists one unit (provisioning path; arrives Reserved).
func (s *Store) InsertUnit(ctx context.Context, unit engine.InventoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertUnit(ctx, unit)
}

func (s *Store) insertUnit(ctx context.Context, unit engine.InventoryUnit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_units
		(id, brand_id, denomination, owner_client_id, source_code, status,
		 current_balance, failure_reason, assigned_claim_id, last_balance_check_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		unit.ID,
		unit.BrandID,
		unit.Denomination.String(),
		unit.OwnerClientID,
		unit.SourceCode,
		unit.Status,
		unit.CurrentBalance.String(),
		nullString(unit.FailureReason),
		nullString(string(unit.AssignedClaimID)),
		nullTime(unit.LastBalanceCheckAt),
		unit.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateSourceCode
		}
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	return nil
}

// InsertBatch bulk-inserts imported units, reporting duplicates as skipped.
func (s *Store) InsertBatch(ctx context.Context, units []engine.InventoryUnit) (*engine.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &engine.BatchResult{}
	for _, u := range units {
		err := s.insertUnit(ctx, u)
		if err == engine.ErrDuplicateSourceCode {
			result.Duplicates = append(result.Duplicates, u.SourceCode)
			continue
		}
		if err != nil {
			return result, err
		}
		result.Inserted++
	}
	return result, nil
}

// transition performs a CAS status change guarded by the expected
// predecessor. A zero row count is classified as either a missing unit or
// an invalid transition, never silently swallowed.
func (s *Store) transition(ctx context.Context, id engine.UnitID, from []engine.UnitStatus, to engine.UnitStatus, extraSet string, extraArgs ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(from))
	args := []any{to}
	args = append(args, extraArgs...)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	args = append(args, id)

	set := "status = ?"
	if extraSet != "" {
		set += ", " + extraSet
	}
	query := fmt.Sprintf(`
		UPDATE inventory_units SET %s
		WHERE status IN (%s) AND id = ?
	`, set, strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition unit %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	current, err := s.getUnitLocked(ctx, id)
	if err != nil {
		return err
	}
	return &engine.InvalidTransitionError{UnitID: id, From: current.Status, To: to}
}

func (s *Store) MarkAssigned(ctx context.Context, id engine.UnitID, claimID engine.ClaimID) error {
	return s.transition(ctx, id, []engine.UnitStatus{engine.UnitReserved}, engine.UnitAssigned,
		"assigned_claim_id = ?", string(claimID))
}

// MarkDelivering is the delivery lock. Two racing Deliver calls both issue
// this CAS; the conditional UPDATE lets exactly one through.
func (s *Store) MarkDelivering(ctx context.Context, id engine.UnitID) error {
	return s.transition(ctx, id, []engine.UnitStatus{engine.UnitAssigned}, engine.UnitDelivering, "")
}

func (s *Store) ReleaseDelivering(ctx context.Context, id engine.UnitID) error {
	return s.transition(ctx, id, []engine.UnitStatus{engine.UnitDelivering}, engine.UnitAssigned, "")
}

func (s *Store) MarkDelivered(ctx context.Context, id engine.UnitID) error {
	return s.transition(ctx, id, []engine.UnitStatus{engine.UnitDelivering}, engine.UnitDelivered, "")
}

func (s *Store) MarkFailed(ctx context.Context, id engine.UnitID, reason string) error {
	return s.transition(ctx, id, []engine.UnitStatus{engine.UnitReserved, engine.UnitAssigned, engine.UnitDelivering}, engine.UnitFailed,
		"failure_reason = ?", reason)
}

// ExpireOlderThan sweeps stale Available units into Expired.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_units SET status = ?
		WHERE status = ? AND created_at < ?
	`, engine.UnitExpired, engine.UnitAvailable, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to expire units: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// UpdateBalance records a verified balance without touching status.
func (s *Store) UpdateBalance(ctx context.Context, id engine.UnitID, balance decimal.Decimal, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_units SET current_balance = ?, last_balance_check_at = ?
		WHERE id = ?
	`, balance.String(), checkedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return engine.ErrUnitNotFound
	}
	return nil
}

func (s *Store) GetUnit(ctx context.Context, id engine.UnitID) (*engine.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUnitLocked(ctx, id)
}

func (s *Store) getUnitLocked(ctx context.Context, id engine.UnitID) (*engine.InventoryUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM inventory_units WHERE id = ?`, id)
	unit, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrUnitNotFound
	}
	return unit, err
}

func (s *Store) ListByStatus(ctx context.Context, status engine.UnitStatus) ([]engine.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryUnits(ctx, `
		SELECT `+unitColumns+` FROM inventory_units
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, status)
}

func (s *Store) ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]engine.InventoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryUnits(ctx, `
		SELECT `+unitColumns+` FROM inventory_units
		WHERE status = ? AND (last_balance_check_at IS NULL OR last_balance_check_at < ?)
		ORDER BY created_at ASC, id ASC
	`, engine.UnitDelivered, cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]engine.InventoryUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}
	defer rows.Close()

	var units []engine.InventoryUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *unit)
	}
	return units, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUnit(row scannable) (*engine.InventoryUnit, error) {
	var (
		unit          engine.InventoryUnit
		denomination  string
		balance       string
		failureReason sql.NullString
		claimID       sql.NullString
		lastCheck     sql.NullString
		createdAt     string
	)
	err := row.Scan(
		&unit.ID,
		&unit.BrandID,
		&denomination,
		&unit.OwnerClientID,
		&unit.SourceCode,
		&unit.Status,
		&balance,
		&failureReason,
		&claimID,
		&lastCheck,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	unit.Denomination = engine.MustParseDecimal(denomination)
	unit.CurrentBalance = engine.MustParseDecimal(balance)
	unit.FailureReason = failureReason.String
	unit.AssignedClaimID = engine.ClaimID(claimID.String)
	unit.CreatedAt = parseTime(createdAt)
	if lastCheck.Valid {
		t := parseTime(lastCheck.String)
		unit.LastBalanceCheckAt = &t
	}
	return &unit, nil
}

// =============================================================================
// CLAIM STORE (engine.ClaimStore interface)
// =============================================================================

const claimColumns = `id, recipient_id, campaign_id, condition_number, brand_id, denomination,
	owner_client_id, inventory_unit_id, outcome, failure_reason, requested_at, resolved_at`

// CreateClaim inserts a Pending claim. The unique index on the claim key
// resolves insert races: losers get ErrDuplicateClaim and replay.
func (s *Store) CreateClaim(ctx context.Context, claim engine.ClaimRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claim_records
		(id, recipient_id, campaign_id, condition_number, brand_id, denomination,
		 owner_client_id, inventory_unit_id, outcome, failure_reason, requested_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		claim.ID,
		claim.RecipientID,
		claim.CampaignID,
		claim.ConditionNumber,
		claim.BrandID,
		claim.Denomination.String(),
		claim.OwnerClientID,
		nullUnitID(claim.InventoryUnitID),
		claim.Outcome,
		nullString(claim.FailureReason),
		claim.RequestedAt.UTC().Format(time.RFC3339Nano),
		nullTime(claim.ResolvedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateClaim
		}
		return fmt.Errorf("failed to create claim: %w", err)
	}
	return nil
}

func (s *Store) GetClaim(ctx context.Context, id engine.ClaimID) (*engine.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claim_records WHERE id = ?`, id)
	claim, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrClaimNotFound
	}
	return claim, err
}

func (s *Store) GetClaimByKey(ctx context.Context, key engine.ClaimKey) (*engine.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE recipient_id = ? AND campaign_id = ? AND condition_number = ?
	`, key.RecipientID, key.CampaignID, key.ConditionNumber)
	claim, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrClaimNotFound
	}
	return claim, err
}

// ResolveClaim moves Pending to a terminal outcome, CAS-guarded on the
// pending state so a claim is only ever resolved once.
func (s *Store) ResolveClaim(ctx context.Context, id engine.ClaimID, outcome engine.ClaimOutcome, unitID *engine.UnitID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE claim_records
		SET outcome = ?, inventory_unit_id = ?, failure_reason = ?, resolved_at = ?
		WHERE id = ? AND outcome = ?
	`, outcome, nullUnitID(unitID), nullString(reason),
		at.UTC().Format(time.RFC3339Nano), id, engine.OutcomePending)
	if err != nil {
		return fmt.Errorf("failed to resolve claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM claim_records WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return engine.ErrClaimNotFound
	}
	return engine.ErrInvalidStateTransition
}

func (s *Store) ListByOutcome(ctx context.Context, outcome engine.ClaimOutcome) ([]engine.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryClaims(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE outcome = ?
		ORDER BY requested_at ASC, id ASC
	`, outcome)
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]engine.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queryClaims(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE outcome = ? AND requested_at < ?
		ORDER BY requested_at ASC, id ASC
	`, engine.OutcomePending, cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *Store) queryClaims(ctx context.Context, query string, args ...any) ([]engine.ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var claims []engine.ClaimRecord
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *claim)
	}
	return claims, rows.Err()
}

func scanClaim(row scannable) (*engine.ClaimRecord, error) {
	var (
		claim         engine.ClaimRecord
		denomination  string
		unitID        sql.NullString
		failureReason sql.NullString
		requestedAt   string
		resolvedAt    sql.NullString
	)
	err := row.Scan(
		&claim.ID,
		&claim.RecipientID,
		&claim.CampaignID,
		&claim.ConditionNumber,
		&claim.BrandID,
		&denomination,
		&claim.OwnerClientID,
		&unitID,
		&claim.Outcome,
		&failureReason,
		&requestedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	claim.Denomination = engine.MustParseDecimal(denomination)
	claim.FailureReason = failureReason.String
	claim.RequestedAt = parseTime(requestedAt)
	if unitID.Valid {
		id := engine.UnitID(unitID.String)
		claim.InventoryUnitID = &id
	}
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		claim.ResolvedAt = &t
	}
	return &claim, nil
}

// =============================================================================
// DELIVERY STORE (engine.DeliveryStore interface)
// =============================================================================

func (s *Store) AppendAttempt(ctx context.Context, attempt engine.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts
		(id, claim_record_id, channel, attempt_number, status,
		 provider_message_id, error_message, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		attempt.ID,
		attempt.ClaimRecordID,
		attempt.Channel,
		attempt.AttemptNumber,
		attempt.Status,
		nullString(attempt.ProviderMessageID),
		nullString(attempt.ErrorMessage),
		attempt.AttemptedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, claimID engine.ClaimID) ([]engine.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claim_record_id, channel, attempt_number, status,
		       provider_message_id, error_message, attempted_at
		FROM delivery_attempts
		WHERE claim_record_id = ?
		ORDER BY attempt_number ASC
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []engine.DeliveryAttempt
	for rows.Next() {
		var (
			a           engine.DeliveryAttempt
			providerID  sql.NullString
			errMessage  sql.NullString
			attemptedAt string
		)
		if err := rows.Scan(&a.ID, &a.ClaimRecordID, &a.Channel, &a.AttemptNumber,
			&a.Status, &providerID, &errMessage, &attemptedAt); err != nil {
			return nil, err
		}
		a.ProviderMessageID = providerID.String
		a.ErrorMessage = errMessage.String
		a.AttemptedAt = parseTime(attemptedAt)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *Store) NextAttemptNumber(ctx context.Context, claimID engine.ClaimID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) FROM delivery_attempts
		WHERE claim_record_id = ?
	`, claimID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query attempt number: %w", err)
	}
	return max + 1, nil
}

// =============================================================================
// BALANCE CHECK STORE (engine.BalanceCheckStore interface)
// =============================================================================

func (s *Store) AppendCheck(ctx context.Context, check engine.BalanceCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_checks
		(id, inventory_unit_id, checked_at, reported_balance, discrepancy, source, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		check.ID,
		check.InventoryUnitID,
		check.CheckedAt.UTC().Format(time.RFC3339Nano),
		check.ReportedBalance.String(),
		check.Discrepancy.String(),
		check.Source,
		check.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to append balance check: %w", err)
	}
	return nil
}

func (s *Store) ListChecks(ctx context.Context, unitID engine.UnitID) ([]engine.BalanceCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inventory_unit_id, checked_at, reported_balance, discrepancy, source, failed
		FROM balance_checks
		WHERE inventory_unit_id = ?
		ORDER BY checked_at ASC, id ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance checks: %w", err)
	}
	defer rows.Close()

	var checks []engine.BalanceCheck
	for rows.Next() {
		var (
			c         engine.BalanceCheck
			checkedAt string
			reported  string
			drift     string
		)
		if err := rows.Scan(&c.ID, &c.InventoryUnitID, &checkedAt, &reported,
			&drift, &c.Source, &c.Failed); err != nil {
			return nil, err
		}
		c.CheckedAt = parseTime(checkedAt)
		c.ReportedBalance = engine.MustParseDecimal(reported)
		c.Discrepancy = engine.MustParseDecimal(drift)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func nullUnitID(id *engine.UnitID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
