/*
Package importer loads gift card inventory from CSV files.

PURPOSE:
  The admin UI uploads client-purchased card batches as CSV. Each row
  becomes one Available InventoryUnit. Row-level problems (missing fields,
  bad denominations) are collected into the report instead of aborting the
  import; duplicate redemption codes are skipped by the store's unique
  constraint and reported, not errored.

FORMAT:
  brand_id,denomination,owner_client_id,source_code
  amazon,25.00,client-001,AMZN-XXXX-YYYY
*/
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fulfillment-engine/engine"
)

// ImportReport summarizes one CSV import.
type ImportReport struct {
	Imported   int      `json:"imported"`
	Duplicates []string `json:"duplicates,omitempty"` // skipped source codes
	Errors     []string `json:"errors,omitempty"`     // per-row validation failures
}

// Importer parses CSV batches into the inventory store.
type Importer struct {
	inventory engine.InventoryStore
	nowFunc   func() time.Time
}

func New(inventory engine.InventoryStore) *Importer {
	return &Importer{inventory: inventory, nowFunc: time.Now}
}

var expectedHeader = []string{"brand_id", "denomination", "owner_client_id", "source_code"}

// ImportCSV reads units from r and bulk-inserts them. Only a malformed
// header or an unreadable stream is a hard error; row problems land in the
// report.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader) (*ImportReport, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	report := &ImportReport{}
	var units []engine.InventoryUnit
	now := im.nowFunc()

	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		unit, err := parseRow(row, now)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		units = append(units, *unit)
	}

	if len(units) > 0 {
		result, err := im.inventory.InsertBatch(ctx, units)
		if err != nil {
			return report, fmt.Errorf("insert batch: %w", err)
		}
		report.Imported = result.Inserted
		report.Duplicates = result.Duplicates
	}
	return report, nil
}

func checkHeader(header []string) error {
	if len(header) != len(expectedHeader) {
		return fmt.Errorf("expected header %v, got %v", expectedHeader, header)
	}
	for i, col := range expectedHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != col {
			return fmt.Errorf("expected header column %q, got %q", col, header[i])
		}
	}
	return nil
}

func parseRow(row []string, now time.Time) (*engine.InventoryUnit, error) {
	if len(row) != 4 {
		return nil, fmt.Errorf("expected 4 fields, got %d", len(row))
	}

	brand := strings.TrimSpace(row[0])
	owner := strings.TrimSpace(row[2])
	code := strings.TrimSpace(row[3])
	if brand == "" || owner == "" || code == "" {
		return nil, fmt.Errorf("brand_id, owner_client_id and source_code are required")
	}

	denomination, err := decimal.NewFromString(strings.TrimSpace(row[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid denomination %q", row[1])
	}
	if !denomination.IsPositive() {
		return nil, fmt.Errorf("denomination must be positive, got %s", denomination)
	}

	return &engine.InventoryUnit{
		ID:             engine.NewUnitID(),
		BrandID:        engine.BrandID(brand),
		Denomination:   denomination,
		OwnerClientID:  engine.ClientID(owner),
		SourceCode:     code,
		Status:         engine.UnitAvailable,
		CurrentBalance: denomination,
		CreatedAt:      now,
	}, nil
}
