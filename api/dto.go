/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Inbound requests carry validator/v10 struct tags and are checked by the
  shared validator in handlers.go before touching the engine.
*/
package api

import (
	"time"

	"github.com/warp/fulfillment-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// TriggerRequest is a condition-met event from the campaign layer.
type TriggerRequest struct {
	RecipientID     string `json:"recipient_id" validate:"required"`
	CampaignID      string `json:"campaign_id" validate:"required"`
	ConditionNumber int    `json:"condition_number" validate:"required,min=1"`
	BrandID         string `json:"brand_id" validate:"required"`
	Denomination    string `json:"denomination" validate:"required"`
	OwnerClientID   string `json:"owner_client_id" validate:"required"`
	Channel         string `json:"channel" validate:"omitempty,oneof=sms email"`
	Destination     string `json:"destination" validate:"required_with=Channel"`
}

// RedeliverRequest is an operator retry for a stuck delivery.
type RedeliverRequest struct {
	Channel     string `json:"channel" validate:"required,oneof=sms email"`
	Destination string `json:"destination" validate:"required"`
}

// BatchReconcileRequest triggers balance checks across a pool of workers.
type BatchReconcileRequest struct {
	UnitIDs []string `json:"unit_ids" validate:"required,min=1,dive,required"`
	Workers int      `json:"workers" validate:"omitempty,min=1,max=32"`
}

// SweepRequest overrides the stale-Pending timeout for a manual sweep.
type SweepRequest struct {
	OlderThanSeconds int `json:"older_than_seconds" validate:"omitempty,min=1"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ClaimResultDTO is returned to the trigger caller.
type ClaimResultDTO struct {
	ClaimID         string `json:"claim_id"`
	Outcome         string `json:"outcome"`
	InventoryUnitID string `json:"inventory_unit_id,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	Replayed        bool   `json:"replayed"`
}

// UnitDTO represents an inventory unit in API responses.
type UnitDTO struct {
	ID                 string `json:"id"`
	BrandID            string `json:"brand_id"`
	Denomination       string `json:"denomination"`
	OwnerClientID      string `json:"owner_client_id"`
	Status             string `json:"status"`
	CurrentBalance     string `json:"current_balance"`
	FailureReason      string `json:"failure_reason,omitempty"`
	AssignedClaimID    string `json:"assigned_claim_id,omitempty"`
	LastBalanceCheckAt string `json:"last_balance_check_at,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// ClaimDTO represents a claim record with its delivery history.
type ClaimDTO struct {
	ID              string       `json:"id"`
	RecipientID     string       `json:"recipient_id"`
	CampaignID      string       `json:"campaign_id"`
	ConditionNumber int          `json:"condition_number"`
	BrandID         string       `json:"brand_id"`
	Denomination    string       `json:"denomination"`
	InventoryUnitID string       `json:"inventory_unit_id,omitempty"`
	Outcome         string       `json:"outcome"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	RequestedAt     string       `json:"requested_at"`
	ResolvedAt      string       `json:"resolved_at,omitempty"`
	Attempts        []AttemptDTO `json:"attempts,omitempty"`
}

// AttemptDTO represents one delivery attempt.
type AttemptDTO struct {
	ID                string `json:"id"`
	Channel           string `json:"channel"`
	AttemptNumber     int    `json:"attempt_number"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	AttemptedAt       string `json:"attempted_at"`
}

// BalanceCheckDTO represents one balance verification.
type BalanceCheckDTO struct {
	ID              string `json:"id"`
	InventoryUnitID string `json:"inventory_unit_id"`
	CheckedAt       string `json:"checked_at"`
	ReportedBalance string `json:"reported_balance"`
	Discrepancy     string `json:"discrepancy"`
	Source          string `json:"source"`
	Failed          bool   `json:"failed"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toUnitDTO(u engine.InventoryUnit) UnitDTO {
	dto := UnitDTO{
		ID:              string(u.ID),
		BrandID:         string(u.BrandID),
		Denomination:    u.Denomination.String(),
		OwnerClientID:   string(u.OwnerClientID),
		Status:          string(u.Status),
		CurrentBalance:  u.CurrentBalance.String(),
		FailureReason:   u.FailureReason,
		AssignedClaimID: string(u.AssignedClaimID),
		CreatedAt:       u.CreatedAt.Format(time.RFC3339),
	}
	if u.LastBalanceCheckAt != nil {
		dto.LastBalanceCheckAt = u.LastBalanceCheckAt.Format(time.RFC3339)
	}
	return dto
}

func toClaimDTO(c engine.ClaimRecord, attempts []engine.DeliveryAttempt) ClaimDTO {
	dto := ClaimDTO{
		ID:              string(c.ID),
		RecipientID:     string(c.RecipientID),
		CampaignID:      string(c.CampaignID),
		ConditionNumber: c.ConditionNumber,
		BrandID:         string(c.BrandID),
		Denomination:    c.Denomination.String(),
		Outcome:         string(c.Outcome),
		FailureReason:   c.FailureReason,
		RequestedAt:     c.RequestedAt.Format(time.RFC3339),
	}
	if c.InventoryUnitID != nil {
		dto.InventoryUnitID = string(*c.InventoryUnitID)
	}
	if c.ResolvedAt != nil {
		dto.ResolvedAt = c.ResolvedAt.Format(time.RFC3339)
	}
	for _, a := range attempts {
		dto.Attempts = append(dto.Attempts, AttemptDTO{
			ID:                a.ID,
			Channel:           string(a.Channel),
			AttemptNumber:     a.AttemptNumber,
			Status:            string(a.Status),
			ProviderMessageID: a.ProviderMessageID,
			ErrorMessage:      a.ErrorMessage,
			AttemptedAt:       a.AttemptedAt.Format(time.RFC3339),
		})
	}
	return dto
}

func toCheckDTO(c engine.BalanceCheck) BalanceCheckDTO {
	return BalanceCheckDTO{
		ID:              c.ID,
		InventoryUnitID: string(c.InventoryUnitID),
		CheckedAt:       c.CheckedAt.Format(time.RFC3339),
		ReportedBalance: c.ReportedBalance.String(),
		Discrepancy:     c.Discrepancy.String(),
		Source:          c.Source,
		Failed:          c.Failed,
	}
}
