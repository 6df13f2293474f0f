/*
handlers.go - HTTP API handlers for the fulfillment engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the coordinator, dispatcher, reconciler,
  and importer.

ENDPOINTS:
  Triggers:
    POST   /api/triggers/condition-met    Grant a reward (idempotent)

  Inventory:
    POST   /api/inventory/import          CSV bulk import
    GET    /api/inventory?status=         List units
    GET    /api/inventory/{id}            Unit detail
    GET    /api/inventory/{id}/checks     Balance check history
    POST   /api/inventory/{id}/balance-check  Verify one unit now

  Claims:
    GET    /api/claims?outcome=           List claims
    GET    /api/claims/{id}               Claim + delivery attempts
    POST   /api/claims/{id}/redeliver     Operator retry of stuck delivery

  Admin:
    POST   /api/reconciliation/batch      Batched balance verification
    POST   /api/admin/sweep               Recovery sweep of stale claims

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: State conflicts (redelivering a non-stuck claim)
  - 500: Internal errors; invalid state transitions are logged loudly

SECURITY NOTE:
  No authentication middleware. The engine sits behind the platform's
  gateway, which owns authn/authz.
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/fulfillment-engine/engine"
	"github.com/warp/fulfillment-engine/importer"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        engine.Store
	Coordinator  *engine.Coordinator
	Dispatcher   *engine.Dispatcher
	Reconciler   *engine.Reconciler
	Importer     *importer.Importer
	SweepTimeout time.Duration

	validate *validator.Validate
}

// NewHandler creates a new handler wired to the engine components.
func NewHandler(store engine.Store, coord *engine.Coordinator, disp *engine.Dispatcher, rec *engine.Reconciler, imp *importer.Importer) *Handler {
	return &Handler{
		Store:        store,
		Coordinator:  coord,
		Dispatcher:   disp,
		Reconciler:   rec,
		Importer:     imp,
		SweepTimeout: 5 * time.Minute,
		validate:     validator.New(),
	}
}

// =============================================================================
// TRIGGER HANDLERS
// =============================================================================

// ConditionMet handles POST /api/triggers/condition-met.
func (h *Handler) ConditionMet(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !h.decode(w, r, &req) {
		return
	}

	denomination := engine.MustParseDecimal(req.Denomination)
	if !denomination.IsPositive() {
		writeError(w, http.StatusBadRequest, "denomination must be a positive decimal")
		return
	}

	result, err := h.Coordinator.Claim(r.Context(), engine.ClaimRequest{
		RecipientID:     engine.RecipientID(req.RecipientID),
		CampaignID:      engine.CampaignID(req.CampaignID),
		ConditionNumber: req.ConditionNumber,
		BrandID:         engine.BrandID(req.BrandID),
		Denomination:    denomination,
		OwnerClientID:   engine.ClientID(req.OwnerClientID),
		Channel:         engine.Channel(req.Channel),
		Destination:     req.Destination,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dto := ClaimResultDTO{
		ClaimID:       string(result.ClaimID),
		Outcome:       string(result.Outcome),
		FailureReason: result.FailureReason,
		Replayed:      result.Replayed,
	}
	if result.InventoryUnitID != nil {
		dto.InventoryUnitID = string(*result.InventoryUnitID)
	}
	respondJSON(w, http.StatusOK, dto)
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// ImportInventory handles POST /api/inventory/import with a CSV body.
func (h *Handler) ImportInventory(w http.ResponseWriter, r *http.Request) {
	report, err := h.Importer.ImportCSV(r.Context(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ListInventory handles GET /api/inventory?status=available.
func (h *Handler) ListInventory(w http.ResponseWriter, r *http.Request) {
	status := engine.UnitStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = engine.UnitAvailable
	}

	units, err := h.Store.ListByStatus(r.Context(), status)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := make([]UnitDTO, 0, len(units))
	for _, u := range units {
		dtos = append(dtos, toUnitDTO(u))
	}
	respondJSON(w, http.StatusOK, dtos)
}

// GetUnit handles GET /api/inventory/{id}.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	id := engine.UnitID(chi.URLParam(r, "id"))
	unit, err := h.Store.GetUnit(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUnitDTO(*unit))
}

// ListUnitChecks handles GET /api/inventory/{id}/checks.
func (h *Handler) ListUnitChecks(w http.ResponseWriter, r *http.Request) {
	id := engine.UnitID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetUnit(r.Context(), id); err != nil {
		h.writeEngineError(w, err)
		return
	}

	checks, err := h.Store.ListChecks(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]BalanceCheckDTO, 0, len(checks))
	for _, c := range checks {
		dtos = append(dtos, toCheckDTO(c))
	}
	respondJSON(w, http.StatusOK, dtos)
}

// CheckBalance handles POST /api/inventory/{id}/balance-check.
func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	id := engine.UnitID(chi.URLParam(r, "id"))
	check, err := h.Reconciler.CheckBalance(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toCheckDTO(*check))
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// ListClaims handles GET /api/claims?outcome=claimed.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	outcome := engine.ClaimOutcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = engine.OutcomeClaimed
	}

	claims, err := h.Store.ListByOutcome(r.Context(), outcome)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := make([]ClaimDTO, 0, len(claims))
	for _, c := range claims {
		dtos = append(dtos, toClaimDTO(c, nil))
	}
	respondJSON(w, http.StatusOK, dtos)
}

// GetClaim handles GET /api/claims/{id}, including delivery attempts.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id := engine.ClaimID(chi.URLParam(r, "id"))
	claim, err := h.Store.GetClaim(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	attempts, err := h.Store.ListAttempts(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toClaimDTO(*claim, attempts))
}

// Redeliver handles POST /api/claims/{id}/redeliver. Runs the dispatcher
// synchronously so the operator sees the outcome in the response.
func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	var req RedeliverRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := engine.ClaimID(chi.URLParam(r, "id"))
	outcome, err := h.Dispatcher.Deliver(r.Context(), id, engine.Channel(req.Channel), req.Destination)
	if err != nil {
		if errors.Is(err, engine.ErrClaimNotDeliverable) || errors.Is(err, engine.ErrDeliveryInFlight) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// BatchReconcile handles POST /api/reconciliation/batch.
func (h *Handler) BatchReconcile(w http.ResponseWriter, r *http.Request) {
	var req BatchReconcileRequest
	if !h.decode(w, r, &req) {
		return
	}

	ids := make([]engine.UnitID, len(req.UnitIDs))
	for i, id := range req.UnitIDs {
		ids[i] = engine.UnitID(id)
	}

	results := h.Reconciler.CheckBatch(r.Context(), ids, req.Workers)

	type itemDTO struct {
		UnitID string           `json:"unit_id"`
		Check  *BalanceCheckDTO `json:"check,omitempty"`
		Error  string           `json:"error,omitempty"`
	}
	dtos := make([]itemDTO, 0, len(results))
	for _, res := range results {
		item := itemDTO{UnitID: string(res.UnitID)}
		if res.Check != nil {
			dto := toCheckDTO(*res.Check)
			item.Check = &dto
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		dtos = append(dtos, item)
	}
	respondJSON(w, http.StatusOK, dtos)
}

// Sweep handles POST /api/admin/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	timeout := h.SweepTimeout
	if r.ContentLength > 0 {
		var req SweepRequest
		if !h.decode(w, r, &req) {
			return
		}
		if req.OlderThanSeconds > 0 {
			timeout = time.Duration(req.OlderThanSeconds) * time.Second
		}
	}

	report, err := h.Coordinator.SweepStale(r.Context(), timeout)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON request body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return false
	}
	return true
}

// writeEngineError maps engine errors to HTTP statuses. Invalid state
// transitions are defects and logged loudly before the 500.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidStateTransition):
		log.Printf("[API] INTEGRITY DEFECT: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}
