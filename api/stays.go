package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/reconciliation-engine/factory"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/inpatient"
)

// =============================================================================
// STAYS
// =============================================================================

// AdmitStay imports a stay document.
// POST /api/stays
func (h *Handler) AdmitStay(w http.ResponseWriter, r *http.Request) {
	var body factory.StayJSON
	if !h.decode(w, r, &body) {
		return
	}
	stay, err := h.Documents.BuildStay(body)
	if err != nil {
		h.writeEngineError(w, "Invalid stay", err)
		return
	}
	if err := h.Stays.Admit(r.Context(), stay); err != nil {
		h.writeEngineError(w, "Failed to admit stay", err)
		return
	}
	h.writeSummary(w, r, stay.ID, http.StatusCreated)
}

// GetStay returns the billing view of a stay.
// GET /api/stays/{id}
func (h *Handler) GetStay(w http.ResponseWriter, r *http.Request) {
	h.writeSummary(w, r, generic.StayID(chi.URLParam(r, "id")), http.StatusOK)
}

// CheckBalance asks the gate about an additional pending charge.
// POST /api/stays/{id}/balance-check
func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	var body BalanceCheckRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	d, err := h.Stays.CheckBalance(r.Context(), generic.StayID(chi.URLParam(r, "id")), body.Pending)
	if err != nil {
		h.writeEngineError(w, "Failed to check balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceCheckResponse(d))
}

// RecordCharge adds an unconfirmed occupancy or consultancy.
// POST /api/stays/{id}/charges
func (h *Handler) RecordCharge(w http.ResponseWriter, r *http.Request) {
	var body RecordChargeRequest
	if !h.decode(w, r, &body) {
		return
	}
	kind, err := inpatient.ParseEntryKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kind", err)
		return
	}
	entry, err := h.Stays.RecordCharge(r.Context(), generic.StayID(chi.URLParam(r, "id")), kind, body.Description, body.Value, actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to record charge", err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeEntryDTO(*entry))
}

// RecordDeposit tops up the cash limit.
// POST /api/stays/{id}/deposits
func (h *Handler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	var body RecordDepositRequest
	if !h.decode(w, r, &body) {
		return
	}
	stay, err := h.Stays.RecordDeposit(r.Context(), generic.StayID(chi.URLParam(r, "id")), body.Amount, body.Reference, actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to record deposit", err)
		return
	}
	h.writeSummary(w, r, stay.ID, http.StatusOK)
}

// =============================================================================
// ENTRY TRANSITIONS
// =============================================================================

// ConfirmEntry attempts to confirm a charge. A rejection by the balance
// gate is answered with 200, confirmed=false and the deficit.
// POST /api/stays/{id}/entries/{kind}/{entryID}/confirm
func (h *Handler) ConfirmEntry(w http.ResponseWriter, r *http.Request) {
	stayID, kind, entryID, ok := entryParams(w, r)
	if !ok {
		return
	}
	res, err := h.Stays.Confirm(r.Context(), stayID, kind, entryID, actor(r))
	if err != nil && !(errors.Is(err, generic.ErrBalanceDeficit) && res != nil) {
		h.writeEngineError(w, "Failed to confirm entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfirmResponse(res))
}

// UnconfirmEntry takes a confirmed, uninvoiced charge back off the balance.
// POST /api/stays/{id}/entries/{kind}/{entryID}/unconfirm
func (h *Handler) UnconfirmEntry(w http.ResponseWriter, r *http.Request) {
	stayID, kind, entryID, ok := entryParams(w, r)
	if !ok {
		return
	}
	entry, err := h.Stays.Unconfirm(r.Context(), stayID, kind, entryID, actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to unconfirm entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeEntryDTO(*entry))
}

// InvoiceEntry marks a confirmed charge as billed.
// POST /api/stays/{id}/entries/{kind}/{entryID}/invoice
func (h *Handler) InvoiceEntry(w http.ResponseWriter, r *http.Request) {
	stayID, kind, entryID, ok := entryParams(w, r)
	if !ok {
		return
	}
	entry, err := h.Stays.MarkInvoiced(r.Context(), stayID, kind, entryID, actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to invoice entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeEntryDTO(*entry))
}

func entryParams(w http.ResponseWriter, r *http.Request) (generic.StayID, generic.EntryKind, generic.EntryID, bool) {
	kind, err := inpatient.ParseEntryKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid entry kind", err)
		return "", "", "", false
	}
	return generic.StayID(chi.URLParam(r, "id")), kind, generic.EntryID(chi.URLParam(r, "entryID")), true
}

func (h *Handler) writeSummary(w http.ResponseWriter, r *http.Request, id generic.StayID, status int) {
	summary, err := h.Stays.Summary(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get stay", err)
		return
	}
	writeJSON(w, status, toStayDTO(summary))
}
