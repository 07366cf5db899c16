package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/reconciliation-engine/factory"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/returns"
)

// =============================================================================
// ELIGIBILITY
// =============================================================================

// ListEligible returns the items a new return may pick from.
// GET /api/eligible?patient_id=&appointment_id=&company_id=&kind=
func (h *Handler) ListEligible(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	family, err := returns.ParseFamily(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kind", err)
		return
	}

	items, err := h.Resolver.ListEligible(r.Context(), generic.EligibilityQuery{
		PatientID:     generic.PatientID(q.Get("patient_id")),
		AppointmentID: generic.AppointmentID(q.Get("appointment_id")),
		CompanyID:     generic.CompanyID(q.Get("company_id")),
		Family:        family,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to list eligible items", err)
		return
	}

	dtos := make([]SourceItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toSourceItemDTO(it)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ImportEncounter stores the source items of one encounter. Items that
// already exist are never overwritten; the whole import is refused.
// POST /api/encounters
func (h *Handler) ImportEncounter(w http.ResponseWriter, r *http.Request) {
	var enc factory.EncounterJSON
	if !h.decode(w, r, &enc) {
		return
	}
	items, err := h.Documents.BuildEncounter(enc)
	if err != nil {
		h.writeEngineError(w, "Invalid encounter", err)
		return
	}

	if err := returns.Import(r.Context(), h.Store, items); err != nil {
		h.writeEngineError(w, "Failed to import encounter", err)
		return
	}

	dtos := make([]SourceItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toSourceItemDTO(it)
	}
	writeJSON(w, http.StatusCreated, dtos)
}

// =============================================================================
// RETURN REQUESTS
// =============================================================================

// ListReturns lists return requests.
// GET /api/returns?patient_id=&appointment_id=&state=
func (h *Handler) ListReturns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.ReturnFilter{
		PatientID:     generic.PatientID(q.Get("patient_id")),
		AppointmentID: generic.AppointmentID(q.Get("appointment_id")),
	}
	for _, s := range q["state"] {
		filter.States = append(filter.States, generic.ReturnState(s))
	}

	reqs, err := h.Returns.List(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list return requests", err)
		return
	}
	dtos := make([]ReturnRequestDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toReturnRequestDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReturn returns one request.
// GET /api/returns/{id}
func (h *Handler) GetReturn(w http.ResponseWriter, r *http.Request) {
	req, err := h.Returns.Get(r.Context(), generic.ReturnID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to get return request", err)
		return
	}
	writeJSON(w, http.StatusOK, toReturnRequestDTO(req))
}

// CreateReturn opens a draft.
// POST /api/returns
func (h *Handler) CreateReturn(w http.ResponseWriter, r *http.Request) {
	var body CreateReturnRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.Returns.Create(r.Context(), generic.CreateReturnInput{
		PatientID:     generic.PatientID(body.PatientID),
		AppointmentID: generic.AppointmentID(body.AppointmentID),
		CompanyID:     generic.CompanyID(body.CompanyID),
		RequestedBy:   body.RequestedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to create return request", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReturnRequestDTO(req))
}

// AttachLines adds selections to a draft. All or nothing.
// POST /api/returns/{id}/lines
func (h *Handler) AttachLines(w http.ResponseWriter, r *http.Request) {
	var body AttachLinesRequest
	if !h.decode(w, r, &body) {
		return
	}
	sels := make([]generic.Selection, len(body.Lines))
	for i, l := range body.Lines {
		sels[i] = generic.Selection{
			SourceID:      generic.SourceID(l.SourceID),
			Requested:     generic.Quantity(l.Quantity),
			Reason:        l.Reason,
			DrugCondition: l.DrugCondition,
		}
	}

	req, err := h.Returns.Attach(r.Context(), generic.ReturnID(chi.URLParam(r, "id")), sels)
	if err != nil {
		h.writeEngineError(w, "Failed to attach lines", err)
		return
	}
	writeJSON(w, http.StatusOK, toReturnRequestDTO(req))
}

// EditLines changes requested quantities. Each edit succeeds or fails on
// its own; the response carries one outcome per edit.
// PATCH /api/returns/{id}/lines
func (h *Handler) EditLines(w http.ResponseWriter, r *http.Request) {
	var body EditLinesRequest
	if !h.decode(w, r, &body) {
		return
	}
	edits := make([]generic.LineEdit, len(body.Edits))
	for i, e := range body.Edits {
		edits[i] = generic.LineEdit{SourceID: generic.SourceID(e.SourceID), Requested: generic.Quantity(e.Quantity)}
	}

	req, outcomes, err := h.Returns.EditQuantities(r.Context(), generic.ReturnID(chi.URLParam(r, "id")), edits)
	if err != nil {
		h.writeEngineError(w, "Failed to edit lines", err)
		return
	}

	resp := EditLinesResponse{Request: toReturnRequestDTO(req), Outcomes: make([]EditOutcomeDTO, len(outcomes))}
	for i, o := range outcomes {
		resp.Outcomes[i] = EditOutcomeDTO{SourceID: string(o.SourceID), Quantity: int64(o.Requested), Accepted: o.Accepted}
		if o.Err != nil {
			resp.Outcomes[i].Error = o.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RemoveLine drops one line from a draft.
// DELETE /api/returns/{id}/lines/{sourceID}
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	req, err := h.Returns.RemoveLines(r.Context(),
		generic.ReturnID(chi.URLParam(r, "id")),
		[]generic.SourceID{generic.SourceID(chi.URLParam(r, "sourceID"))},
	)
	if err != nil {
		h.writeEngineError(w, "Failed to remove line", err)
		return
	}
	writeJSON(w, http.StatusOK, toReturnRequestDTO(req))
}

// SubmitReturn freezes a draft and commits its increments.
// POST /api/returns/{id}/submit
func (h *Handler) SubmitReturn(w http.ResponseWriter, r *http.Request) {
	var body SubmitReturnRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	approver := body.ApprovedBy
	if approver == "" {
		approver = r.Header.Get("X-Actor")
	}

	res, err := h.Returns.Submit(r.Context(), generic.ReturnID(chi.URLParam(r, "id")), approver)
	if err != nil {
		h.writeEngineError(w, "Failed to submit return request", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmitResponse(res))
}

// VoidReturn discards a draft and frees its items.
// POST /api/returns/{id}/void
func (h *Handler) VoidReturn(w http.ResponseWriter, r *http.Request) {
	req, err := h.Returns.Void(r.Context(), generic.ReturnID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		h.writeEngineError(w, "Failed to void return request", err)
		return
	}
	writeJSON(w, http.StatusOK, toReturnRequestDTO(req))
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAudit returns audit entries, optionally filtered.
// GET /api/audit?subject=&actor=&action=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{Subject: q.Get("subject"), ActorID: q.Get("actor")}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}

	entries, err := h.Store.Query(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Subject:   e.Subject,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}
