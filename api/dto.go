/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's documents from the API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Shape errors are
  reported as 400; engine rules (caps, staleness, the balance gate) are
  enforced by the engine and mapped in errors.go.

SEE ALSO:
  - returns.go, stays.go: Use these types
  - factory/documents.go: EncounterJSON and StayJSON import bodies
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/inpatient"
)

// =============================================================================
// SOURCE ITEMS
// =============================================================================

type SourceItemDTO struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Family           string `json:"family"`
	PatientID        string `json:"patient_id"`
	AppointmentID    string `json:"appointment_id"`
	CompanyID        string `json:"company_id"`
	EncounterID      string `json:"encounter_id"`
	EncounterDate    string `json:"encounter_date"`
	Name             string `json:"name"`
	Prescribed       int64  `json:"prescribed"`
	Consumed         int64  `json:"consumed"`
	Remaining        int64  `json:"remaining"`
	Status           string `json:"status"`
	ReferenceDoctype string `json:"reference_doctype,omitempty"`
	ReferenceID      string `json:"reference_id,omitempty"`

	DeliveryNote   string `json:"delivery_note,omitempty"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
	TherapyPlan    string `json:"therapy_plan,omitempty"`
	TherapySession string `json:"therapy_session,omitempty"`
}

func toSourceItemDTO(s generic.SourceItem) SourceItemDTO {
	dto := SourceItemDTO{
		ID:               string(s.ID),
		Kind:             kindID(s.Kind),
		Family:           string(s.Family()),
		PatientID:        string(s.PatientID),
		AppointmentID:    string(s.AppointmentID),
		CompanyID:        string(s.CompanyID),
		EncounterID:      string(s.EncounterID),
		EncounterDate:    s.EncounterDate.Format("2006-01-02"),
		Name:             s.Name,
		Prescribed:       int64(s.Prescribed),
		Consumed:         int64(s.Consumed),
		Remaining:        int64(s.Remaining()),
		Status:           string(s.Status),
		ReferenceDoctype: s.ReferenceDoctype,
		ReferenceID:      s.ReferenceID,
	}
	if s.Drug != nil {
		dto.DeliveryNote = s.Drug.DeliveryNote
		dto.DeliveryStatus = s.Drug.DeliveryStatus
	}
	if s.Therapy != nil {
		dto.TherapyPlan = s.Therapy.TherapyPlan
		dto.TherapySession = s.Therapy.TherapySession
	}
	return dto
}

func kindID(k generic.ItemKind) string {
	if k == nil {
		return ""
	}
	return k.KindID()
}

// =============================================================================
// RETURN REQUESTS
// =============================================================================

type ReturnLineDTO struct {
	SourceID         string `json:"source_id"`
	Kind             string `json:"kind"`
	EncounterID      string `json:"encounter_id"`
	Name             string `json:"name"`
	Prescribed       int64  `json:"prescribed"`
	ConsumedAtAttach int64  `json:"consumed_at_attach"`
	Requested        int64  `json:"quantity"`
	Reason           string `json:"reason,omitempty"`
	DrugCondition    string `json:"drug_condition,omitempty"`
	ReferenceDoctype string `json:"reference_doctype,omitempty"`
	ReferenceID      string `json:"reference_id,omitempty"`
	DeliveryNote     string `json:"delivery_note,omitempty"`
	TherapyPlan      string `json:"therapy_plan,omitempty"`
}

type ReturnRequestDTO struct {
	ID            string          `json:"id"`
	PatientID     string          `json:"patient_id"`
	AppointmentID string          `json:"appointment_id"`
	CompanyID     string          `json:"company_id"`
	RequestedBy   string          `json:"requested_by"`
	ApprovedBy    *string         `json:"approved_by,omitempty"`
	State         string          `json:"state"`
	LRPLines      []ReturnLineDTO `json:"lrp_lines"`
	TherapyLines  []ReturnLineDTO `json:"therapy_lines"`
	DrugLines     []ReturnLineDTO `json:"drug_lines"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	SubmittedAt   *string         `json:"submitted_at,omitempty"`
}

func toReturnLineDTOs(lines []generic.ReturnLine) []ReturnLineDTO {
	dtos := make([]ReturnLineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = ReturnLineDTO{
			SourceID:         string(l.SourceID),
			Kind:             kindID(l.Kind),
			EncounterID:      string(l.EncounterID),
			Name:             l.Name,
			Prescribed:       int64(l.Prescribed),
			ConsumedAtAttach: int64(l.ConsumedAtAttach),
			Requested:        int64(l.Requested),
			Reason:           l.Reason,
			DrugCondition:    l.DrugCondition,
			ReferenceDoctype: l.ReferenceDoctype,
			ReferenceID:      l.ReferenceID,
		}
		if l.Drug != nil {
			dtos[i].DeliveryNote = l.Drug.DeliveryNote
		}
		if l.Therapy != nil {
			dtos[i].TherapyPlan = l.Therapy.TherapyPlan
		}
	}
	return dtos
}

func toReturnRequestDTO(r *generic.ReturnRequest) ReturnRequestDTO {
	dto := ReturnRequestDTO{
		ID:            string(r.ID),
		PatientID:     string(r.PatientID),
		AppointmentID: string(r.AppointmentID),
		CompanyID:     string(r.CompanyID),
		RequestedBy:   r.RequestedBy,
		ApprovedBy:    r.ApprovedBy,
		State:         string(r.State),
		LRPLines:      toReturnLineDTOs(r.LRPLines),
		TherapyLines:  toReturnLineDTOs(r.TherapyLines),
		DrugLines:     toReturnLineDTOs(r.DrugLines),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
	if r.SubmittedAt != nil {
		s := r.SubmittedAt.Format(time.RFC3339)
		dto.SubmittedAt = &s
	}
	return dto
}

// CreateReturnRequest opens a draft.
type CreateReturnRequest struct {
	PatientID     string `json:"patient_id" validate:"required"`
	AppointmentID string `json:"appointment_id" validate:"required"`
	CompanyID     string `json:"company_id" validate:"required"`
	RequestedBy   string `json:"requested_by" validate:"required"`
}

// SelectionDTO is one picked source item. Quantity limits are checked by
// the engine so cap failures come back with their numbers.
type SelectionDTO struct {
	SourceID      string `json:"source_id" validate:"required"`
	Quantity      int64  `json:"quantity"`
	Reason        string `json:"reason"`
	DrugCondition string `json:"drug_condition"`
}

type AttachLinesRequest struct {
	Lines []SelectionDTO `json:"lines" validate:"required,min=1,dive"`
}

type LineEditDTO struct {
	SourceID string `json:"source_id" validate:"required"`
	Quantity int64  `json:"quantity"`
}

type EditLinesRequest struct {
	Edits []LineEditDTO `json:"edits" validate:"required,min=1,dive"`
}

type EditOutcomeDTO struct {
	SourceID string `json:"source_id"`
	Quantity int64  `json:"quantity"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type EditLinesResponse struct {
	Request  ReturnRequestDTO `json:"request"`
	Outcomes []EditOutcomeDTO `json:"outcomes"`
}

type SubmitReturnRequest struct {
	ApprovedBy string `json:"approved_by"`
}

type CommitDTO struct {
	SourceID       string `json:"source_id"`
	Kind           string `json:"kind"`
	Delta          int64  `json:"delta"`
	ConsumedBefore int64  `json:"consumed_before"`
	ConsumedAfter  int64  `json:"consumed_after"`
	Status         string `json:"status"`
}

// SubmitResponse is the acknowledgement of a submitted request.
type SubmitResponse struct {
	Request ReturnRequestDTO `json:"request"`
	Commits []CommitDTO      `json:"commits"`
}

func toSubmitResponse(res *generic.SubmitResult) SubmitResponse {
	commits := make([]CommitDTO, len(res.Commits))
	for i, c := range res.Commits {
		commits[i] = CommitDTO{
			SourceID:       string(c.SourceID),
			Kind:           kindID(c.Kind),
			Delta:          int64(c.Delta),
			ConsumedBefore: int64(c.ConsumedBefore),
			ConsumedAfter:  int64(c.ConsumedAfter),
			Status:         string(c.Status),
		}
	}
	return SubmitResponse{Request: toReturnRequestDTO(res.Request), Commits: commits}
}

// =============================================================================
// STAYS
// =============================================================================

type ChargeEntryDTO struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Description string          `json:"description,omitempty"`
	Value       decimal.Decimal `json:"value"`
	IsConfirmed bool            `json:"is_confirmed"`
	Invoiced    bool            `json:"invoiced"`
	State       string          `json:"state"`
	RecordedAt  string          `json:"recorded_at,omitempty"`
}

func toChargeEntryDTO(e generic.ChargeEntry) ChargeEntryDTO {
	dto := ChargeEntryDTO{
		ID:          string(e.ID),
		Kind:        string(e.Kind),
		Description: e.Description,
		Value:       e.Value,
		IsConfirmed: e.IsConfirmed,
		Invoiced:    e.Invoiced,
		State:       string(e.State),
	}
	if !e.RecordedAt.IsZero() {
		dto.RecordedAt = e.RecordedAt.Format(time.RFC3339)
	}
	return dto
}

func toChargeEntryDTOs(entries []generic.ChargeEntry) []ChargeEntryDTO {
	dtos := make([]ChargeEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toChargeEntryDTO(e)
	}
	return dtos
}

// StayDTO is the billing view of a stay.
type StayDTO struct {
	ID                    string           `json:"id"`
	PatientID             string           `json:"patient_id"`
	AppointmentID         string           `json:"appointment_id"`
	CompanyID             string           `json:"company_id"`
	InsuranceSubscription string           `json:"insurance_subscription,omitempty"`
	Insured               bool             `json:"insured"`
	CashLimit             decimal.Decimal  `json:"cash_limit"`
	Outstanding           decimal.Decimal  `json:"outstanding"`
	Headroom              decimal.Decimal  `json:"headroom"`
	Confirmed             int              `json:"confirmed"`
	Pending               int              `json:"pending"`
	Invoiced              int              `json:"invoiced"`
	Occupancies           []ChargeEntryDTO `json:"occupancies"`
	Consultancies         []ChargeEntryDTO `json:"consultancies"`
}

func toStayDTO(s *inpatient.StaySummary) StayDTO {
	return StayDTO{
		ID:                    string(s.Stay.ID),
		PatientID:             string(s.Stay.PatientID),
		AppointmentID:         string(s.Stay.AppointmentID),
		CompanyID:             string(s.Stay.CompanyID),
		InsuranceSubscription: s.Stay.InsuranceSubscription,
		Insured:               s.Insured,
		CashLimit:             s.CashLimit,
		Outstanding:           s.Outstanding,
		Headroom:              s.Headroom,
		Confirmed:             s.Confirmed,
		Pending:               s.Pending,
		Invoiced:              s.Invoiced,
		Occupancies:           toChargeEntryDTOs(s.Stay.Occupancies),
		Consultancies:         toChargeEntryDTOs(s.Stay.Consultancies),
	}
}

type BalanceCheckRequest struct {
	Pending decimal.Decimal `json:"pending"`
}

type BalanceCheckResponse struct {
	Admit       bool            `json:"admit"`
	Bypassed    bool            `json:"bypassed"`
	Outstanding decimal.Decimal `json:"outstanding"`
	CashLimit   decimal.Decimal `json:"cash_limit"`
	Deficit     decimal.Decimal `json:"deficit"`
}

func toBalanceCheckResponse(d generic.GateDecision) BalanceCheckResponse {
	return BalanceCheckResponse{
		Admit:       d.Admit,
		Bypassed:    d.Bypassed,
		Outstanding: d.Outstanding,
		CashLimit:   d.CashLimit,
		Deficit:     d.Deficit,
	}
}

type RecordChargeRequest struct {
	Kind        string          `json:"kind" validate:"required,oneof=occupancy consultancy"`
	Description string          `json:"description"`
	Value       decimal.Decimal `json:"value"`
}

type RecordDepositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// ConfirmResponse reports a confirmation attempt. A rejection by the
// balance gate is a normal outcome: confirmed is false and deficit is set.
type ConfirmResponse struct {
	StayID      string           `json:"stay_id"`
	EntryID     string           `json:"entry_id"`
	Kind        string           `json:"kind"`
	Confirmed   bool             `json:"confirmed"`
	Deficit     *decimal.Decimal `json:"deficit,omitempty"`
	Outstanding decimal.Decimal  `json:"outstanding"`
	CashLimit   decimal.Decimal  `json:"cash_limit"`
}

func toConfirmResponse(r *generic.ConfirmResult) ConfirmResponse {
	resp := ConfirmResponse{
		StayID:      string(r.StayID),
		EntryID:     string(r.EntryID),
		Kind:        string(r.Kind),
		Confirmed:   r.Confirmed,
		Outstanding: r.Decision.Outstanding,
		CashLimit:   r.Decision.CashLimit,
	}
	if !r.Confirmed {
		d := r.Deficit
		resp.Deficit = &d
	}
	return resp
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ProblemDTO struct {
	SourceID string `json:"source_id,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response. Retryable is set
// when re-reading eligible items and trying again may succeed.
type ErrorResponse struct {
	Error     string       `json:"error"`
	Details   string       `json:"details,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	Problems  []ProblemDTO `json:"problems,omitempty"`
}
