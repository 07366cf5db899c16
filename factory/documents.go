/*
Package factory converts JSON documents into engine types.

PURPOSE:
  Encounters and inpatient stays are owned by other systems. They reach
  this service as JSON (fixture files, scenario data, the import
  endpoints) and the factory turns them into generic.SourceItem and
  generic.InpatientStay values with sensible defaults.

JSON SCHEMA (encounter):
  {
    "patient_id": "pat-1",
    "appointment_id": "apt-1",
    "company_id": "hosp",
    "encounter_id": "enc-1",
    "encounter_date": "2025-03-01",
    "lab_tests": [{"id": "lab-1", "name": "Full Blood Count", "quantity": 1}],
    "radiology_examinations": [],
    "clinical_procedures": [],
    "therapies": [{"name": "Physiotherapy", "quantity": 10, "returned": 4, "therapy_plan": "TP-1"}],
    "drugs": [{"name": "Amoxicillin 500mg", "quantity": 5, "delivery_note": "DN-1"}]
  }

JSON SCHEMA (stay):
  {
    "id": "stay-1",
    "patient_id": "pat-1",
    "appointment_id": "apt-1",
    "company_id": "hosp",
    "insurance_subscription": "",
    "cash_limit": "50000",
    "occupancies": [{"description": "General ward", "value": "30000", "confirmed": true}],
    "consultancies": []
  }

DEFAULTS:
  - Missing item and entry ids are generated
  - Item status is derived from quantity and returned
  - A stay without cash_limit gets the factory's default cash limit
  - Confirmed entries are stored in the Confirmed state

SEE ALSO:
  - returns/types.go: Item kinds
  - api/scenarios.go: Demo data built from these documents
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/returns"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// EncounterJSON is one encounter with the items prescribed during it.
type EncounterJSON struct {
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id"`
	CompanyID     string `json:"company_id"`
	EncounterID   string `json:"encounter_id,omitempty"`
	EncounterDate string `json:"encounter_date"` // YYYY-MM-DD or RFC3339

	LabTests              []ItemJSON `json:"lab_tests,omitempty"`
	RadiologyExaminations []ItemJSON `json:"radiology_examinations,omitempty"`
	ClinicalProcedures    []ItemJSON `json:"clinical_procedures,omitempty"`
	Therapies             []ItemJSON `json:"therapies,omitempty"`
	Drugs                 []ItemJSON `json:"drugs,omitempty"`
}

// ItemJSON is one prescribed item. Drug and therapy fields are ignored
// for other kinds.
type ItemJSON struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Quantity    int64  `json:"quantity"`
	Returned    int64  `json:"returned,omitempty"`
	Voided      bool   `json:"voided,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`

	DeliveryNote       string `json:"delivery_note,omitempty"`
	DeliveryNoteDetail string `json:"delivery_note_detail,omitempty"`
	DeliveryStatus     string `json:"delivery_status,omitempty"`

	TherapyPlan    string `json:"therapy_plan,omitempty"`
	TherapySession string `json:"therapy_session,omitempty"`
}

// StayJSON is an inpatient stay with its charges.
type StayJSON struct {
	ID                    string           `json:"id,omitempty"`
	PatientID             string           `json:"patient_id"`
	AppointmentID         string           `json:"appointment_id"`
	CompanyID             string           `json:"company_id"`
	InsuranceSubscription string           `json:"insurance_subscription,omitempty"`
	CashLimit             *decimal.Decimal `json:"cash_limit,omitempty"`
	Occupancies           []EntryJSON      `json:"occupancies,omitempty"`
	Consultancies         []EntryJSON      `json:"consultancies,omitempty"`
}

// EntryJSON is one occupancy or consultancy charge.
type EntryJSON struct {
	ID          string          `json:"id,omitempty"`
	Description string          `json:"description,omitempty"`
	Value       decimal.Decimal `json:"value"`
	Confirmed   bool            `json:"confirmed,omitempty"`
	Invoiced    bool            `json:"invoiced,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// DocumentFactory builds engine documents from JSON.
type DocumentFactory struct {
	DefaultCashLimit decimal.Decimal
	NewID            func(prefix string) string
	Now              func() time.Time
}

func NewDocumentFactory(defaultCashLimit decimal.Decimal) *DocumentFactory {
	return &DocumentFactory{
		DefaultCashLimit: defaultCashLimit,
		NewID:            func(prefix string) string { return prefix + "-" + uuid.NewString() },
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

// ParseEncounter decodes an encounter document into source items.
func (f *DocumentFactory) ParseEncounter(data []byte) ([]generic.SourceItem, error) {
	var enc EncounterJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("%w: invalid encounter JSON: %v", generic.ErrValidation, err)
	}
	return f.BuildEncounter(enc)
}

// BuildEncounter converts an encounter into source items, grouped in the
// order lab, radiology, procedure, therapy, drug.
func (f *DocumentFactory) BuildEncounter(enc EncounterJSON) ([]generic.SourceItem, error) {
	if enc.PatientID == "" || enc.AppointmentID == "" || enc.CompanyID == "" {
		return nil, fmt.Errorf("%w: encounter needs patient_id, appointment_id and company_id", generic.ErrValidation)
	}
	date, err := parseDate(enc.EncounterDate)
	if err != nil {
		return nil, err
	}
	encounterID := enc.EncounterID
	if encounterID == "" {
		encounterID = f.NewID("enc")
	}

	groups := []struct {
		kind  returns.Kind
		items []ItemJSON
	}{
		{returns.KindLabTest, enc.LabTests},
		{returns.KindRadiologyExamination, enc.RadiologyExaminations},
		{returns.KindClinicalProcedure, enc.ClinicalProcedures},
		{returns.KindTherapy, enc.Therapies},
		{returns.KindDrug, enc.Drugs},
	}

	var out []generic.SourceItem
	for _, g := range groups {
		for _, it := range g.items {
			item, err := f.buildItem(enc, encounterID, date, g.kind, it)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *DocumentFactory) buildItem(enc EncounterJSON, encounterID string, date time.Time, kind returns.Kind, it ItemJSON) (generic.SourceItem, error) {
	if it.Name == "" {
		return generic.SourceItem{}, fmt.Errorf("%w: %s item without name", generic.ErrValidation, kind)
	}
	if it.Quantity <= 0 || it.Returned < 0 || it.Returned > it.Quantity {
		return generic.SourceItem{}, fmt.Errorf("%w: %s %q has quantity %d and returned %d",
			generic.ErrValidation, kind, it.Name, it.Quantity, it.Returned)
	}

	id := it.ID
	if id == "" {
		id = f.NewID(string(kind))
	}
	item := generic.SourceItem{
		ID:               generic.SourceID(id),
		Kind:             kind,
		PatientID:        generic.PatientID(enc.PatientID),
		AppointmentID:    generic.AppointmentID(enc.AppointmentID),
		CompanyID:        generic.CompanyID(enc.CompanyID),
		EncounterID:      generic.EncounterID(encounterID),
		EncounterDate:    date,
		Name:             it.Name,
		Prescribed:       generic.Quantity(it.Quantity),
		Consumed:         generic.Quantity(it.Returned),
		ReferenceDoctype: kind.ReferenceDoctype(),
		ReferenceID:      it.ReferenceID,
		Status:           generic.StatusFor(generic.Quantity(it.Quantity), generic.Quantity(it.Returned)),
	}
	if it.Voided {
		item.Status = generic.ItemVoided
	}

	switch kind.Family() {
	case generic.FamilyDrug:
		item.Drug = &generic.DrugDetails{
			DeliveryNote:       it.DeliveryNote,
			DeliveryNoteDetail: it.DeliveryNoteDetail,
			DeliveryStatus:     it.DeliveryStatus,
		}
		if it.DeliveryNote != "" && item.ReferenceID == "" {
			item.ReferenceID = it.DeliveryNote
		}
	case generic.FamilyTherapy:
		item.Therapy = &generic.TherapyDetails{TherapyPlan: it.TherapyPlan, TherapySession: it.TherapySession}
		if it.TherapyPlan != "" && item.ReferenceID == "" {
			item.ReferenceID = it.TherapyPlan
		}
	}
	return item, nil
}

// ParseStay decodes a stay document.
func (f *DocumentFactory) ParseStay(data []byte) (*generic.InpatientStay, error) {
	var s StayJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: invalid stay JSON: %v", generic.ErrValidation, err)
	}
	return f.BuildStay(s)
}

// BuildStay converts a stay document, applying the default cash limit.
func (f *DocumentFactory) BuildStay(s StayJSON) (*generic.InpatientStay, error) {
	if s.PatientID == "" || s.AppointmentID == "" || s.CompanyID == "" {
		return nil, fmt.Errorf("%w: stay needs patient_id, appointment_id and company_id", generic.ErrValidation)
	}
	id := s.ID
	if id == "" {
		id = f.NewID("stay")
	}
	limit := f.DefaultCashLimit
	if s.CashLimit != nil {
		limit = *s.CashLimit
	}
	if limit.IsNegative() {
		return nil, fmt.Errorf("%w: cash limit must not be negative", generic.ErrValidation)
	}

	stay := &generic.InpatientStay{
		ID:                    generic.StayID(id),
		PatientID:             generic.PatientID(s.PatientID),
		AppointmentID:         generic.AppointmentID(s.AppointmentID),
		CompanyID:             generic.CompanyID(s.CompanyID),
		InsuranceSubscription: s.InsuranceSubscription,
		CashLimit:             limit,
	}
	for _, e := range s.Occupancies {
		entry, err := f.buildEntry(generic.EntryOccupancy, e)
		if err != nil {
			return nil, err
		}
		stay.AddEntry(entry)
	}
	for _, e := range s.Consultancies {
		entry, err := f.buildEntry(generic.EntryConsultancy, e)
		if err != nil {
			return nil, err
		}
		stay.AddEntry(entry)
	}
	return stay, nil
}

func (f *DocumentFactory) buildEntry(kind generic.EntryKind, e EntryJSON) (generic.ChargeEntry, error) {
	if !e.Value.IsPositive() {
		return generic.ChargeEntry{}, fmt.Errorf("%w: %s entry %q must have a positive value", generic.ErrValidation, kind, e.Description)
	}
	if e.Invoiced && !e.Confirmed {
		return generic.ChargeEntry{}, fmt.Errorf("%w: %s entry %q is invoiced but not confirmed", generic.ErrValidation, kind, e.Description)
	}
	id := e.ID
	if id == "" {
		id = f.NewID(string(kind)[:3])
	}
	state := generic.Unconfirmed
	if e.Confirmed {
		state = generic.Confirmed
	}
	return generic.ChargeEntry{
		ID:          generic.EntryID(id),
		Kind:        kind,
		Description: e.Description,
		Value:       e.Value,
		IsConfirmed: e.Confirmed,
		Invoiced:    e.Invoiced,
		State:       state,
		RecordedAt:  f.Now(),
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: encounter_date is required", generic.ErrValidation)
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid encounter_date %q", generic.ErrValidation, s)
	}
	return t.UTC(), nil
}
