/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  encounters and stays. Each scenario demonstrates one part of the engine.

AVAILABLE SCENARIOS:
  outpatient-returns:  Lab, radiology, procedure, therapy and drug items
  partial-drug-return: Drug prescribed 10 with 4 already returned
  inpatient-deficit:   Self-paying stay one consultancy away from its limit
  insured-stay:        Insured stay whose charges bypass the gate

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Build encounters and stays via the document factory
  3. Save source items and admit stays

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "inpatient-deficit"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - factory/documents.go: Encounter and stay documents
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/factory"
	"github.com/warp/reconciliation-engine/returns"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	encounters []factory.EncounterJSON
	stays      []factory.StayJSON
}

func amount(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "outpatient-returns",
			Name:        "Outpatient Returns",
			Description: "One appointment with every returnable item kind",
			Category:    "returns",
		},
		encounters: []factory.EncounterJSON{{
			PatientID:     "pat-amina",
			AppointmentID: "apt-1001",
			CompanyID:     "city-hospital",
			EncounterID:   "enc-1001",
			EncounterDate: "2025-03-01",
			LabTests: []factory.ItemJSON{
				{ID: "lab-fbc", Name: "Full Blood Count", Quantity: 1},
				{ID: "lab-lft", Name: "Liver Function Test", Quantity: 1, Returned: 1},
			},
			RadiologyExaminations: []factory.ItemJSON{
				{ID: "rad-cxr", Name: "Chest X-Ray", Quantity: 1},
			},
			ClinicalProcedures: []factory.ItemJSON{
				{ID: "proc-dress", Name: "Wound Dressing", Quantity: 3},
			},
			Therapies: []factory.ItemJSON{
				{ID: "ther-physio", Name: "Physiotherapy", Quantity: 10, Returned: 2, TherapyPlan: "TP-1001"},
			},
			Drugs: []factory.ItemJSON{
				{ID: "drug-amox", Name: "Amoxicillin 500mg", Quantity: 21, DeliveryNote: "DN-1001", DeliveryStatus: "submitted"},
			},
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "partial-drug-return",
			Name:        "Partial Drug Return",
			Description: "Drug prescribed 10, 4 already returned; at most 6 more",
			Category:    "returns",
		},
		encounters: []factory.EncounterJSON{{
			PatientID:     "pat-baraka",
			AppointmentID: "apt-2001",
			CompanyID:     "city-hospital",
			EncounterID:   "enc-2001",
			EncounterDate: "2025-03-02",
			Drugs: []factory.ItemJSON{
				{ID: "drug-para", Name: "Paracetamol 1g", Quantity: 10, Returned: 4, DeliveryNote: "DN-2001", DeliveryStatus: "submitted"},
			},
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "inpatient-deficit",
			Name:        "Inpatient Deficit",
			Description: "Cash limit 50000, 30000 confirmed; confirming 25000 more is rejected with deficit 5000",
			Category:    "inpatient",
		},
		stays: []factory.StayJSON{{
			ID:            "stay-3001",
			PatientID:     "pat-chausiku",
			AppointmentID: "apt-3001",
			CompanyID:     "city-hospital",
			CashLimit:     amount(50000),
			Occupancies: []factory.EntryJSON{
				{ID: "occ-3001", Description: "General ward, 3 nights", Value: decimal.NewFromInt(30000), Confirmed: true},
			},
			Consultancies: []factory.EntryJSON{
				{ID: "con-3001", Description: "Cardiology round", Value: decimal.NewFromInt(25000)},
			},
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "insured-stay",
			Name:        "Insured Stay",
			Description: "Insurance covers the stay; confirmations skip the cash limit",
			Category:    "inpatient",
		},
		stays: []factory.StayJSON{{
			ID:                    "stay-4001",
			PatientID:             "pat-daudi",
			AppointmentID:         "apt-4001",
			CompanyID:             "city-hospital",
			InsuranceSubscription: "NHIF-4001",
			CashLimit:             amount(0),
			Occupancies: []factory.EntryJSON{
				{ID: "occ-4001", Description: "ICU, 2 nights", Value: decimal.NewFromInt(120000)},
			},
		}},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var body LoadScenarioRequest
	if !h.decode(w, r, &body) {
		return
	}
	s, ok := findScenario(body.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", body.ScenarioID))
		return
	}
	if err := h.loadScenario(r.Context(), s); err != nil {
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeEngineError(w, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	for _, enc := range s.encounters {
		items, err := h.Documents.BuildEncounter(enc)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", s.ID, err)
		}
		if err := returns.Import(ctx, h.Store, items); err != nil {
			return err
		}
	}
	for _, sj := range s.stays {
		stay, err := h.Documents.BuildStay(sj)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", s.ID, err)
		}
		if err := h.Stays.Admit(ctx, stay); err != nil {
			return err
		}
	}
	return nil
}
