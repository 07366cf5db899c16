package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/api"
	"github.com/warp/reconciliation-engine/factory"
	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := api.NewHandler(store, factory.NewDocumentFactory(decimal.NewFromInt(20000)), nil)
	return &testServer{t: t, router: api.NewRouter(h, api.RouterOptions{})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "tester")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) loadScenario(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) createDraft(patient, appointment string) api.ReturnRequestDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/returns", map[string]string{
		"patient_id": patient, "appointment_id": appointment, "company_id": "city-hospital", "requested_by": "clerk-1",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[api.ReturnRequestDTO](s.t, rec)
}

// =============================================================================
// RETURN FLOW
// =============================================================================

func TestReturnFlow_PartialDrugReturn(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("partial-drug-return")

	// GIVEN: a drug with 10 prescribed and 4 returned
	rec := s.do(http.MethodGet, "/api/eligible?patient_id=pat-baraka&appointment_id=apt-2001&company_id=city-hospital&kind=drug", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	eligible := decodeBody[[]api.SourceItemDTO](t, rec)
	require.Len(t, eligible, 1)
	assert.Equal(t, int64(6), eligible[0].Remaining)

	draft := s.createDraft("pat-baraka", "apt-2001")

	// WHEN: asking for 7
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{{SourceID: "drug-para", Quantity: 7, Reason: "discharged", DrugCondition: "sealed"}},
	})

	// THEN: rejected, nothing attached, caller told to re-read and retry
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[api.ErrorResponse](t, rec).Retryable)

	// WHEN: asking for 6
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{{SourceID: "drug-para", Quantity: 6, Reason: "discharged", DrugCondition: "sealed"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	attached := decodeBody[api.ReturnRequestDTO](t, rec)
	require.Len(t, attached.DrugLines, 1)

	// THEN: submit commits 6 and the item is fully returned
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/submit", api.SubmitReturnRequest{ApprovedBy: "pharmacist-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ack := decodeBody[api.SubmitResponse](t, rec)
	require.Len(t, ack.Commits, 1)
	assert.Equal(t, int64(6), ack.Commits[0].Delta)
	assert.Equal(t, int64(10), ack.Commits[0].ConsumedAfter)
	assert.Equal(t, string(generic.ItemFullyReturned), ack.Commits[0].Status)
	assert.Equal(t, string(generic.ReturnSubmitted), ack.Request.State)

	rec = s.do(http.MethodGet, "/api/eligible?patient_id=pat-baraka&appointment_id=apt-2001&company_id=city-hospital", nil)
	assert.Empty(t, decodeBody[[]api.SourceItemDTO](t, rec))

	// Submitted requests are frozen
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/void", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{{SourceID: "drug-para", Quantity: 1, Reason: "discharged", DrugCondition: "sealed"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/api/audit?subject="+draft.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[[]api.AuditEntryDTO](t, rec))
}

func TestSubmit_ProblemsReported(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("outpatient-returns")
	draft := s.createDraft("pat-amina", "apt-1001")

	// GIVEN: a lab line without a reason
	rec := s.do(http.MethodPost, "/api/returns/"+draft.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{{SourceID: "lab-fbc", Quantity: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: submitting
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/submit", nil)

	// THEN: 422 with the problem, request still a draft
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	require.Len(t, resp.Problems, 1)
	assert.Equal(t, generic.ProblemMissingReason, resp.Problems[0].Code)
	assert.Equal(t, "lab-fbc", resp.Problems[0].SourceID)

	rec = s.do(http.MethodGet, "/api/returns/"+draft.ID, nil)
	assert.Equal(t, string(generic.ReturnDraft), decodeBody[api.ReturnRequestDTO](t, rec).State)
}

func TestEditLines_PerLineOutcomes(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("outpatient-returns")
	draft := s.createDraft("pat-amina", "apt-1001")

	rec := s.do(http.MethodPost, "/api/returns/"+draft.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{
			{SourceID: "proc-dress", Quantity: 1, Reason: "not done"},
			{SourceID: "ther-physio", Quantity: 1, Reason: "discharged"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: one edit fits and one overshoots the 8 remaining sessions
	rec = s.do(http.MethodPatch, "/api/returns/"+draft.ID+"/lines", api.EditLinesRequest{
		Edits: []api.LineEditDTO{{SourceID: "proc-dress", Quantity: 3}, {SourceID: "ther-physio", Quantity: 9}},
	})

	// THEN: the good edit is kept and the bad one zeroed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[api.EditLinesResponse](t, rec)
	require.Len(t, resp.Outcomes, 2)
	assert.True(t, resp.Outcomes[0].Accepted)
	assert.False(t, resp.Outcomes[1].Accepted)
	assert.NotEmpty(t, resp.Outcomes[1].Error)
	assert.Equal(t, int64(3), resp.Request.LRPLines[0].Requested)
	assert.Equal(t, int64(0), resp.Request.TherapyLines[0].Requested)

	// Removing a line
	rec = s.do(http.MethodDelete, "/api/returns/"+draft.ID+"/lines/ther-physio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[api.ReturnRequestDTO](t, rec).TherapyLines)
}

func TestReturns_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("outpatient-returns")
	s.createDraft("pat-amina", "apt-1001")

	// Second draft for the same appointment
	rec := s.do(http.MethodPost, "/api/returns", map[string]string{
		"patient_id": "pat-amina", "appointment_id": "apt-1001", "company_id": "city-hospital", "requested_by": "clerk-2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing fields
	rec = s.do(http.MethodPost, "/api/returns", map[string]string{"patient_id": "pat-amina"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[api.ErrorResponse](t, rec).Details, "AppointmentID is required")

	rec = s.do(http.MethodGet, "/api/returns/ret-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/eligible?patient_id=pat-amina&appointment_id=apt-1001&company_id=city-hospital&kind=surgery", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/eligible?patient_id=pat-amina", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestImportEncounter(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/encounters", factory.EncounterJSON{
		PatientID: "pat-9", AppointmentID: "apt-9", CompanyID: "city-hospital", EncounterDate: "2025-04-01",
		LabTests: []factory.ItemJSON{{ID: "lab-9", Name: "Malaria RDT", Quantity: 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/eligible?patient_id=pat-9&appointment_id=apt-9&company_id=city-hospital&kind=lrp", nil)
	items := decodeBody[[]api.SourceItemDTO](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, "Lab Test", items[0].ReferenceDoctype)

	rec = s.do(http.MethodPost, "/api/encounters", factory.EncounterJSON{PatientID: "pat-9"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestImportEncounter_ReimportCannotResetConsumption(t *testing.T) {
	s := newTestServer(t)
	encounter := factory.EncounterJSON{
		PatientID: "pat-1", AppointmentID: "apt-1", CompanyID: "city-hospital", EncounterDate: "2025-04-01",
		Drugs: []factory.ItemJSON{{ID: "drug-d", Name: "Ibuprofen 400mg", Quantity: 5, Returned: 2}},
	}
	rec := s.do(http.MethodPost, "/api/encounters", encounter)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// GIVEN: the 3 remaining units returned and submitted
	draft := s.createDraft("pat-1", "apt-1")
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{{SourceID: "drug-d", Quantity: 3, Reason: "discharged", DrugCondition: "sealed"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/returns/"+draft.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: the same encounter is posted again
	rec = s.do(http.MethodPost, "/api/encounters", encounter)

	// THEN: refused, and the committed counter still blocks further returns
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/eligible?patient_id=pat-1&appointment_id=apt-1&company_id=city-hospital&kind=drug", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]api.SourceItemDTO](t, rec))

	second := s.createDraft("pat-1", "apt-1")
	rec = s.do(http.MethodPost, "/api/returns/"+second.ID+"/lines", api.AttachLinesRequest{
		Lines: []api.SelectionDTO{{SourceID: "drug-d", Quantity: 3, Reason: "discharged", DrugCondition: "sealed"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

// =============================================================================
// STAY FLOW
// =============================================================================

func TestAdmitStay_ExistingIDRefused(t *testing.T) {
	s := newTestServer(t)
	stay := map[string]any{
		"id": "stay-s", "patient_id": "pat-s", "appointment_id": "apt-s", "company_id": "city-hospital",
		"cash_limit":  "100",
		"occupancies": []map[string]any{{"id": "occ-1", "value": "90", "confirmed": true}},
	}
	rec := s.do(http.MethodPost, "/api/stays", stay)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: the same id is posted with more confirmed charges
	stay["occupancies"] = []map[string]any{
		{"id": "occ-1", "value": "90", "confirmed": true},
		{"id": "occ-2", "value": "90", "confirmed": true},
	}
	rec = s.do(http.MethodPost, "/api/stays", stay)

	// THEN: refused; confirmed charges still only change through the gate
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/stays/stay-s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[api.StayDTO](t, rec)
	assert.True(t, summary.Outstanding.Equal(decimal.NewFromInt(90)))
	assert.Len(t, summary.Occupancies, 1)
}

func TestConfirm_RejectedThenAdmittedAfterDeposit(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("inpatient-deficit")

	// WHEN: confirming the 25000 consultancy against 30000 of 50000
	rec := s.do(http.MethodPost, "/api/stays/stay-3001/entries/consultancy/con-3001/confirm", nil)

	// THEN: 200 with the deficit, entry left unconfirmed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[api.ConfirmResponse](t, rec)
	assert.False(t, resp.Confirmed)
	require.NotNil(t, resp.Deficit)
	assert.True(t, resp.Deficit.Equal(decimal.NewFromInt(5000)))

	rec = s.do(http.MethodGet, "/api/stays/stay-3001", nil)
	stay := decodeBody[api.StayDTO](t, rec)
	assert.True(t, stay.Outstanding.Equal(decimal.NewFromInt(30000)))
	assert.Equal(t, string(generic.Unconfirmed), stay.Consultancies[0].State)

	// WHEN: a 10000 deposit is made
	rec = s.do(http.MethodPost, "/api/stays/stay-3001/deposits", map[string]any{"amount": "10000", "reference": "RCPT-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[api.StayDTO](t, rec).CashLimit.Equal(decimal.NewFromInt(60000)))

	// THEN: the confirmation goes through
	rec = s.do(http.MethodPost, "/api/stays/stay-3001/entries/consultancy/con-3001/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[api.ConfirmResponse](t, rec)
	assert.True(t, resp.Confirmed)
	assert.Nil(t, resp.Deficit)

	rec = s.do(http.MethodPost, "/api/stays/stay-3001/balance-check", map[string]any{"pending": "6000"})
	require.Equal(t, http.StatusOK, rec.Code)
	check := decodeBody[api.BalanceCheckResponse](t, rec)
	assert.False(t, check.Admit)
	assert.True(t, check.Deficit.Equal(decimal.NewFromInt(1000)))
}

func TestStayCharges_InvoiceAndUnconfirm(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/stays", map[string]any{
		"id": "stay-x", "patient_id": "pat-x", "appointment_id": "apt-x", "company_id": "city-hospital",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[api.StayDTO](t, rec).CashLimit.Equal(decimal.NewFromInt(20000)), "default cash limit")

	rec = s.do(http.MethodPost, "/api/stays/stay-x/charges", map[string]any{"kind": "occupancy", "description": "Ward", "value": "15000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decodeBody[api.ChargeEntryDTO](t, rec)

	path := "/api/stays/stay-x/entries/occupancy/" + entry.ID

	// Invoicing needs a confirmed entry
	rec = s.do(http.MethodPost, path+"/invoice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodPost, path+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, path+"/unconfirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(generic.Unconfirmed), decodeBody[api.ChargeEntryDTO](t, rec).State)

	rec = s.do(http.MethodPost, path+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, path+"/invoice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[api.ChargeEntryDTO](t, rec).Invoiced)

	// Invoiced entries stay confirmed
	rec = s.do(http.MethodPost, path+"/unconfirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/stays/stay-x/entries/pharmacy/"+entry.ID+"/confirm", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/stays/stay-x/charges", map[string]any{"kind": "surgery", "value": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/stays/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]api.ScenarioDTO](t, rec)
	assert.Len(t, list, 4)

	for _, sc := range list {
		s.loadScenario(sc.ID)
		rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
		assert.Equal(t, sc.ID, decodeBody[api.ScenarioDTO](t, rec).ID)
	}

	rec = s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/stays/stay-4001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsuredStay_ConfirmBypassesGate(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("insured-stay")

	rec := s.do(http.MethodPost, "/api/stays/stay-4001/entries/occupancy/occ-4001/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[api.ConfirmResponse](t, rec).Confirmed)
}
