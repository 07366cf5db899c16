package generic_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/generic/store"
)

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func stayWithConfirmed(limit int64, confirmed ...int64) *generic.InpatientStay {
	stay := &generic.InpatientStay{
		ID:            "stay-1",
		PatientID:     "pat-1",
		AppointmentID: "apt-1",
		CompanyID:     "hosp",
		CashLimit:     money(limit),
	}
	for i, v := range confirmed {
		stay.AddEntry(generic.ChargeEntry{
			ID:          generic.EntryID("occ-" + string(rune('a'+i))),
			Kind:        generic.EntryOccupancy,
			Value:       money(v),
			IsConfirmed: true,
			State:       generic.Confirmed,
		})
	}
	return stay
}

// =============================================================================
// GATE ARITHMETIC
// =============================================================================

func TestEvaluate_RejectsOverLimitWithDeficit(t *testing.T) {
	// GIVEN: cash limit 50000 and 30000 confirmed, uninvoiced
	stay := stayWithConfirmed(50000, 30000)

	// WHEN: a 25000 charge is pending
	d := generic.Evaluate(stay, money(25000))

	// THEN: rejected, deficit 5000
	assert.False(t, d.Admit)
	assert.True(t, d.Outstanding.Equal(money(55000)), "outstanding %s", d.Outstanding)
	assert.True(t, d.Deficit.Equal(money(5000)), "deficit %s", d.Deficit)
}

func TestEvaluate_AdmitsWithinLimit(t *testing.T) {
	stay := stayWithConfirmed(50000, 30000)

	d := generic.Evaluate(stay, money(15000))

	assert.True(t, d.Admit)
	assert.True(t, d.Deficit.IsZero())
}

func TestEvaluate_ExactlyAtLimitAdmits(t *testing.T) {
	stay := stayWithConfirmed(50000, 30000)

	d := generic.Evaluate(stay, money(20000))

	assert.True(t, d.Admit, "outstanding equal to the limit is allowed")
}

func TestEvaluate_InvoicedAndUnconfirmedDoNotCount(t *testing.T) {
	stay := stayWithConfirmed(1000, 400)
	stay.AddEntry(generic.ChargeEntry{ID: "c1", Kind: generic.EntryConsultancy, Value: money(900), IsConfirmed: true, Invoiced: true, State: generic.Confirmed})
	stay.AddEntry(generic.ChargeEntry{ID: "c2", Kind: generic.EntryConsultancy, Value: money(900), State: generic.Unconfirmed})

	assert.True(t, generic.Outstanding(stay).Equal(money(400)))
	assert.True(t, generic.Evaluate(stay, money(600)).Admit)
}

func TestEvaluate_InsuredStayBypasses(t *testing.T) {
	stay := stayWithConfirmed(0, 99999)
	stay.InsuranceSubscription = "ins-42"

	d := generic.Evaluate(stay, money(1))

	assert.True(t, d.Admit)
	assert.True(t, d.Bypassed)
}

func TestBalanceGate_Check(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	require.NoError(t, s.SaveStay(ctx, stayWithConfirmed(50000, 30000)))
	gate := &generic.BalanceGate{Stays: s}

	d, err := gate.Check(ctx, "stay-1", money(25000))
	require.NoError(t, err)
	assert.False(t, d.Admit)

	_, err = gate.Check(ctx, "stay-1", money(-1))
	assert.True(t, errors.Is(err, generic.ErrValidation))

	_, err = gate.Check(ctx, "missing", decimal.Zero)
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// CONFIRMATION STATE MACHINE
// =============================================================================

func setupConfirmation(t *testing.T, limit, confirmed, candidate int64) (*generic.ConfirmationMachine, *store.TxMemory, *store.MemoryAudit) {
	t.Helper()
	s := store.NewTxMemory()
	audit := store.NewMemoryAudit()
	stay := stayWithConfirmed(limit, confirmed)
	stay.AddEntry(generic.ChargeEntry{
		ID:    "cons-1",
		Kind:  generic.EntryConsultancy,
		Value: money(candidate),
		State: generic.Unconfirmed,
	})
	require.NoError(t, s.SaveStay(context.Background(), stay))
	return generic.NewConfirmationMachine(s, audit, nil), s, audit
}

func TestConfirm_RejectedRollsBackToUnconfirmed(t *testing.T) {
	ctx := context.Background()
	// GIVEN: limit 50000, 30000 confirmed, a 25000 consultancy waiting
	m, s, audit := setupConfirmation(t, 50000, 30000, 25000)

	// WHEN: confirming it
	result, err := m.Confirm(ctx, "stay-1", generic.EntryConsultancy, "cons-1", "nurse-1")

	// THEN: deficit error, result says not confirmed
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrBalanceDeficit))
	var deficitErr *generic.BalanceDeficitError
	require.True(t, errors.As(err, &deficitErr))
	assert.True(t, deficitErr.Deficit.Equal(money(5000)))
	require.NotNil(t, result)
	assert.False(t, result.Confirmed)
	assert.True(t, result.Deficit.Equal(money(5000)))

	// AND: the persisted entry is back to unconfirmed
	stay, err := s.GetStay(ctx, "stay-1")
	require.NoError(t, err)
	entry, err := stay.FindEntry(generic.EntryConsultancy, "cons-1")
	require.NoError(t, err)
	assert.False(t, entry.IsConfirmed)
	assert.Equal(t, generic.Unconfirmed, entry.State)
	assert.True(t, generic.Outstanding(stay).Equal(money(30000)))

	entries, err := audit.Query(ctx, generic.AuditFilter{Subject: "stay-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, generic.AuditEntryRolledBack, entries[0].Action)
}

func TestConfirm_AdmittedPersistsConfirmed(t *testing.T) {
	ctx := context.Background()
	m, s, _ := setupConfirmation(t, 50000, 30000, 15000)

	result, err := m.Confirm(ctx, "stay-1", generic.EntryConsultancy, "cons-1", "nurse-1")
	require.NoError(t, err)
	assert.True(t, result.Confirmed)

	stay, err := s.GetStay(ctx, "stay-1")
	require.NoError(t, err)
	entry, err := stay.FindEntry(generic.EntryConsultancy, "cons-1")
	require.NoError(t, err)
	assert.True(t, entry.IsConfirmed)
	assert.Equal(t, generic.Confirmed, entry.State)

	// Confirming again is a no-op
	again, err := m.Confirm(ctx, "stay-1", generic.EntryConsultancy, "cons-1", "nurse-1")
	require.NoError(t, err)
	assert.True(t, again.Confirmed)
}

func TestConfirm_InsuredStayAlwaysConfirms(t *testing.T) {
	ctx := context.Background()
	m, s, _ := setupConfirmation(t, 0, 100, 1000)
	stay, err := s.GetStay(ctx, "stay-1")
	require.NoError(t, err)
	stay.InsuranceSubscription = "ins-1"
	require.NoError(t, s.SaveStay(ctx, stay))

	result, err := m.Confirm(ctx, "stay-1", generic.EntryConsultancy, "cons-1", "nurse-1")
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.True(t, result.Decision.Bypassed)
}

func TestConfirm_UnknownEntry(t *testing.T) {
	m, _, _ := setupConfirmation(t, 100, 0, 10)

	_, err := m.Confirm(context.Background(), "stay-1", generic.EntryOccupancy, "nope", "nurse-1")
	assert.True(t, errors.Is(err, generic.ErrEntryNotFound))
}

func TestUnconfirm(t *testing.T) {
	ctx := context.Background()
	m, s, _ := setupConfirmation(t, 50000, 30000, 100)

	// Unconfirmed entries cannot be unconfirmed
	_, err := m.Unconfirm(ctx, "stay-1", generic.EntryConsultancy, "cons-1", "nurse-1")
	assert.True(t, errors.Is(err, generic.ErrInvalidWorkflowTransition))

	entry, err := m.Unconfirm(ctx, "stay-1", generic.EntryOccupancy, "occ-a", "nurse-1")
	require.NoError(t, err)
	assert.Equal(t, generic.Unconfirmed, entry.State)

	stay, err := s.GetStay(ctx, "stay-1")
	require.NoError(t, err)
	assert.True(t, generic.Outstanding(stay).IsZero())
}

func TestUnconfirm_InvoicedRefused(t *testing.T) {
	ctx := context.Background()
	m, s, _ := setupConfirmation(t, 50000, 30000, 100)
	stay, err := s.GetStay(ctx, "stay-1")
	require.NoError(t, err)
	e, err := stay.FindEntry(generic.EntryOccupancy, "occ-a")
	require.NoError(t, err)
	e.Invoiced = true
	require.NoError(t, s.SaveStay(ctx, stay))

	_, err = m.Unconfirm(ctx, "stay-1", generic.EntryOccupancy, "occ-a", "nurse-1")
	assert.True(t, errors.Is(err, generic.ErrInvalidWorkflowTransition))
}
