package inpatient_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/inpatient"
	"github.com/warp/reconciliation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T, cashLimit int64) (*inpatient.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := inpatient.NewService(store, store, nil)
	require.NoError(t, svc.Admit(context.Background(), &generic.InpatientStay{
		ID: "stay-1", PatientID: "pat-1", AppointmentID: "apt-1", CompanyID: "hosp",
		CashLimit: decimal.NewFromInt(cashLimit),
	}))
	return svc, store
}

func amount(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// =============================================================================
// FULL STAY FLOW
// =============================================================================

func TestStayFlow_DepositUnblocksConfirmation(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, 50000)

	// GIVEN: 30000 occupancy confirmed
	occ, err := svc.RecordCharge(ctx, "stay-1", generic.EntryOccupancy, "General ward, 3 nights", amount(30000), "nurse-1")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "stay-1", generic.EntryOccupancy, occ.ID, "nurse-1")
	require.NoError(t, err)

	// WHEN: a 25000 consultancy is confirmed
	cons, err := svc.RecordCharge(ctx, "stay-1", generic.EntryConsultancy, "Cardiology round", amount(25000), "nurse-1")
	require.NoError(t, err)
	result, err := svc.Confirm(ctx, "stay-1", generic.EntryConsultancy, cons.ID, "nurse-1")

	// THEN: rejected with deficit 5000
	assert.True(t, errors.Is(err, generic.ErrBalanceDeficit))
	require.NotNil(t, result)
	assert.False(t, result.Confirmed)
	assert.True(t, result.Deficit.Equal(amount(5000)))

	summary, err := svc.Summary(ctx, "stay-1")
	require.NoError(t, err)
	assert.True(t, summary.Outstanding.Equal(amount(30000)))
	assert.Equal(t, 1, summary.Pending)

	// WHEN: a 10000 deposit is made and confirmation retried
	stay, err := svc.RecordDeposit(ctx, "stay-1", amount(10000), "RCPT-1", "cashier-1")
	require.NoError(t, err)
	assert.True(t, stay.CashLimit.Equal(amount(60000)))

	result, err = svc.Confirm(ctx, "stay-1", generic.EntryConsultancy, cons.ID, "nurse-1")
	require.NoError(t, err)
	assert.True(t, result.Confirmed)

	summary, err = svc.Summary(ctx, "stay-1")
	require.NoError(t, err)
	assert.True(t, summary.Headroom.Equal(amount(5000)))
	assert.Equal(t, 2, summary.Confirmed)

	trail, err := store.Query(ctx, generic.AuditFilter{Subject: "stay-1", Actions: []generic.AuditAction{generic.AuditEntryRolledBack}})
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestMarkInvoiced_OnlyConfirmedEntries(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 50000)
	occ, err := svc.RecordCharge(ctx, "stay-1", generic.EntryOccupancy, "ICU", amount(40000), "nurse-1")
	require.NoError(t, err)

	// Unconfirmed charges cannot be invoiced
	_, err = svc.MarkInvoiced(ctx, "stay-1", generic.EntryOccupancy, occ.ID, "billing")
	assert.True(t, errors.Is(err, generic.ErrNotInvoiceable))

	_, err = svc.Confirm(ctx, "stay-1", generic.EntryOccupancy, occ.ID, "nurse-1")
	require.NoError(t, err)
	entry, err := svc.MarkInvoiced(ctx, "stay-1", generic.EntryOccupancy, occ.ID, "billing")
	require.NoError(t, err)
	assert.True(t, entry.Invoiced)

	// Invoiced charges leave the outstanding balance
	d, err := svc.CheckBalance(ctx, "stay-1", amount(45000))
	require.NoError(t, err)
	assert.True(t, d.Admit)

	// And cannot be unconfirmed
	_, err = svc.Unconfirm(ctx, "stay-1", generic.EntryOccupancy, occ.ID, "nurse-1")
	assert.True(t, errors.Is(err, generic.ErrInvalidWorkflowTransition))
}

func TestRecordCharge_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 100)

	_, err := svc.RecordCharge(ctx, "stay-1", generic.EntryOccupancy, "", amount(0), "nurse-1")
	assert.True(t, errors.Is(err, generic.ErrValidation))

	_, err = svc.RecordCharge(ctx, "missing", generic.EntryOccupancy, "", amount(5), "nurse-1")
	assert.True(t, errors.Is(err, generic.ErrStayNotFound))

	_, err = svc.RecordDeposit(ctx, "stay-1", amount(-5), "", "cashier-1")
	assert.True(t, errors.Is(err, generic.ErrValidation))
}

func TestAdmit_ExistingStayNotReplaced(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, 100)
	occ, err := svc.RecordCharge(ctx, "stay-1", generic.EntryOccupancy, "Ward", amount(90), "nurse-1")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "stay-1", generic.EntryOccupancy, occ.ID, "nurse-1")
	require.NoError(t, err)

	// WHEN: admitting the same id again with a confirmed entry
	err = svc.Admit(ctx, &generic.InpatientStay{
		ID: "stay-1", PatientID: "pat-1", AppointmentID: "apt-1", CompanyID: "hosp",
		CashLimit: amount(100),
		Occupancies: []generic.ChargeEntry{{
			ID: "occ-x", Kind: generic.EntryOccupancy, Value: amount(90),
			IsConfirmed: true, State: generic.Confirmed,
		}},
	})

	// THEN: refused and the stored entries are untouched
	assert.True(t, errors.Is(err, generic.ErrAlreadyExists))
	stay, err := store.GetStay(ctx, "stay-1")
	require.NoError(t, err)
	require.Len(t, stay.Occupancies, 1)
	assert.Equal(t, occ.ID, stay.Occupancies[0].ID)
	assert.True(t, generic.Outstanding(stay).Equal(amount(90)))
}

func TestParseEntryKind(t *testing.T) {
	k, err := inpatient.ParseEntryKind("Occupancy")
	require.NoError(t, err)
	assert.Equal(t, generic.EntryOccupancy, k)

	k, err = inpatient.ParseEntryKind("consultancies")
	require.NoError(t, err)
	assert.Equal(t, generic.EntryConsultancy, k)

	_, err = inpatient.ParseEntryKind("pharmacy")
	assert.True(t, errors.Is(err, generic.ErrValidation))
}
