package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/generic/store"
)

func drug(id string, prescribed, consumed generic.Quantity) generic.SourceItem {
	return generic.SourceItem{
		ID:         generic.SourceID(id),
		Kind:       generic.StringKind{ID: "drug", Fam: generic.FamilyDrug},
		PatientID:  "pat-1",
		Prescribed: prescribed,
		Consumed:   consumed,
		Status:     generic.StatusFor(prescribed, consumed),
		Drug:       &generic.DrugDetails{DeliveryNote: "dn-1"},
	}
}

func TestIncrementConsumed_Conditional(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()
	require.NoError(t, m.SaveSourceItem(ctx, drug("d1", 5, 2)))

	// Wrong expected value loses
	_, err := m.IncrementConsumed(ctx, "d1", 1, 1)
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))

	// Overshooting prescribed loses
	_, err = m.IncrementConsumed(ctx, "d1", 2, 4)
	assert.True(t, errors.Is(err, generic.ErrConcurrentModification))

	got, err := m.IncrementConsumed(ctx, "d1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, generic.Quantity(5), got.Consumed)
	assert.Equal(t, generic.ItemFullyReturned, got.Status)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewTxMemory()
	require.NoError(t, m.SaveSourceItem(ctx, drug("d1", 5, 0)))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.IncrementConsumed(ctx, "d1", 0, 2); err != nil {
			return err
		}
		if err := tx.SaveReturnRequest(ctx, &generic.ReturnRequest{ID: "r1", State: generic.ReturnDraft}); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes
		it, err := tx.GetSourceItem(ctx, "d1")
		if err != nil {
			return err
		}
		assert.Equal(t, generic.Quantity(2), it.Consumed)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	it, err := m.GetSourceItem(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, generic.Quantity(0), it.Consumed)
	_, err = m.GetReturnRequest(ctx, "r1")
	assert.True(t, errors.Is(err, generic.ErrReturnNotFound))
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveSourceItem(ctx, drug("d1", 5, 0)))

	it, err := m.GetSourceItem(ctx, "d1")
	require.NoError(t, err)
	it.Consumed = 4
	it.Drug.DeliveryNote = "changed"

	again, err := m.GetSourceItem(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, generic.Quantity(0), again.Consumed)
	assert.Equal(t, "dn-1", again.Drug.DeliveryNote)
}

func TestMemoryAudit_Query(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemoryAudit()
	require.NoError(t, a.Append(ctx, generic.AuditEntry{ID: "1", Subject: "r1", Action: generic.AuditReturnCreated}))
	require.NoError(t, a.Append(ctx, generic.AuditEntry{ID: "2", Subject: "r2", Action: generic.AuditReturnCreated}))
	require.NoError(t, a.Append(ctx, generic.AuditEntry{ID: "3", Subject: "r1", Action: generic.AuditReturnSubmitted}))

	got, err := a.Query(ctx, generic.AuditFilter{Subject: "r1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[1].ID)

	got, err = a.Query(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditReturnSubmitted}})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
