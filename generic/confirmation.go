/*
confirmation.go - Charge entry confirmation state machine

PURPOSE:
  Confirms occupancy and consultancy entries on an inpatient stay, with
  the balance gate deciding whether the confirmation may stand.

STATE MACHINE:
  ┌─────────────┐  Confirm   ┌────────────────┐  gate admits  ┌───────────┐
  │ Unconfirmed │ ─────────▶ │ PendingConfirm │ ────────────▶ │ Confirmed │
  └─────────────┘            └────────────────┘               └───────────┘
        ▲                           │ gate rejects                 │
        └───────────────────────────┘                              │
        ▲                         Unconfirm (not invoiced)         │
        └──────────────────────────────────────────────────────────┘

  PendingConfirm only exists inside one store transaction. The entry is
  persisted as confirmed, the stay is re-read and the gate evaluated
  against what was persisted. A rejection writes the entry back to
  Unconfirmed before the transaction ends, so no reader outside it ever
  sees a confirmed entry that pushed the stay over its limit.

SEE ALSO:
  - balance.go: Gate arithmetic
*/
package generic

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConfirmResult reports the outcome of a confirmation attempt.
type ConfirmResult struct {
	StayID    StayID
	EntryID   EntryID
	Kind      EntryKind
	Confirmed bool
	Deficit   decimal.Decimal
	Decision  GateDecision
}

// ConfirmationMachine drives charge entries through their states.
type ConfirmationMachine struct {
	Store  TxStore
	Audit  AuditLog // optional
	Logger *zap.Logger
}

// NewConfirmationMachine creates a machine; a nil logger is replaced with
// a no-op logger.
func NewConfirmationMachine(store TxStore, audit AuditLog, logger *zap.Logger) *ConfirmationMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfirmationMachine{Store: store, Audit: audit, Logger: logger}
}

// Confirm attempts to confirm an entry. When the gate rejects, the entry
// is left unconfirmed and the result is returned together with a
// *BalanceDeficitError. Confirming an already confirmed entry is a no-op.
func (m *ConfirmationMachine) Confirm(ctx context.Context, stayID StayID, kind EntryKind, entryID EntryID, actor string) (*ConfirmResult, error) {
	result := &ConfirmResult{StayID: stayID, EntryID: entryID, Kind: kind, Deficit: decimal.Zero}
	var noop bool

	err := m.Store.WithTx(ctx, func(tx Store) error {
		stay, err := tx.GetStay(ctx, stayID)
		if err != nil {
			return err
		}
		entry, err := stay.FindEntry(kind, entryID)
		if err != nil {
			return err
		}
		if entry.State == Confirmed {
			noop = true
			result.Confirmed = true
			result.Decision = Evaluate(stay, decimal.Zero)
			return nil
		}

		entry.IsConfirmed = true
		entry.State = PendingConfirm
		if err := tx.SaveStay(ctx, stay); err != nil {
			return err
		}

		fresh, err := tx.GetStay(ctx, stayID)
		if err != nil {
			return err
		}
		decision := Evaluate(fresh, decimal.Zero)
		result.Decision = decision

		pending, err := fresh.FindEntry(kind, entryID)
		if err != nil {
			return err
		}
		if decision.Admit {
			pending.State = Confirmed
			result.Confirmed = true
			return tx.SaveStay(ctx, fresh)
		}

		pending.IsConfirmed = false
		pending.State = Unconfirmed
		result.Deficit = decision.Deficit
		return tx.SaveStay(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return result, nil
	}

	fields := []zap.Field{
		zap.String("stay_id", string(stayID)),
		zap.String("entry_id", string(entryID)),
		zap.String("kind", string(kind)),
		zap.String("outstanding", result.Decision.Outstanding.String()),
	}
	if !result.Confirmed {
		m.Logger.Info("entry confirmation rolled back", append(fields, zap.String("deficit", result.Deficit.String()))...)
		m.audit(ctx, actor, AuditEntryRolledBack, stayID, map[string]any{
			"entry_id": string(entryID), "kind": string(kind), "deficit": result.Deficit.String(),
		})
		return result, &BalanceDeficitError{
			StayID:      stayID,
			EntryID:     entryID,
			Outstanding: result.Decision.Outstanding,
			CashLimit:   result.Decision.CashLimit,
			Deficit:     result.Deficit,
		}
	}

	m.Logger.Info("entry confirmed", fields...)
	m.audit(ctx, actor, AuditEntryConfirmed, stayID, map[string]any{"entry_id": string(entryID), "kind": string(kind)})
	return result, nil
}

// Unconfirm moves a confirmed entry back to Unconfirmed. Invoiced entries
// stay confirmed.
func (m *ConfirmationMachine) Unconfirm(ctx context.Context, stayID StayID, kind EntryKind, entryID EntryID, actor string) (*ChargeEntry, error) {
	var updated ChargeEntry
	err := m.Store.WithTx(ctx, func(tx Store) error {
		stay, err := tx.GetStay(ctx, stayID)
		if err != nil {
			return err
		}
		entry, err := stay.FindEntry(kind, entryID)
		if err != nil {
			return err
		}
		if entry.Invoiced {
			return &EntryTransitionError{EntryID: entryID, From: entry.State, Action: "unconfirm invoiced"}
		}
		if entry.State != Confirmed {
			return &EntryTransitionError{EntryID: entryID, From: entry.State, Action: "unconfirm"}
		}
		entry.IsConfirmed = false
		entry.State = Unconfirmed
		updated = *entry
		return tx.SaveStay(ctx, stay)
	})
	if err != nil {
		return nil, err
	}
	m.Logger.Info("entry unconfirmed",
		zap.String("stay_id", string(stayID)),
		zap.String("entry_id", string(entryID)),
	)
	m.audit(ctx, actor, AuditEntryUnconfirmed, stayID, map[string]any{"entry_id": string(entryID), "kind": string(kind)})
	return &updated, nil
}

func (m *ConfirmationMachine) audit(ctx context.Context, actor string, action AuditAction, stayID StayID, payload map[string]any) {
	if m.Audit == nil {
		return
	}
	err := m.Audit.Append(ctx, AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: timeNow(),
		ActorID:   actor,
		Action:    action,
		Subject:   string(stayID),
		Payload:   payload,
	})
	if err != nil {
		m.Logger.Warn("failed to append audit entry", zap.String("action", string(action)), zap.Error(err))
	}
}
