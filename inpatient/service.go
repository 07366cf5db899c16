package inpatient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// STAY SERVICE
// =============================================================================

type Service struct {
	Store   generic.TxStore
	Audit   generic.AuditLog // optional
	Gate    *generic.BalanceGate
	Machine *generic.ConfirmationMachine
	Logger  *zap.Logger

	Now func() time.Time
}

// NewService wires the gate and the confirmation machine over one store.
func NewService(store generic.TxStore, audit generic.AuditLog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:   store,
		Audit:   audit,
		Gate:    &generic.BalanceGate{Stays: store},
		Machine: generic.NewConfirmationMachine(store, audit, logger),
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Admit stores a new stay and rejects an id that is already admitted. Insured stays may have a zero cash limit.
func (s *Service) Admit(ctx context.Context, stay *generic.InpatientStay) error {
	if stay.ID == "" || stay.PatientID == "" {
		return fmt.Errorf("%w: stay id and patient are required", generic.ErrValidation)
	}
	if stay.CashLimit.IsNegative() {
		return fmt.Errorf("%w: cash limit must not be negative", generic.ErrValidation)
	}
	// Entries of a live stay only change through charges and the
	// confirmation machine, so an existing id is never replaced.
	return s.Store.WithTx(ctx, func(tx generic.Store) error {
		_, err := tx.GetStay(ctx, stay.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: stay %s", generic.ErrAlreadyExists, stay.ID)
		case !errors.Is(err, generic.ErrStayNotFound):
			return err
		}
		return tx.SaveStay(ctx, stay)
	})
}

// RecordCharge adds an unconfirmed entry for a service event.
func (s *Service) RecordCharge(ctx context.Context, stayID generic.StayID, kind generic.EntryKind, description string, value decimal.Decimal, actor string) (*generic.ChargeEntry, error) {
	if !value.IsPositive() {
		return nil, fmt.Errorf("%w: charge value must be positive", generic.ErrValidation)
	}
	if kind != generic.EntryOccupancy && kind != generic.EntryConsultancy {
		return nil, fmt.Errorf("%w: unknown entry kind %q", generic.ErrValidation, kind)
	}

	entry := generic.ChargeEntry{
		ID:          generic.EntryID(string(kind)[:3] + "-" + uuid.NewString()),
		Kind:        kind,
		Description: description,
		Value:       value,
		State:       generic.Unconfirmed,
		RecordedAt:  s.now(),
	}
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		stay, err := tx.GetStay(ctx, stayID)
		if err != nil {
			return err
		}
		stay.AddEntry(entry)
		return tx.SaveStay(ctx, stay)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("charge recorded",
		zap.String("stay_id", string(stayID)),
		zap.String("entry_id", string(entry.ID)),
		zap.String("kind", string(kind)),
		zap.String("value", value.String()),
	)
	s.audit(ctx, actor, generic.AuditChargeRecorded, stayID, map[string]any{
		"entry_id": string(entry.ID), "kind": string(kind), "value": value.String(),
	})
	return &entry, nil
}

// RecordDeposit raises the stay's cash limit by amount.
func (s *Service) RecordDeposit(ctx context.Context, stayID generic.StayID, amount decimal.Decimal, reference, actor string) (*generic.InpatientStay, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be positive", generic.ErrValidation)
	}

	var updated *generic.InpatientStay
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		stay, err := tx.GetStay(ctx, stayID)
		if err != nil {
			return err
		}
		stay.CashLimit = stay.CashLimit.Add(amount)
		updated = stay
		return tx.SaveStay(ctx, stay)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("deposit recorded",
		zap.String("stay_id", string(stayID)),
		zap.String("amount", amount.String()),
		zap.String("cash_limit", updated.CashLimit.String()),
	)
	s.audit(ctx, actor, generic.AuditDepositRecorded, stayID, map[string]any{
		"amount": amount.String(), "reference": reference, "cash_limit": updated.CashLimit.String(),
	})
	return updated, nil
}

// MarkInvoiced flags a confirmed entry as billed. It then stops counting
// towards the outstanding balance.
func (s *Service) MarkInvoiced(ctx context.Context, stayID generic.StayID, kind generic.EntryKind, entryID generic.EntryID, actor string) (*generic.ChargeEntry, error) {
	var updated generic.ChargeEntry
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		stay, err := tx.GetStay(ctx, stayID)
		if err != nil {
			return err
		}
		entry, err := stay.FindEntry(kind, entryID)
		if err != nil {
			return err
		}
		if entry.State != generic.Confirmed || !entry.IsConfirmed {
			return fmt.Errorf("%w: %s is %s", generic.ErrNotInvoiceable, entryID, entry.State)
		}
		if entry.Invoiced {
			updated = *entry
			return nil
		}
		entry.Invoiced = true
		updated = *entry
		return tx.SaveStay(ctx, stay)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, generic.AuditEntryInvoiced, stayID, map[string]any{"entry_id": string(entryID), "kind": string(kind)})
	return &updated, nil
}

// Confirm runs the confirmation state machine for one entry.
func (s *Service) Confirm(ctx context.Context, stayID generic.StayID, kind generic.EntryKind, entryID generic.EntryID, actor string) (*generic.ConfirmResult, error) {
	return s.Machine.Confirm(ctx, stayID, kind, entryID, actor)
}

// Unconfirm reverts a confirmed, uninvoiced entry.
func (s *Service) Unconfirm(ctx context.Context, stayID generic.StayID, kind generic.EntryKind, entryID generic.EntryID, actor string) (*generic.ChargeEntry, error) {
	return s.Machine.Unconfirm(ctx, stayID, kind, entryID, actor)
}

// CheckBalance asks the gate whether a pending charge would fit.
func (s *Service) CheckBalance(ctx context.Context, stayID generic.StayID, pending decimal.Decimal) (generic.GateDecision, error) {
	return s.Gate.Check(ctx, stayID, pending)
}

// Summary loads the stay and computes its billing view.
func (s *Service) Summary(ctx context.Context, stayID generic.StayID) (*StaySummary, error) {
	stay, err := s.Store.GetStay(ctx, stayID)
	if err != nil {
		return nil, err
	}
	return summarize(stay), nil
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Service) audit(ctx context.Context, actor string, action generic.AuditAction, stayID generic.StayID, payload map[string]any) {
	if s.Audit == nil {
		return
	}
	err := s.Audit.Append(ctx, generic.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		ActorID:   actor,
		Action:    action,
		Subject:   string(stayID),
		Payload:   payload,
	})
	if err != nil {
		s.Logger.Warn("failed to append audit entry", zap.String("action", string(action)), zap.Error(err))
	}
}
