/*
balance.go - Inpatient stay balance gate

PURPOSE:
  Decides whether confirming a charge keeps a self-paying inpatient stay
  within its cash limit. Confirmed charges that have not been invoiced yet
  are money the hospital is owed with nothing to bill against but the
  deposit; the gate keeps that exposure under the limit.

OUTSTANDING:
  outstanding = Σ value of entries where IsConfirmed && !Invoiced
              + pending (the charge about to be confirmed, if not yet
                counted)

DECISION:
  Insured stay            → Admit, Bypassed
  outstanding <= limit    → Admit
  outstanding >  limit    → Reject, Deficit = outstanding - limit

EXAMPLE:
  cash limit 50000, confirmed uninvoiced 30000, pending 25000:
    outstanding 55000 > 50000 → Reject, deficit 5000
  same stay, pending 15000:
    outstanding 45000 <= 50000 → Admit

SEE ALSO:
  - confirmation.go: The only caller that acts on a decision
  - inpatient/service.go: Charges, deposits and invoicing
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHARGE ENTRIES
// =============================================================================

type EntryKind string

const (
	EntryOccupancy   EntryKind = "occupancy"
	EntryConsultancy EntryKind = "consultancy"
)

// ConfirmState is the confirmation state of one charge entry.
type ConfirmState string

const (
	Unconfirmed    ConfirmState = "unconfirmed"
	PendingConfirm ConfirmState = "pending_confirm"
	Confirmed      ConfirmState = "confirmed"
)

// ChargeEntry is a bed occupancy or consultancy charge on a stay.
// Value is the occupancy amount or the consultancy rate.
type ChargeEntry struct {
	ID          EntryID
	Kind        EntryKind
	Description string
	Value       decimal.Decimal
	IsConfirmed bool
	Invoiced    bool
	State       ConfirmState
	RecordedAt  time.Time
}

// Counts reports whether the entry is part of the outstanding balance.
func (e ChargeEntry) Counts() bool { return e.IsConfirmed && !e.Invoiced }

// =============================================================================
// INPATIENT STAY
// =============================================================================

// InpatientStay is an admission with its running charges.
type InpatientStay struct {
	ID            StayID
	PatientID     PatientID
	AppointmentID AppointmentID
	CompanyID     CompanyID

	// Non-empty when an insurer covers the stay; the gate is then bypassed.
	InsuranceSubscription string

	CashLimit decimal.Decimal

	Occupancies   []ChargeEntry
	Consultancies []ChargeEntry
}

// Insured reports whether an insurance subscription covers the stay.
func (s *InpatientStay) Insured() bool { return s.InsuranceSubscription != "" }

// Entries returns every entry, occupancies first.
func (s *InpatientStay) Entries() []ChargeEntry {
	all := make([]ChargeEntry, 0, len(s.Occupancies)+len(s.Consultancies))
	all = append(all, s.Occupancies...)
	return append(all, s.Consultancies...)
}

// FindEntry returns a pointer into the stay's entry slice so callers can
// mutate it in place.
func (s *InpatientStay) FindEntry(kind EntryKind, id EntryID) (*ChargeEntry, error) {
	var entries []ChargeEntry
	switch kind {
	case EntryOccupancy:
		entries = s.Occupancies
	case EntryConsultancy:
		entries = s.Consultancies
	default:
		return nil, fmt.Errorf("%w: unknown entry kind %q", ErrValidation, kind)
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s on stay %s", ErrEntryNotFound, kind, id, s.ID)
}

// AddEntry appends an entry to the collection matching its kind.
func (s *InpatientStay) AddEntry(e ChargeEntry) {
	if e.Kind == EntryConsultancy {
		s.Consultancies = append(s.Consultancies, e)
		return
	}
	s.Occupancies = append(s.Occupancies, e)
}

// Clone returns a deep copy.
func (s *InpatientStay) Clone() *InpatientStay {
	c := *s
	c.Occupancies = append([]ChargeEntry(nil), s.Occupancies...)
	c.Consultancies = append([]ChargeEntry(nil), s.Consultancies...)
	return &c
}

// =============================================================================
// GATE
// =============================================================================

// GateDecision is the outcome of a balance check.
type GateDecision struct {
	Admit       bool
	Bypassed    bool // insured stay
	Outstanding decimal.Decimal
	CashLimit   decimal.Decimal
	Deficit     decimal.Decimal // zero when admitted
}

// Outstanding sums confirmed, uninvoiced entries.
func Outstanding(stay *InpatientStay) decimal.Decimal {
	total := decimal.Zero
	for _, e := range stay.Entries() {
		if e.Counts() {
			total = total.Add(e.Value)
		}
	}
	return total
}

// Evaluate applies the gate to a stay without touching the store.
func Evaluate(stay *InpatientStay, pending decimal.Decimal) GateDecision {
	outstanding := Outstanding(stay).Add(pending)
	d := GateDecision{
		Admit:       true,
		Outstanding: outstanding,
		CashLimit:   stay.CashLimit,
		Deficit:     decimal.Zero,
	}
	if stay.Insured() {
		d.Bypassed = true
		return d
	}
	if outstanding.GreaterThan(stay.CashLimit) {
		d.Admit = false
		d.Deficit = outstanding.Sub(stay.CashLimit)
	}
	return d
}

// BalanceGate evaluates stays loaded from the store.
type BalanceGate struct {
	Stays StayStore
}

// Check loads the stay and evaluates it with an additional pending charge.
func (g *BalanceGate) Check(ctx context.Context, stayID StayID, pending decimal.Decimal) (GateDecision, error) {
	if pending.IsNegative() {
		return GateDecision{}, fmt.Errorf("%w: pending charge must not be negative", ErrValidation)
	}
	stay, err := g.Stays.GetStay(ctx, stayID)
	if err != nil {
		return GateDecision{}, err
	}
	return Evaluate(stay, pending), nil
}
