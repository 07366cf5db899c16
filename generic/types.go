/*
Package generic provides the core return and charge-reconciliation engine.

PURPOSE:
  This package contains the kind-agnostic types and algorithms for two
  hospital reconciliation concerns. Whether the item being returned is a
  lab test, a therapy session or a dispensed drug, the same engine resolves
  eligibility, enforces quantity caps and commits consumption. Whether the
  charge is a bed occupancy or a consultancy, the same gate compares
  confirmed-but-uninvoiced cost against the stay's cash limit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: item quantities and therapy sessions (whole units)
  - SourceItem: an original prescribed item tied to an encounter
  - ItemStatus: consumption state of a SourceItem
  - Selection: one pick made by the UI collaborator

DESIGN PRINCIPLES:
  1. Snapshots: ReturnLines copy the SourceItem at attach time
  2. Precision: Money uses decimal.Decimal, never float64
  3. Type Safety: Strong typing for IDs prevents mixing patient/encounter IDs
  4. One engine: kinds differ in attributes, never in cap rules

USAGE:
  item := generic.SourceItem{
      ID:         "dp-001",
      Kind:       returns.KindDrug,
      Prescribed: 5,
      Consumed:   2,
  }
  err := generic.ValidateCap(item.Prescribed, item.Consumed, 3) // nil

SEE ALSO:
  - cap.go: Cap validation
  - request.go: Return request lifecycle
  - balance.go: Inpatient stay balance gate
*/
package generic

import (
	"time"
)

// =============================================================================
// QUANTITY
// =============================================================================

// timeNow is the engine clock for audit timestamps.
var timeNow = func() time.Time { return time.Now().UTC() }

// Quantity counts whole items or therapy sessions.
type Quantity int64

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type AppointmentID string
type CompanyID string
type EncounterID string
type SourceID string
type ReturnID string
type StayID string
type EntryID string

// =============================================================================
// ITEM KIND - What sort of clinical item a SourceItem is
// =============================================================================

// Family groups item kinds that share a return line collection.
type Family string

const (
	FamilyLRP     Family = "lrp" // lab test, radiology examination, clinical procedure
	FamilyTherapy Family = "therapy"
	FamilyDrug    Family = "drug"
)

// Families lists every family in the order return lines are stored.
var Families = []Family{FamilyLRP, FamilyTherapy, FamilyDrug}

// ItemKind identifies what kind of clinical item is being returned.
// This is an interface so domain packages define their own concrete kinds.
//
//	// In returns/kinds.go
//	type Kind string
//	func (k Kind) KindID() string         { return string(k) }
//	func (k Kind) Family() generic.Family { ... }
type ItemKind interface {
	// KindID returns the unique identifier for this kind.
	KindID() string

	// Family returns the line collection this kind belongs to.
	Family() Family
}

// =============================================================================
// SOURCE ITEM - Original prescribed item owned by an encounter
// =============================================================================

type ItemStatus string

const (
	ItemActive            ItemStatus = "active"
	ItemPartiallyReturned ItemStatus = "partially_returned"
	ItemFullyReturned     ItemStatus = "fully_returned"
	ItemVoided            ItemStatus = "voided"
)

// StatusFor derives the status of a non-voided item from its counters.
func StatusFor(prescribed, consumed Quantity) ItemStatus {
	switch {
	case consumed <= 0:
		return ItemActive
	case consumed >= prescribed:
		return ItemFullyReturned
	default:
		return ItemPartiallyReturned
	}
}

// SourceItem is an original lab/radiology/procedure item, therapy plan
// detail or drug prescription tied to an encounter.
//
// The engine only ever mutates Consumed and Status, and only through
// SourceStore.IncrementConsumed.
type SourceItem struct {
	ID            SourceID
	Kind          ItemKind
	PatientID     PatientID
	AppointmentID AppointmentID
	CompanyID     CompanyID
	EncounterID   EncounterID
	EncounterDate time.Time

	// Item code, therapy type or drug name
	Name string

	Prescribed Quantity
	Consumed   Quantity // already returned or cancelled

	// Optional linkage to the document that serviced the item
	ReferenceDoctype string
	ReferenceID      string

	Status ItemStatus

	// Kind-specific attributes; at most one is set, matching Kind.Family().
	Drug    *DrugDetails
	Therapy *TherapyDetails
}

// DrugDetails carries delivery-note linkage for dispensed drugs.
type DrugDetails struct {
	DeliveryNote       string
	DeliveryNoteDetail string
	DeliveryStatus     string // "", "draft", "submitted"
}

// TherapyDetails carries therapy plan linkage for prescribed sessions.
type TherapyDetails struct {
	TherapyPlan    string
	TherapySession string
}

// Remaining returns the cap for this item: prescribed minus consumed.
func (s SourceItem) Remaining() Quantity {
	if r := s.Prescribed - s.Consumed; r > 0 {
		return r
	}
	return 0
}

// IsReturnable reports whether the item can take part in a new return.
func (s SourceItem) IsReturnable() bool {
	if s.Status == ItemVoided || s.Status == ItemFullyReturned {
		return false
	}
	return s.Remaining() > 0
}

// Family is a nil-safe shortcut for s.Kind.Family().
func (s SourceItem) Family() Family {
	if s.Kind == nil {
		return ""
	}
	return s.Kind.Family()
}

// Clone returns a deep copy so stores never share detail pointers.
func (s SourceItem) Clone() SourceItem {
	c := s
	if s.Drug != nil {
		d := *s.Drug
		c.Drug = &d
	}
	if s.Therapy != nil {
		t := *s.Therapy
		c.Therapy = &t
	}
	return c
}

// =============================================================================
// SELECTION - What the UI collaborator picked
// =============================================================================

// Selection is one source item picked for return with its requested amount.
type Selection struct {
	SourceID      SourceID
	Requested     Quantity
	Reason        string
	DrugCondition string
}
