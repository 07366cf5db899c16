/*
store.go - Persistence interface for the reconciliation documents

PURPOSE:
  Defines the interface between the engine and the external document
  store. Three document families are persisted:
  - SourceItems, owned by the encounter record store
  - ReturnRequests with embedded ReturnLines grouped by family
  - InpatientStays with embedded occupancy and consultancy entries

KEY INTERFACES:
  SourceStore: Read source items, conditional consumption increment
  ReturnStore: Return request documents
  StayStore:   Inpatient stay documents
  TxStore:     Atomic multi-document operations
  AuditLog:    Who did what when (append-only)

CONDITIONAL INCREMENT:
  IncrementConsumed is the only write the engine makes to a SourceItem.
  It succeeds only if the stored counter still equals the value the
  caller validated against and the new value stays within prescribed.
  Two concurrent submissions against the same item therefore cannot both
  win; the loser gets ErrConcurrentModification.

ATOMIC OPERATIONS:
  WithTx() ensures all-or-nothing semantics. Submitting a request with
  five lines commits five increments and the request document, or none.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - request.go: ReturnService uses TxStore
  - confirmation.go: ConfirmationMachine uses TxStore
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// SOURCE ITEMS
// =============================================================================

// SourceFilter selects source items. Empty fields match everything.
type SourceFilter struct {
	PatientID     PatientID
	AppointmentID AppointmentID
	CompanyID     CompanyID
	Family        Family
}

// Matches reports whether an item passes the filter.
func (f SourceFilter) Matches(s SourceItem) bool {
	if f.PatientID != "" && s.PatientID != f.PatientID {
		return false
	}
	if f.AppointmentID != "" && s.AppointmentID != f.AppointmentID {
		return false
	}
	if f.CompanyID != "" && s.CompanyID != f.CompanyID {
		return false
	}
	if f.Family != "" && s.Family() != f.Family {
		return false
	}
	return true
}

type SourceStore interface {
	// ListSourceItems returns matching items in no particular order.
	ListSourceItems(ctx context.Context, filter SourceFilter) ([]SourceItem, error)

	// GetSourceItem returns ErrSourceItemNotFound if the id is unknown.
	GetSourceItem(ctx context.Context, id SourceID) (*SourceItem, error)

	// SaveSourceItem upserts an item. Used by the encounter collaborator.
	SaveSourceItem(ctx context.Context, item SourceItem) error

	// IncrementConsumed adds delta to Consumed if Consumed still equals
	// expected and the result does not exceed Prescribed, then derives the
	// new Status. Returns the updated item or ErrConcurrentModification.
	IncrementConsumed(ctx context.Context, id SourceID, expected, delta Quantity) (*SourceItem, error)
}

// =============================================================================
// RETURN REQUESTS
// =============================================================================

// ReturnFilter selects return requests. Empty fields match everything.
type ReturnFilter struct {
	PatientID     PatientID
	AppointmentID AppointmentID
	States        []ReturnState
}

// Matches reports whether a request passes the filter.
func (f ReturnFilter) Matches(r *ReturnRequest) bool {
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if f.AppointmentID != "" && r.AppointmentID != f.AppointmentID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if r.State == s {
			return true
		}
	}
	return false
}

type ReturnStore interface {
	SaveReturnRequest(ctx context.Context, r *ReturnRequest) error

	// GetReturnRequest returns ErrReturnNotFound if the id is unknown.
	GetReturnRequest(ctx context.Context, id ReturnID) (*ReturnRequest, error)

	// ListReturnRequests returns matching requests ordered by CreatedAt.
	ListReturnRequests(ctx context.Context, filter ReturnFilter) ([]*ReturnRequest, error)
}

// =============================================================================
// INPATIENT STAYS
// =============================================================================

type StayStore interface {
	// SaveStay upserts the stay together with all of its entries.
	SaveStay(ctx context.Context, stay *InpatientStay) error

	// GetStay returns ErrStayNotFound if the id is unknown.
	GetStay(ctx context.Context, id StayID) (*InpatientStay, error)

	ListStays(ctx context.Context, patientID PatientID) ([]*InpatientStay, error)
}

// =============================================================================
// COMBINED AND TRANSACTIONAL STORE
// =============================================================================

// Store is the full document store.
type Store interface {
	SourceStore
	ReturnStore
	StayStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is
	// rolled back. If fn returns nil, the writes are committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from documents, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditReturnCreated    AuditAction = "return_created"
	AuditLinesAttached    AuditAction = "lines_attached"
	AuditLinesEdited      AuditAction = "lines_edited"
	AuditLinesRemoved     AuditAction = "lines_removed"
	AuditReturnSubmitted  AuditAction = "return_submitted"
	AuditReturnVoided     AuditAction = "return_voided"
	AuditEntryConfirmed   AuditAction = "entry_confirmed"
	AuditEntryRolledBack  AuditAction = "entry_confirmation_rolled_back"
	AuditEntryUnconfirmed AuditAction = "entry_unconfirmed"
	AuditEntryInvoiced    AuditAction = "entry_invoiced"
	AuditChargeRecorded   AuditAction = "charge_recorded"
	AuditDepositRecorded  AuditAction = "deposit_recorded"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	Subject   string // return request or stay id
	Payload   map[string]any
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	Subject string
	ActorID string
	Actions []AuditAction
}

// Matches reports whether an entry passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if e.Action == a {
			return true
		}
	}
	return false
}
