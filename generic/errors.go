/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages and the HTTP layer match on these with errors.Is/As.

ERROR CATEGORIES:
  1. Validation errors - Cap violations, missing line data (recoverable)
  2. Staleness errors - Authoritative consumption moved under the caller
  3. Workflow errors - Mutating a request that is no longer a draft
  4. Balance errors - Confirmation rejected by the cash limit gate
  5. Store errors - Missing documents, lost conditional updates

DUPLICATE SELECTION:
  Selecting the same source item twice is collapsed silently by the line
  builder. There is deliberately no error for it.

SEE ALSO:
  - cap.go: Produces CapExceededError
  - builder.go: Produces StaleError
  - request.go: Produces WorkflowError and SubmitError
  - confirmation.go: Produces BalanceDeficitError
*/
package generic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCapExceeded is returned when a requested return/cancel quantity is
	// not positive or exceeds prescribed minus already consumed.
	ErrCapExceeded = errors.New("requested quantity exceeds remaining allowance")

	// ErrStale is returned when authoritative consumption changed since the
	// caller last read it. Callers re-fetch eligible items and retry.
	ErrStale = errors.New("source item changed since it was read")

	// ErrBalanceDeficit is returned when confirming a charge would push
	// confirmed-but-uninvoiced cost over the stay's cash limit.
	ErrBalanceDeficit = errors.New("confirmed charges exceed cash limit")

	// ErrInvalidWorkflowTransition is returned when a request is mutated
	// outside the state that allows it.
	ErrInvalidWorkflowTransition = errors.New("invalid workflow transition")

	// ErrValidation is returned when a request fails submit-time checks.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateDraft is returned when a second open draft is created for
	// the same patient and appointment.
	ErrDuplicateDraft = errors.New("an open return request already exists for this appointment")

	// ErrConcurrentModification is returned when a conditional update lost
	// the race against another writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotInvoiceable is returned when invoicing an unconfirmed charge.
	ErrNotInvoiceable = errors.New("only confirmed charges can be invoiced")

	ErrSourceItemNotFound = errors.New("source item not found")
	ErrReturnNotFound     = errors.New("return request not found")
	ErrStayNotFound       = errors.New("inpatient stay not found")
	ErrEntryNotFound      = errors.New("charge entry not found")

	// ErrAlreadyExists is returned when an import names a document id the
	// store already holds. Imports never overwrite engine-owned state.
	ErrAlreadyExists = errors.New("document already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapExceededError provides the numbers behind a cap violation.
type CapExceededError struct {
	SourceID   SourceID
	Prescribed Quantity
	Consumed   Quantity
	Requested  Quantity
}

// Remaining is the allowance the request was checked against.
func (e *CapExceededError) Remaining() Quantity {
	if r := e.Prescribed - e.Consumed; r > 0 {
		return r
	}
	return 0
}

func (e *CapExceededError) Error() string {
	if e.Requested <= 0 {
		return fmt.Sprintf("requested quantity must be positive, got %d", e.Requested)
	}
	return fmt.Sprintf("requested %d exceeds remaining %d (prescribed %d, already returned %d)",
		e.Requested, e.Remaining(), e.Prescribed, e.Consumed)
}

func (e *CapExceededError) Unwrap() error {
	return ErrCapExceeded
}

// StaleError names the source item whose authoritative state no longer
// admits the requested return. Cause is the underlying reason (a
// CapExceededError, ErrConcurrentModification, a not-found error...).
type StaleError struct {
	SourceID SourceID
	Reason   string
	Cause    error
}

func (e *StaleError) Error() string {
	msg := fmt.Sprintf("source item %s is stale", e.SourceID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StaleError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStale}
	}
	return []error{ErrStale, e.Cause}
}

// WorkflowError describes a rejected state transition.
type WorkflowError struct {
	ReturnID ReturnID
	From     ReturnState
	Action   string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("cannot %s return request %s in state %s", e.Action, e.ReturnID, e.From)
}

func (e *WorkflowError) Unwrap() error {
	return ErrInvalidWorkflowTransition
}

// EntryTransitionError describes a rejected charge entry transition.
type EntryTransitionError struct {
	EntryID EntryID
	From    ConfirmState
	Action  string
}

func (e *EntryTransitionError) Error() string {
	return fmt.Sprintf("cannot %s entry %s in state %s", e.Action, e.EntryID, e.From)
}

func (e *EntryTransitionError) Unwrap() error {
	return ErrInvalidWorkflowTransition
}

// LineProblem is one submit-time failure attached to a return line.
type LineProblem struct {
	SourceID SourceID
	Code     string // "cap_exceeded", "stale", "missing_reason", ...
	Message  string
	Err      error
}

// Problem codes used by the engine and the returns package.
const (
	ProblemCapExceeded          = "cap_exceeded"
	ProblemStale                = "stale"
	ProblemMissingReason        = "missing_reason"
	ProblemMissingDrugCondition = "missing_drug_condition"
	ProblemNoLines              = "no_lines"
)

// SubmitError aggregates every problem found while submitting a request.
// Nothing is committed when it is returned.
type SubmitError struct {
	ReturnID ReturnID
	Problems []LineProblem
}

func (e *SubmitError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.SourceID != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", p.SourceID, p.Message))
		} else {
			parts = append(parts, p.Message)
		}
	}
	return fmt.Sprintf("cannot submit return request %s: %s", e.ReturnID, strings.Join(parts, "; "))
}

func (e *SubmitError) Unwrap() []error {
	errs := []error{ErrValidation}
	for _, p := range e.Problems {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errs
}

// BalanceDeficitError reports by how much a confirmation overshoots the
// stay's cash limit.
type BalanceDeficitError struct {
	StayID      StayID
	EntryID     EntryID
	Outstanding decimal.Decimal
	CashLimit   decimal.Decimal
	Deficit     decimal.Decimal
}

func (e *BalanceDeficitError) Error() string {
	return fmt.Sprintf("confirmed charges %s exceed cash limit %s by %s",
		e.Outstanding.StringFixed(2), e.CashLimit.StringFixed(2), e.Deficit.StringFixed(2))
}

func (e *BalanceDeficitError) Unwrap() error {
	return ErrBalanceDeficit
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if re-reading state and retrying might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCapExceeded) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateDraft) ||
		errors.Is(err, ErrNotInvoiceable)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSourceItemNotFound) ||
		errors.Is(err, ErrReturnNotFound) ||
		errors.Is(err, ErrStayNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
