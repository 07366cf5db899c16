/*
request.go - Return request lifecycle

PURPOSE:
  Handles the full lifecycle of a return request:
  1. Creation: one open draft per patient + appointment
  2. Draft: attach, edit and remove lines (snapshots are the authority)
  3. Submission: re-check every line against authoritative consumption,
     then commit every increment atomically
  4. Void: discard a draft and release its items

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │   Create     Attach / Edit / Remove          Submit              │
  │   ──────▶  ┌───────┐ ─────────────────────▶ ┌───────────┐        │
  │            │ Draft │                        │ Submitted │        │
  │            └───────┘                        └───────────┘        │
  │                │ Void                         (terminal)         │
  │                ▼                                                 │
  │            ┌────────┐                                            │
  │            │ Voided │                                            │
  │            └────────┘                                            │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

SUBMISSION:
  For each line, in one store transaction:
  - Run line rules (reason, drug condition, ...)
  - Re-read the SourceItem and re-run the cap against its current
    consumption (another request may have been submitted meanwhile)
  - Compare-and-increment the consumption counter
  Any problem aborts the transaction; the request stays a Draft and no
  counter moves.

EXAMPLE:
  svc := generic.NewReturnService(store, audit, logger, returns.DefaultRules()...)

  req, err := svc.Create(ctx, generic.CreateReturnInput{...})
  req, err = svc.Attach(ctx, req.ID, []generic.Selection{{SourceID: "dp-1", Requested: 3}})
  result, err := svc.Submit(ctx, req.ID, "pharmacist-7")

SEE ALSO:
  - builder.go: LineBuilder used by Attach
  - cap.go: Cap validation used by Edit and Submit
  - eligibility.go: What the UI offers for selection
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// RETURN LINE - Immutable snapshot of one SourceItem
// =============================================================================

// ReturnLine is a snapshot of a SourceItem taken at attach time plus the
// quantity (or number of sessions) to return or cancel.
type ReturnLine struct {
	SourceID    SourceID
	Kind        ItemKind
	EncounterID EncounterID
	Name        string

	// Snapshot at attach time. Draft edits validate against these.
	Prescribed       Quantity
	ConsumedAtAttach Quantity

	// Quantity to return, or sessions to cancel for therapy lines
	Requested Quantity

	Reason        string
	DrugCondition string

	ReferenceDoctype string
	ReferenceID      string
	Drug             *DrugDetails
	Therapy          *TherapyDetails
}

// Family is a nil-safe shortcut for l.Kind.Family().
func (l ReturnLine) Family() Family {
	if l.Kind == nil {
		return ""
	}
	return l.Kind.Family()
}

// NewReturnLine snapshots a source item.
func NewReturnLine(item SourceItem, sel Selection) ReturnLine {
	c := item.Clone()
	return ReturnLine{
		SourceID:         c.ID,
		Kind:             c.Kind,
		EncounterID:      c.EncounterID,
		Name:             c.Name,
		Prescribed:       c.Prescribed,
		ConsumedAtAttach: c.Consumed,
		Requested:        sel.Requested,
		Reason:           sel.Reason,
		DrugCondition:    sel.DrugCondition,
		ReferenceDoctype: c.ReferenceDoctype,
		ReferenceID:      c.ReferenceID,
		Drug:             c.Drug,
		Therapy:          c.Therapy,
	}
}

// =============================================================================
// RETURN REQUEST - Aggregate document
// =============================================================================

type ReturnState string

const (
	ReturnDraft     ReturnState = "draft"
	ReturnSubmitted ReturnState = "submitted"
	ReturnVoided    ReturnState = "voided"
)

// ReturnRequest groups return lines for one patient appointment.
type ReturnRequest struct {
	ID            ReturnID
	PatientID     PatientID
	AppointmentID AppointmentID
	CompanyID     CompanyID

	RequestedBy string
	ApprovedBy  *string // stamped at submission

	// Ordered line collections by family
	LRPLines     []ReturnLine
	TherapyLines []ReturnLine
	DrugLines    []ReturnLine

	State       ReturnState
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
}

// IsOpen reports whether the request still holds its items.
func (r *ReturnRequest) IsOpen() bool { return r.State == ReturnDraft }

func (r *ReturnRequest) linesFor(f Family) *[]ReturnLine {
	switch f {
	case FamilyTherapy:
		return &r.TherapyLines
	case FamilyDrug:
		return &r.DrugLines
	default:
		return &r.LRPLines
	}
}

// Lines returns the lines of one family.
func (r *ReturnRequest) Lines(f Family) []ReturnLine {
	return *r.linesFor(f)
}

// AllLines returns every line, lab/radiology/procedure first, then
// therapy, then drugs.
func (r *ReturnRequest) AllLines() []ReturnLine {
	all := make([]ReturnLine, 0, len(r.LRPLines)+len(r.TherapyLines)+len(r.DrugLines))
	all = append(all, r.LRPLines...)
	all = append(all, r.TherapyLines...)
	all = append(all, r.DrugLines...)
	return all
}

func (r *ReturnRequest) linePointers() []*ReturnLine {
	var ptrs []*ReturnLine
	for _, f := range Families {
		lines := *r.linesFor(f)
		for i := range lines {
			ptrs = append(ptrs, &lines[i])
		}
	}
	return ptrs
}

// References reports whether the request has a line for the source item.
func (r *ReturnRequest) References(id SourceID) bool {
	_, ok := r.FindLine(id)
	return ok
}

// FindLine returns the line for a source item.
func (r *ReturnRequest) FindLine(id SourceID) (ReturnLine, bool) {
	for _, l := range r.AllLines() {
		if l.SourceID == id {
			return l, true
		}
	}
	return ReturnLine{}, false
}

// putLine replaces the line for the same source item or appends it.
func (r *ReturnRequest) putLine(line ReturnLine) {
	for _, f := range Families {
		lines := r.linesFor(f)
		for i := range *lines {
			if (*lines)[i].SourceID == line.SourceID {
				if f == line.Family() {
					(*lines)[i] = line
					return
				}
				*lines = append((*lines)[:i], (*lines)[i+1:]...)
				break
			}
		}
	}
	lines := r.linesFor(line.Family())
	*lines = append(*lines, line)
}

// removeLine drops the line for a source item. Returns false if absent.
func (r *ReturnRequest) removeLine(id SourceID) bool {
	for _, f := range Families {
		lines := r.linesFor(f)
		for i := range *lines {
			if (*lines)[i].SourceID == id {
				*lines = append((*lines)[:i], (*lines)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the request.
func (r *ReturnRequest) Clone() *ReturnRequest {
	c := *r
	if r.ApprovedBy != nil {
		a := *r.ApprovedBy
		c.ApprovedBy = &a
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		c.SubmittedAt = &t
	}
	c.LRPLines = cloneLines(r.LRPLines)
	c.TherapyLines = cloneLines(r.TherapyLines)
	c.DrugLines = cloneLines(r.DrugLines)
	return &c
}

func cloneLines(lines []ReturnLine) []ReturnLine {
	if lines == nil {
		return nil
	}
	out := make([]ReturnLine, len(lines))
	for i, l := range lines {
		if l.Drug != nil {
			d := *l.Drug
			l.Drug = &d
		}
		if l.Therapy != nil {
			t := *l.Therapy
			l.Therapy = &t
		}
		out[i] = l
	}
	return out
}

// =============================================================================
// LINE RULES - Kind-specific submit checks
// =============================================================================

// LineRule checks one line at submission. Returning nil means the line
// passes. Domain packages provide concrete rules.
type LineRule interface {
	Check(line ReturnLine) *LineProblem
}

// LineRuleFunc adapts a function to LineRule.
type LineRuleFunc func(line ReturnLine) *LineProblem

func (f LineRuleFunc) Check(line ReturnLine) *LineProblem { return f(line) }

// =============================================================================
// COMMIT INSTRUCTIONS - What submission did to each SourceItem
// =============================================================================

// CommitInstruction records the consumption increment applied for one line.
type CommitInstruction struct {
	SourceID       SourceID
	Kind           ItemKind
	Delta          Quantity
	ConsumedBefore Quantity
	ConsumedAfter  Quantity
	Status         ItemStatus
}

// SubmitResult is the acknowledgement of a successful submission.
type SubmitResult struct {
	Request *ReturnRequest
	Commits []CommitInstruction
}

// =============================================================================
// RETURN SERVICE - Handles the request lifecycle
// =============================================================================

type ReturnService struct {
	Store   TxStore
	Audit   AuditLog // optional
	Rules   []LineRule
	Builder *LineBuilder
	Logger  *zap.Logger

	Now   func() time.Time
	NewID func() ReturnID
}

// NewReturnService wires a service with defaults for the clock, the id
// generator and the logger.
func NewReturnService(store TxStore, audit AuditLog, logger *zap.Logger, rules ...LineRule) *ReturnService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReturnService{
		Store:   store,
		Audit:   audit,
		Rules:   rules,
		Builder: &LineBuilder{},
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   func() ReturnID { return ReturnID("ret-" + uuid.NewString()) },
	}
}

// CreateReturnInput carries the header of a new return request.
type CreateReturnInput struct {
	PatientID     PatientID
	AppointmentID AppointmentID
	CompanyID     CompanyID
	RequestedBy   string
}

// Create opens a new draft. Only one draft may be open per patient and
// appointment.
func (s *ReturnService) Create(ctx context.Context, in CreateReturnInput) (*ReturnRequest, error) {
	if in.PatientID == "" || in.AppointmentID == "" || in.CompanyID == "" {
		return nil, fmt.Errorf("%w: patient, appointment and company are required", ErrValidation)
	}
	if in.RequestedBy == "" {
		return nil, fmt.Errorf("%w: requested_by is required", ErrValidation)
	}

	now := s.now()
	req := &ReturnRequest{
		ID:            s.newID(),
		PatientID:     in.PatientID,
		AppointmentID: in.AppointmentID,
		CompanyID:     in.CompanyID,
		RequestedBy:   in.RequestedBy,
		State:         ReturnDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.Store.WithTx(ctx, func(tx Store) error {
		open, err := tx.ListReturnRequests(ctx, ReturnFilter{
			PatientID:     in.PatientID,
			AppointmentID: in.AppointmentID,
			States:        []ReturnState{ReturnDraft},
		})
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateDraft, open[0].ID)
		}
		return tx.SaveReturnRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("return request created",
		zap.String("return_id", string(req.ID)),
		zap.String("patient_id", string(req.PatientID)),
		zap.String("appointment_id", string(req.AppointmentID)),
	)
	s.audit(ctx, in.RequestedBy, AuditReturnCreated, req.ID, nil)
	return req, nil
}

// Get loads a return request.
func (s *ReturnService) Get(ctx context.Context, id ReturnID) (*ReturnRequest, error) {
	return s.Store.GetReturnRequest(ctx, id)
}

// List returns requests matching the filter.
func (s *ReturnService) List(ctx context.Context, filter ReturnFilter) ([]*ReturnRequest, error) {
	return s.Store.ListReturnRequests(ctx, filter)
}

// Attach adds lines for the selected source items. The call is atomic:
// if any selection is stale, nothing is attached.
func (s *ReturnService) Attach(ctx context.Context, id ReturnID, selections []Selection) (*ReturnRequest, error) {
	var updated *ReturnRequest
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetReturnRequest(ctx, id)
		if err != nil {
			return err
		}
		next, err := s.builder().Attach(ctx, tx, req, selections)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.now()
		if err := tx.SaveReturnRequest(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		s.Logger.Debug("attach rejected", zap.String("return_id", string(id)), zap.Error(err))
		return nil, err
	}

	ids := make([]string, 0, len(selections))
	for _, sel := range selections {
		ids = append(ids, string(sel.SourceID))
	}
	s.audit(ctx, updated.RequestedBy, AuditLinesAttached, id, map[string]any{"source_ids": ids})
	return updated, nil
}

// EditQuantities changes requested quantities on a draft. Each edit is
// validated on its own against the line snapshot; rejected lines are reset
// to 0 and the rest of the batch is kept.
func (s *ReturnService) EditQuantities(ctx context.Context, id ReturnID, edits []LineEdit) (*ReturnRequest, []EditOutcome, error) {
	var (
		updated  *ReturnRequest
		outcomes []EditOutcome
	)
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetReturnRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsOpen() {
			return &WorkflowError{ReturnID: id, From: req.State, Action: "edit"}
		}
		outcomes = ApplyEdits(req.linePointers(), edits)
		req.UpdatedAt = s.now()
		if err := tx.SaveReturnRequest(ctx, req); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.audit(ctx, updated.RequestedBy, AuditLinesEdited, id, map[string]any{"edits": len(edits)})
	return updated, outcomes, nil
}

// RemoveLines drops lines from a draft. Unknown source ids are ignored.
func (s *ReturnService) RemoveLines(ctx context.Context, id ReturnID, sourceIDs []SourceID) (*ReturnRequest, error) {
	var updated *ReturnRequest
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetReturnRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsOpen() {
			return &WorkflowError{ReturnID: id, From: req.State, Action: "remove lines from"}
		}
		for _, sid := range sourceIDs {
			req.removeLine(sid)
		}
		req.UpdatedAt = s.now()
		if err := tx.SaveReturnRequest(ctx, req); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, updated.RequestedBy, AuditLinesRemoved, id, map[string]any{"removed": len(sourceIDs)})
	return updated, nil
}

// Submit freezes a draft and commits its consumption increments.
// On any failure nothing changes: the request stays a Draft and every
// SourceItem keeps its counter.
func (s *ReturnService) Submit(ctx context.Context, id ReturnID, approver string) (*SubmitResult, error) {
	var result *SubmitResult
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetReturnRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsOpen() {
			return &WorkflowError{ReturnID: id, From: req.State, Action: "submit"}
		}

		lines := req.AllLines()
		problems := s.checkRules(lines)

		current := make(map[SourceID]*SourceItem, len(lines))
		for _, line := range lines {
			item, problem, err := s.recheck(ctx, tx, req, line)
			if err != nil {
				return err
			}
			if problem != nil {
				problems = append(problems, *problem)
				continue
			}
			current[line.SourceID] = item
		}
		if len(problems) > 0 {
			return &SubmitError{ReturnID: id, Problems: problems}
		}

		commits := make([]CommitInstruction, 0, len(lines))
		for _, line := range lines {
			before := current[line.SourceID]
			after, err := tx.IncrementConsumed(ctx, line.SourceID, before.Consumed, line.Requested)
			if err != nil {
				if errors.Is(err, ErrConcurrentModification) {
					stale := &StaleError{SourceID: line.SourceID, Reason: "consumption changed during submit", Cause: err}
					return &SubmitError{ReturnID: id, Problems: []LineProblem{{
						SourceID: line.SourceID, Code: ProblemStale, Message: stale.Error(), Err: stale,
					}}}
				}
				return fmt.Errorf("failed to commit consumption for %s: %w", line.SourceID, err)
			}
			commits = append(commits, CommitInstruction{
				SourceID:       line.SourceID,
				Kind:           line.Kind,
				Delta:          line.Requested,
				ConsumedBefore: before.Consumed,
				ConsumedAfter:  after.Consumed,
				Status:         after.Status,
			})
		}

		now := s.now()
		approvedBy := approver
		if approvedBy == "" {
			approvedBy = req.RequestedBy
		}
		req.ApprovedBy = &approvedBy
		req.State = ReturnSubmitted
		req.SubmittedAt = &now
		req.UpdatedAt = now
		if err := tx.SaveReturnRequest(ctx, req); err != nil {
			return err
		}

		result = &SubmitResult{Request: req, Commits: commits}
		return nil
	})
	if err != nil {
		s.Logger.Info("return request submission rejected",
			zap.String("return_id", string(id)),
			zap.Error(err),
		)
		return nil, err
	}

	s.Logger.Info("return request submitted",
		zap.String("return_id", string(id)),
		zap.String("approved_by", *result.Request.ApprovedBy),
		zap.Int("lines", len(result.Commits)),
	)
	s.audit(ctx, *result.Request.ApprovedBy, AuditReturnSubmitted, id, map[string]any{"lines": len(result.Commits)})
	return result, nil
}

// Void discards a draft. Its items become eligible again.
func (s *ReturnService) Void(ctx context.Context, id ReturnID, actor string) (*ReturnRequest, error) {
	var updated *ReturnRequest
	err := s.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.GetReturnRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsOpen() {
			return &WorkflowError{ReturnID: id, From: req.State, Action: "void"}
		}
		req.State = ReturnVoided
		req.UpdatedAt = s.now()
		if err := tx.SaveReturnRequest(ctx, req); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("return request voided", zap.String("return_id", string(id)), zap.String("actor", actor))
	s.audit(ctx, actor, AuditReturnVoided, id, nil)
	return updated, nil
}

func (s *ReturnService) checkRules(lines []ReturnLine) []LineProblem {
	var problems []LineProblem
	if len(lines) == 0 {
		problems = append(problems, LineProblem{Code: ProblemNoLines, Message: "return request has no lines", Err: ErrValidation})
	}
	for _, line := range lines {
		for _, rule := range s.Rules {
			if p := rule.Check(line); p != nil {
				if p.SourceID == "" {
					p.SourceID = line.SourceID
				}
				problems = append(problems, *p)
			}
		}
	}
	return problems
}

// recheck validates a line against the authoritative SourceItem.
// A line that was invalid against its own snapshot is a cap problem the
// user can fix; a line that only fails against current consumption is stale.
func (s *ReturnService) recheck(ctx context.Context, tx Store, req *ReturnRequest, line ReturnLine) (*SourceItem, *LineProblem, error) {
	if err := validateLineCap(line.SourceID, line.Prescribed, line.ConsumedAtAttach, line.Requested); err != nil {
		return nil, &LineProblem{SourceID: line.SourceID, Code: ProblemCapExceeded, Message: err.Error(), Err: err}, nil
	}

	item, err := tx.GetSourceItem(ctx, line.SourceID)
	if errors.Is(err, ErrSourceItemNotFound) {
		stale := &StaleError{SourceID: line.SourceID, Reason: "no longer exists", Cause: err}
		return nil, &LineProblem{SourceID: line.SourceID, Code: ProblemStale, Message: stale.Error(), Err: stale}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if item.Status == ItemVoided {
		stale := &StaleError{SourceID: line.SourceID, Reason: "item was voided"}
		return nil, &LineProblem{SourceID: line.SourceID, Code: ProblemStale, Message: stale.Error(), Err: stale}, nil
	}
	if err := validateLineCap(line.SourceID, item.Prescribed, item.Consumed, line.Requested); err != nil {
		stale := &StaleError{SourceID: line.SourceID, Cause: err}
		return nil, &LineProblem{SourceID: line.SourceID, Code: ProblemStale, Message: stale.Error(), Err: stale}, nil
	}
	return item, nil, nil
}

func (s *ReturnService) builder() *LineBuilder {
	if s.Builder == nil {
		return &LineBuilder{}
	}
	return s.Builder
}

func (s *ReturnService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *ReturnService) newID() ReturnID {
	if s.NewID == nil {
		return ReturnID("ret-" + uuid.NewString())
	}
	return s.NewID()
}

func (s *ReturnService) audit(ctx context.Context, actor string, action AuditAction, id ReturnID, payload map[string]any) {
	if s.Audit == nil {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		ActorID:   actor,
		Action:    action,
		Subject:   string(id),
		Payload:   payload,
	}
	if err := s.Audit.Append(ctx, entry); err != nil {
		s.Logger.Warn("failed to append audit entry",
			zap.String("action", string(action)),
			zap.String("subject", string(id)),
			zap.Error(err),
		)
	}
}
