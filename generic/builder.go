/*
builder.go - Turns UI selections into return line snapshots

PURPOSE:
  The line builder is the only place a SourceItem is copied into a return
  request. It re-reads every selected item from the store, so a selection
  made from a stale eligibility list is caught here instead of at submit.

RULES:
  - Selections of the same source item collapse; the last pick wins.
  - The whole call is atomic: one stale selection rejects all of them.
  - An item already on the request is re-snapshotted in place.

SEE ALSO:
  - eligibility.go: Produces the list selections come from
  - request.go: ReturnService.Attach persists the result
*/
package generic

import (
	"context"
	"errors"
)

// LineBuilder validates selections and appends snapshots to a request.
type LineBuilder struct{}

// Attach returns a copy of req with one line per selection. The passed
// request is never modified.
func (b *LineBuilder) Attach(ctx context.Context, store Store, req *ReturnRequest, sels []Selection) (*ReturnRequest, error) {
	if !req.IsOpen() {
		return nil, &WorkflowError{ReturnID: req.ID, From: req.State, Action: "attach lines to"}
	}

	picks := dedupeSelections(sels)

	others, err := store.ListReturnRequests(ctx, ReturnFilter{
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		States:        []ReturnState{ReturnDraft},
	})
	if err != nil {
		return nil, err
	}

	lines := make([]ReturnLine, 0, len(picks))
	for _, sel := range picks {
		item, err := store.GetSourceItem(ctx, sel.SourceID)
		if errors.Is(err, ErrSourceItemNotFound) {
			return nil, &StaleError{SourceID: sel.SourceID, Reason: "no longer exists", Cause: err}
		}
		if err != nil {
			return nil, err
		}

		switch {
		case item.PatientID != req.PatientID || item.AppointmentID != req.AppointmentID || item.CompanyID != req.CompanyID:
			return nil, &StaleError{SourceID: sel.SourceID, Reason: "belongs to another appointment"}
		case item.Status == ItemVoided:
			return nil, &StaleError{SourceID: sel.SourceID, Reason: "item was voided"}
		case item.Status == ItemFullyReturned:
			return nil, &StaleError{SourceID: sel.SourceID, Reason: "already fully returned"}
		case referencedByOther(others, req.ID, sel.SourceID):
			return nil, &StaleError{SourceID: sel.SourceID, Reason: "held by another open return request"}
		}

		if err := validateLineCap(item.ID, item.Prescribed, item.Consumed, sel.Requested); err != nil {
			return nil, &StaleError{SourceID: sel.SourceID, Cause: err}
		}
		lines = append(lines, NewReturnLine(*item, sel))
	}

	next := req.Clone()
	for _, l := range lines {
		next.putLine(l)
	}
	return next, nil
}

// dedupeSelections keeps the last selection per source id, in the order
// the ids were first seen.
func dedupeSelections(sels []Selection) []Selection {
	pos := make(map[SourceID]int, len(sels))
	out := make([]Selection, 0, len(sels))
	for _, s := range sels {
		if i, ok := pos[s.SourceID]; ok {
			out[i] = s
			continue
		}
		pos[s.SourceID] = len(out)
		out = append(out, s)
	}
	return out
}

func referencedByOther(open []*ReturnRequest, self ReturnID, id SourceID) bool {
	for _, r := range open {
		if r.ID != self && r.References(id) {
			return true
		}
	}
	return false
}
