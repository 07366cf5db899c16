package generic

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// ELIGIBILITY RESOLVER
// =============================================================================

// EligibilityQuery names the appointment and family to list items for.
type EligibilityQuery struct {
	PatientID     PatientID
	AppointmentID AppointmentID
	CompanyID     CompanyID
	Family        Family // empty lists every family
}

// Resolver lists source items that may still be returned.
type Resolver struct {
	Store Store
}

// ListEligible returns the returnable items of the appointment, minus
// anything already held by an open draft. It never writes.
//
// Items are ordered by encounter date, then name, then source id, so two
// calls without intervening writes return identical slices.
func (r *Resolver) ListEligible(ctx context.Context, q EligibilityQuery) ([]SourceItem, error) {
	if q.PatientID == "" || q.AppointmentID == "" || q.CompanyID == "" {
		return nil, fmt.Errorf("%w: patient, appointment and company are required", ErrValidation)
	}

	items, err := r.Store.ListSourceItems(ctx, SourceFilter{
		PatientID:     q.PatientID,
		AppointmentID: q.AppointmentID,
		CompanyID:     q.CompanyID,
		Family:        q.Family,
	})
	if err != nil {
		return nil, err
	}

	drafts, err := r.Store.ListReturnRequests(ctx, ReturnFilter{
		PatientID:     q.PatientID,
		AppointmentID: q.AppointmentID,
		States:        []ReturnState{ReturnDraft},
	})
	if err != nil {
		return nil, err
	}
	held := make(map[SourceID]bool)
	for _, d := range drafts {
		for _, l := range d.AllLines() {
			held[l.SourceID] = true
		}
	}

	eligible := make([]SourceItem, 0, len(items))
	for _, item := range items {
		if !item.IsReturnable() || held[item.ID] {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.EncounterDate.Equal(b.EncounterDate) {
			return a.EncounterDate.Before(b.EncounterDate)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return eligible, nil
}
