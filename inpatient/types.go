/*
Package inpatient provides stay-level operations around the balance gate.

PURPOSE:
  The generic engine decides whether a confirmation may stand. This
  package covers everything else that happens to a self-paying stay:
  - Service events record occupancy and consultancy charges
  - Deposits raise the cash limit
  - Billing marks confirmed charges as invoiced
  - Summaries show the outstanding balance and remaining headroom

EXAMPLE FLOW:
  1. Patient admitted with a 50000 deposit (cash limit 50000)
  2. Bed occupancy recorded: 30000, confirmed
  3. Consultancy recorded: 25000, confirmation rejected (deficit 5000)
  4. Relative tops up 10000: cash limit 60000
  5. Consultancy confirmed; headroom 5000

SEE ALSO:
  - service.go: Stay operations
  - generic/balance.go: Gate arithmetic
  - generic/confirmation.go: Confirmation state machine
*/
package inpatient

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/reconciliation-engine/generic"
)

// ParseEntryKind maps a path or body value to an entry kind.
func ParseEntryKind(s string) (generic.EntryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "occupancy", "occupancies", "inpatient_occupancy":
		return generic.EntryOccupancy, nil
	case "consultancy", "consultancies", "inpatient_consultancy":
		return generic.EntryConsultancy, nil
	}
	return "", fmt.Errorf("%w: unknown entry kind %q", generic.ErrValidation, s)
}

// StaySummary is the billing view of a stay.
type StaySummary struct {
	Stay        *generic.InpatientStay
	Insured     bool
	CashLimit   decimal.Decimal
	Outstanding decimal.Decimal
	// Headroom is cash limit minus outstanding; negative when over.
	Headroom  decimal.Decimal
	Confirmed int
	Pending   int // recorded but not confirmed
	Invoiced  int
}

func summarize(stay *generic.InpatientStay) *StaySummary {
	outstanding := generic.Outstanding(stay)
	s := &StaySummary{
		Stay:        stay,
		Insured:     stay.Insured(),
		CashLimit:   stay.CashLimit,
		Outstanding: outstanding,
		Headroom:    stay.CashLimit.Sub(outstanding),
	}
	for _, e := range stay.Entries() {
		switch {
		case e.Invoiced:
			s.Invoiced++
		case e.IsConfirmed:
			s.Confirmed++
		default:
			s.Pending++
		}
	}
	return s
}
