/*
rules.go - Submit-time line rules for clinical returns

PURPOSE:
  The generic engine only knows about caps and staleness. Hospital policy
  adds two more checks before a return request may be submitted:
  - every line carries a reason for the return or cancellation
  - every drug line records the condition the drug came back in

EXAMPLE:
  svc := generic.NewReturnService(store, audit, logger, returns.DefaultRules()...)

SEE ALSO:
  - generic/request.go: Where rules run
*/
package returns

import (
	"fmt"
	"strings"

	"github.com/warp/reconciliation-engine/generic"
)

// ReasonRequired rejects lines without a reason.
var ReasonRequired = generic.LineRuleFunc(func(line generic.ReturnLine) *generic.LineProblem {
	if strings.TrimSpace(line.Reason) != "" {
		return nil
	}
	return &generic.LineProblem{
		SourceID: line.SourceID,
		Code:     generic.ProblemMissingReason,
		Message:  fmt.Sprintf("reason is required for %s", line.Name),
		Err:      generic.ErrValidation,
	}
})

// DrugConditionRequired rejects drug lines without a drug condition.
var DrugConditionRequired = generic.LineRuleFunc(func(line generic.ReturnLine) *generic.LineProblem {
	if line.Family() != generic.FamilyDrug || strings.TrimSpace(line.DrugCondition) != "" {
		return nil
	}
	return &generic.LineProblem{
		SourceID: line.SourceID,
		Code:     generic.ProblemMissingDrugCondition,
		Message:  fmt.Sprintf("drug condition is required for %s", line.Name),
		Err:      generic.ErrValidation,
	}
})

// DefaultRules returns the rules every clinical return is submitted with.
func DefaultRules() []generic.LineRule {
	return []generic.LineRule{ReasonRequired, DrugConditionRequired}
}
