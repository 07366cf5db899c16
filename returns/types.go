// Package returns implements the clinical item kinds that can be returned
// or cancelled. It uses the generic engine with return-specific line rules.
package returns

import (
	"fmt"
	"strings"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// CLINICAL ITEM KINDS
// =============================================================================

// Kind is the concrete item kind for clinical returns.
// Implements generic.ItemKind interface.
type Kind string

func (k Kind) KindID() string { return string(k) }

func (k Kind) Family() generic.Family {
	switch k {
	case KindTherapy:
		return generic.FamilyTherapy
	case KindDrug:
		return generic.FamilyDrug
	default:
		return generic.FamilyLRP
	}
}

// Compile-time check that Kind implements generic.ItemKind
var _ generic.ItemKind = Kind("")

const (
	KindLabTest              Kind = "lab_test"
	KindRadiologyExamination Kind = "radiology_examination"
	KindClinicalProcedure    Kind = "clinical_procedure"
	KindTherapy              Kind = "therapy"
	KindDrug                 Kind = "drug"
)

// Kinds lists every clinical kind.
var Kinds = []Kind{KindLabTest, KindRadiologyExamination, KindClinicalProcedure, KindTherapy, KindDrug}

// Register all clinical kinds with the generic registry
func init() {
	for _, k := range Kinds {
		generic.RegisterKind(k)
	}
}

// ParseFamily maps a query value to a family. An empty string selects
// every family; "lab", "radiology" and "procedure" are accepted as lrp.
func ParseFamily(s string) (generic.Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "lrp", "lab", "radiology", "procedure", "lrpt":
		return generic.FamilyLRP, nil
	case "therapy":
		return generic.FamilyTherapy, nil
	case "drug", "drugs":
		return generic.FamilyDrug, nil
	}
	return "", fmt.Errorf("%w: unknown item family %q", generic.ErrValidation, s)
}

// ReferenceDoctype is the document that services items of the kind.
func (k Kind) ReferenceDoctype() string {
	switch k {
	case KindLabTest:
		return "Lab Test"
	case KindRadiologyExamination:
		return "Radiology Examination"
	case KindClinicalProcedure:
		return "Clinical Procedure"
	case KindTherapy:
		return "Therapy Plan"
	case KindDrug:
		return "Delivery Note"
	}
	return ""
}
