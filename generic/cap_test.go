package generic_test

import (
	"errors"
	"testing"

	"github.com/warp/reconciliation-engine/generic"
)

// =============================================================================
// CAP VALIDATOR TESTS
// =============================================================================

func TestValidateCap(t *testing.T) {
	tests := []struct {
		name                            string
		prescribed, consumed, requested generic.Quantity
		accepted                        bool
	}{
		{"exactly the remainder", 10, 7, 3, true},
		{"one over the remainder", 10, 7, 4, false},
		{"zero requested", 10, 7, 0, false},
		{"negative requested", 10, 0, -1, false},
		{"nothing consumed", 5, 0, 5, true},
		{"fully consumed", 5, 5, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := generic.ValidateCap(tt.prescribed, tt.consumed, tt.requested)
			if tt.accepted && err != nil {
				t.Fatalf("expected accepted, got %v", err)
			}
			if !tt.accepted {
				if !errors.Is(err, generic.ErrCapExceeded) {
					t.Fatalf("expected ErrCapExceeded, got %v", err)
				}
				var capErr *generic.CapExceededError
				if !errors.As(err, &capErr) {
					t.Fatal("expected *CapExceededError")
				}
				if capErr.Requested != tt.requested {
					t.Errorf("expected requested %d in error, got %d", tt.requested, capErr.Requested)
				}
			}
		})
	}
}

func TestCapExceededError_Remaining(t *testing.T) {
	err := generic.ValidateCap(10, 7, 4)
	var capErr *generic.CapExceededError
	if !errors.As(err, &capErr) {
		t.Fatal("expected *CapExceededError")
	}
	if capErr.Remaining() != 3 {
		t.Errorf("expected remaining 3, got %d", capErr.Remaining())
	}
}

// =============================================================================
// LOCAL EDIT TESTS - Per-line, never all-or-nothing
// =============================================================================

func TestApplyEdits_RejectedLineResetsOthersKept(t *testing.T) {
	// GIVEN: Three lines, each with its own snapshot
	a := &generic.ReturnLine{SourceID: "a", Prescribed: 10, ConsumedAtAttach: 7, Requested: 1}
	b := &generic.ReturnLine{SourceID: "b", Prescribed: 4, ConsumedAtAttach: 0, Requested: 2}
	c := &generic.ReturnLine{SourceID: "c", Prescribed: 3, ConsumedAtAttach: 1, Requested: 1}

	// WHEN: a is raised within its cap, b beyond its cap, c is untouched
	outcomes := generic.ApplyEdits([]*generic.ReturnLine{a, b, c}, []generic.LineEdit{
		{SourceID: "a", Requested: 3},
		{SourceID: "b", Requested: 5},
	})

	// THEN: a accepted, b reset to 0 with an error, c unchanged
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].Accepted || a.Requested != 3 {
		t.Errorf("expected a accepted at 3, got %+v / %d", outcomes[0], a.Requested)
	}
	if outcomes[1].Accepted || !errors.Is(outcomes[1].Err, generic.ErrCapExceeded) {
		t.Errorf("expected b rejected with ErrCapExceeded, got %+v", outcomes[1])
	}
	if b.Requested != 0 {
		t.Errorf("expected b reset to 0, got %d", b.Requested)
	}
	if c.Requested != 1 {
		t.Errorf("expected c untouched at 1, got %d", c.Requested)
	}
}

func TestApplyEdits_UnknownLine(t *testing.T) {
	a := &generic.ReturnLine{SourceID: "a", Prescribed: 2, Requested: 1}

	outcomes := generic.ApplyEdits([]*generic.ReturnLine{a}, []generic.LineEdit{{SourceID: "zz", Requested: 1}})

	if outcomes[0].Accepted || !errors.Is(outcomes[0].Err, generic.ErrSourceItemNotFound) {
		t.Errorf("expected not-found outcome, got %+v", outcomes[0])
	}
	if a.Requested != 1 {
		t.Errorf("line a must not change, got %d", a.Requested)
	}
}
