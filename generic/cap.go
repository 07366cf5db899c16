package generic

// =============================================================================
// CAP VALIDATOR
// =============================================================================

// ValidateCap accepts a return of requested units when
// 0 < requested <= prescribed - consumed.
// It returns nil (accepted) or a *CapExceededError.
func ValidateCap(prescribed, consumed, requested Quantity) error {
	if requested <= 0 || requested > prescribed-consumed {
		return &CapExceededError{
			Prescribed: prescribed,
			Consumed:   consumed,
			Requested:  requested,
		}
	}
	return nil
}

func validateLineCap(id SourceID, prescribed, consumed, requested Quantity) error {
	if err := ValidateCap(prescribed, consumed, requested); err != nil {
		capErr := err.(*CapExceededError)
		capErr.SourceID = id
		return capErr
	}
	return nil
}

// =============================================================================
// LOCAL EDITS - Per-line, never all-or-nothing
// =============================================================================

// LineEdit changes the requested quantity of one attached line.
type LineEdit struct {
	SourceID  SourceID
	Requested Quantity
}

// EditOutcome reports what happened to one edit.
// A rejected edit leaves the line at 0 and carries the cap error.
type EditOutcome struct {
	SourceID  SourceID
	Requested Quantity
	Accepted  bool
	Err       error
}

// ApplyEdits validates each edit against the line's attach-time snapshot
// and writes the result into lines. Lines without an edit keep their value.
// Edits naming a source id that is not on the request are reported as
// not accepted with ErrSourceItemNotFound.
func ApplyEdits(lines []*ReturnLine, edits []LineEdit) []EditOutcome {
	index := make(map[SourceID]*ReturnLine, len(lines))
	for _, l := range lines {
		index[l.SourceID] = l
	}

	outcomes := make([]EditOutcome, 0, len(edits))
	for _, e := range edits {
		line, ok := index[e.SourceID]
		if !ok {
			outcomes = append(outcomes, EditOutcome{SourceID: e.SourceID, Err: ErrSourceItemNotFound})
			continue
		}
		if err := validateLineCap(line.SourceID, line.Prescribed, line.ConsumedAtAttach, e.Requested); err != nil {
			line.Requested = 0
			outcomes = append(outcomes, EditOutcome{SourceID: e.SourceID, Err: err})
			continue
		}
		line.Requested = e.Requested
		outcomes = append(outcomes, EditOutcome{SourceID: e.SourceID, Requested: e.Requested, Accepted: true})
	}
	return outcomes
}
