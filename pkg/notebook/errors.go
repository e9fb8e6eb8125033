package notebook

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// ErrValidation matches every ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// NotFoundError reports a worksheet or cell id that does not exist in the notebook.
type NotFoundError struct {
	Kind        string // "worksheet" or "cell"
	ID          string
	WorksheetID string // Set for cells looked up inside a specific worksheet
}

func (e *NotFoundError) Error() string {
	if e.Kind == "cell" && e.WorksheetID != "" {
		return fmt.Sprintf("cell %q not found in worksheet %q", e.ID, e.WorksheetID)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) work for wrapped NotFoundErrors.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError represents a malformed action or document.
type ValidationError struct {
	Field  string // Field name, empty for whole-message failures
	Reason string // Human-readable reason for failure
	Value  any    // The value that failed validation
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	if e.Value == nil {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %q: %s (got %v)", e.Field, e.Reason, e.Value)
}

// Is makes errors.Is(err, ErrValidation) work for wrapped ValidationErrors.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func cellNotFound(worksheetID, cellID string) error {
	return &NotFoundError{Kind: "cell", ID: cellID, WorksheetID: worksheetID}
}

func worksheetNotFound(worksheetID string) error {
	return &NotFoundError{Kind: "worksheet", ID: worksheetID}
}

func required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}
