package invoice

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups for ids that do not exist
var ErrNotFound = errors.New("not found")

// ExtractionError means a document's text could not be recognized or read.
// It is fatal for that document only.
type ExtractionError struct {
	SourceID string
	Reason   string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extracting %s: %s: %v", e.SourceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("extracting %s: %s", e.SourceID, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// ExportError means a batch did not reach its destination. None of the
// batch's records count as exported.
type ExportError struct {
	BatchID     string
	Destination string
	Err         error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("exporting batch %s to %s: %v", e.BatchID, e.Destination, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
