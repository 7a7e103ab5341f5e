package invoice

import (
	"errors"

	"github.com/zombor/invoice-intake/internal/scanning"
)

// ErrorCode classifies a failed processing call
type ErrorCode string

const (
	CodeNotAnInvoice     ErrorCode = "NotAnInvoice"
	CodeExtractionParse  ErrorCode = "ExtractionParseError"
	CodeExtractionFailed ErrorCode = "ExtractionFailed"
	CodeValidation       ErrorCode = "ValidationError"
	CodeDuplicate        ErrorCode = "DuplicateInvoice"
	CodePersistence      ErrorCode = "PersistenceError"
	CodeStorage          ErrorCode = "StorageError"
	CodeNotFound         ErrorCode = "NotFound"
)

// duplicateMessage is the error text clients match on for duplicate rejections
const duplicateMessage = "Duplicate invoice"

// Result is the envelope returned for every processing call
type Result struct {
	Success         bool      `json:"success"`
	Outcome         Outcome   `json:"outcome,omitempty"`
	Code            ErrorCode `json:"code,omitempty"`
	Error           string    `json:"error,omitempty"`
	Details         any       `json:"details,omitempty"`
	Invoice         *Invoice  `json:"invoice,omitempty"`
	ExistingInvoice *Invoice  `json:"existingInvoice,omitempty"`
}

func successResult(rec *Reconciliation) *Result {
	return &Result{Success: true, Outcome: rec.Outcome, Invoice: rec.Invoice}
}

// failureResult converts an error from any processing stage into a Result
func failureResult(err error) *Result {
	res := &Result{Success: false, Error: err.Error()}

	var (
		verr *ValidationError
		derr *DuplicateError
		nerr *scanning.NotInvoiceError
		perr *scanning.ParseError
	)
	switch {
	case errors.As(err, &verr):
		res.Code = CodeValidation
		res.Outcome = ValidationFailed
		res.Details = verr.Fields
	case errors.As(err, &derr):
		res.Code = CodeDuplicate
		res.Outcome = RejectedDuplicate
		res.Error = duplicateMessage
		res.ExistingInvoice = derr.Existing
	case errors.As(err, &nerr):
		res.Code = CodeNotAnInvoice
		res.Details = map[string]string{"reason": nerr.Reason}
	case errors.As(err, &perr):
		res.Code = CodeExtractionParse
		res.Details = map[string]any{"length": perr.Length, "hasBraces": perr.HasBraces}
	case errors.Is(err, ErrNotFound):
		res.Code = CodeNotFound
	case errors.As(err, new(*PersistenceError)):
		res.Code = CodePersistence
		res.Outcome = PersistenceFailed
	case errors.As(err, new(*StorageError)):
		res.Code = CodeStorage
	default:
		res.Code = CodeExtractionFailed
	}
	return res
}

// StorageError wraps a failure to store an uploaded document
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "storing document: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
