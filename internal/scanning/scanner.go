package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotInvoice is matched by errors reporting that a document is not an invoice
	ErrNotInvoice = errors.New("document is not an invoice")
	// ErrExtractionParse is matched by errors reporting unparseable model output
	ErrExtractionParse = errors.New("could not parse extraction result")
	// ErrUnreadableDocument is matched when a document cannot be turned into page images
	ErrUnreadableDocument = errors.New("unreadable document")
)

// Text is a string field that also accepts JSON numbers, booleans and null.
// Models are not consistent about quoting invoice numbers or contract numbers.
type Text string

// UnmarshalJSON implements json.Unmarshaler
func (t *Text) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch x := v.(type) {
	case nil:
		*t = ""
	case string:
		*t = Text(x)
	case json.Number:
		*t = Text(x.String())
	case bool:
		*t = Text(strconv.FormatBool(x))
	default:
		return fmt.Errorf("unsupported text value: %s", b)
	}
	return nil
}

// String returns the underlying string
func (t Text) String() string {
	return string(t)
}

// RawPeriod is a service period exactly as the model reported it
type RawPeriod struct {
	Start Text `json:"start"`
	End   Text `json:"end"`
}

// RawLineItem is a line item exactly as the model reported it.
// Numeric fields hold a json.Number, a string or nil.
type RawLineItem struct {
	Description   Text       `json:"description"`
	Quantity      any        `json:"quantity,omitempty"`
	UnitPrice     any        `json:"unitPrice,omitempty"`
	Total         any        `json:"total,omitempty"`
	ServiceID     Text       `json:"serviceId,omitempty"`
	ServicePeriod *RawPeriod `json:"servicePeriod,omitempty"`
}

// RawExtraction contains the invoice fields extracted from a document before
// any normalization
type RawExtraction struct {
	IsInvoice       *bool         `json:"isInvoice,omitempty"`
	Reason          Text          `json:"reason,omitempty"`
	CustomerName    Text          `json:"customerName"`
	VendorName      Text          `json:"vendorName"`
	CustomerAddress Text          `json:"customerAddress"`
	VendorAddress   Text          `json:"vendorAddress"`
	InvoiceNumber   Text          `json:"invoiceNumber"`
	InvoiceDate     Text          `json:"invoiceDate"`
	DueDate         Text          `json:"dueDate"`
	Amount          any           `json:"amount"`
	Currency        Text          `json:"currency"`
	ContractNumber  Text          `json:"contractNumber"`
	Language        Text          `json:"language"`
	LineItems       []RawLineItem `json:"lineItems"`
}

// NotInvoiceError reports that the model classified a document as something
// other than an invoice
type NotInvoiceError struct {
	Reason string
}

func (e *NotInvoiceError) Error() string {
	if e.Reason == "" {
		return ErrNotInvoice.Error()
	}
	return fmt.Sprintf("%s: %s", ErrNotInvoice.Error(), e.Reason)
}

// Is makes errors.Is(err, ErrNotInvoice) hold
func (e *NotInvoiceError) Is(target error) bool {
	return target == ErrNotInvoice
}

// Extractor defines the interface for invoice extraction operations
type Extractor interface {
	// Extract analyzes a document and returns the raw invoice fields, or a
	// *NotInvoiceError when the document is not an invoice
	Extract(ctx context.Context, data []byte, contentType string) (*RawExtraction, error)
	// Close releases resources held by the extractor
	Close() error
}
