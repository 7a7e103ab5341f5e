package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServicePeriod is the date range a line item was billed for
type ServicePeriod struct {
	Start string `json:"start"` // YYYY-MM-DD
	End   string `json:"end"`   // YYYY-MM-DD
}

// LineItem is one billed position of an invoice
type LineItem struct {
	ID            string          `json:"id,omitempty"`
	Position      int             `json:"position"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Total         decimal.Decimal `json:"total"`
	ServiceID     string          `json:"serviceId,omitempty"`
	ServicePeriod *ServicePeriod  `json:"servicePeriod,omitempty"`
}

// Invoice is the canonical form of an extracted invoice.
// InvoiceNumber and VendorName together form its business key.
type Invoice struct {
	ID              string          `json:"id,omitempty"`
	CustomerName    string          `json:"customerName"`
	VendorName      string          `json:"vendorName"`
	CustomerAddress string          `json:"customerAddress"`
	VendorAddress   string          `json:"vendorAddress"`
	InvoiceNumber   string          `json:"invoiceNumber"`
	InvoiceDate     string          `json:"invoiceDate"`       // YYYY-MM-DD
	DueDate         string          `json:"dueDate,omitempty"` // YYYY-MM-DD
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Language        string          `json:"language,omitempty"`
	ContractNumber  string          `json:"contractNumber,omitempty"`
	LineItems       []LineItem      `json:"lineItems"`
	DocumentPath    string          `json:"documentPath,omitempty"`
	ContentType     string          `json:"contentType,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Key is the business key used for duplicate detection
type Key struct {
	InvoiceNumber string
	VendorName    string
}

// Key returns the business key of the invoice
func (i *Invoice) Key() Key {
	return Key{InvoiceNumber: i.InvoiceNumber, VendorName: i.VendorName}
}

// LineItemsTotal sums the line item totals
func (i *Invoice) LineItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range i.LineItems {
		sum = sum.Add(item.Total)
	}
	return sum
}

// assignScalars copies every non-identity, non-line-item field from src
func (i *Invoice) assignScalars(src *Invoice) {
	i.CustomerName = src.CustomerName
	i.VendorName = src.VendorName
	i.CustomerAddress = src.CustomerAddress
	i.VendorAddress = src.VendorAddress
	i.InvoiceNumber = src.InvoiceNumber
	i.InvoiceDate = src.InvoiceDate
	i.DueDate = src.DueDate
	i.Amount = src.Amount
	i.Currency = src.Currency
	i.Language = src.Language
	i.ContractNumber = src.ContractNumber
	if src.DocumentPath != "" {
		i.DocumentPath = src.DocumentPath
		i.ContentType = src.ContentType
	}
}
