package invoice

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/normalize"
	"github.com/zombor/invoice-intake/internal/scanning"
)

// Placeholders used when the model could not find an identity field
const (
	UnknownCustomer = "Unknown Customer"
	UnknownVendor   = "Unknown Vendor"
	DefaultItemText = "Invoice total"
)

var currencyBySymbol = map[string]string{
	"€": "EUR",
	"$": "USD",
	"£": "GBP",
	"¥": "JPY",
}

// NormalizerConfig controls the defaults applied by a Normalizer
type NormalizerConfig struct {
	// DefaultCurrency is used when the extraction has no currency
	DefaultCurrency string
	// SentinelAmount replaces a missing, zero or unparseable invoice amount
	SentinelAmount decimal.Decimal
	// DueDays derives a due date from the invoice date when the document has
	// none. Zero leaves the due date empty.
	DueDays int
	// StrictIdentity leaves missing customer, vendor and invoice number empty
	// instead of filling in placeholders, so that validation rejects them
	StrictIdentity bool
}

// Normalizer turns raw extractions into canonical invoices
type Normalizer struct {
	config     NormalizerConfig
	timeSource TimeSource
}

// NewNormalizer creates a Normalizer using the wall clock
func NewNormalizer(config NormalizerConfig) *Normalizer {
	return NewNormalizerWithTime(config, &defaultTimeSource{})
}

// NewNormalizerWithTime creates a Normalizer with a custom time source for testing
func NewNormalizerWithTime(config NormalizerConfig, timeSrc TimeSource) *Normalizer {
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "EUR"
	}
	if config.SentinelAmount.IsZero() {
		config.SentinelAmount = decimal.NewFromInt(1)
	}
	return &Normalizer{config: config, timeSource: timeSrc}
}

// Normalize converts a raw extraction into a canonical invoice. It never
// fails: every missing or unreadable field gets a default.
func (n *Normalizer) Normalize(raw *scanning.RawExtraction) *Invoice {
	if raw == nil {
		raw = &scanning.RawExtraction{}
	}
	now := n.timeSource.Now()

	amount := normalize.ParseAmountOr(raw.Amount, n.config.SentinelAmount)
	if amount.IsZero() {
		amount = n.config.SentinelAmount
	}
	amount = amount.Abs()

	invoiceDate := normalize.ParseDateAt(raw.InvoiceDate.String(), now)

	rawDue := strings.TrimSpace(raw.DueDate.String())
	dueDate, ok := normalize.LookupDate(rawDue)
	switch {
	case ok:
	case n.config.DueDays > 0:
		dueDate = ""
		if t, err := time.Parse(normalize.DateLayout, invoiceDate); err == nil {
			dueDate = t.AddDate(0, 0, n.config.DueDays).Format(normalize.DateLayout)
		}
	case rawDue != "":
		// unreadable dates fall back like the invoice date does
		dueDate = now.Format(normalize.DateLayout)
	default:
		dueDate = ""
	}

	inv := &Invoice{
		CustomerName:    n.identity(raw.CustomerName, UnknownCustomer),
		VendorName:      n.identity(raw.VendorName, UnknownVendor),
		CustomerAddress: strings.TrimSpace(raw.CustomerAddress.String()),
		VendorAddress:   strings.TrimSpace(raw.VendorAddress.String()),
		InvoiceNumber:   n.identity(raw.InvoiceNumber, fmt.Sprintf("INV-%d", now.UnixMilli())),
		InvoiceDate:     invoiceDate,
		DueDate:         dueDate,
		Amount:          amount,
		Currency:        n.currency(raw.Currency.String()),
		Language:        strings.ToLower(strings.TrimSpace(raw.Language.String())),
		ContractNumber:  strings.TrimSpace(raw.ContractNumber.String()),
	}

	for _, item := range raw.LineItems {
		li, ok := normalizeLineItem(item)
		if !ok {
			continue
		}
		li.Position = len(inv.LineItems) + 1
		inv.LineItems = append(inv.LineItems, li)
	}

	if len(inv.LineItems) == 0 {
		inv.LineItems = []LineItem{DefaultLineItem(amount)}
	}

	return inv
}

// DefaultLineItem is the single line item given to invoices without any
func DefaultLineItem(amount decimal.Decimal) LineItem {
	return LineItem{
		Position:    1,
		Description: DefaultItemText,
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   amount,
		Total:       amount,
	}
}

func (n *Normalizer) identity(v scanning.Text, placeholder string) string {
	s := strings.TrimSpace(v.String())
	if s == "" && !n.config.StrictIdentity {
		return placeholder
	}
	return s
}

func (n *Normalizer) currency(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return n.config.DefaultCurrency
	}
	if code, ok := currencyBySymbol[v]; ok {
		return code
	}
	return strings.ToUpper(v)
}

func normalizeLineItem(item scanning.RawLineItem) (LineItem, bool) {
	quantity := normalize.ParseAmount(item.Quantity)
	if !quantity.IsPositive() {
		quantity = decimal.NewFromInt(1)
	}
	unitPrice := normalize.ParseAmount(item.UnitPrice)
	total := normalize.ParseAmount(item.Total)
	if total.IsZero() {
		total = quantity.Mul(unitPrice)
	}

	refined := normalize.RefineDescription(item.Description.String())
	if refined.Description == "" && total.IsZero() {
		return LineItem{}, false
	}

	li := LineItem{
		Description: refined.Description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Total:       total,
		ServiceID:   strings.TrimSpace(item.ServiceID.String()),
	}
	if li.ServiceID == "" {
		li.ServiceID = refined.ServiceID
	}

	if p := item.ServicePeriod; p != nil {
		if start, ok := normalize.LookupDate(p.Start.String()); ok {
			end, ok := normalize.LookupDate(p.End.String())
			if !ok {
				end = start
			}
			li.ServicePeriod = &ServicePeriod{Start: start, End: end}
		}
	}
	if li.ServicePeriod == nil && refined.ServicePeriod != nil {
		li.ServicePeriod = &ServicePeriod{Start: refined.ServicePeriod.Start, End: refined.ServicePeriod.End}
	}

	return li, true
}

// ToRaw converts a canonical invoice back into extraction form, so edited
// invoices go through the same normalization as extracted ones
func ToRaw(inv *Invoice) *scanning.RawExtraction {
	raw := &scanning.RawExtraction{
		CustomerName:    scanning.Text(inv.CustomerName),
		VendorName:      scanning.Text(inv.VendorName),
		CustomerAddress: scanning.Text(inv.CustomerAddress),
		VendorAddress:   scanning.Text(inv.VendorAddress),
		InvoiceNumber:   scanning.Text(inv.InvoiceNumber),
		InvoiceDate:     scanning.Text(inv.InvoiceDate),
		DueDate:         scanning.Text(inv.DueDate),
		Amount:          inv.Amount,
		Currency:        scanning.Text(inv.Currency),
		ContractNumber:  scanning.Text(inv.ContractNumber),
		Language:        scanning.Text(inv.Language),
	}
	for _, item := range inv.LineItems {
		ri := scanning.RawLineItem{
			Description: scanning.Text(item.Description),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
			ServiceID:   scanning.Text(item.ServiceID),
		}
		if item.ServicePeriod != nil {
			ri.ServicePeriod = &scanning.RawPeriod{
				Start: scanning.Text(item.ServicePeriod.Start),
				End:   scanning.Text(item.ServicePeriod.End),
			}
		}
		raw.LineItems = append(raw.LineItems, ri)
	}
	return raw
}
