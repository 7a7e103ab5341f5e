package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const invoiceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["customerName", "vendorName", "invoiceNumber", "invoiceDate", "amount"],
  "properties": {
    "customerName":    {"type": "string", "minLength": 1},
    "vendorName":      {"type": "string", "minLength": 1},
    "invoiceNumber":   {"type": "string", "minLength": 1},
    "invoiceDate":     {"type": "string", "format": "date"},
    "dueDate":         {"type": "string", "format": "date"},
    "amount":          {"type": "number", "minimum": 0},
    "currency":        {"type": "string", "pattern": "^[A-Z]{3}$"},
    "language":        {"type": "string"},
    "contractNumber":  {"type": "string"},
    "customerAddress": {"type": "string"},
    "vendorAddress":   {"type": "string"},
    "lineItems": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description", "quantity", "unitPrice", "total"],
        "properties": {
          "description": {"type": "string"},
          "quantity":    {"type": "number", "exclusiveMinimum": 0},
          "unitPrice":   {"type": "number"},
          "total":       {"type": "number"},
          "serviceId":   {"type": "string"},
          "servicePeriod": {
            "type": "object",
            "required": ["start", "end"],
            "properties": {
              "start": {"type": "string", "format": "date"},
              "end":   {"type": "string", "format": "date"}
            }
          }
        }
      }
    }
  }
}`

// FieldError describes why one field of an invoice is invalid
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when an invoice does not match the invoice schema
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "invalid invoice: " + strings.Join(parts, "; ")
}

// Validator checks invoices against the invoice JSON schema
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the invoice schema
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("invoice.json", strings.NewReader(invoiceSchema)); err != nil {
		return nil, fmt.Errorf("adding invoice schema: %w", err)
	}
	schema, err := compiler.Compile("invoice.json")
	if err != nil {
		return nil, fmt.Errorf("compiling invoice schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// MustNewValidator is NewValidator for package initialization and tests
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns a *ValidationError listing every invalid field
func (v *Validator) Validate(inv *Invoice) error {
	if inv == nil {
		return &ValidationError{Fields: []FieldError{{Field: "", Message: "invoice is missing"}}}
	}

	err := v.schema.Validate(schemaDocument(inv))
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validating invoice: %w", err)
	}

	var fields []FieldError
	collectFieldErrors(verr, &fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &ValidationError{Fields: fields}
}

func collectFieldErrors(verr *jsonschema.ValidationError, out *[]FieldError) {
	if len(verr.Causes) == 0 {
		*out = append(*out, FieldError{
			Field:   strings.TrimPrefix(verr.InstanceLocation, "/"),
			Message: verr.Message,
		})
		return
	}
	for _, cause := range verr.Causes {
		collectFieldErrors(cause, out)
	}
}

// schemaDocument renders an invoice the way the schema sees it. Decimals
// become JSON numbers and empty optional fields are left out.
func schemaDocument(inv *Invoice) map[string]any {
	doc := map[string]any{
		"customerName":    inv.CustomerName,
		"vendorName":      inv.VendorName,
		"invoiceNumber":   inv.InvoiceNumber,
		"invoiceDate":     inv.InvoiceDate,
		"amount":          json.Number(inv.Amount.String()),
		"customerAddress": inv.CustomerAddress,
		"vendorAddress":   inv.VendorAddress,
	}
	optional := map[string]string{
		"dueDate":        inv.DueDate,
		"currency":       inv.Currency,
		"language":       inv.Language,
		"contractNumber": inv.ContractNumber,
	}
	for k, v := range optional {
		if v != "" {
			doc[k] = v
		}
	}

	items := make([]any, 0, len(inv.LineItems))
	for _, item := range inv.LineItems {
		li := map[string]any{
			"description": item.Description,
			"quantity":    json.Number(item.Quantity.String()),
			"unitPrice":   json.Number(item.UnitPrice.String()),
			"total":       json.Number(item.Total.String()),
		}
		if item.ServiceID != "" {
			li["serviceId"] = item.ServiceID
		}
		if item.ServicePeriod != nil {
			li["servicePeriod"] = map[string]any{
				"start": item.ServicePeriod.Start,
				"end":   item.ServicePeriod.End,
			}
		}
		items = append(items, li)
	}
	doc["lineItems"] = items

	return doc
}
