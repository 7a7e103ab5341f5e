package invoice

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no invoice matches the lookup
	ErrNotFound = errors.New("invoice not found")
	// ErrDuplicateKey is returned when an insert would create a second invoice
	// with the same invoice number and vendor
	ErrDuplicateKey = errors.New("invoice with this number and vendor already exists")
	// ErrConflict is returned when a transaction lost to a concurrent writer
	// and can be run again
	ErrConflict = errors.New("concurrent write conflict")
)

// Store defines the interface for invoice persistence
type Store interface {
	// FindByKey looks up an invoice by its exact, case-sensitive business key
	FindByKey(ctx context.Context, invoiceNumber, vendorName string) (*Invoice, error)

	// Insert stores a new invoice record without line items and assigns its ID
	Insert(ctx context.Context, inv *Invoice) error

	// Update replaces the scalar fields of an existing invoice
	Update(ctx context.Context, inv *Invoice) error

	// ReplaceLineItems deletes all line items of an invoice and stores items in order
	ReplaceLineItems(ctx context.Context, invoiceID string, items []LineItem) error

	// Get retrieves an invoice with its line items
	Get(ctx context.Context, id string) (*Invoice, error)

	// List returns all invoices with their line items
	List(ctx context.Context) ([]*Invoice, error)

	// Delete removes an invoice and its line items
	Delete(ctx context.Context, id string) error

	// Close releases the underlying connection
	Close() error
}

// TxStore is a Store that can run several operations atomically
type TxStore interface {
	Store

	// WithinTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
