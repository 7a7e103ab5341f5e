package invoice

import (
	"context"
	"errors"
	"fmt"
)

// Outcome is the result of reconciling a candidate invoice with the store
type Outcome string

const (
	Created           Outcome = "created"
	Updated           Outcome = "updated"
	RejectedDuplicate Outcome = "rejected_duplicate"
	ValidationFailed  Outcome = "validation_failed"
	PersistenceFailed Outcome = "persistence_failed"
)

// ErrDuplicateInvoice is matched by errors reporting an existing invoice with
// the same business key
var ErrDuplicateInvoice = errors.New("duplicate invoice")

// DuplicateError carries the stored invoice a candidate collided with
type DuplicateError struct {
	Existing *Invoice
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate invoice %s from %s", e.Existing.InvoiceNumber, e.Existing.VendorName)
}

// Is makes errors.Is(err, ErrDuplicateInvoice) hold
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateInvoice
}

// PersistenceError wraps a store failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Reconciliation describes what Reconcile did with a candidate
type Reconciliation struct {
	Outcome  Outcome
	Invoice  *Invoice
	Existing *Invoice
}

// Reconciler decides whether a candidate invoice creates a new record,
// updates an existing one, or is rejected as a duplicate
type Reconciler struct {
	store      Store
	validator  *Validator
	timeSource TimeSource
}

// NewReconciler creates a Reconciler
func NewReconciler(store Store, validator *Validator, timeSrc TimeSource) *Reconciler {
	if timeSrc == nil {
		timeSrc = &defaultTimeSource{}
	}
	return &Reconciler{store: store, validator: validator, timeSource: timeSrc}
}

// reconcileAttempts bounds how often a write that lost a race is run again
const reconcileAttempts = 3

// retryable reports whether a write lost a race with a concurrent writer
func retryable(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrConflict)
}

// Reconcile validates the candidate and writes it to the store. The returned
// Reconciliation is never nil; the error is set for every outcome other than
// Created and Updated.
//
// When the store supports transactions the lookup and the write happen in
// one transaction. A concurrent insert of the same business key makes the
// attempt fail with ErrDuplicateKey or ErrConflict, and the retry then sees
// the other writer's invoice.
func (r *Reconciler) Reconcile(ctx context.Context, candidate *Invoice, updateIfExists bool) (*Reconciliation, error) {
	if err := r.validator.Validate(candidate); err != nil {
		return &Reconciliation{Outcome: ValidationFailed}, err
	}

	var (
		rec *Reconciliation
		err error
	)
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		rec, err = r.attempt(ctx, candidate, updateIfExists)
		if !retryable(err) {
			break
		}
	}

	if err != nil && rec.Outcome != RejectedDuplicate {
		var perr *PersistenceError
		if !errors.As(err, &perr) {
			err = &PersistenceError{Op: "reconciling invoice", Err: err}
		}
		rec.Outcome = PersistenceFailed
	}
	return rec, err
}

func (r *Reconciler) attempt(ctx context.Context, candidate *Invoice, updateIfExists bool) (*Reconciliation, error) {
	rec := &Reconciliation{}
	now := r.timeSource.Now()

	run := func(s Store) error {
		existing, err := s.FindByKey(ctx, candidate.InvoiceNumber, candidate.VendorName)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return &PersistenceError{Op: "finding invoice", Err: err}
		}

		if existing == nil {
			inv := *candidate
			inv.ID = ""
			inv.LineItems = cloneLineItems(candidate.LineItems)
			inv.CreatedAt = now
			inv.UpdatedAt = now
			if err := s.Insert(ctx, &inv); err != nil {
				if retryable(err) {
					return err
				}
				return &PersistenceError{Op: "inserting invoice", Err: err}
			}
			if err := s.ReplaceLineItems(ctx, inv.ID, inv.LineItems); err != nil {
				return &PersistenceError{Op: "inserting line items", Err: err}
			}
			rec.Outcome = Created
			rec.Invoice = &inv
			return nil
		}

		if !updateIfExists {
			rec.Outcome = RejectedDuplicate
			rec.Existing = existing
			return &DuplicateError{Existing: existing}
		}

		updated := *existing
		updated.assignScalars(candidate)
		updated.UpdatedAt = now
		if err := s.Update(ctx, &updated); err != nil {
			return &PersistenceError{Op: "updating invoice", Err: err}
		}
		updated.LineItems = cloneLineItems(candidate.LineItems)
		if err := s.ReplaceLineItems(ctx, updated.ID, updated.LineItems); err != nil {
			return &PersistenceError{Op: "replacing line items", Err: err}
		}
		rec.Outcome = Updated
		rec.Invoice = &updated
		rec.Existing = existing
		return nil
	}

	var err error
	if txs, ok := r.store.(TxStore); ok {
		err = txs.WithinTx(ctx, run)
	} else {
		err = run(r.store)
	}
	return rec, err
}

func cloneLineItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	for i, item := range items {
		item.ID = ""
		if item.ServicePeriod != nil {
			p := *item.ServicePeriod
			item.ServicePeriod = &p
		}
		out[i] = item
	}
	return out
}
