package invoice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	invoicesBucket  = []byte("invoices")
	keysBucket      = []byte("invoice_keys")
	lineItemsBucket = []byte("line_items")
)

// BoltStore implements the Store interface using BoltDB. Line items live in
// one nested bucket per invoice, keyed by position.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) a BoltDB file
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{invoicesBucket, keysBucket, lineItemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) view(fn func(*boltTx) error) error {
	return b.db.View(func(tx *bbolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (b *BoltStore) update(fn func(*boltTx) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

// WithinTx runs fn inside a single read-write transaction. BoltDB allows one
// writer at a time, so concurrent callers are serialized.
func (b *BoltStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return b.update(func(t *boltTx) error { return fn(t) })
}

// FindByKey looks up an invoice by invoice number and vendor name
func (b *BoltStore) FindByKey(ctx context.Context, invoiceNumber, vendorName string) (inv *Invoice, err error) {
	err = b.view(func(t *boltTx) error {
		inv, err = t.FindByKey(ctx, invoiceNumber, vendorName)
		return err
	})
	return inv, err
}

// Insert stores a new invoice record
func (b *BoltStore) Insert(ctx context.Context, inv *Invoice) error {
	return b.update(func(t *boltTx) error { return t.Insert(ctx, inv) })
}

// Update replaces the scalar fields of an invoice
func (b *BoltStore) Update(ctx context.Context, inv *Invoice) error {
	return b.update(func(t *boltTx) error { return t.Update(ctx, inv) })
}

// ReplaceLineItems swaps out all line items of an invoice
func (b *BoltStore) ReplaceLineItems(ctx context.Context, invoiceID string, items []LineItem) error {
	return b.update(func(t *boltTx) error { return t.ReplaceLineItems(ctx, invoiceID, items) })
}

// Get retrieves an invoice by ID
func (b *BoltStore) Get(ctx context.Context, id string) (inv *Invoice, err error) {
	err = b.view(func(t *boltTx) error {
		inv, err = t.Get(ctx, id)
		return err
	})
	return inv, err
}

// List returns all invoices, oldest first
func (b *BoltStore) List(ctx context.Context) (invoices []*Invoice, err error) {
	err = b.view(func(t *boltTx) error {
		invoices, err = t.List(ctx)
		return err
	})
	return invoices, err
}

// Delete removes an invoice and its line items
func (b *BoltStore) Delete(ctx context.Context, id string) error {
	return b.update(func(t *boltTx) error { return t.Delete(ctx, id) })
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// boltTx is a Store bound to one BoltDB transaction
type boltTx struct {
	tx *bbolt.Tx
}

// businessKey length-prefixes the invoice number so no pair of values can
// produce the same key as another pair
func businessKey(invoiceNumber, vendorName string) []byte {
	key := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(invoiceNumber)+len(vendorName)), uint64(len(invoiceNumber)))
	key = append(key, invoiceNumber...)
	return append(key, vendorName...)
}

func positionKey(pos int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(pos))
	return k
}

func (t *boltTx) FindByKey(ctx context.Context, invoiceNumber, vendorName string) (*Invoice, error) {
	id := t.tx.Bucket(keysBucket).Get(businessKey(invoiceNumber, vendorName))
	if id == nil {
		return nil, ErrNotFound
	}
	return t.Get(ctx, string(id))
}

func (t *boltTx) record(id string) (*Invoice, error) {
	data := t.tx.Bucket(invoicesBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("unmarshaling invoice: %w", err)
	}
	return &inv, nil
}

func (t *boltTx) putRecord(inv *Invoice) error {
	rec := *inv
	rec.LineItems = nil
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshaling invoice: %w", err)
	}
	return t.tx.Bucket(invoicesBucket).Put([]byte(inv.ID), data)
}

func (t *boltTx) Insert(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	keys := t.tx.Bucket(keysBucket)
	key := businessKey(inv.InvoiceNumber, inv.VendorName)
	if keys.Get(key) != nil {
		return ErrDuplicateKey
	}
	if t.tx.Bucket(invoicesBucket).Get([]byte(inv.ID)) != nil {
		return fmt.Errorf("invoice id already in use: %s", inv.ID)
	}
	if err := t.putRecord(inv); err != nil {
		return err
	}
	return keys.Put(key, []byte(inv.ID))
}

func (t *boltTx) Update(ctx context.Context, inv *Invoice) error {
	existing, err := t.record(inv.ID)
	if err != nil {
		return err
	}

	keys := t.tx.Bucket(keysBucket)
	oldKey := businessKey(existing.InvoiceNumber, existing.VendorName)
	newKey := businessKey(inv.InvoiceNumber, inv.VendorName)
	if string(oldKey) != string(newKey) {
		if owner := keys.Get(newKey); owner != nil && string(owner) != inv.ID {
			return ErrDuplicateKey
		}
		if err := keys.Delete(oldKey); err != nil {
			return err
		}
		if err := keys.Put(newKey, []byte(inv.ID)); err != nil {
			return err
		}
	}

	return t.putRecord(inv)
}

func (t *boltTx) ReplaceLineItems(ctx context.Context, invoiceID string, items []LineItem) error {
	if _, err := t.record(invoiceID); err != nil {
		return err
	}

	root := t.tx.Bucket(lineItemsBucket)
	if err := root.DeleteBucket([]byte(invoiceID)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("deleting line items: %w", err)
	}
	bucket, err := root.CreateBucket([]byte(invoiceID))
	if err != nil {
		return fmt.Errorf("creating line item bucket: %w", err)
	}

	for i := range items {
		items[i].Position = i + 1
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		data, err := json.Marshal(&items[i])
		if err != nil {
			return fmt.Errorf("marshaling line item: %w", err)
		}
		if err := bucket.Put(positionKey(items[i].Position), data); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) lineItems(invoiceID string) ([]LineItem, error) {
	bucket := t.tx.Bucket(lineItemsBucket).Bucket([]byte(invoiceID))
	if bucket == nil {
		return nil, nil
	}
	var items []LineItem
	err := bucket.ForEach(func(k, v []byte) error {
		var item LineItem
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshaling line item: %w", err)
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

func (t *boltTx) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := t.record(id)
	if err != nil {
		return nil, err
	}
	if inv.LineItems, err = t.lineItems(id); err != nil {
		return nil, err
	}
	return inv, nil
}

func (t *boltTx) List(ctx context.Context) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := t.tx.Bucket(invoicesBucket).ForEach(func(k, v []byte) error {
		inv, err := t.Get(ctx, string(k))
		if err != nil {
			return err
		}
		invoices = append(invoices, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(invoices, func(i, j int) bool {
		if invoices[i].CreatedAt.Equal(invoices[j].CreatedAt) {
			return invoices[i].ID < invoices[j].ID
		}
		return invoices[i].CreatedAt.Before(invoices[j].CreatedAt)
	})
	return invoices, nil
}

func (t *boltTx) Delete(ctx context.Context, id string) error {
	inv, err := t.record(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(lineItemsBucket).DeleteBucket([]byte(id)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("deleting line items: %w", err)
	}
	if err := t.tx.Bucket(keysBucket).Delete(businessKey(inv.InvoiceNumber, inv.VendorName)); err != nil {
		return err
	}
	return t.tx.Bucket(invoicesBucket).Delete([]byte(id))
}

func (t *boltTx) Close() error {
	return nil
}
