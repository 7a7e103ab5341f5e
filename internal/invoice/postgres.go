package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invoices (
	id               TEXT PRIMARY KEY,
	customer_name    TEXT NOT NULL,
	vendor_name      TEXT NOT NULL,
	customer_address TEXT NOT NULL DEFAULT '',
	vendor_address   TEXT NOT NULL DEFAULT '',
	invoice_number   TEXT NOT NULL,
	invoice_date     DATE NOT NULL,
	due_date         DATE,
	amount           NUMERIC NOT NULL,
	currency         TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL DEFAULT '',
	contract_number  TEXT NOT NULL DEFAULT '',
	document_path    TEXT NOT NULL DEFAULT '',
	content_type     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT invoices_business_key UNIQUE (invoice_number, vendor_name)
);

CREATE TABLE IF NOT EXISTS invoice_line_items (
	id                   TEXT PRIMARY KEY,
	invoice_id           TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
	position             INTEGER NOT NULL,
	description          TEXT NOT NULL,
	quantity             NUMERIC NOT NULL,
	unit_price           NUMERIC NOT NULL,
	total                NUMERIC NOT NULL,
	service_id           TEXT NOT NULL DEFAULT '',
	service_period_start DATE,
	service_period_end   DATE,
	UNIQUE (invoice_id, position)
);
`

const invoiceColumns = `id, customer_name, vendor_name, customer_address, vendor_address,
	invoice_number, to_char(invoice_date, 'YYYY-MM-DD'), COALESCE(to_char(due_date, 'YYYY-MM-DD'), ''),
	amount::text, currency, language, contract_number, document_path, content_type, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using PostgreSQL. The business
// key is backed by a unique constraint.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgresStore connects to PostgreSQL and creates the tables if needed
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, q: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the invoice tables when they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a serializable transaction
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: s.pool, q: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func nullableDate(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var amount string
	err := row.Scan(&inv.ID, &inv.CustomerName, &inv.VendorName, &inv.CustomerAddress, &inv.VendorAddress,
		&inv.InvoiceNumber, &inv.InvoiceDate, &inv.DueDate,
		&amount, &inv.Currency, &inv.Language, &inv.ContractNumber, &inv.DocumentPath, &inv.ContentType,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount: %w", err)
	}
	return &inv, nil
}

// FindByKey looks up an invoice by invoice number and vendor name
func (s *PostgresStore) FindByKey(ctx context.Context, invoiceNumber, vendorName string) (*Invoice, error) {
	row := s.q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE invoice_number = $1 AND vendor_name = $2`, invoiceNumber, vendorName)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding invoice: %w", err)
	}
	if inv.LineItems, err = s.lineItems(ctx, inv.ID); err != nil {
		return nil, err
	}
	return inv, nil
}

// Insert stores a new invoice record
func (s *PostgresStore) Insert(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	_, err := s.q.Exec(ctx, `INSERT INTO invoices (
			id, customer_name, vendor_name, customer_address, vendor_address,
			invoice_number, invoice_date, due_date, amount, currency, language,
			contract_number, document_path, content_type, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8::date, $9::numeric, $10, $11, $12, $13, $14, $15, $16)`,
		inv.ID, inv.CustomerName, inv.VendorName, inv.CustomerAddress, inv.VendorAddress,
		inv.InvoiceNumber, inv.InvoiceDate, nullableDate(inv.DueDate), inv.Amount.String(), inv.Currency, inv.Language,
		inv.ContractNumber, inv.DocumentPath, inv.ContentType, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("inserting invoice: %w", err))
	}
	return nil
}

// Update replaces the scalar fields of an invoice
func (s *PostgresStore) Update(ctx context.Context, inv *Invoice) error {
	tag, err := s.q.Exec(ctx, `UPDATE invoices SET
			customer_name = $2, vendor_name = $3, customer_address = $4, vendor_address = $5,
			invoice_number = $6, invoice_date = $7::date, due_date = $8::date, amount = $9::numeric,
			currency = $10, language = $11, contract_number = $12, document_path = $13,
			content_type = $14, updated_at = $15
		WHERE id = $1`,
		inv.ID, inv.CustomerName, inv.VendorName, inv.CustomerAddress, inv.VendorAddress,
		inv.InvoiceNumber, inv.InvoiceDate, nullableDate(inv.DueDate), inv.Amount.String(),
		inv.Currency, inv.Language, inv.ContractNumber, inv.DocumentPath,
		inv.ContentType, inv.UpdatedAt,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("updating invoice: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, inv.ID)
	}
	return nil
}

// ReplaceLineItems swaps out all line items of an invoice
func (s *PostgresStore) ReplaceLineItems(ctx context.Context, invoiceID string, items []LineItem) error {
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, invoiceID).Scan(&exists); err != nil {
		return fmt.Errorf("checking invoice: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, invoiceID)
	}

	if _, err := s.q.Exec(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, invoiceID); err != nil {
		return fmt.Errorf("deleting line items: %w", err)
	}

	for i := range items {
		items[i].Position = i + 1
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		var start, end any
		if p := items[i].ServicePeriod; p != nil {
			start, end = nullableDate(p.Start), nullableDate(p.End)
		}
		_, err := s.q.Exec(ctx, `INSERT INTO invoice_line_items (
				id, invoice_id, position, description, quantity, unit_price, total,
				service_id, service_period_start, service_period_end
			) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9::date, $10::date)`,
			items[i].ID, invoiceID, items[i].Position, items[i].Description,
			items[i].Quantity.String(), items[i].UnitPrice.String(), items[i].Total.String(),
			items[i].ServiceID, start, end,
		)
		if err != nil {
			return fmt.Errorf("inserting line item %d: %w", items[i].Position, err)
		}
	}
	return nil
}

func (s *PostgresStore) lineItems(ctx context.Context, invoiceID string) ([]LineItem, error) {
	rows, err := s.q.Query(ctx, `SELECT id, position, description, quantity::text, unit_price::text, total::text,
			service_id, COALESCE(to_char(service_period_start, 'YYYY-MM-DD'), ''),
			COALESCE(to_char(service_period_end, 'YYYY-MM-DD'), '')
		FROM invoice_line_items WHERE invoice_id = $1 ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("querying line items: %w", err)
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var item LineItem
		var quantity, unitPrice, total, start, end string
		if err := rows.Scan(&item.ID, &item.Position, &item.Description, &quantity, &unitPrice, &total,
			&item.ServiceID, &start, &end); err != nil {
			return nil, fmt.Errorf("scanning line item: %w", err)
		}
		if item.Quantity, err = decimal.NewFromString(quantity); err != nil {
			return nil, fmt.Errorf("parsing quantity: %w", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, fmt.Errorf("parsing unit price: %w", err)
		}
		if item.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parsing total: %w", err)
		}
		if start != "" {
			item.ServicePeriod = &ServicePeriod{Start: start, End: end}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get retrieves an invoice by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := s.q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	if inv.LineItems, err = s.lineItems(ctx, id); err != nil {
		return nil, err
	}
	return inv, nil
}

// List returns all invoices, oldest first
func (s *PostgresStore) List(ctx context.Context) ([]*Invoice, error) {
	rows, err := s.q.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	invoices := make([]*Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}

	for _, inv := range invoices {
		if inv.LineItems, err = s.lineItems(ctx, inv.ID); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

// Delete removes an invoice and its line items
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, id); err != nil {
		return fmt.Errorf("deleting line items: %w", err)
	}
	tag, err := s.q.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the connection pool. Stores bound to a transaction leave the
// pool open.
func (s *PostgresStore) Close() error {
	if _, inTx := s.q.(pgx.Tx); inTx {
		return nil
	}
	s.pool.Close()
	return nil
}
