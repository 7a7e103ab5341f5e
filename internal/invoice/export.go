package invoice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	invoicesSheet  = "Invoices"
	lineItemsSheet = "Line Items"
)

var (
	invoiceHeaders = []string{
		"ID", "Invoice Number", "Vendor", "Customer", "Invoice Date", "Due Date",
		"Amount", "Currency", "Contract Number", "Language", "Vendor Address", "Customer Address",
	}
	lineItemHeaders = []string{
		"Invoice ID", "Invoice Number", "Position", "Description", "Quantity",
		"Unit Price", "Total", "Service ID", "Service Start", "Service End",
	}
)

// Exporter writes stored invoices to an XLSX workbook
type Exporter struct {
	store  Store
	logger *slog.Logger
}

// NewExporter creates an Exporter. A nil logger means slog.Default().
func NewExporter(store Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, logger: logger}
}

// WriteXLSX writes a workbook with one sheet of invoices and one of line items
func (e *Exporter) WriteXLSX(ctx context.Context, w io.Writer) error {
	start := time.Now()

	invoices, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing invoices: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", invoicesSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if _, err := f.NewSheet(lineItemsSheet); err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}

	if err := writeRow(f, invoicesSheet, 1, stringsToAny(invoiceHeaders)); err != nil {
		return err
	}
	if err := writeRow(f, lineItemsSheet, 1, stringsToAny(lineItemHeaders)); err != nil {
		return err
	}

	itemRow := 2
	for i, inv := range invoices {
		if err := writeRow(f, invoicesSheet, i+2, []any{
			inv.ID, inv.InvoiceNumber, inv.VendorName, inv.CustomerName, inv.InvoiceDate, inv.DueDate,
			inv.Amount.InexactFloat64(), inv.Currency, inv.ContractNumber, inv.Language,
			inv.VendorAddress, inv.CustomerAddress,
		}); err != nil {
			return fmt.Errorf("exporting invoice %s: %w", inv.ID, err)
		}

		for _, item := range inv.LineItems {
			var periodStart, periodEnd string
			if item.ServicePeriod != nil {
				periodStart, periodEnd = item.ServicePeriod.Start, item.ServicePeriod.End
			}
			if err := writeRow(f, lineItemsSheet, itemRow, []any{
				inv.ID, inv.InvoiceNumber, item.Position, item.Description,
				item.Quantity.InexactFloat64(), item.UnitPrice.InexactFloat64(), item.Total.InexactFloat64(),
				item.ServiceID, periodStart, periodEnd,
			}); err != nil {
				return fmt.Errorf("exporting line items of invoice %s: %w", inv.ID, err)
			}
			itemRow++
		}
	}

	for _, w := range []struct {
		sheet, from, to string
		width           float64
	}{
		{invoicesSheet, "A", "A", 38},
		{invoicesSheet, "B", "D", 24},
		{invoicesSheet, "E", "F", 12},
		{invoicesSheet, "K", "L", 40},
		{lineItemsSheet, "A", "A", 38},
		{lineItemsSheet, "D", "D", 48},
	} {
		if err := f.SetColWidth(w.sheet, w.from, w.to, w.width); err != nil {
			return fmt.Errorf("sizing columns: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}

	e.logger.Info("Exported invoices",
		"invoices", len(invoices),
		"line_items", itemRow-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return fmt.Errorf("locating cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("writing cell %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func stringsToAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
