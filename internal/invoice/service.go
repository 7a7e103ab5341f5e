package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-intake/internal/scanning"
)

// IDGenerator generates unique IDs for uploaded documents
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Stage names a checkpoint reported to a ProgressFunc
type Stage string

const (
	StageStored     Stage = "stored"
	StageExtracted  Stage = "extracted"
	StageNormalized Stage = "normalized"
	StageValidated  Stage = "validated"
	StagePersisted  Stage = "persisted"
)

// ProgressFunc receives processing checkpoints
type ProgressFunc func(stage Stage, message string)

// ProcessOptions controls a single processing call
type ProcessOptions struct {
	// UpdateIfExists overwrites an invoice with the same number and vendor
	// instead of rejecting the new one as a duplicate
	UpdateIfExists bool
	// Progress is optional
	Progress ProgressFunc
}

func (o ProcessOptions) report(stage Stage, message string) {
	if o.Progress != nil {
		o.Progress(stage, message)
	}
}

// Upload is a document submitted for processing
type Upload struct {
	Filename    string
	Data        []byte
	ContentType string
}

// Service handles invoice operations
type Service struct {
	store       Store
	extractor   scanning.Extractor
	storage     Storage
	normalizer  *Normalizer
	validator   *Validator
	reconciler  *Reconciler
	idGenerator IDGenerator
	timeSource  TimeSource
	metrics     *Metrics
	logger      *slog.Logger
}

// NewService creates a new Service with default ID generator and time source
func NewService(store Store, extractor scanning.Extractor, storage Storage, config NormalizerConfig) *Service {
	return NewServiceWithDeps(store, extractor, storage, config, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store Store, extractor scanning.Extractor, storage Storage, config NormalizerConfig, idGen IDGenerator, timeSrc TimeSource) *Service {
	validator := MustNewValidator()
	return &Service{
		store:       store,
		extractor:   extractor,
		storage:     storage,
		normalizer:  NewNormalizerWithTime(config, timeSrc),
		validator:   validator,
		reconciler:  NewReconciler(store, validator, timeSrc),
		idGenerator: idGen,
		timeSource:  timeSrc,
		logger:      slog.Default(),
	}
}

// UseMetrics records processing outcomes on m
func (s *Service) UseMetrics(m *Metrics) {
	s.metrics = m
}

// UseLogger replaces the default logger
func (s *Service) UseLogger(l *slog.Logger) {
	s.logger = l
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	filenameSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips special characters and truncates long names
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = filenameSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}

	ext = strings.ToLower(unsafeFilenameChars.ReplaceAllString(strings.TrimPrefix(ext, "."), ""))
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// ProcessDocument stores an uploaded document, extracts the invoice from it
// and reconciles the result with the store.
//
// The stored document is kept when a later stage fails.
func (s *Service) ProcessDocument(ctx context.Context, upload Upload, opts ProcessOptions) *Result {
	id := s.idGenerator.Generate()
	name := fmt.Sprintf("%s_%s", id, sanitizeFilename(upload.Filename))
	if filepath.Ext(name) == "" {
		name += extensionFor(upload.ContentType)
	}

	path, err := s.storage.Save(ctx, name, upload.Data, upload.ContentType)
	if err != nil {
		s.logger.Error("Failed to store document", "filename", upload.Filename, "error", err)
		return s.fail(&StorageError{Err: err})
	}
	opts.report(StageStored, path)

	start := time.Now()
	raw, err := s.extractor.Extract(ctx, upload.Data, upload.ContentType)
	s.metrics.observeExtraction(time.Since(start), err)
	if err != nil {
		s.logger.Error("Failed to extract invoice",
			"filename", upload.Filename,
			"content_type", upload.ContentType,
			"file_size", len(upload.Data),
			"error", err,
		)
		s.logOrphan(path)
		return s.fail(fmt.Errorf("extracting invoice: %w", err))
	}
	opts.report(StageExtracted, "")

	res := s.reconcile(ctx, raw, path, upload.ContentType, opts)
	if !res.Success {
		s.logOrphan(path)
	}
	return res
}

// SubmitExtraction reconciles an already extracted invoice, skipping document
// storage and the model call
func (s *Service) SubmitExtraction(ctx context.Context, raw *scanning.RawExtraction, opts ProcessOptions) *Result {
	if raw != nil && raw.IsInvoice != nil && !*raw.IsInvoice {
		return s.fail(&scanning.NotInvoiceError{Reason: raw.Reason.String()})
	}
	return s.reconcile(ctx, raw, "", "", opts)
}

func (s *Service) reconcile(ctx context.Context, raw *scanning.RawExtraction, path, contentType string, opts ProcessOptions) *Result {
	candidate := s.normalizer.Normalize(raw)
	candidate.DocumentPath = path
	candidate.ContentType = contentType
	opts.report(StageNormalized, "")

	if err := s.validator.Validate(candidate); err != nil {
		s.logger.Warn("Invoice failed validation", "invoice_number", candidate.InvoiceNumber, "error", err)
		return s.fail(err)
	}
	opts.report(StageValidated, "")

	rec, err := s.reconciler.Reconcile(ctx, candidate, opts.UpdateIfExists)
	if err != nil {
		if rec.Outcome == RejectedDuplicate {
			s.logger.Info("Rejected duplicate invoice",
				"invoice_number", candidate.InvoiceNumber,
				"vendor", candidate.VendorName,
				"existing_id", rec.Existing.ID,
			)
		} else {
			s.logger.Error("Failed to persist invoice", "invoice_number", candidate.InvoiceNumber, "error", err)
		}
		return s.fail(err)
	}
	opts.report(StagePersisted, rec.Invoice.ID)

	s.logger.Info("Invoice reconciled",
		"id", rec.Invoice.ID,
		"outcome", rec.Outcome,
		"invoice_number", rec.Invoice.InvoiceNumber,
		"vendor", rec.Invoice.VendorName,
		"line_items", len(rec.Invoice.LineItems),
	)
	res := successResult(rec)
	s.metrics.observeResult(res)
	return res
}

func (s *Service) fail(err error) *Result {
	res := failureResult(err)
	s.metrics.observeResult(res)
	return res
}

func (s *Service) logOrphan(path string) {
	s.logger.Warn("Stored document has no invoice record", "path", path)
}

// GetInvoice retrieves an invoice by ID
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns all invoices
func (s *Service) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	invoices, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return invoices, nil
}

// Edit is a manual change to a stored invoice
type Edit struct {
	Invoice *Invoice
	// RecomputeAmount sets the invoice amount to the sum of its line items
	RecomputeAmount bool
}

// UpdateInvoice applies a manual edit to a stored invoice. The edited fields
// are normalized and validated like extracted ones.
func (s *Service) UpdateInvoice(ctx context.Context, id string, edit Edit) *Result {
	if edit.Invoice == nil {
		return s.fail(&ValidationError{Fields: []FieldError{{Field: "", Message: "invoice is missing"}}})
	}

	changed := s.normalizer.Normalize(ToRaw(edit.Invoice))
	if edit.RecomputeAmount {
		if total := changed.LineItemsTotal(); total.IsPositive() {
			changed.Amount = total
		}
	}
	if err := s.validator.Validate(changed); err != nil {
		return s.fail(err)
	}

	var updated *Invoice
	apply := func(st Store) error {
		existing, err := st.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return err
		} else if err != nil {
			return &PersistenceError{Op: "getting invoice", Err: err}
		}
		if other, err := st.FindByKey(ctx, changed.InvoiceNumber, changed.VendorName); err == nil && other.ID != id {
			return &DuplicateError{Existing: other}
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return &PersistenceError{Op: "finding invoice", Err: err}
		}

		inv := *existing
		inv.assignScalars(changed)
		inv.UpdatedAt = s.timeSource.Now()
		if err := st.Update(ctx, &inv); err != nil {
			return &PersistenceError{Op: "updating invoice", Err: err}
		}
		inv.LineItems = cloneLineItems(changed.LineItems)
		if err := st.ReplaceLineItems(ctx, id, inv.LineItems); err != nil {
			return &PersistenceError{Op: "replacing line items", Err: err}
		}
		updated = &inv
		return nil
	}

	var err error
	if txs, ok := s.store.(TxStore); ok {
		err = txs.WithinTx(ctx, apply)
	} else {
		err = apply(s.store)
	}
	if err != nil {
		return s.fail(err)
	}

	res := &Result{Success: true, Outcome: Updated, Invoice: updated}
	s.metrics.observeResult(res)
	return res
}

// DeleteInvoice removes an invoice, its line items and its document
func (s *Service) DeleteInvoice(ctx context.Context, id string) error {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("getting invoice for deletion: %w", err)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting invoice: %w", err)
	}

	if inv.DocumentPath != "" {
		if err := s.storage.Delete(ctx, inv.DocumentPath); err != nil {
			s.logger.Warn("Failed to delete file", "path", inv.DocumentPath, "error", err)
		}
	}
	return nil
}

// GetInvoiceFile retrieves the uploaded document of an invoice
func (s *Service) GetInvoiceFile(ctx context.Context, id string) ([]byte, string, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice: %w", err)
	}
	if inv.DocumentPath == "" {
		return nil, "", fmt.Errorf("%w: invoice %s has no document", ErrNotFound, id)
	}

	data, err := s.storage.Get(ctx, inv.DocumentPath)
	if err != nil {
		return nil, "", fmt.Errorf("getting invoice file: %w", err)
	}
	return data, inv.ContentType, nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
