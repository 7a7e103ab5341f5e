package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/invoice-intake/internal/scanning"
)

// maxUploadSize caps uploaded documents; phone photos of invoices can be large
const maxUploadSize = int64(50 << 20)

const tooLargeMessage = "File is too large. Maximum size is 50MB."

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// resultStatus maps a processing Result to an HTTP status
func resultStatus(res *Result) int {
	if res.Success {
		if res.Outcome == Created {
			return http.StatusCreated
		}
		return http.StatusOK
	}

	switch res.Code {
	case CodeDuplicate:
		return http.StatusConflict
	case CodeValidation, CodeNotAnInvoice, CodeExtractionParse:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExtractionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseFlag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// detectContentType prefers the declared part type and falls back to the file extension
func detectContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListInvoices returns all invoices
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := s.service.ListInvoices(r.Context())
	if err != nil {
		slog.Error("Error listing invoices", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if invoices == nil {
		invoices = []*Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

// handleUploadInvoice processes an uploaded invoice document
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			message = tooLargeMessage
		}
		writeError(w, http.StatusBadRequest, message)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		message := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			message = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, message)
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		writeError(w, http.StatusBadRequest, tooLargeMessage)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	upload := Upload{
		Filename:    header.Filename,
		Data:        data,
		ContentType: detectContentType(header.Header.Get("Content-Type"), header.Filename),
	}
	opts := ProcessOptions{UpdateIfExists: parseFlag(r.FormValue("updateIfExists"))}

	res := s.service.ProcessDocument(r.Context(), upload, opts)
	writeJSON(w, resultStatus(res), res)
}

// handleSubmitExtraction reconciles an invoice that was extracted elsewhere
func (s *Server) handleSubmitExtraction(w http.ResponseWriter, r *http.Request) {
	var raw scanning.RawExtraction
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	opts := ProcessOptions{UpdateIfExists: parseFlag(r.URL.Query().Get("updateIfExists"))}
	res := s.service.SubmitExtraction(r.Context(), &raw, opts)
	writeJSON(w, resultStatus(res), res)
}

// handleGetInvoice returns a single invoice
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("Error getting invoice", "id", r.PathValue("id"), "error", err)
		}
		writeError(w, http.StatusNotFound, "Invoice not found")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

type editRequest struct {
	Invoice
	RecomputeAmount bool `json:"recomputeAmount"`
}

// handleUpdateInvoice applies a manual edit to an invoice
func (s *Server) handleUpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res := s.service.UpdateInvoice(r.Context(), r.PathValue("id"), Edit{
		Invoice:         &req.Invoice,
		RecomputeAmount: req.RecomputeAmount,
	})
	writeJSON(w, resultStatus(res), res)
}

// handleDeleteInvoice deletes an invoice and its document
func (s *Server) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteInvoice(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "Invoice not found")
			return
		}
		slog.Error("Error deleting invoice", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "Error deleting invoice")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetInvoiceFile returns the uploaded document of an invoice
func (s *Server) handleGetInvoiceFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetInvoiceFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleExport returns all invoices as an XLSX workbook
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.exporter.WriteXLSX(r.Context(), &buf); err != nil {
		slog.Error("Error exporting invoices", "error", err)
		writeError(w, http.StatusInternalServerError, "Error exporting invoices")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="invoices.xlsx"`)
	w.Write(buf.Bytes())
}
