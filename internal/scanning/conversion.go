package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// maxPages bounds how many PDF pages are rendered and sent to a model
const maxPages = 3

// invoiceExtractionPrompt is the shared prompt used by all model providers
const invoiceExtractionPrompt = `You are analyzing a business document. First decide whether it is an invoice.

If it is NOT an invoice, return exactly:
{"isInvoice": false, "reason": "<short reason>"}

If it is an invoice, extract the following and return it as JSON:
{
  "isInvoice": true,
  "customerName": "name of the billed party",
  "customerAddress": "full postal address of the billed party",
  "vendorName": "name of the issuing company",
  "vendorAddress": "full postal address of the issuing company",
  "invoiceNumber": "invoice number exactly as printed",
  "invoiceDate": "invoice date exactly as printed",
  "dueDate": "due date exactly as printed, or null",
  "amount": "grand total including tax, exactly as printed",
  "currency": "ISO 4217 code such as EUR or USD",
  "contractNumber": "contract or customer reference number, or null",
  "language": "ISO 639-1 code of the document language",
  "lineItems": [
    {
      "description": "line item text exactly as printed, including any service period or service id",
      "quantity": "quantity as printed",
      "unitPrice": "unit price as printed",
      "total": "line total as printed"
    }
  ]
}

Important:
- Copy dates and amounts exactly as printed; do not reformat them
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON`

// renderPDF renders the first pages of a PDF as PNG images
func renderPDF(pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if n > maxPages {
		n = maxPages
	}

	pages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i+1, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding PNG: %w", err)
		}
		pages = append(pages, buf.Bytes())
	}

	return pages, nil
}

// imageToPNG converts any supported image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if errors.Is(err, image.ErrFormat) {
				return nil, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC/HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// preparePages normalizes a document into one or more PNG page images
func preparePages(data []byte, contentType string) ([][]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch {
	case mimeType == "application/pdf":
		pages, err := renderPDF(data)
		if err != nil {
			return nil, fmt.Errorf("%w: converting PDF to images: %w", ErrUnreadableDocument, err)
		}
		return pages, nil
	case mimeType == "image/png" && !isHEICFormat(data):
		return [][]byte{data}, nil
	default:
		page, err := imageToPNG(data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("%w: converting image to PNG: %w", ErrUnreadableDocument, err)
		}
		return [][]byte{page}, nil
	}
}
