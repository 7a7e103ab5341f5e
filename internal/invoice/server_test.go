package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		store       *mockStore
		storage     *mockStorage
		extractor   *mockExtractor
		auth        BasicAuth
		registry    *prometheus.Registry
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		store = newMockStore()
		storage = newMockStorage()
		extractor = newMockExtractor()
		auth = BasicAuth{}
		registry = prometheus.NewRegistry()
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(store, extractor, storage, NormalizerConfig{},
			&mockIDGenerator{id: "test-id-123"},
			&mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		service.UseMetrics(NewMetrics(registry))
		server = NewServerWithMux(service, NewExporter(store, nil), auth, registry, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	postFile := func(path, filename string, fields map[string]string) *http.Response {
		var b bytes.Buffer
		writer := multipart.NewWriter(&b)
		for k, v := range fields {
			Expect(writer.WriteField(k, v)).To(Succeed())
		}
		if filename != "" {
			part, err := writer.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			part.Write([]byte("fake document data"))
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+path, writer.FormDataContentType(), &b)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decodeResult := func(resp *http.Response) *Result {
		defer resp.Body.Close()
		var res Result
		Expect(json.NewDecoder(resp.Body).Decode(&res)).To(Succeed())
		return &res
	}

	Describe("POST /api/invoices", func() {
		When("upload succeeds", func() {
			It("returns Created with the invoice", func() {
				resp := postFile("/api/invoices", "invoice.pdf", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				res := decodeResult(resp)
				Expect(res.Success).To(BeTrue())
				Expect(res.Outcome).To(Equal(Created))
				Expect(res.Invoice.InvoiceNumber).To(Equal("RE-2014-001"))
			})

			It("detects the content type from the extension", func() {
				resp := postFile("/api/invoices", "scan.png", nil)
				resp.Body.Close()
				Expect(store.invoices["inv-1"].ContentType).To(Equal("image/png"))
			})
		})

		When("the invoice already exists", func() {
			BeforeEach(func() {
				store.invoices["inv-1"] = &Invoice{ID: "inv-1", InvoiceNumber: "RE-2014-001", VendorName: "Stadtwerke Musterstadt"}
				store.nextID = 1
			})

			It("returns Conflict with the existing invoice", func() {
				resp := postFile("/api/invoices", "invoice.pdf", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				res := decodeResult(resp)
				Expect(res.Error).To(Equal("Duplicate invoice"))
				Expect(res.ExistingInvoice.ID).To(Equal("inv-1"))
			})

			It("returns OK when updateIfExists is set", func() {
				resp := postFile("/api/invoices", "invoice.pdf", map[string]string{"updateIfExists": "true"})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decodeResult(resp).Outcome).To(Equal(Updated))
			})
		})

		When("the document is not an invoice", func() {
			BeforeEach(func() {
				extractor.err = &scanning.NotInvoiceError{Reason: "a photo of a cat"}
			})

			It("returns Unprocessable Entity", func() {
				resp := postFile("/api/invoices", "cat.jpg", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				Expect(decodeResult(resp).Code).To(Equal(CodeNotAnInvoice))
			})
		})

		When("the model is unavailable", func() {
			BeforeEach(func() {
				extractor.err = &scanning.StatusError{Provider: "gemini", StatusCode: http.StatusServiceUnavailable}
			})

			It("returns Bad Gateway", func() {
				resp := postFile("/api/invoices", "invoice.pdf", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				store.insertErr = errors.New("database is locked")
			})

			It("returns Internal Server Error", func() {
				resp := postFile("/api/invoices", "invoice.pdf", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decodeResult(resp).Code).To(Equal(CodePersistence))
			})
		})

		When("no file is provided", func() {
			It("returns Bad Request", func() {
				resp := postFile("/api/invoices", "", nil)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("No file was selected"))
			})
		})
	})

	Describe("POST /api/extractions", func() {
		post := func(body, query string) *http.Response {
			resp, err := http.Post(ghttpServer.URL()+"/api/extractions"+query, "application/json", strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("reconciles a submitted extraction", func() {
			resp := post(`{"customerName":"Max","vendorName":"ACME","invoiceNumber":4711,"invoiceDate":"01.02.2024","amount":"19,99","lineItems":[]}`, "")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			res := decodeResult(resp)
			Expect(res.Invoice.InvoiceNumber).To(Equal("4711"))
			Expect(res.Invoice.InvoiceDate).To(Equal("2024-02-01"))
			Expect(res.Invoice.Amount).To(equalDecimal("19.99"))
			Expect(res.Invoice.LineItems).To(HaveLen(1))
			Expect(extractor.calls).To(BeZero())
		})

		It("honours updateIfExists in the query", func() {
			body := `{"customerName":"Max","vendorName":"ACME","invoiceNumber":"A-1","invoiceDate":"2024-02-01","amount":10}`
			post(body, "").Body.Close()
			resp := post(body, "?updateIfExists=true")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeResult(resp).Outcome).To(Equal(Updated))
		})

		It("rejects a malformed body", func() {
			resp := post(`{not json`, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns Unprocessable Entity for a non-invoice", func() {
			resp := post(`{"isInvoice":false,"reason":"blank page"}`, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(decodeResult(resp).Code).To(Equal(CodeNotAnInvoice))
		})
	})

	Describe("GET /api/invoices", func() {
		When("invoices exist", func() {
			BeforeEach(func() {
				store.invoices["inv-1"] = &Invoice{ID: "inv-1", InvoiceNumber: "1"}
				store.invoices["inv-2"] = &Invoice{ID: "inv-2", InvoiceNumber: "2"}
			})

			It("returns all invoices", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var invoices []*Invoice
				Expect(json.NewDecoder(resp.Body).Decode(&invoices)).To(Succeed())
				Expect(invoices).To(HaveLen(2))
			})
		})

		When("no invoices exist", func() {
			It("returns an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				store.listErr = errors.New("service error")
			})

			It("returns Internal Server Error", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("GET /api/invoices/{id}", func() {
		It("returns the invoice", func() {
			store.invoices["inv-1"] = &Invoice{ID: "inv-1", InvoiceNumber: "1"}
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices/inv-1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var inv Invoice
			Expect(json.NewDecoder(resp.Body).Decode(&inv)).To(Succeed())
			Expect(inv.ID).To(Equal("inv-1"))
		})

		It("returns Not Found for unknown invoices", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices/missing")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("PUT /api/invoices/{id}", func() {
		BeforeEach(func() {
			store.invoices["inv-1"] = &Invoice{
				ID: "inv-1", CustomerName: "Max", VendorName: "ACME", InvoiceNumber: "A-1",
				InvoiceDate: "2024-01-01", Amount: decimal.NewFromInt(10), Currency: "EUR",
			}
		})

		put := func(body string) *http.Response {
			req, err := http.NewRequest(http.MethodPut, ghttpServer.URL()+"/api/invoices/inv-1", strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("applies the edit and recomputes the amount", func() {
			resp := put(`{"customerName":"Max","vendorName":"ACME","invoiceNumber":"A-1","invoiceDate":"2024-01-01",
				"amount":"99","currency":"EUR","recomputeAmount":true,
				"lineItems":[{"description":"A","quantity":"1","unitPrice":"4","total":"4"},{"description":"B","quantity":"2","unitPrice":"3","total":"6"}]}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			res := decodeResult(resp)
			Expect(res.Invoice.Amount).To(equalDecimal("10"))
			Expect(store.invoices["inv-1"].LineItems).To(HaveLen(2))
		})

		It("rejects invalid edits", func() {
			resp := put(`{"customerName":"Max","vendorName":"ACME","invoiceNumber":"A-1","invoiceDate":"2024-01-01","amount":"10","currency":"euro"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(decodeResult(resp).Code).To(Equal(CodeValidation))
		})
	})

	Describe("DELETE /api/invoices/{id}", func() {
		del := func(id string) *http.Response {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/invoices/"+id, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			return resp
		}

		It("returns No Content", func() {
			store.invoices["inv-1"] = &Invoice{ID: "inv-1"}
			Expect(del("inv-1").StatusCode).To(Equal(http.StatusNoContent))
			Expect(store.invoices).To(BeEmpty())
		})

		It("returns Not Found for unknown invoices", func() {
			Expect(del("missing").StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/invoices/{id}/file", func() {
		It("returns the document with its content type", func() {
			store.invoices["inv-1"] = &Invoice{ID: "inv-1", DocumentPath: "doc.pdf", ContentType: "application/pdf"}
			storage.files["doc.pdf"] = []byte("%PDF-1.4")

			resp, err := http.Get(ghttpServer.URL() + "/api/invoices/inv-1/file")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("%PDF-1.4")))
		})
	})

	Describe("GET /api/invoices/export", func() {
		It("returns a workbook", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices/export")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("spreadsheetml"))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("invoices.xlsx"))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes the invoice metrics", func() {
			postFile("/api/invoices", "invoice.pdf", nil).Body.Close()

			resp, err := http.Get(ghttpServer.URL() + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`invoice_intake_reconcile_outcomes_total{outcome="created"} 1`))
		})
	})

	Describe("GET /health", func() {
		It("returns OK", func() {
			resp, err := http.Get(ghttpServer.URL() + "/health")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/invoices", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/invoices")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/invoices", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/invoices", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("leaves health checks open", func() {
			resp, err := http.Get(ghttpServer.URL() + "/health")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
