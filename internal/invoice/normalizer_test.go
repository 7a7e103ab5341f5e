package invoice

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/scanning"
)

var _ = Describe("Normalizer", func() {
	var (
		config     NormalizerConfig
		timeSrc    *mockTimeSource
		normalizer *Normalizer
		raw        *scanning.RawExtraction
		inv        *Invoice
	)

	BeforeEach(func() {
		config = NormalizerConfig{}
		timeSrc = &mockTimeSource{now: time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)}
		raw = sampleExtraction()
	})

	JustBeforeEach(func() {
		normalizer = NewNormalizerWithTime(config, timeSrc)
		inv = normalizer.Normalize(raw)
	})

	Describe("amount", func() {
		DescribeTable("falls back to the sentinel",
			func(amount any) {
				n := NewNormalizerWithTime(NormalizerConfig{}, timeSrc)
				r := sampleExtraction()
				r.Amount = amount
				Expect(n.Normalize(r).Amount).To(equalDecimal("1"))
			},
			Entry("zero", json.Number("0")),
			Entry("null", nil),
			Entry("garbage", "n/a"),
			Entry("empty string", ""),
		)

		When("the amount is negative", func() {
			BeforeEach(func() {
				raw.Amount = "-50,00"
			})

			It("uses the absolute value", func() {
				Expect(inv.Amount).To(equalDecimal("50"))
			})
		})

		When("a sentinel is configured", func() {
			BeforeEach(func() {
				config.SentinelAmount = decimal.RequireFromString("0.01")
				raw.Amount = nil
			})

			It("uses it", func() {
				Expect(inv.Amount).To(equalDecimal("0.01"))
			})
		})
	})

	Describe("dates", func() {
		It("parses German month names", func() {
			Expect(inv.InvoiceDate).To(Equal("2014-05-07"))
		})

		When("the invoice date is missing", func() {
			BeforeEach(func() {
				raw.InvoiceDate = ""
			})

			It("uses today", func() {
				Expect(inv.InvoiceDate).To(Equal("2024-03-09"))
			})
		})

		When("the due date is present", func() {
			BeforeEach(func() {
				raw.DueDate = "21.05.14"
			})

			It("normalizes it", func() {
				Expect(inv.DueDate).To(Equal("2014-05-21"))
			})
		})

		When("the due date is missing", func() {
			It("stays empty", func() {
				Expect(inv.DueDate).To(BeEmpty())
			})

			When("due days are configured", func() {
				BeforeEach(func() {
					config.DueDays = 14
				})

				It("derives it from the invoice date", func() {
					Expect(inv.DueDate).To(Equal("2014-05-21"))
				})
			})
		})

		When("the due date is unreadable", func() {
			BeforeEach(func() {
				raw.DueDate = "bald"
			})

			It("uses today", func() {
				Expect(inv.DueDate).To(Equal("2024-03-09"))
			})
		})

		When("the due date is unreadable and due days are configured", func() {
			BeforeEach(func() {
				raw.DueDate = "sofort"
				config.DueDays = 30
			})

			It("derives it from the invoice date", func() {
				Expect(inv.DueDate).To(Equal("2014-06-06"))
			})
		})
	})

	Describe("identity", func() {
		When("identity fields are missing", func() {
			BeforeEach(func() {
				raw.CustomerName = ""
				raw.VendorName = "  "
				raw.InvoiceNumber = ""
			})

			It("fills in placeholders", func() {
				Expect(inv.CustomerName).To(Equal(UnknownCustomer))
				Expect(inv.VendorName).To(Equal(UnknownVendor))
				Expect(inv.InvoiceNumber).To(Equal("INV-1709985600000"))
			})

			When("strict identity is configured", func() {
				BeforeEach(func() {
					config.StrictIdentity = true
				})

				It("leaves them empty", func() {
					Expect(inv.CustomerName).To(BeEmpty())
					Expect(inv.VendorName).To(BeEmpty())
					Expect(inv.InvoiceNumber).To(BeEmpty())
				})
			})
		})
	})

	Describe("currency", func() {
		DescribeTable("maps values to ISO codes",
			func(in scanning.Text, want string) {
				r := sampleExtraction()
				r.Currency = in
				Expect(NewNormalizerWithTime(NormalizerConfig{}, timeSrc).Normalize(r).Currency).To(Equal(want))
			},
			Entry("euro sign", scanning.Text("€"), "EUR"),
			Entry("dollar sign", scanning.Text("$"), "USD"),
			Entry("lowercase code", scanning.Text(" chf "), "CHF"),
			Entry("missing", scanning.Text(""), "EUR"),
		)

		When("a default currency is configured", func() {
			BeforeEach(func() {
				config.DefaultCurrency = "USD"
				raw.Currency = ""
			})

			It("uses it", func() {
				Expect(inv.Currency).To(Equal("USD"))
			})
		})
	})

	Describe("line items", func() {
		It("refines descriptions into service id and period", func() {
			Expect(inv.LineItems[0].Description).To(Equal("Strom Service: S-1"))
			Expect(inv.LineItems[0].ServiceID).To(Equal("S-1"))
			Expect(inv.LineItems[0].ServicePeriod).To(Equal(&ServicePeriod{Start: "2014-05-01", End: "2014-05-15"}))
		})

		It("numbers positions from one", func() {
			Expect(inv.LineItems[0].Position).To(Equal(1))
			Expect(inv.LineItems[1].Position).To(Equal(2))
		})

		It("defaults quantity to one", func() {
			Expect(inv.LineItems[1].Quantity).To(equalDecimal("1"))
		})

		When("there are no line items", func() {
			BeforeEach(func() {
				raw.LineItems = nil
			})

			It("synthesizes one item for the whole amount", func() {
				Expect(inv.LineItems).To(HaveLen(1))
				item := inv.LineItems[0]
				Expect(item.Description).To(Equal(DefaultItemText))
				Expect(item.Quantity).To(equalDecimal("1"))
				Expect(item.UnitPrice).To(equalDecimal("1234.56"))
				Expect(item.Total).To(equalDecimal("1234.56"))
			})
		})

		When("the total is missing", func() {
			BeforeEach(func() {
				raw.LineItems = []scanning.RawLineItem{{Description: "Hours", Quantity: "3", UnitPrice: "80"}}
			})

			It("multiplies quantity and unit price", func() {
				Expect(inv.LineItems[0].Total).To(equalDecimal("240"))
			})
		})

		When("an item is empty", func() {
			BeforeEach(func() {
				raw.LineItems = append(raw.LineItems, scanning.RawLineItem{Description: "  "})
			})

			It("is dropped", func() {
				Expect(inv.LineItems).To(HaveLen(2))
			})
		})

		When("the model already split out the service fields", func() {
			BeforeEach(func() {
				raw.LineItems = []scanning.RawLineItem{{
					Description:   "Wasser Dienst: W-9 01.01.14-31.01.14",
					Total:         "12,50",
					ServiceID:     "W-10",
					ServicePeriod: &scanning.RawPeriod{Start: "2014-02-01", End: "2014-02-28"},
				}}
			})

			It("prefers the model's values", func() {
				Expect(inv.LineItems[0].ServiceID).To(Equal("W-10"))
				Expect(inv.LineItems[0].ServicePeriod).To(Equal(&ServicePeriod{Start: "2014-02-01", End: "2014-02-28"}))
			})

			It("still cleans the description", func() {
				Expect(inv.LineItems[0].Description).To(Equal("Wasser Dienst: W-9"))
			})
		})
	})

	Describe("idempotency", func() {
		It("leaves a normalized invoice unchanged", func() {
			again := normalizer.Normalize(ToRaw(inv))
			Expect(again.InvoiceDate).To(Equal(inv.InvoiceDate))
			Expect(again.DueDate).To(Equal(inv.DueDate))
			Expect(again.Amount).To(equalDecimal(inv.Amount.String()))
			Expect(again.Currency).To(Equal(inv.Currency))
			Expect(again.CustomerName).To(Equal(inv.CustomerName))
			Expect(again.InvoiceNumber).To(Equal(inv.InvoiceNumber))
			Expect(again.LineItems).To(HaveLen(len(inv.LineItems)))
			for i := range inv.LineItems {
				Expect(again.LineItems[i].Description).To(Equal(inv.LineItems[i].Description))
				Expect(again.LineItems[i].ServiceID).To(Equal(inv.LineItems[i].ServiceID))
				Expect(again.LineItems[i].ServicePeriod).To(Equal(inv.LineItems[i].ServicePeriod))
				Expect(again.LineItems[i].Total).To(equalDecimal(inv.LineItems[i].Total.String()))
			}
		})
	})

	It("never returns nil for a nil extraction", func() {
		n := NewNormalizerWithTime(NormalizerConfig{}, timeSrc)
		got := n.Normalize(nil)
		Expect(got).NotTo(BeNil())
		Expect(got.LineItems).To(HaveLen(1))
		Expect(got.Amount).To(equalDecimal("1"))
	})
})
