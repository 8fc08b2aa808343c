package canonical

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validInvoice() Invoice {
	return Invoice{
		TenantID:      "tenant-a",
		InvoiceNumber: "INV-1",
		IssueDate:     "2026-01-22",
		Currency:      "EUR",
		TotalAmount:   d("120.00"),
		Buyer:         Party{Name: "Acme", Country: "FR"},
		Seller:        Party{Name: "Relay SAS", Country: "FR"},
		Lines: []Line{
			{Description: "Consulting", Quantity: d("2"), UnitPrice: d("50"), TaxRate: d("0.2")},
		},
	}
}

func TestValidateAcceptsWithinTolerance(t *testing.T) {
	for _, total := range []string{"120.00", "120.01", "119.99"} {
		inv := validInvoice()
		inv.TotalAmount = d(total)
		if err := inv.Validate(); err != nil {
			t.Fatalf("total %s: unexpected error: %v", total, err)
		}
	}
}

func TestValidateRejectsTotalMismatch(t *testing.T) {
	inv := validInvoice()
	discount := d("10")
	inv.DiscountTotal = &discount
	// S - D + 5
	inv.TotalAmount = d("115")

	err := inv.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "does not match line total 110.00") {
		t.Fatalf("unexpected message: %v", err)
	}

	inv.TotalAmount = d("110")
	if err := inv.Validate(); err != nil {
		t.Fatalf("discounted total should validate: %v", err)
	}
}

func TestValidateStructuralRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Invoice)
		want   string
	}{
		{"no lines", func(i *Invoice) { i.Lines = nil }, "at least one line"},
		{"zero quantity", func(i *Invoice) { i.Lines[0].Quantity = decimal.Zero }, "quantity must be positive"},
		{"negative price", func(i *Invoice) { i.Lines[0].UnitPrice = d("-1") }, "unitPrice must not be negative"},
		{"tax above one", func(i *Invoice) { i.Lines[0].TaxRate = d("20") }, "taxRate must be within"},
		{"blank description", func(i *Invoice) { i.Lines[0].Description = " " }, "description is required"},
		{"lowercase country", func(i *Invoice) { i.Buyer.Country = "fr" }, "buyer.country"},
		{"long currency", func(i *Invoice) { i.Currency = "EURO" }, "currency"},
		{"bad date", func(i *Invoice) { i.IssueDate = "22/01/2026" }, "issueDate"},
		{"bad due date", func(i *Invoice) { i.DueDate = "soon" }, "dueDate"},
		{"missing seller", func(i *Invoice) { i.Seller.Name = "" }, "seller.name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := validInvoice()
			tc.mutate(&inv)
			err := inv.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestInvoiceJSONFieldNames(t *testing.T) {
	raw, err := json.Marshal(validInvoice())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"tenantId"`, `"invoiceNumber"`, `"issueDate"`, `"totalAmount"`, `"unitPrice"`, `"taxRate"`} {
		if !strings.Contains(string(raw), field) {
			t.Fatalf("missing %s in %s", field, raw)
		}
	}
	if strings.Contains(string(raw), "discountTotal") {
		t.Fatalf("nil discount should be omitted: %s", raw)
	}
}

func TestComputeTotals(t *testing.T) {
	inv := validInvoice()
	inv.Lines = append(inv.Lines, Line{Description: "Book", Quantity: d("1"), UnitPrice: d("10"), TaxRate: d("0.055")})
	discount := d("5")
	inv.DiscountTotal = &discount

	totals := ComputeTotals(inv)
	if !totals.Net.Equal(d("110")) {
		t.Fatalf("net: %s", totals.Net)
	}
	if !totals.Tax.Equal(d("20.55")) {
		t.Fatalf("tax: %s", totals.Tax)
	}
	if !totals.Grand.Equal(d("125.55")) {
		t.Fatalf("grand: %s", totals.Grand)
	}

	breakdown := BreakdownByRate(inv.Lines)
	if len(breakdown) != 2 || !breakdown[1].Tax.Equal(d("0.55")) {
		t.Fatalf("unexpected breakdown: %+v", breakdown)
	}
}
