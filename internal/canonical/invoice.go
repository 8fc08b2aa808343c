// Package canonical holds the CRM-independent invoice model that every later
// pipeline stage consumes, together with its validation rules.
package canonical

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("canonical invoice validation failed")

// Tolerance is the accepted gap between the reported total and the line sum.
var Tolerance = decimal.RequireFromString("0.01")

var (
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	countryPattern  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Party is a buyer or seller.
type Party struct {
	Name         string `json:"name"`
	Country      string `json:"country"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	AddressLine2 string `json:"addressLine2,omitempty"`
	PostalCode   string `json:"postalCode,omitempty"`
	City         string `json:"city,omitempty"`
	VATID        string `json:"vatId,omitempty"`
	Email        string `json:"email,omitempty"`
}

// Line is one invoice line. TaxRate is a fraction, 0.2 meaning 20%.
type Line struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TaxRate     decimal.Decimal `json:"taxRate"`
}

// Net is quantity × unit price.
func (l Line) Net() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Tax is the tax amount of the line.
func (l Line) Tax() decimal.Decimal {
	return l.Net().Mul(l.TaxRate)
}

// Extension is quantity × unit price × (1 + tax rate).
func (l Line) Extension() decimal.Decimal {
	return l.Net().Add(l.Tax())
}

// Invoice is the validated cross-stage document.
type Invoice struct {
	TenantID      string           `json:"tenantId"`
	InvoiceNumber string           `json:"invoiceNumber"`
	IssueDate     string           `json:"issueDate"`
	DueDate       string           `json:"dueDate,omitempty"`
	Currency      string           `json:"currency"`
	TotalAmount   decimal.Decimal  `json:"totalAmount"`
	DiscountTotal *decimal.Decimal `json:"discountTotal,omitempty"`
	PaymentTerms  string           `json:"paymentTerms,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	Buyer         Party            `json:"buyer"`
	Seller        Party            `json:"seller"`
	Lines         []Line           `json:"lines"`
}

// Discount returns the discount or zero.
func (inv Invoice) Discount() decimal.Decimal {
	if inv.DiscountTotal == nil {
		return decimal.Zero
	}
	return *inv.DiscountTotal
}

// ExpectedTotal is the sum of line extensions minus the discount.
func (inv Invoice) ExpectedTotal() decimal.Decimal {
	return SumExtensions(inv.Lines).Sub(inv.Discount())
}

// SumExtensions adds up the extension of every line.
func SumExtensions(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Extension())
	}
	return sum
}

// WithinTolerance reports whether a and b differ by at most Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Validate checks structural rules and the total reconciliation invariant.
// All problems are reported together.
func (inv Invoice) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(inv.TenantID) == "" {
		add("tenantId is required")
	}
	if strings.TrimSpace(inv.InvoiceNumber) == "" {
		add("invoiceNumber is required")
	}
	if !datePattern.MatchString(inv.IssueDate) {
		add("issueDate %q must be YYYY-MM-DD", inv.IssueDate)
	}
	if inv.DueDate != "" && !datePattern.MatchString(inv.DueDate) {
		add("dueDate %q must be YYYY-MM-DD", inv.DueDate)
	}
	if !currencyPattern.MatchString(inv.Currency) {
		add("currency %q must be three uppercase letters", inv.Currency)
	}
	if inv.TotalAmount.IsNegative() {
		add("totalAmount must not be negative")
	}
	if inv.Discount().IsNegative() {
		add("discountTotal must not be negative")
	}
	validateParty("buyer", inv.Buyer, add)
	validateParty("seller", inv.Seller, add)

	if len(inv.Lines) == 0 {
		add("at least one line is required")
	}
	one := decimal.NewFromInt(1)
	for i, l := range inv.Lines {
		if strings.TrimSpace(l.Description) == "" {
			add("lines[%d].description is required", i)
		}
		if !l.Quantity.IsPositive() {
			add("lines[%d].quantity must be positive", i)
		}
		if l.UnitPrice.IsNegative() {
			add("lines[%d].unitPrice must not be negative", i)
		}
		if l.TaxRate.IsNegative() || l.TaxRate.GreaterThan(one) {
			add("lines[%d].taxRate must be within [0,1]", i)
		}
	}

	if len(inv.Lines) > 0 {
		expected := inv.ExpectedTotal()
		if !WithinTolerance(inv.TotalAmount, expected) {
			add("totalAmount %s does not match line total %s", inv.TotalAmount.StringFixed(2), expected.StringFixed(2))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validateParty(role string, p Party, add func(string, ...any)) {
	if strings.TrimSpace(p.Name) == "" {
		add("%s.name is required", role)
	}
	if !countryPattern.MatchString(p.Country) {
		add("%s.country %q must be two uppercase letters", role, p.Country)
	}
}
