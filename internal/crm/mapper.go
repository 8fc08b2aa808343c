package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"facturx-relay/internal/canonical"
)

const (
	fallbackCountry  = "FR"
	fallbackCurrency = "EUR"
)

var (
	countryCode  = regexp.MustCompile(`^[A-Z]{2}$`)
	currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)
	one          = decimal.NewFromInt(1)
)

// MapToCanonical turns a raw GHL invoice into a validated canonical invoice.
func MapToCanonical(tenantID string, raw json.RawMessage) (canonical.Invoice, error) {
	return mapAt(tenantID, raw, time.Now().UTC())
}

func mapAt(tenantID string, raw json.RawMessage, now time.Time) (canonical.Invoice, error) {
	record, err := decodeObject(raw)
	if err != nil {
		return canonical.Invoice{}, fmt.Errorf("decode crm invoice: %w", err)
	}

	reported, hasReported := asDecimal(pick(record, "totalAmount", "amount", "total"))
	lines := extractLines(record, reported)

	inv := canonical.Invoice{
		TenantID:      tenantID,
		InvoiceNumber: asString(pick(record, "invoiceNumber", "number", "invoice_id", "id"), "INV-UNKNOWN"),
		IssueDate:     asDate(pick(record, "issueDate", "date", "updatedAt"), now),
		DueDate:       asOptionalDate(pick(record, "dueDate", "due_date")),
		Currency:      normalizeCode(asString(pick(record, "currency", "currencyCode"), ""), currencyCode, fallbackCurrency),
		PaymentTerms:  asString(pick(record, "paymentTerms", "terms"), ""),
		Notes:         asString(pick(record, "notes", "memo"), ""),
		Buyer:         mapParty(asObject(pick(record, "customer", "buyer", "contactDetails")), nil, "Buyer"),
		Seller:        mapParty(asObject(pick(record, "seller", "business")), record, "Seller"),
		Lines:         lines,
	}
	if discount, ok := asDecimal(pick(record, "discountTotal", "discount")); ok && discount.IsPositive() {
		inv.DiscountTotal = &discount
	}

	computed := inv.ExpectedTotal()
	if hasReported && canonical.WithinTolerance(reported, computed) {
		inv.TotalAmount = reported
	} else {
		inv.TotalAmount = computed.Round(2)
	}

	if err := inv.Validate(); err != nil {
		return canonical.Invoice{}, err
	}
	return inv, nil
}

func extractLines(record map[string]any, reported decimal.Decimal) []canonical.Line {
	var rows []any
	for _, key := range []string{"lines", "items", "products"} {
		if list, ok := record[key].([]any); ok && len(list) > 0 {
			rows = list
			break
		}
	}

	lines := make([]canonical.Line, 0, len(rows))
	for _, r := range rows {
		row := asObject(r)
		if row == nil {
			continue
		}
		qty, ok := asDecimal(pick(row, "quantity", "qty"))
		if !ok || !qty.IsPositive() {
			qty = one
		}
		price, _ := asDecimal(pick(row, "unitPrice", "price", "amount"))
		if price.IsNegative() {
			price = decimal.Zero
		}
		tax, _ := asDecimal(pick(row, "taxRate", "vatRate", "tax"))
		lines = append(lines, canonical.Line{
			Description: asString(pick(row, "description", "name", "title", "label"), "Item"),
			Quantity:    qty,
			UnitPrice:   price,
			TaxRate:     normalizeRate(tax),
		})
	}

	if len(lines) == 0 {
		price := reported
		if price.IsNegative() {
			price = decimal.Zero
		}
		lines = append(lines, canonical.Line{
			Description: "Item",
			Quantity:    one,
			UnitPrice:   price,
			TaxRate:     decimal.Zero,
		})
	}
	return lines
}

// normalizeRate zeroes rates outside [0, 1]. GHL sends fractions, so a
// value like 20 is out of range, not a percentage.
func normalizeRate(rate decimal.Decimal) decimal.Decimal {
	if rate.IsNegative() || rate.GreaterThan(one) {
		return decimal.Zero
	}
	return rate
}

func mapParty(party, parent map[string]any, fallbackName string) canonical.Party {
	name := asString(pick(party, "name", "fullName", "company", "companyName"), "")
	if name == "" && parent != nil {
		name = asString(pick(parent, "company"), "")
	}
	if name == "" {
		name = fallbackName
	}
	p := canonical.Party{
		Name:    name,
		Country: normalizeCode(asString(pick(party, "country", "countryCode"), ""), countryCode, fallbackCountry),
	}
	address := asObject(pick(party, "address"))
	if address == nil {
		address = party
	}
	p.AddressLine1 = asString(pick(address, "addressLine1", "address1", "line1", "street"), "")
	p.AddressLine2 = asString(pick(address, "addressLine2", "address2", "line2"), "")
	p.PostalCode = asString(pick(address, "postalCode", "postal_code", "zip"), "")
	p.City = asString(pick(address, "city"), "")
	p.VATID = asString(pick(party, "vatId", "vatNumber", "taxId"), "")
	p.Email = asString(pick(party, "email"), "")
	if p.Country == fallbackCountry && address != nil {
		if c := asString(pick(address, "country", "countryCode"), ""); c != "" {
			p.Country = normalizeCode(c, countryCode, fallbackCountry)
		}
	}
	return p
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("payload is not a json object")
	}
	return record, nil
}

// pick returns the first present, non-null value among keys.
func pick(record map[string]any, keys ...string) any {
	if record == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := record[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asString(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	case json.Number:
		return t.String()
	}
	return fallback
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	}
	return decimal.Zero, false
}

func asDate(v any, now time.Time) string {
	if s := asOptionalDate(v); s != "" {
		return s
	}
	return now.Format("2006-01-02")
}

func asOptionalDate(v any) string {
	s := asString(v, "")
	if len(s) >= 10 {
		s = s[:10]
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return ""
	}
	return s
}

func normalizeCode(value string, pattern *regexp.Regexp, fallback string) string {
	upper := strings.ToUpper(strings.TrimSpace(value))
	if pattern.MatchString(upper) {
		return upper
	}
	return fallback
}
