// Package facturx renders a canonical invoice into a Factur-X pair: a CII XML
// document (EN 16931 profile) and a PDF that embeds it.
package facturx

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"facturx-relay/internal/canonical"
)

const (
	nsRSM = "urn:un:unece:uncefact:data:standard:CrossIndustryInvoice:100"
	nsRAM = "urn:un:unece:uncefact:data:standard:ReusableAggregateBusinessInformationEntity:100"
	nsQDT = "urn:un:unece:uncefact:data:standard:QualifiedDataType:100"
	nsUDT = "urn:un:unece:uncefact:data:standard:UnqualifiedDataType:100"

	// GuidelineEN16931 identifies the Factur-X EN 16931 (comfort) profile.
	GuidelineEN16931 = "urn:cen.eu:en16931:2017"

	typeCodeCommercialInvoice = "380"
	unitCodeOne               = "C62"
)

type ciiDocument struct {
	XMLName     xml.Name       `xml:"rsm:CrossIndustryInvoice"`
	XmlnsRSM    string         `xml:"xmlns:rsm,attr"`
	XmlnsQDT    string         `xml:"xmlns:qdt,attr"`
	XmlnsRAM    string         `xml:"xmlns:ram,attr"`
	XmlnsUDT    string         `xml:"xmlns:udt,attr"`
	Context     ciiContext     `xml:"rsm:ExchangedDocumentContext"`
	Document    ciiExchanged   `xml:"rsm:ExchangedDocument"`
	Transaction ciiTransaction `xml:"rsm:SupplyChainTradeTransaction"`
}

type ciiContext struct {
	GuidelineID string `xml:"ram:GuidelineSpecifiedDocumentContextParameter>ram:ID"`
}

type ciiExchanged struct {
	ID        string    `xml:"ram:ID"`
	TypeCode  string    `xml:"ram:TypeCode"`
	IssueDate ciiDate   `xml:"ram:IssueDateTime>udt:DateTimeString"`
	Notes     []ciiNote `xml:"ram:IncludedNote,omitempty"`
}

type ciiNote struct {
	Content string `xml:"ram:Content"`
}

type ciiDate struct {
	Format string `xml:"format,attr"`
	Value  string `xml:",chardata"`
}

type ciiTransaction struct {
	Lines      []ciiLine     `xml:"ram:IncludedSupplyChainTradeLineItem"`
	Agreement  ciiAgreement  `xml:"ram:ApplicableHeaderTradeAgreement"`
	Delivery   struct{}      `xml:"ram:ApplicableHeaderTradeDelivery"`
	Settlement ciiSettlement `xml:"ram:ApplicableHeaderTradeSettlement"`
}

type ciiLine struct {
	LineID     string            `xml:"ram:AssociatedDocumentLineDocument>ram:LineID"`
	Name       string            `xml:"ram:SpecifiedTradeProduct>ram:Name"`
	NetPrice   string            `xml:"ram:SpecifiedLineTradeAgreement>ram:NetPriceProductTradePrice>ram:ChargeAmount"`
	Quantity   ciiQuantity       `xml:"ram:SpecifiedLineTradeDelivery>ram:BilledQuantity"`
	Settlement ciiLineSettlement `xml:"ram:SpecifiedLineTradeSettlement"`
}

type ciiQuantity struct {
	UnitCode string `xml:"unitCode,attr"`
	Value    string `xml:",chardata"`
}

type ciiLineSettlement struct {
	Tax       ciiTax `xml:"ram:ApplicableTradeTax"`
	LineTotal string `xml:"ram:SpecifiedTradeSettlementLineMonetarySummation>ram:LineTotalAmount"`
}

type ciiTax struct {
	CalculatedAmount string `xml:"ram:CalculatedAmount,omitempty"`
	TypeCode         string `xml:"ram:TypeCode"`
	BasisAmount      string `xml:"ram:BasisAmount,omitempty"`
	CategoryCode     string `xml:"ram:CategoryCode"`
	RatePercent      string `xml:"ram:RateApplicablePercent"`
}

type ciiAgreement struct {
	Seller ciiParty `xml:"ram:SellerTradeParty"`
	Buyer  ciiParty `xml:"ram:BuyerTradeParty"`
}

type ciiParty struct {
	Name    string     `xml:"ram:Name"`
	Address ciiAddress `xml:"ram:PostalTradeAddress"`
	Email   *ciiURI    `xml:"ram:URIUniversalCommunication>ram:URIID,omitempty"`
	VAT     *ciiTaxReg `xml:"ram:SpecifiedTaxRegistration,omitempty"`
}

type ciiAddress struct {
	Postcode string `xml:"ram:PostcodeCode,omitempty"`
	LineOne  string `xml:"ram:LineOne,omitempty"`
	LineTwo  string `xml:"ram:LineTwo,omitempty"`
	City     string `xml:"ram:CityName,omitempty"`
	Country  string `xml:"ram:CountryID"`
}

type ciiURI struct {
	SchemeID string `xml:"schemeID,attr"`
	Value    string `xml:",chardata"`
}

type ciiTaxReg struct {
	ID ciiURI `xml:"ram:ID"`
}

type ciiSettlement struct {
	Currency     string           `xml:"ram:InvoiceCurrencyCode"`
	Taxes        []ciiTax         `xml:"ram:ApplicableTradeTax"`
	Allowance    *ciiAllowance    `xml:"ram:SpecifiedTradeAllowanceCharge,omitempty"`
	PaymentTerms *ciiPaymentTerms `xml:"ram:SpecifiedTradePaymentTerms,omitempty"`
	Summation    ciiSummation     `xml:"ram:SpecifiedTradeSettlementHeaderMonetarySummation"`
}

type ciiAllowance struct {
	ChargeIndicator bool   `xml:"ram:ChargeIndicator>udt:Indicator"`
	Amount          string `xml:"ram:ActualAmount"`
	Reason          string `xml:"ram:Reason"`
}

type ciiPaymentTerms struct {
	Description string   `xml:"ram:Description,omitempty"`
	DueDate     *ciiDate `xml:"ram:DueDateDateTime>udt:DateTimeString,omitempty"`
}

type ciiSummation struct {
	LineTotal      string       `xml:"ram:LineTotalAmount"`
	AllowanceTotal string       `xml:"ram:AllowanceTotalAmount,omitempty"`
	TaxBasisTotal  string       `xml:"ram:TaxBasisTotalAmount"`
	TaxTotal       ciiAmountCur `xml:"ram:TaxTotalAmount"`
	GrandTotal     string       `xml:"ram:GrandTotalAmount"`
	DuePayable     string       `xml:"ram:DuePayableAmount"`
}

type ciiAmountCur struct {
	Currency string `xml:"currencyID,attr"`
	Value    string `xml:",chardata"`
}

// BuildCII serializes inv as a CrossIndustryInvoice document. The output is
// deterministic for a given invoice.
func BuildCII(inv canonical.Invoice) ([]byte, error) {
	totals := canonical.ComputeTotals(inv)

	doc := ciiDocument{
		XmlnsRSM: nsRSM,
		XmlnsQDT: nsQDT,
		XmlnsRAM: nsRAM,
		XmlnsUDT: nsUDT,
		Context:  ciiContext{GuidelineID: GuidelineEN16931},
		Document: ciiExchanged{
			ID:        inv.InvoiceNumber,
			TypeCode:  typeCodeCommercialInvoice,
			IssueDate: ciiDate{Format: "102", Value: compactDate(inv.IssueDate)},
		},
	}
	if strings.TrimSpace(inv.Notes) != "" {
		doc.Document.Notes = []ciiNote{{Content: inv.Notes}}
	}

	for i, l := range inv.Lines {
		doc.Transaction.Lines = append(doc.Transaction.Lines, ciiLine{
			LineID:   fmt.Sprint(i + 1),
			Name:     l.Description,
			NetPrice: amount(l.UnitPrice),
			Quantity: ciiQuantity{UnitCode: unitCodeOne, Value: l.Quantity.String()},
			Settlement: ciiLineSettlement{
				Tax: ciiTax{
					TypeCode:     "VAT",
					CategoryCode: taxCategory(l.TaxRate),
					RatePercent:  percent(l.TaxRate),
				},
				LineTotal: amount(l.Net()),
			},
		})
	}

	doc.Transaction.Agreement = ciiAgreement{
		Seller: party(inv.Seller),
		Buyer:  party(inv.Buyer),
	}

	settlement := ciiSettlement{Currency: inv.Currency}
	for _, b := range canonical.BreakdownByRate(inv.Lines) {
		settlement.Taxes = append(settlement.Taxes, ciiTax{
			CalculatedAmount: amount(b.Tax),
			TypeCode:         "VAT",
			BasisAmount:      amount(b.Basis),
			CategoryCode:     taxCategory(b.Rate),
			RatePercent:      percent(b.Rate),
		})
	}
	if totals.Discount.IsPositive() {
		settlement.Allowance = &ciiAllowance{
			ChargeIndicator: false,
			Amount:          amount(totals.Discount),
			Reason:          "Discount",
		}
	}
	if inv.PaymentTerms != "" || inv.DueDate != "" {
		terms := &ciiPaymentTerms{Description: inv.PaymentTerms}
		if inv.DueDate != "" {
			terms.DueDate = &ciiDate{Format: "102", Value: compactDate(inv.DueDate)}
		}
		settlement.PaymentTerms = terms
	}
	settlement.Summation = ciiSummation{
		LineTotal:     amount(totals.Net),
		TaxBasisTotal: amount(totals.TaxBasis),
		TaxTotal:      ciiAmountCur{Currency: inv.Currency, Value: amount(totals.Tax)},
		GrandTotal:    amount(totals.Grand),
		DuePayable:    amount(totals.Due),
	}
	if totals.Discount.IsPositive() {
		settlement.Summation.AllowanceTotal = amount(totals.Discount)
	}
	doc.Transaction.Settlement = settlement

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode cii: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func party(p canonical.Party) ciiParty {
	out := ciiParty{
		Name: p.Name,
		Address: ciiAddress{
			Postcode: p.PostalCode,
			LineOne:  p.AddressLine1,
			LineTwo:  p.AddressLine2,
			City:     p.City,
			Country:  p.Country,
		},
	}
	if p.Email != "" {
		out.Email = &ciiURI{SchemeID: "EM", Value: p.Email}
	}
	if p.VATID != "" {
		out.VAT = &ciiTaxReg{ID: ciiURI{SchemeID: "VA", Value: p.VATID}}
	}
	return out
}

func amount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func percent(rate decimal.Decimal) string {
	return rate.Mul(decimal.NewFromInt(100)).StringFixed(2)
}

func taxCategory(rate decimal.Decimal) string {
	if rate.IsZero() {
		return "Z"
	}
	return "S"
}

func compactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}
