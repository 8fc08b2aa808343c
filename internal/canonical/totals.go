package canonical

import "github.com/shopspring/decimal"

// Totals are the monetary summations printed on the document.
type Totals struct {
	Net      decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	TaxBasis decimal.Decimal
	Grand    decimal.Decimal
	Due      decimal.Decimal
}

// ComputeTotals rounds every summation to cents.
func ComputeTotals(inv Invoice) Totals {
	net, tax := decimal.Zero, decimal.Zero
	for _, l := range inv.Lines {
		net = net.Add(l.Net())
		tax = tax.Add(l.Tax())
	}
	discount := decimal.Max(decimal.Zero, inv.Discount())
	basis := decimal.Max(decimal.Zero, net.Sub(discount))
	return Totals{
		Net:      net.Round(2),
		Tax:      tax.Round(2),
		Discount: discount.Round(2),
		TaxBasis: basis.Round(2),
		Grand:    net.Add(tax).Sub(discount).Round(2),
		Due:      inv.TotalAmount.Round(2),
	}
}

// TaxBreakdown groups line net amounts and tax by rate, in first-seen order.
type TaxBreakdown struct {
	Rate  decimal.Decimal
	Basis decimal.Decimal
	Tax   decimal.Decimal
}

// BreakdownByRate is used by the CII renderer for ApplicableTradeTax blocks.
func BreakdownByRate(lines []Line) []TaxBreakdown {
	var out []TaxBreakdown
	index := map[string]int{}
	for _, l := range lines {
		key := l.TaxRate.String()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, TaxBreakdown{Rate: l.TaxRate})
		}
		out[i].Basis = out[i].Basis.Add(l.Net())
		out[i].Tax = out[i].Tax.Add(l.Tax())
	}
	for i := range out {
		out[i].Basis = out[i].Basis.Round(2)
		out[i].Tax = out[i].Tax.Round(2)
	}
	return out
}
