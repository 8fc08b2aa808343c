package facturx

import (
	"bytes"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"facturx-relay/internal/canonical"
)

// AttachmentName is the file name Factur-X readers look for.
const AttachmentName = "factur-x.xml"

const (
	pageWidth  = 595 // A4 in points
	pageHeight = 842
	margin     = 50
)

// pdfWriter assembles numbered indirect objects and the xref table.
type pdfWriter struct {
	buf     bytes.Buffer
	offsets []int
}

func newPDFWriter() *pdfWriter {
	w := &pdfWriter{}
	// Binary comment marks the file as containing 8-bit data.
	w.buf.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")
	return w
}

// reserve returns the next object number without writing it.
func (w *pdfWriter) reserve() int {
	w.offsets = append(w.offsets, -1)
	return len(w.offsets)
}

func (w *pdfWriter) object(num int, dict string) {
	w.offsets[num-1] = w.buf.Len()
	fmt.Fprintf(&w.buf, "%d 0 obj\n%s\nendobj\n", num, dict)
}

func (w *pdfWriter) stream(num int, dict string, data []byte) {
	w.offsets[num-1] = w.buf.Len()
	fmt.Fprintf(&w.buf, "%d 0 obj\n<< %s /Length %d >>\nstream\n", num, dict, len(data))
	w.buf.Write(data)
	w.buf.WriteString("\nendstream\nendobj\n")
}

func (w *pdfWriter) finish(root, info int, id []byte) []byte {
	xref := w.buf.Len()
	fmt.Fprintf(&w.buf, "xref\n0 %d\n0000000000 65535 f \n", len(w.offsets)+1)
	for _, off := range w.offsets {
		fmt.Fprintf(&w.buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&w.buf, "trailer\n<< /Size %d /Root %d 0 R /Info %d 0 R /ID [<%x> <%x>] >>\nstartxref\n%d\n%%%%EOF\n",
		len(w.offsets)+1, root, info, id, id, xref)
	return w.buf.Bytes()
}

// Logo is a JPEG ready to be embedded with DCTDecode.
type Logo struct {
	JPEG   []byte
	Width  int
	Height int
}

// BuildPDF lays out a one-page human-readable invoice and attaches ciiXML as
// the Factur-X payload. The result only depends on its inputs.
func BuildPDF(inv canonical.Invoice, ciiXML []byte, logo *Logo) ([]byte, error) {
	content, err := pageContent(inv, logo)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(append(append([]byte{}, ciiXML...), content...))
	docID := sum[:16]
	date := pdfDate(inv.IssueDate)

	w := newPDFWriter()
	catalog := w.reserve()
	pages := w.reserve()
	page := w.reserve()
	contents := w.reserve()
	fontRegular := w.reserve()
	fontBold := w.reserve()
	filespec := w.reserve()
	embedded := w.reserve()
	metadata := w.reserve()
	info := w.reserve()
	image := 0
	if logo != nil {
		image = w.reserve()
	}

	w.object(catalog, fmt.Sprintf(
		"<< /Type /Catalog /Pages %d 0 R /Metadata %d 0 R /Names << /EmbeddedFiles << /Names [%s %d 0 R] >> >> /AF [%d 0 R] /PageMode /UseAttachments >>",
		pages, metadata, pdfText(AttachmentName), filespec, filespec))
	w.object(pages, fmt.Sprintf("<< /Type /Pages /Kids [%d 0 R] /Count 1 >>", page))

	resources := fmt.Sprintf("/Font << /F1 %d 0 R /F2 %d 0 R >>", fontRegular, fontBold)
	if image != 0 {
		resources += fmt.Sprintf(" /XObject << /Im1 %d 0 R >>", image)
	}
	w.object(page, fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 %d %d] /Contents %d 0 R /Resources << %s >> >>",
		pages, pageWidth, pageHeight, contents, resources))
	w.stream(contents, "", content)
	w.object(fontRegular, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	w.object(fontBold, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold /Encoding /WinAnsiEncoding >>")
	w.object(filespec, fmt.Sprintf(
		"<< /Type /Filespec /F %s /UF %s /Desc (Factur-X invoice) /AFRelationship /Data /EF << /F %d 0 R /UF %d 0 R >> >>",
		pdfText(AttachmentName), pdfText(AttachmentName), embedded, embedded))
	w.stream(embedded, fmt.Sprintf("/Type /EmbeddedFile /Subtype /text#2Fxml /Params << /Size %d /ModDate (%s) >>", len(ciiXML), date), ciiXML)
	w.stream(metadata, "/Type /Metadata /Subtype /XML", xmpMetadata(inv))
	w.object(info, fmt.Sprintf("<< /Title %s /Producer (facturx-relay) /CreationDate (%s) /ModDate (%s) >>",
		pdfText("Invoice "+inv.InvoiceNumber), date, date))
	if image != 0 {
		w.stream(image, fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode",
			logo.Width, logo.Height), logo.JPEG)
	}
	return w.finish(catalog, info, docID), nil
}

type textLine struct {
	x, y int
	size int
	bold bool
	text string
}

func pageContent(inv canonical.Invoice, logo *Logo) ([]byte, error) {
	totals := canonical.ComputeTotals(inv)
	var lines []textLine
	y := pageHeight - margin - 20
	add := func(x, size int, bold bool, text string) {
		lines = append(lines, textLine{x: x, y: y, size: size, bold: bold, text: text})
	}

	add(margin, 18, true, "FACTURE / INVOICE "+inv.InvoiceNumber)
	y -= 24
	add(margin, 10, false, "Date: "+inv.IssueDate)
	if inv.DueDate != "" {
		add(300, 10, false, "Due: "+inv.DueDate)
	}
	y -= 30

	partyTop, lowest := y, y
	for i, p := range []struct {
		label string
		party canonical.Party
	}{{"Seller", inv.Seller}, {"Buyer", inv.Buyer}} {
		x := margin + i*250
		y = partyTop
		add(x, 11, true, p.label)
		for _, s := range partyLines(p.party) {
			y -= 14
			add(x, 10, false, s)
		}
		lowest = min(lowest, y)
	}
	y = lowest - 36

	add(margin, 10, true, "Description")
	add(320, 10, true, "Qty")
	add(370, 10, true, "Unit price")
	add(450, 10, true, "VAT")
	add(490, 10, true, "Net")
	for _, l := range inv.Lines {
		y -= 16
		if y < margin+120 {
			break
		}
		add(margin, 10, false, clip(l.Description, 48))
		add(320, 10, false, l.Quantity.String())
		add(370, 10, false, amount(l.UnitPrice))
		add(450, 10, false, percent(l.TaxRate)+"%")
		add(490, 10, false, amount(l.Net()))
	}
	y -= 30

	for _, row := range []struct {
		label string
		value string
		bold  bool
	}{
		{"Total HT", amount(totals.Net), false},
		{"Discount", amount(totals.Discount), false},
		{"TVA", amount(totals.Tax), false},
		{"Total TTC", amount(totals.Grand) + " " + inv.Currency, true},
	} {
		if row.label == "Discount" && !totals.Discount.IsPositive() {
			continue
		}
		add(370, 10, row.bold, row.label)
		add(460, 10, row.bold, row.value)
		y -= 14
	}
	if inv.PaymentTerms != "" {
		y -= 10
		add(margin, 9, false, clip(inv.PaymentTerms, 100))
	}
	if inv.Notes != "" {
		y -= 14
		add(margin, 9, false, clip(inv.Notes, 100))
	}

	var buf bytes.Buffer
	if logo != nil && logo.Width > 0 && logo.Height > 0 {
		w, h := scaleToBox(logo.Width, logo.Height, 120, 60)
		fmt.Fprintf(&buf, "q\n%d 0 0 %d %d %d cm\n/Im1 Do\nQ\n", w, h, pageWidth-margin-w, pageHeight-margin-h)
	}
	enc := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	for _, l := range lines {
		encoded, err := enc.String(l.text)
		if err != nil {
			return nil, fmt.Errorf("encode pdf text: %w", err)
		}
		font := "/F1"
		if l.bold {
			font = "/F2"
		}
		fmt.Fprintf(&buf, "BT\n%s %d Tf\n%d %d Td\n%s Tj\nET\n", font, l.size, l.x, l.y, pdfText(encoded))
	}
	return buf.Bytes(), nil
}

func partyLines(p canonical.Party) []string {
	var out []string
	out = append(out, p.Name)
	if p.AddressLine1 != "" {
		out = append(out, p.AddressLine1)
	}
	if p.AddressLine2 != "" {
		out = append(out, p.AddressLine2)
	}
	if city := strings.TrimSpace(p.PostalCode + " " + p.City); city != "" {
		out = append(out, city)
	}
	out = append(out, p.Country)
	if p.VATID != "" {
		out = append(out, "VAT "+p.VATID)
	}
	return out
}

func scaleToBox(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		return maxW, h * maxW / w
	}
	return w * maxH / h, maxH
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// pdfText renders a literal string with the three PDF escapes.
func pdfText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\r", `\r`, "\n", `\n`)
	return "(" + r.Replace(s) + ")"
}

func pdfDate(issueDate string) string {
	return "D:" + compactDate(issueDate) + "000000Z"
}

func xmpMetadata(inv canonical.Invoice) []byte {
	var b strings.Builder
	b.WriteString(`<?xpacket begin="" id="W5M0MpCehiHzreSzNTczkc9d"?>` + "\n")
	b.WriteString(`<x:xmpmeta xmlns:x="adobe:ns:meta/">` + "\n")
	b.WriteString(`<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` + "\n")
	b.WriteString(`<rdf:Description rdf:about="" xmlns:pdfaid="http://www.aiim.org/pdfa/ns/id/">` + "\n")
	b.WriteString("<pdfaid:part>3</pdfaid:part>\n<pdfaid:conformance>B</pdfaid:conformance>\n</rdf:Description>\n")
	b.WriteString(`<rdf:Description rdf:about="" xmlns:dc="http://purl.org/dc/elements/1.1/">` + "\n")
	fmt.Fprintf(&b, "<dc:title><rdf:Alt><rdf:li xml:lang=\"x-default\">Invoice %s</rdf:li></rdf:Alt></dc:title>\n", xmlEscape(inv.InvoiceNumber))
	b.WriteString("</rdf:Description>\n")
	b.WriteString(`<rdf:Description rdf:about="" xmlns:fx="urn:factur-x:pdfa:CrossIndustryDocument:invoice:1p0#">` + "\n")
	fmt.Fprintf(&b, "<fx:DocumentType>INVOICE</fx:DocumentType>\n<fx:DocumentFileName>%s</fx:DocumentFileName>\n", AttachmentName)
	b.WriteString("<fx:Version>1.0</fx:Version>\n<fx:ConformanceLevel>EN 16931</fx:ConformanceLevel>\n</rdf:Description>\n")
	b.WriteString("</rdf:RDF>\n</x:xmpmeta>\n")
	b.WriteString(`<?xpacket end="w"?>`)
	return []byte(b.String())
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
