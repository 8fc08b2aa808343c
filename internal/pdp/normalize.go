package pdp

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	paidText     = regexp.MustCompile(`paid|paye|paiement|encaiss`)
	acceptedText = regexp.MustCompile(`accept`)
	rejectedText = regexp.MustCompile(`reject|rejet|refus|invalid`)
)

// NormalizeSuperPDPStatus maps a SUPER PDP event to ACCEPTED, REJECTED, PAID
// or PROCESSING. Known codes win; otherwise the French or English status text
// is matched with accents folded.
func NormalizeSuperPDPStatus(statusCode, statusText string) string {
	switch strings.ToLower(strings.TrimSpace(statusCode)) {
	case "api:accepted":
		return "ACCEPTED"
	case "api:rejected", "api:invalid":
		return "REJECTED"
	case "fr:212":
		return "PAID"
	}

	text := foldAccents(strings.ToLower(statusText))
	switch {
	case paidText.MatchString(text):
		return "PAID"
	case acceptedText.MatchString(text):
		return "ACCEPTED"
	case rejectedText.MatchString(text):
		return "REJECTED"
	}
	return "PROCESSING"
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
