package pdp

import "testing"

func TestNormalizeSuperPDPStatus(t *testing.T) {
	cases := []struct {
		code, text, want string
	}{
		{"api:accepted", "", "ACCEPTED"},
		{"API:REJECTED", "", "REJECTED"},
		{"api:invalid", "whatever", "REJECTED"},
		{"fr:212", "", "PAID"},
		{"fr:205", "Facture payée", "PAID"},
		{"fr:204", "Encaissement reçu", "PAID"},
		{"fr:203", "Facture acceptée", "ACCEPTED"},
		{"fr:210", "Refusée par le destinataire", "REJECTED"},
		{"fr:213", "Rejetée", "REJECTED"},
		{"x", "Invoice rejected", "REJECTED"},
		{"fr:201", "Déposée", "PROCESSING"},
		{"", "", "PROCESSING"},
	}
	for _, tc := range cases {
		if got := NormalizeSuperPDPStatus(tc.code, tc.text); got != tc.want {
			t.Errorf("NormalizeSuperPDPStatus(%q, %q) = %s, want %s", tc.code, tc.text, got, tc.want)
		}
	}
}
