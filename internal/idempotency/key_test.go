package idempotency

import "testing"

func TestBuildKey(t *testing.T) {
	cases := []struct {
		name  string
		step  Step
		parts []string
		want  string
	}{
		{name: "no parts", step: StepReconcile, want: "RECONCILE"},
		{name: "tenant and invoice", step: StepMap, parts: []string{"t1", "inv-1"}, want: "MAP:t1:inv-1"},
		{name: "poll suffix", step: StepSync, parts: []string{"t1", "inv-1", "poll", "3"}, want: "SYNC:t1:inv-1:poll:3"},
		{name: "empty part kept", step: StepWebhook, parts: []string{"t1", ""}, want: "WEBHOOK:t1:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BuildKey(tc.step, tc.parts...); got != tc.want {
				t.Fatalf("BuildKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildKeyDeterministic(t *testing.T) {
	a := BuildKey(StepGenerate, "tenant", "invoice")
	b := BuildKey(StepGenerate, "tenant", "invoice")
	if a != b {
		t.Fatalf("expected identical keys, got %q and %q", a, b)
	}
	if BuildKey(StepSubmit, "tenant", "invoice") == a {
		t.Fatalf("different steps must not share a key")
	}
}
