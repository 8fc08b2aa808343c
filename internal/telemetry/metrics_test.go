package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusIncrement(t *testing.T) {
	p := NewPrometheus()
	p.Increment(JobsCompleted, map[string]string{"type": "SUBMIT_PDP"})
	p.Increment(JobsCompleted, map[string]string{"type": "SUBMIT_PDP"})
	p.Increment(ReconcileEnqueued, nil)

	if got := testutil.ToFloat64(p.counters[JobsCompleted].WithLabelValues("SUBMIT_PDP")); got != 2 {
		t.Fatalf("expected 2 completions, got %v", got)
	}
	if got := testutil.ToFloat64(p.counters[ReconcileEnqueued].WithLabelValues()); got != 1 {
		t.Fatalf("expected 1 reconcile enqueue, got %v", got)
	}
}

func TestPrometheusUnknownName(t *testing.T) {
	p := NewPrometheus()
	p.Increment("relay_typo_total", map[string]string{"x": "y"})
	unknown := p.Unknown()
	if len(unknown) != 1 || unknown[0] != "relay_typo_total" {
		t.Fatalf("unexpected unknown names: %v", unknown)
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := NewPrometheus()
	p.Increment(WebhooksReceived, map[string]string{"outcome": "accepted"})

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `relay_webhooks_received_total{outcome="accepted"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", rec.Body.String())
	}
}

func TestPrometheusGauges(t *testing.T) {
	p := NewPrometheus()
	p.SetQueueDepth("queued", 7)
	p.AddInFlight(1)
	p.AddInFlight(1)
	p.AddInFlight(-1)

	if got := testutil.ToFloat64(p.QueueDepth.WithLabelValues("queued")); got != 7 {
		t.Fatalf("expected depth 7, got %v", got)
	}
	if got := testutil.ToFloat64(p.InFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	var _ Recorder = p
	var _ Recorder = Nop{}
}
