package telemetry

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names shared by the API and the worker.
const (
	JobsEnqueued       = "relay_jobs_enqueued_total"
	JobsDuplicate      = "relay_jobs_duplicate_total"
	JobsCompleted      = "relay_jobs_completed_total"
	JobsRetried        = "relay_jobs_retried_total"
	JobsFailed         = "relay_jobs_failed_total"
	JobsReclaimed      = "relay_jobs_reclaimed_total"
	WebhooksReceived   = "relay_webhooks_received_total"
	RateLimitRejects   = "relay_rate_limit_rejects_total"
	PDPStatusPolled    = "relay_pdp_status_polled_total"
	ReconcileEnqueued  = "relay_reconcile_enqueued_total"
	CRMFetchFallbacks  = "relay_crm_fetch_fallbacks_total"
	CRMPushStatusError = "relay_crm_push_status_errors_total"
)

// Sink receives counter increments. Handlers get one injected instead of
// touching package-level collectors.
type Sink interface {
	Increment(name string, labels map[string]string)
}

// Recorder is a Sink that also tracks the worker gauges.
type Recorder interface {
	Sink
	SetQueueDepth(status string, n int64)
	AddInFlight(delta float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Increment(string, map[string]string) {}
func (Nop) SetQueueDepth(string, int64) {}
func (Nop) AddInFlight(float64) {}

type counterDef struct {
	help   string
	labels []string
}

var counterDefs = map[string]counterDef{
	JobsEnqueued:       {help: "Jobs inserted into the queue", labels: []string{"type"}},
	JobsDuplicate:      {help: "Enqueue attempts dropped by idempotency key", labels: []string{"type"}},
	JobsCompleted:      {help: "Jobs completed successfully", labels: []string{"type"}},
	JobsRetried:        {help: "Jobs that failed and were re-queued", labels: []string{"type"}},
	JobsFailed:         {help: "Jobs that exhausted their attempts", labels: []string{"type"}},
	JobsReclaimed:      {help: "Running jobs reclaimed after lease expiry", labels: nil},
	WebhooksReceived:   {help: "Inbound CRM webhooks by outcome", labels: []string{"outcome"}},
	RateLimitRejects:   {help: "Webhooks rejected by the rate limiter", labels: nil},
	PDPStatusPolled:    {help: "PDP status polls by mapped invoice status", labels: []string{"status"}},
	ReconcileEnqueued:  {help: "SYNC_STATUS jobs enqueued by reconciliation", labels: nil},
	CRMFetchFallbacks:  {help: "CRM fetches that fell back to the stored payload", labels: nil},
	CRMPushStatusError: {help: "Failed best-effort CRM status pushes", labels: nil},
}

// Prometheus is a Sink backed by its own registry. Build it once at startup.
type Prometheus struct {
	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec

	QueueDepth *prometheus.GaugeVec
	InFlight   prometheus.Gauge

	mu      sync.Mutex
	unknown map[string]struct{}
}

// NewPrometheus registers every known counter plus the queue gauges.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Prometheus{
		registry: reg,
		counters: make(map[string]*prometheus.CounterVec, len(counterDefs)),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_jobs_by_status",
			Help: "Jobs in the queue table by status",
		}, []string{"status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_jobs_inflight",
			Help: "Jobs currently being handled by this process",
		}),
		unknown: make(map[string]struct{}),
	}
	for name, def := range counterDefs {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: def.help}, def.labels)
		reg.MustRegister(vec)
		p.counters[name] = vec
	}
	reg.MustRegister(p.QueueDepth, p.InFlight)
	return p
}

// Increment bumps a known counter. Unknown names and missing labels are
// ignored so a typo never panics inside a handler.
func (p *Prometheus) Increment(name string, labels map[string]string) {
	vec, ok := p.counters[name]
	if !ok {
		p.mu.Lock()
		p.unknown[name] = struct{}{}
		p.mu.Unlock()
		return
	}
	def := counterDefs[name]
	values := make([]string, len(def.labels))
	for i, l := range def.labels {
		values[i] = labels[l]
	}
	vec.WithLabelValues(values...).Inc()
}

// SetQueueDepth records how many jobs sit in status.
func (p *Prometheus) SetQueueDepth(status string, n int64) {
	p.QueueDepth.WithLabelValues(status).Set(float64(n))
}

// AddInFlight moves the in-flight gauge by delta.
func (p *Prometheus) AddInFlight(delta float64) {
	p.InFlight.Add(delta)
}

// Unknown returns metric names that were incremented without a definition.
func (p *Prometheus) Unknown() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.unknown))
	for name := range p.unknown {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry exposes the underlying registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler exposes /metrics for this registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
