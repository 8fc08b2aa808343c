// Package api serves the relay's HTTP surface: CRM webhook intake and the
// tenant-scoped invoice read endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"facturx-relay/internal/config"
	"facturx-relay/internal/idempotency"
	"facturx-relay/internal/models"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/ratelimit"
	"facturx-relay/internal/telemetry"
)

const (
	TenantHeader        = "X-Tenant-ID"
	CorrelationIDHeader = "X-Correlation-ID"

	maxWebhookBytes = 1 << 20
)

// Store is the persistence the API needs.
type Store interface {
	GetActiveTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	ClaimIdempotencyKey(ctx context.Context, tenantID string, step idempotency.Step, key, invoiceID, correlationID string) (bool, error)
	UpsertInvoiceFromWebhook(ctx context.Context, tenantID, crmInvoiceID string, raw json.RawMessage) (string, error)
	GetInvoice(ctx context.Context, tenantID, invoiceID string) (models.Invoice, error)
	LatestArtifacts(ctx context.Context, tenantID, invoiceID string) (models.Artifacts, error)
	LatestSubmission(ctx context.Context, tenantID, invoiceID string) (models.Submission, error)
	ListAuditEvents(ctx context.Context, tenantID, invoiceID string, limit int) ([]models.AuditEvent, error)
}

// Enqueuer inserts pipeline jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload any, opts queue.EnqueueOptions) (queue.EnqueueResult, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, ev models.AuditEvent) error
}

// Deps wires a Server. Limiter, Metrics and MetricsHandler are optional.
type Deps struct {
	Store          Store
	Queue          Enqueuer
	Audit          AuditRecorder
	Limiter        ratelimit.Limiter
	Metrics        telemetry.Sink
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

// Server wires HTTP handlers for the relay API.
type Server struct {
	cfg config.Config
	Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Nop{}
	}
	return &Server{cfg: cfg, Deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	r.Post("/webhooks/ghl", s.handleGHLWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireTenant)
		r.Get("/invoices/{id}", s.handleGetInvoice)
		r.Get("/invoices/{id}/audit", s.handleListAudit)
	})
	return r
}

// requestLogger attaches a request-scoped logger to the context and writes
// one access log line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := s.Logger.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("tenant_id", r.Header.Get(TenantHeader)).
			Logger()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(l.WithContext(r.Context())))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", ww.BytesWritten()).
			Msg("request")
	})
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, errorResponse{OK: false, Error: reason})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
