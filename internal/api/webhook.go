package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"facturx-relay/internal/audit"
	"facturx-relay/internal/crm"
	"facturx-relay/internal/idempotency"
	"facturx-relay/internal/models"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/telemetry"
)

var tracer = otel.Tracer("facturx-relay/api")

type webhookResponse struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleGHLWebhook registers an invoice event and starts the pipeline with a
// FETCH_INVOICE job. Redeliveries of the same event are acknowledged without
// side effects.
func (s *Server) handleGHLWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.ghl")
	defer span.End()
	logger := zerolog.Ctx(ctx)

	tenant, err := s.Store.GetActiveTenant(ctx, r.Header.Get(TenantHeader))
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.Error().Err(err).Msg("resolve tenant")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		s.countWebhook("unauthorized")
		writeError(w, http.StatusUnauthorized, "tenant_not_found")
		return
	}
	span.SetAttributes(attribute.String("tenant.id", tenant.ID))

	if s.Limiter != nil {
		allowed, err := s.Limiter.Allow(ctx, tenant.ID)
		if err != nil {
			logger.Error().Err(err).Msg("rate limiter")
			writeError(w, http.StatusInternalServerError, "rate_limit_error")
			return
		}
		if !allowed {
			s.Metrics.Increment(telemetry.RateLimitRejects, nil)
			s.countWebhook("rate_limited")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.countWebhook("invalid")
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}

	secret := tenant.Config.WebhookSecret
	if secret == "" {
		secret = s.cfg.GHLWebhookSecret
	}
	if !crm.VerifySignature(r.Header.Get(crm.SignatureHeader), body, secret) {
		s.countWebhook("unauthorized")
		writeError(w, http.StatusUnauthorized, "invalid_signature")
		return
	}

	event, err := parseWebhook(body)
	if err != nil {
		s.countWebhook("invalid")
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if event.InvoiceID == "" {
		s.countWebhook("invalid")
		writeError(w, http.StatusBadRequest, "invoice_id_required")
		return
	}

	correlationID := r.Header.Get(CorrelationIDHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(CorrelationIDHeader, correlationID)
	l := logger.With().Str("correlation_id", correlationID).Str("crm_invoice_id", event.InvoiceID).Logger()

	webhookKey := idempotency.BuildKey(idempotency.StepWebhook, tenant.ID, event.EventID)
	firstSeen, err := s.Store.ClaimIdempotencyKey(ctx, tenant.ID, idempotency.StepWebhook, webhookKey, "", correlationID)
	if err != nil {
		l.Error().Err(err).Msg("claim webhook key")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if !firstSeen {
		s.countWebhook("duplicate")
		l.Info().Str("event_id", event.EventID).Msg("duplicate webhook")
		writeJSON(w, http.StatusOK, webhookResponse{OK: true, Duplicate: true})
		return
	}

	invoiceID, err := s.Store.UpsertInvoiceFromWebhook(ctx, tenant.ID, event.InvoiceID, body)
	if err != nil {
		l.Error().Err(err).Msg("upsert invoice")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	res, err := s.Queue.Enqueue(ctx, models.JobFetchInvoice, models.StagePayload{
		TenantID:      tenant.ID,
		InvoiceID:     invoiceID,
		CRMInvoiceID:  event.InvoiceID,
		CorrelationID: correlationID,
	}, queue.EnqueueOptions{
		TenantID:       tenant.ID,
		CorrelationID:  correlationID,
		IdempotencyKey: idempotency.BuildKey(idempotency.StepFetch, tenant.ID, event.InvoiceID),
	})
	if err != nil {
		l.Error().Err(err).Msg("enqueue fetch")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	name := telemetry.JobsEnqueued
	if !res.Enqueued {
		name = telemetry.JobsDuplicate
	}
	s.Metrics.Increment(name, map[string]string{"type": string(models.JobFetchInvoice)})

	if err := s.Audit.Record(ctx, models.AuditEvent{
		TenantID:      tenant.ID,
		CorrelationID: correlationID,
		Actor:         audit.ActorWebhook,
		EventType:     audit.WebhookReceived,
		Payload: map[string]any{
			"eventId":      event.EventID,
			"crmInvoiceId": event.InvoiceID,
		},
		InvoiceID: invoiceID,
	}); err != nil {
		l.Error().Err(err).Msg("audit webhook")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	s.countWebhook("accepted")
	l.Info().Str("invoice_id", invoiceID).Bool("enqueued", res.Enqueued).Msg("webhook accepted")
	writeJSON(w, http.StatusOK, webhookResponse{OK: true})
}

func (s *Server) countWebhook(outcome string) {
	s.Metrics.Increment(telemetry.WebhooksReceived, map[string]string{"outcome": outcome})
}

type webhookEvent struct {
	EventID   string
	InvoiceID string
}

// parseWebhook extracts the event and invoice ids. The event id falls back
// to the payload id, then to invoiceId:updatedAt.
func parseWebhook(body []byte) (webhookEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return webhookEvent{}, err
	}
	if fields == nil {
		return webhookEvent{}, errors.New("webhook body is not an object")
	}
	ev := webhookEvent{InvoiceID: field(fields, "invoiceId")}
	switch {
	case field(fields, "eventId") != "":
		ev.EventID = field(fields, "eventId")
	case field(fields, "id") != "":
		ev.EventID = field(fields, "id")
	default:
		ev.EventID = ev.InvoiceID + ":" + field(fields, "updatedAt")
	}
	return ev, nil
}

func field(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}
