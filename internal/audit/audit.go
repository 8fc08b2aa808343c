// Package audit appends hash-stamped events to the audit trail.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"facturx-relay/internal/models"
)

// Event types written by the relay.
const (
	WebhookReceived          = "webhook.received"
	FetchInvoiceCompleted    = "fetch_invoice.completed"
	MapCanonicalCompleted    = "map_canonical.completed"
	GenerateFacturXCompleted = "generate_facturx.completed"
	SubmitPDPCompleted       = "submit_pdp.completed"
	SubmitPDPFailed          = "submit_pdp.failed"
	SyncStatusCompleted      = "sync_status.completed"
	ReconcilePDPEnqueued     = "reconcile_pdp.enqueued"
)

// Actors.
const (
	ActorWebhook = "webhook"
	ActorWorker  = "worker"
	ActorCLI     = "cli"
)

// Writer persists a fully prepared event.
type Writer interface {
	InsertAuditEvent(ctx context.Context, ev models.AuditEvent) error
}

// Recorder hashes payloads and hands events to a Writer.
type Recorder struct {
	w      Writer
	logger zerolog.Logger
}

func NewRecorder(w Writer, logger zerolog.Logger) *Recorder {
	return &Recorder{w: w, logger: logger}
}

// Record stamps ev with the SHA-256 of its JSON payload and writes it.
func (r *Recorder) Record(ctx context.Context, ev models.AuditEvent) error {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if ev.Actor == "" {
		ev.Actor = ActorWorker
	}
	hash, err := HashPayload(ev.Payload)
	if err != nil {
		return err
	}
	ev.PayloadHash = hash
	if err := r.w.InsertAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("record %s: %w", ev.EventType, err)
	}
	r.logger.Debug().
		Str("event_type", ev.EventType).
		Str("tenant_id", ev.TenantID).
		Str("correlation_id", ev.CorrelationID).
		Str("payload_hash", hash).
		Msg("audit event recorded")
	return nil
}

// HashPayload is the lowercase hex SHA-256 of the JSON encoding of payload.
// Map keys are encoded in sorted order, so equal payloads hash equally.
func HashPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode audit payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
