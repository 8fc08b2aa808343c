package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"facturx-relay/internal/audit"
	"facturx-relay/internal/canonical"
	"facturx-relay/internal/config"
	"facturx-relay/internal/crm"
	"facturx-relay/internal/facturx"
	"facturx-relay/internal/idempotency"
	"facturx-relay/internal/models"
	"facturx-relay/internal/pdp"
	"facturx-relay/internal/queue"
	"facturx-relay/internal/secrets"
	"facturx-relay/internal/storage"
	"facturx-relay/internal/telemetry"
)

// Store is the persistence the pipeline reads and writes. Every call is
// scoped by tenant.
type Store interface {
	GetActiveTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	GetInvoice(ctx context.Context, tenantID, invoiceID string) (models.Invoice, error)
	UpdateInvoiceRaw(ctx context.Context, tenantID, invoiceID string, raw json.RawMessage, status models.InvoiceStatus) error
	SetInvoiceCanonical(ctx context.Context, tenantID, invoiceID string, canonical json.RawMessage, status models.InvoiceStatus) error
	SetInvoiceStatus(ctx context.Context, tenantID, invoiceID string, status models.InvoiceStatus) error
	InsertArtifacts(ctx context.Context, tenantID string, a models.Artifacts) error
	LatestArtifacts(ctx context.Context, tenantID, invoiceID string) (models.Artifacts, error)
	UpsertSubmission(ctx context.Context, sub models.Submission) error
	LatestSubmission(ctx context.Context, tenantID, invoiceID string) (models.Submission, error)
	RecordSubmissionStatus(ctx context.Context, sub models.Submission) error
	RecordSubmissionError(ctx context.Context, sub models.Submission, message string) error
	ListStaleSubmissions(ctx context.Context, statuses []string, olderThan time.Time, limit int) ([]models.Submission, error)
}

// SecretResolver returns decrypted tenant API keys.
type SecretResolver interface {
	TenantSecrets(ctx context.Context, tenantID string) (secrets.TenantSecrets, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Record(ctx context.Context, ev models.AuditEvent) error
}

// Renderer produces Factur-X artifacts.
type Renderer interface {
	Render(ctx context.Context, inv canonical.Invoice, logoURL string) (facturx.Rendered, error)
}

// PipelineConfig holds the knobs the stage handlers read.
type PipelineConfig struct {
	ArtifactMode        string
	SyncPollBase        time.Duration
	SyncPollMax         time.Duration
	ReconcileStaleAfter time.Duration
	ReconcileBatch      int
}

// PipelineConfigFrom extracts the pipeline settings from the process config.
func PipelineConfigFrom(cfg config.Config) PipelineConfig {
	return PipelineConfig{
		ArtifactMode:        cfg.PDPArtifactMode,
		SyncPollBase:        cfg.SyncPollBase,
		SyncPollMax:         cfg.SyncPollMax,
		ReconcileStaleAfter: cfg.ReconcileStaleAfter,
		ReconcileBatch:      cfg.ReconcileBatch,
	}
}

// Deps wires a Pipeline.
type Deps struct {
	Queue    JobQueue
	Store    Store
	Secrets  SecretResolver
	Audit    AuditRecorder
	CRM      crm.Client
	PDP      pdp.Client
	Storage  storage.Store
	Renderer Renderer
	Metrics  telemetry.Sink
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Pipeline implements Handlers for the invoice state machine:
// FETCH_INVOICE, MAP_CANONICAL, GENERATE_FACTURX, SUBMIT_PDP, SYNC_STATUS,
// and the RECONCILE_PDP fan-out.
type Pipeline struct {
	cfg PipelineConfig
	Deps
}

var _ Handlers = (*Pipeline)(nil)

func NewPipeline(cfg PipelineConfig, deps Deps) *Pipeline {
	if cfg.ArtifactMode == "" {
		cfg.ArtifactMode = config.ArtifactModeBase64
	}
	if cfg.SyncPollBase <= 0 {
		cfg.SyncPollBase = 30 * time.Second
	}
	if cfg.SyncPollMax <= 0 {
		cfg.SyncPollMax = DefaultPollMax
	}
	if cfg.ReconcileStaleAfter <= 0 {
		cfg.ReconcileStaleAfter = 15 * time.Minute
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = 100
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{cfg: cfg, Deps: deps}
}

// FetchInvoice refreshes the raw payload from the CRM. A CRM failure keeps
// the payload stored by the webhook.
func (p *Pipeline) FetchInvoice(ctx context.Context, job models.Job) error {
	pl, err := stagePayload(job)
	if err != nil {
		return err
	}
	inv, err := p.Store.GetInvoice(ctx, pl.TenantID, pl.InvoiceID)
	if err != nil {
		return err
	}
	crmID := pl.CRMInvoiceID
	if crmID == "" {
		crmID = inv.CRMInvoiceID
	}
	keys, err := p.Secrets.TenantSecrets(ctx, pl.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant secrets: %w", err)
	}

	source := "crm"
	raw, err := p.CRM.FetchInvoice(ctx, pl.TenantID, crmID, crm.RequestOptions{APIKey: keys.CRMAPIKey, CorrelationID: pl.CorrelationID})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("crm_invoice_id", crmID).Msg("crm fetch failed, using stored payload")
		p.Metrics.Increment(telemetry.CRMFetchFallbacks, nil)
		raw = nil
	}
	if emptyJSON(raw) {
		source = "stored"
		raw = nil
	}
	if err := p.Store.UpdateInvoiceRaw(ctx, pl.TenantID, pl.InvoiceID, raw, models.InvoiceFetched); err != nil {
		return err
	}
	if err := p.record(ctx, job, pl, audit.FetchInvoiceCompleted, map[string]any{
		"crmInvoiceId": crmID,
		"source":       source,
	}); err != nil {
		return err
	}
	return p.next(ctx, pl, models.JobMapCanonical, idempotency.StepMap)
}

// MapCanonical converts the raw payload into a validated canonical invoice.
func (p *Pipeline) MapCanonical(ctx context.Context, job models.Job) error {
	pl, err := stagePayload(job)
	if err != nil {
		return err
	}
	inv, err := p.Store.GetInvoice(ctx, pl.TenantID, pl.InvoiceID)
	if err != nil {
		return err
	}
	if emptyJSON(inv.RawPayload) {
		return fmt.Errorf("invoice %s has no raw payload", pl.InvoiceID)
	}
	canon, err := crm.MapToCanonical(pl.TenantID, inv.RawPayload)
	if err != nil {
		return fmt.Errorf("map invoice %s: %w", pl.InvoiceID, err)
	}
	body, err := json.Marshal(canon)
	if err != nil {
		return fmt.Errorf("encode canonical invoice: %w", err)
	}
	if err := p.Store.SetInvoiceCanonical(ctx, pl.TenantID, pl.InvoiceID, body, models.InvoiceMapped); err != nil {
		return err
	}
	if err := p.record(ctx, job, pl, audit.MapCanonicalCompleted, map[string]any{
		"invoiceNumber": canon.InvoiceNumber,
		"currency":      canon.Currency,
		"totalAmount":   canon.TotalAmount.StringFixed(2),
		"lines":         len(canon.Lines),
	}); err != nil {
		return err
	}
	return p.next(ctx, pl, models.JobGenerateFacturX, idempotency.StepGenerate)
}

// GenerateFacturX renders and stores the PDF/XML pair.
func (p *Pipeline) GenerateFacturX(ctx context.Context, job models.Job) error {
	pl, err := stagePayload(job)
	if err != nil {
		return err
	}
	canon, err := p.loadCanonical(ctx, pl)
	if err != nil {
		return err
	}

	var logoURL string
	tenant, err := p.Store.GetActiveTenant(ctx, pl.TenantID)
	switch {
	case err == nil:
		logoURL = tenant.Config.LogoURL
	case errors.Is(err, models.ErrNotFound):
		zerolog.Ctx(ctx).Warn().Msg("tenant not active, rendering without logo")
	default:
		return err
	}

	rendered, err := p.Renderer.Render(ctx, canon, logoURL)
	if err != nil {
		return fmt.Errorf("render facturx: %w", err)
	}
	pdfObj, err := p.Storage.Put(ctx, storage.InvoiceKey(pl.TenantID, pl.InvoiceID, "pdf"), rendered.PDF, "application/pdf")
	if err != nil {
		return fmt.Errorf("store pdf: %w", err)
	}
	xmlObj, err := p.Storage.Put(ctx, storage.InvoiceKey(pl.TenantID, pl.InvoiceID, "xml"), rendered.XML, "application/xml")
	if err != nil {
		return fmt.Errorf("store xml: %w", err)
	}
	if err := p.Store.InsertArtifacts(ctx, pl.TenantID, models.Artifacts{
		InvoiceID: pl.InvoiceID,
		PDFKey:    pdfObj.Key,
		XMLKey:    xmlObj.Key,
		PDFSHA256: rendered.PDFSHA256,
		XMLSHA256: rendered.XMLSHA256,
	}); err != nil {
		return err
	}
	if err := p.Store.SetInvoiceStatus(ctx, pl.TenantID, pl.InvoiceID, models.InvoiceGenerated); err != nil {
		return err
	}
	if err := p.record(ctx, job, pl, audit.GenerateFacturXCompleted, map[string]any{
		"pdfKey":    pdfObj.Key,
		"xmlKey":    xmlObj.Key,
		"pdfSha256": rendered.PDFSHA256,
		"xmlSha256": rendered.XMLSHA256,
	}); err != nil {
		return err
	}
	return p.next(ctx, pl, models.JobSubmitPDP, idempotency.StepSubmit)
}

// SubmitPDP hands the latest artifacts to the PDP.
func (p *Pipeline) SubmitPDP(ctx context.Context, job models.Job) error {
	pl, err := stagePayload(job)
	if err != nil {
		return err
	}
	canon, err := p.loadCanonical(ctx, pl)
	if err != nil {
		return err
	}
	art, err := p.Store.LatestArtifacts(ctx, pl.TenantID, pl.InvoiceID)
	if err != nil {
		return fmt.Errorf("load artifacts: %w", err)
	}
	payload, err := p.artifactsPayload(ctx, art)
	if err != nil {
		return err
	}
	keys, err := p.Secrets.TenantSecrets(ctx, pl.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant secrets: %w", err)
	}

	sub, err := p.PDP.Submit(ctx, pl.TenantID, canon, payload, pdp.RequestOptions{
		APIKey:         keys.PDPAPIKey,
		CorrelationID:  pl.CorrelationID,
		IdempotencyKey: idempotency.BuildKey(idempotency.StepSubmit, pl.TenantID, pl.InvoiceID),
	})
	if err != nil {
		if aerr := p.record(ctx, job, pl, audit.SubmitPDPFailed, map[string]any{"error": err.Error()}); aerr != nil {
			zerolog.Ctx(ctx).Error().Err(aerr).Msg("audit submit failure")
		}
		return fmt.Errorf("submit to pdp: %w", err)
	}

	if err := p.Store.UpsertSubmission(ctx, models.Submission{
		TenantID:     pl.TenantID,
		InvoiceID:    pl.InvoiceID,
		Provider:     sub.Provider,
		SubmissionID: sub.SubmissionID,
		Status:       normalizeExternal(sub.Status),
	}); err != nil {
		return err
	}
	if err := p.Store.SetInvoiceStatus(ctx, pl.TenantID, pl.InvoiceID, models.InvoiceSubmitted); err != nil {
		return err
	}
	if err := p.record(ctx, job, pl, audit.SubmitPDPCompleted, map[string]any{
		"provider":     sub.Provider,
		"submissionId": sub.SubmissionID,
		"status":       sub.Status,
	}); err != nil {
		return err
	}
	return p.next(ctx, pl, models.JobSyncStatus, idempotency.StepSync)
}

// SyncStatus polls the PDP, maps the status onto the invoice, pushes it to
// the CRM, and schedules another poll while the status is pending.
func (p *Pipeline) SyncStatus(ctx context.Context, job models.Job) error {
	pl, err := stagePayload(job)
	if err != nil {
		return err
	}
	sub, err := p.Store.LatestSubmission(ctx, pl.TenantID, pl.InvoiceID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	keys, err := p.Secrets.TenantSecrets(ctx, pl.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tenant secrets: %w", err)
	}

	st, err := p.PDP.GetStatus(ctx, pl.TenantID, sub.SubmissionID, pdp.RequestOptions{APIKey: keys.PDPAPIKey, CorrelationID: pl.CorrelationID})
	if err != nil {
		if rerr := p.Store.RecordSubmissionError(ctx, sub, err.Error()); rerr != nil {
			zerolog.Ctx(ctx).Error().Err(rerr).Msg("record poll error")
		}
		return fmt.Errorf("poll pdp status: %w", err)
	}

	external := normalizeExternal(st.Status)
	mapped := MapStatus(external)
	sub.Status = external
	sub.StatusRaw = st.Raw
	if err := p.Store.RecordSubmissionStatus(ctx, sub); err != nil {
		return err
	}
	if err := p.Store.SetInvoiceStatus(ctx, pl.TenantID, pl.InvoiceID, mapped); err != nil {
		return err
	}
	p.Metrics.Increment(telemetry.PDPStatusPolled, map[string]string{"status": string(mapped)})

	if mapped != models.InvoiceError {
		p.pushStatus(ctx, pl, keys, mapped)
	}

	if err := p.record(ctx, job, pl, audit.SyncStatusCompleted, map[string]any{
		"provider":       sub.Provider,
		"submissionId":   sub.SubmissionID,
		"externalStatus": external,
		"status":         string(mapped),
		"pollAttempt":    pl.PollAttempt,
	}); err != nil {
		return err
	}

	if !IsPending(external) {
		return nil
	}
	n := pl.PollAttempt + 1
	delay := PollDelay(n, p.cfg.SyncPollBase, p.cfg.SyncPollMax)
	nextPl := pl
	nextPl.PollAttempt = n
	res, err := p.Queue.Enqueue(ctx, models.JobSyncStatus, nextPl, queue.EnqueueOptions{
		TenantID:       pl.TenantID,
		CorrelationID:  pl.CorrelationID,
		IdempotencyKey: pollKey(pl, n),
		RunAt:          p.Now().Add(delay),
	})
	if err != nil {
		return fmt.Errorf("schedule poll %d: %w", n, err)
	}
	p.countEnqueue(models.JobSyncStatus, res)
	zerolog.Ctx(ctx).Debug().Int("poll_attempt", n).Dur("delay", delay).Bool("enqueued", res.Enqueued).Msg("status still pending")
	return nil
}

// ReconcilePDP enqueues a SYNC_STATUS for every pending submission that has
// not been checked recently.
func (p *Pipeline) ReconcilePDP(ctx context.Context, job models.Job) error {
	var pl models.ReconcilePayload
	if err := job.DecodePayload(&pl); err != nil {
		return err
	}
	if pl.CorrelationID == "" {
		pl.CorrelationID = job.CorrelationID
	}
	limit := pl.Limit
	if limit <= 0 {
		limit = p.cfg.ReconcileBatch
	}

	stale, err := p.Store.ListStaleSubmissions(ctx, PendingStatuses, p.Now().Add(-p.cfg.ReconcileStaleAfter), limit)
	if err != nil {
		return err
	}

	var tenants []string
	perTenant := map[string]int{}
	for _, sub := range stale {
		res, err := p.Queue.Enqueue(ctx, models.JobSyncStatus, models.StagePayload{
			TenantID:      sub.TenantID,
			InvoiceID:     sub.InvoiceID,
			CorrelationID: pl.CorrelationID,
			PollChain:     job.ID,
		}, queue.EnqueueOptions{
			TenantID:       sub.TenantID,
			CorrelationID:  pl.CorrelationID,
			IdempotencyKey: idempotency.BuildKey(idempotency.StepSync, sub.TenantID, sub.InvoiceID, "reconcile", job.ID),
		})
		if err != nil {
			return fmt.Errorf("enqueue sync for invoice %s: %w", sub.InvoiceID, err)
		}
		p.countEnqueue(models.JobSyncStatus, res)
		if !res.Enqueued {
			continue
		}
		p.Metrics.Increment(telemetry.ReconcileEnqueued, nil)
		if _, seen := perTenant[sub.TenantID]; !seen {
			tenants = append(tenants, sub.TenantID)
		}
		perTenant[sub.TenantID]++
	}

	for _, tenantID := range tenants {
		if err := p.Audit.Record(ctx, models.AuditEvent{
			TenantID:      tenantID,
			CorrelationID: pl.CorrelationID,
			Actor:         audit.ActorWorker,
			EventType:     audit.ReconcilePDPEnqueued,
			Payload:       map[string]any{"count": perTenant[tenantID], "reconcileJobId": job.ID},
			JobID:         job.ID,
		}); err != nil {
			return err
		}
	}
	zerolog.Ctx(ctx).Info().Int("stale", len(stale)).Int("tenants", len(tenants)).Msg("reconciliation fan-out")
	return nil
}

func (p *Pipeline) pushStatus(ctx context.Context, pl models.StagePayload, keys secrets.TenantSecrets, status models.InvoiceStatus) {
	crmID := pl.CRMInvoiceID
	if crmID == "" {
		inv, err := p.Store.GetInvoice(ctx, pl.TenantID, pl.InvoiceID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("crm status push skipped")
			return
		}
		crmID = inv.CRMInvoiceID
	}
	err := p.CRM.PushStatus(ctx, pl.TenantID, crmID, string(status), crm.RequestOptions{APIKey: keys.CRMAPIKey, CorrelationID: pl.CorrelationID})
	if err != nil {
		p.Metrics.Increment(telemetry.CRMPushStatusError, nil)
		zerolog.Ctx(ctx).Warn().Err(err).Str("crm_invoice_id", crmID).Str("status", string(status)).Msg("crm status push failed")
	}
}

// next enqueues the following stage with the stage's idempotency key.
func (p *Pipeline) next(ctx context.Context, pl models.StagePayload, jobType models.JobType, step idempotency.Step) error {
	nextPl := pl
	nextPl.PollAttempt = 0
	nextPl.PollChain = ""
	res, err := p.Queue.Enqueue(ctx, jobType, nextPl, queue.EnqueueOptions{
		TenantID:       pl.TenantID,
		CorrelationID:  pl.CorrelationID,
		IdempotencyKey: idempotency.BuildKey(step, pl.TenantID, pl.InvoiceID),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	p.countEnqueue(jobType, res)
	return nil
}

// pollKey keys the n-th follow-up poll. Polls started by a reconcile run are
// namespaced by that run so they never collide with an earlier sequence.
func pollKey(pl models.StagePayload, n int) string {
	parts := []string{pl.TenantID, pl.InvoiceID}
	if pl.PollChain != "" {
		parts = append(parts, "reconcile", pl.PollChain)
	}
	parts = append(parts, "poll", strconv.Itoa(n))
	return idempotency.BuildKey(idempotency.StepSync, parts...)
}

func (p *Pipeline) countEnqueue(jobType models.JobType, res queue.EnqueueResult) {
	name := telemetry.JobsEnqueued
	if !res.Enqueued {
		name = telemetry.JobsDuplicate
	}
	p.Metrics.Increment(name, map[string]string{"type": string(jobType)})
}

func (p *Pipeline) record(ctx context.Context, job models.Job, pl models.StagePayload, eventType string, payload map[string]any) error {
	payload["invoiceId"] = pl.InvoiceID
	return p.Audit.Record(ctx, models.AuditEvent{
		TenantID:      pl.TenantID,
		CorrelationID: pl.CorrelationID,
		Actor:         audit.ActorWorker,
		EventType:     eventType,
		Payload:       payload,
		InvoiceID:     pl.InvoiceID,
		JobID:         job.ID,
	})
}

func (p *Pipeline) loadCanonical(ctx context.Context, pl models.StagePayload) (canonical.Invoice, error) {
	inv, err := p.Store.GetInvoice(ctx, pl.TenantID, pl.InvoiceID)
	if err != nil {
		return canonical.Invoice{}, err
	}
	if emptyJSON(inv.CanonicalPayload) {
		return canonical.Invoice{}, fmt.Errorf("invoice %s has no canonical payload", pl.InvoiceID)
	}
	var canon canonical.Invoice
	if err := json.Unmarshal(inv.CanonicalPayload, &canon); err != nil {
		return canonical.Invoice{}, fmt.Errorf("decode canonical invoice: %w", err)
	}
	return canon, nil
}

func (p *Pipeline) artifactsPayload(ctx context.Context, art models.Artifacts) (pdp.ArtifactsPayload, error) {
	out := pdp.ArtifactsPayload{
		PDF: pdp.Artifact{Key: art.PDFKey, SHA256: art.PDFSHA256},
		XML: pdp.Artifact{Key: art.XMLKey, SHA256: art.XMLSHA256},
	}
	if p.cfg.ArtifactMode == config.ArtifactModeKeys {
		return out, nil
	}
	pdfBytes, err := p.Storage.Get(ctx, art.PDFKey)
	if err != nil {
		return out, fmt.Errorf("read pdf: %w", err)
	}
	xmlBytes, err := p.Storage.Get(ctx, art.XMLKey)
	if err != nil {
		return out, fmt.Errorf("read xml: %w", err)
	}
	out.PDF.Base64 = base64.StdEncoding.EncodeToString(pdfBytes)
	out.XML.Base64 = base64.StdEncoding.EncodeToString(xmlBytes)
	return out, nil
}

func stagePayload(job models.Job) (models.StagePayload, error) {
	var pl models.StagePayload
	if err := job.DecodePayload(&pl); err != nil {
		return pl, err
	}
	if pl.TenantID == "" {
		pl.TenantID = job.TenantID
	}
	if pl.CorrelationID == "" {
		pl.CorrelationID = job.CorrelationID
	}
	if pl.TenantID == "" || pl.InvoiceID == "" {
		return pl, fmt.Errorf("job %s: payload needs tenantId and invoiceId", job.ID)
	}
	return pl, nil
}

func emptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}
