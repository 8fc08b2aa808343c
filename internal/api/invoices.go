package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"facturx-relay/internal/models"
)

type tenantKey struct{}

func tenantFrom(ctx context.Context) models.Tenant {
	t, _ := ctx.Value(tenantKey{}).(models.Tenant)
	return t
}

// requireTenant resolves the tenant from X-Tenant-ID and, when the tenant has
// an API token, checks the bearer token against it.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := s.Store.GetActiveTenant(r.Context(), r.Header.Get(TenantHeader))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "tenant_not_found")
				return
			}
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("resolve tenant")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		if want := tenant.Config.APIToken; want != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

type invoiceResponse struct {
	Invoice    models.Invoice     `json:"invoice"`
	Artifacts  *models.Artifacts  `json:"artifacts"`
	Submission *models.Submission `json:"submission"`
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	id := chi.URLParam(r, "id")

	inv, err := s.Store.GetInvoice(ctx, tenant.ID, id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	resp := invoiceResponse{Invoice: inv}
	if art, err := s.Store.LatestArtifacts(ctx, tenant.ID, id); err == nil {
		resp.Artifacts = &art
	} else if !errors.Is(err, models.ErrNotFound) {
		s.storeError(w, r, err)
		return
	}
	if sub, err := s.Store.LatestSubmission(ctx, tenant.ID, id); err == nil {
		resp.Submission = &sub
	} else if !errors.Is(err, models.ErrNotFound) {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

const defaultAuditLimit = 100

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := tenantFrom(ctx)
	id := chi.URLParam(r, "id")

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	if _, err := s.Store.GetInvoice(ctx, tenant.ID, id); err != nil {
		s.storeError(w, r, err)
		return
	}
	events, err := s.Store.ListAuditEvents(ctx, tenant.ID, id, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	zerolog.Ctx(r.Context()).Error().Err(err).Msg("store")
	writeError(w, http.StatusInternalServerError, "internal_error")
}
