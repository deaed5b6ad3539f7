package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cartloom/cartloom/pkg/cron"
	"github.com/cartloom/cartloom/pkg/jobs"
	"github.com/cartloom/cartloom/pkg/provision"
	"github.com/cartloom/cartloom/pkg/registry"
	"github.com/cartloom/cartloom/pkg/types"
)

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	store, err := s.cfg.Resolver.ResolveHTTP(r, r.URL.Query().Get("slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store_id": store.ID,
		"slug":     store.Slug,
		"status":   store.Status,
	})
}

type createStoreRequest struct {
	OwnerID string `json:"owner_id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	var req createStoreRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	store, err := s.cfg.Registry.CreateStore(r.Context(), req.OwnerID, req.Slug, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, store)
}

func (s *Server) handleListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := s.cfg.Registry.ListStores(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stores)
}

func (s *Server) handleGetStore(w http.ResponseWriter, r *http.Request) {
	store, err := s.cfg.Registry.GetStore(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store)
}

func (s *Server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	if err := s.cfg.Registry.DeleteStore(r.Context(), storeID); err != nil {
		writeError(w, err)
		return
	}
	s.cfg.Tenants.Invalidate(storeID)
	writeJSON(w, http.StatusNoContent, nil)
}

type attachDatabaseRequest struct {
	DatabaseType     string `json:"database_type"`
	ConnectionString string `json:"connection_string"`
}

func (s *Server) handleAttachDatabase(w http.ResponseWriter, r *http.Request) {
	var req attachDatabaseRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.ConnectionString == "" {
		badRequest(w, "connection_string is required")
		return
	}

	storeID := chi.URLParam(r, "storeID")
	err := s.cfg.Registry.AttachDatabase(r.Context(), storeID, types.DatabaseType(req.DatabaseType), req.ConnectionString)
	if err != nil {
		writeError(w, err)
		return
	}
	// New credentials; any cached client is stale
	s.cfg.Tenants.Invalidate(storeID)
	writeJSON(w, http.StatusNoContent, nil)
}

type addHostnameRequest struct {
	Hostname       string `json:"hostname"`
	IsPrimary      bool   `json:"is_primary"`
	IsCustomDomain bool   `json:"is_custom_domain"`
	SSLEnabled     bool   `json:"ssl_enabled"`
}

func (s *Server) handleAddHostname(w http.ResponseWriter, r *http.Request) {
	var req addHostnameRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	hostname, err := s.cfg.Registry.AddHostname(r.Context(), chi.URLParam(r, "storeID"), req.Hostname, registry.HostnameOptions{
		IsPrimary:      req.IsPrimary,
		IsCustomDomain: req.IsCustomDomain,
		SSLEnabled:     req.SSLEnabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.cfg.Resolver.InvalidateHostname(r.Context(), hostname.Hostname); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate hostname cache")
	}
	writeJSON(w, http.StatusCreated, hostname)
}

func (s *Server) handleListHostnames(w http.ResponseWriter, r *http.Request) {
	hostnames, err := s.cfg.Registry.ListHostnames(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hostnames)
}

func (s *Server) handleTenantHealth(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	if err := s.cfg.Tenants.CheckSchema(r.Context(), storeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type reprovisionRequest struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	OwnerEmail string `json:"owner_email"`
}

func (s *Server) handleReprovision(w http.ResponseWriter, r *http.Request) {
	var req reprovisionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	err := s.cfg.Provisioner.Reprovision(r.Context(), chi.URLParam(r, "storeID"), provision.Identity{
		Name:       req.Name,
		Slug:       req.Slug,
		OwnerEmail: req.OwnerEmail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleBilling(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")

	balance, err := s.cfg.Billing.Balance(r.Context(), storeID)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.cfg.Billing.History(r.Context(), storeID, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance_cents": balance,
		"transactions":  history,
	})
}

type enqueueJobRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxRetries  *int            `json:"max_retries"`
	DedupeKey   string          `json:"dedupe_key"`
	StoreID     string          `json:"store_id"`
	UserID      string          `json:"user_id"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		badRequest(w, "type is required")
		return
	}

	opts := jobs.EnqueueOptions{
		Priority:   types.ParseJobPriority(req.Priority),
		MaxRetries: req.MaxRetries,
		DedupeKey:  req.DedupeKey,
		StoreID:    req.StoreID,
		UserID:     req.UserID,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = *req.ScheduledAt
	}

	job, err := s.cfg.Jobs.Enqueue(r.Context(), req.Type, req.Payload, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.cfg.Jobs.List(r.Context(), jobs.ListFilter{
		StoreID: q.Get("store_id"),
		Status:  types.JobStatus(q.Get("status")),
		Type:    q.Get("type"),
		Limit:   100,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.cfg.Jobs.History(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type upsertTokenRequest struct {
	StoreID               string     `json:"store_id"`
	IntegrationType       string     `json:"integration_type"`
	ConfigKey             string     `json:"config_key"`
	ExpiresAt             time.Time  `json:"expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`
}

func (s *Server) handleUpsertToken(w http.ResponseWriter, r *http.Request) {
	var req upsertTokenRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.StoreID == "" || req.IntegrationType == "" {
		badRequest(w, "store_id and integration_type are required")
		return
	}

	token, err := s.cfg.Tokens.Upsert(r.Context(), req.StoreID, req.IntegrationType, req.ConfigKey,
		req.ExpiresAt, req.RefreshTokenExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

type tokenRefreshedRequest struct {
	ExpiresAt             time.Time  `json:"expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`
}

func (s *Server) handleTokenRefreshed(w http.ResponseWriter, r *http.Request) {
	var req tokenRefreshedRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	err := s.cfg.Tokens.RecordRefresh(r.Context(), chi.URLParam(r, "tokenID"), req.ExpiresAt, req.RefreshTokenExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type tokenRefreshFailedRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleTokenRefreshFailed(w http.ResponseWriter, r *http.Request) {
	var req tokenRefreshFailedRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	err := s.cfg.Tokens.RecordRefreshFailure(r.Context(), chi.URLParam(r, "tokenID"), errDetail(req.Error))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListCronEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Cron.ListEntries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type createCronEntryRequest struct {
	Name          string          `json:"name"`
	Expression    string          `json:"cron_expression"`
	Timezone      string          `json:"timezone"`
	JobType       string          `json:"job_type"`
	Configuration json.RawMessage `json:"configuration"`
	Source        string          `json:"source"`
}

func (s *Server) handleCreateCronEntry(w http.ResponseWriter, r *http.Request) {
	var req createCronEntryRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Expression == "" || req.JobType == "" {
		badRequest(w, "name, cron_expression and job_type are required")
		return
	}

	entry, err := newCronEntry(req)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.cfg.Cron.CreateEntry(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handlePauseCronEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Cron.SetPaused(r.Context(), chi.URLParam(r, "entryID"), true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleResumeCronEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Cron.SetPaused(r.Context(), chi.URLParam(r, "entryID"), false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func errDetail(msg string) error {
	if msg == "" {
		msg = "refresh failed"
	}
	return errors.New(msg)
}

func newCronEntry(req createCronEntryRequest) (*types.CronEntry, error) {
	next, err := cron.NextRun(req.Expression, req.Timezone, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	source := types.CronSource(req.Source)
	if source == "" {
		source = types.CronSourceUser
	}
	return &types.CronEntry{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Expression:    req.Expression,
		Timezone:      req.Timezone,
		JobType:       req.JobType,
		Configuration: req.Configuration,
		Source:        source,
		IsActive:      true,
		NextRunAt:     &next,
		MaxFailures:   cron.DefaultMaxFailures,
	}, nil
}
