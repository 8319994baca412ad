package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/screening"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 4 << 20

	// maxBatchSize bounds POST /transactions/batch.
	maxBatchSize = 1000
)

// Handler holds dependencies for API handlers.
// Repo, lists, cache and bus may be nil.
type Handler struct {
	svc     *screening.Service
	repo    domain.Repository
	lists   domain.IPListStore
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *screening.Service, repo domain.Repository, lists domain.IPListStore, cache domain.Cache, eventBus domain.EventBus, version string) *Handler {
	return &Handler{
		svc:     svc,
		repo:    repo,
		lists:   lists,
		cache:   cache,
		bus:     eventBus,
		version: version,
	}
}

// Screen handles POST /screenings.
func (h *Handler) Screen(w http.ResponseWriter, r *http.Request) {
	var req domain.ScreeningRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	scr, err := h.svc.Screen(r.Context(), GetTenantID(r.Context()), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scr.ToResponse())
}

// GetScreening handles GET /screenings/{id}.
func (h *Handler) GetScreening(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	scr, err := h.repo.GetScreening(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scr.ToResponse())
}

// TransactionResponse is the response for POST /transactions.
type TransactionResponse struct {
	Transaction *domain.Transaction       `json:"transaction"`
	Screening   *domain.ScreeningResponse `json:"screening"`
}

// RecordTransaction handles POST /transactions.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tx, scr, err := h.svc.RecordTransaction(r.Context(), GetTenantID(r.Context()), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TransactionResponse{
		Transaction: tx,
		Screening:   scr.ToResponse(),
	})
}

// BatchRequest is the request body for POST /transactions/batch.
type BatchRequest struct {
	Transactions []*domain.TransactionRequest `json:"transactions"`
}

// RecordBatch handles POST /transactions/batch.
func (h *Handler) RecordBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions must not be empty",
		})
		return
	}
	if len(req.Transactions) > maxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("at most %d transactions per batch", maxBatchSize),
		})
		return
	}
	for i, tx := range req.Transactions {
		if tx == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("transactions[%d] is null", i),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, h.svc.Batch(r.Context(), GetTenantID(r.Context()), req.Transactions))
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// RulesResponse describes the rule chain in effect for a tenant.
type RulesResponse struct {
	TenantID string             `json:"tenantId"`
	Rules    []string           `json:"rules"`
	Params   *domain.RuleParams `json:"params"`
}

// GetRules handles GET /rules.
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	writeJSON(w, http.StatusOK, h.rulesResponse(tenantID))
}

// UpdateRules handles PUT /rules. The parameters replace the tenant's
// current ones and apply to the next screening.
func (h *Handler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	var params domain.RuleParams
	if !decodeJSON(w, r, &params) {
		return
	}

	tenantID := GetTenantID(r.Context())
	if _, err := h.svc.UpdateRuleParams(r.Context(), tenantID, &params); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.rulesResponse(tenantID))
}

// ExpressionRequest is the request body for POST /rules/expressions.
type ExpressionRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Severity    string `json:"severity"`
	Score       int    `json:"score"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// CreateExpression handles POST /rules/expressions. An existing rule with
// the same ID is replaced.
func (h *Handler) CreateExpression(w http.ResponseWriter, r *http.Request) {
	var req ExpressionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id and expression are required",
		})
		return
	}

	rule := domain.ExpressionRule{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Severity:    domain.RiskLevel(req.Severity),
		Score:       req.Score,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if rule.Severity == "" {
		rule.Severity = domain.LevelMedium
	}

	tenantID := GetTenantID(r.Context())
	if _, err := h.svc.AddExpression(r.Context(), tenantID, rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("expression rule saved", "tenant_id", tenantID, "rule_id", rule.ID)
	writeJSON(w, http.StatusCreated, h.rulesResponse(tenantID))
}

func (h *Handler) rulesResponse(tenantID string) RulesResponse {
	names := h.svc.RuleNames(tenantID)
	return RulesResponse{
		TenantID: tenantID,
		Rules:    names,
		Params:   h.svc.RuleParams(tenantID),
	}
}

// IPRecordRequest is the request body for PUT /ip-lists/{list}/{ip}.
type IPRecordRequest struct {
	CountryCode string               `json:"countryCode"`
	Country     string               `json:"country,omitempty"`
	Region      string               `json:"region,omitempty"`
	ISP         string               `json:"isp,omitempty"`
	ASN         string               `json:"asn,omitempty"`
	Security    domain.SecurityFlags `json:"security"`
	Source      string               `json:"source,omitempty"`
}

// PutIP handles PUT /ip-lists/{list}/{ip}. The IP is removed from the
// other lists.
func (h *Handler) PutIP(w http.ResponseWriter, r *http.Request) {
	list, ip, ok := h.listParams(w, r)
	if !ok {
		return
	}

	var req IPRecordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CountryCode = strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if req.CountryCode != "" && !domain.IsCountryCode(req.CountryCode) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "countryCode must be a 2-letter country code",
		})
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	now := time.Now().UTC()
	rec := &domain.IPRecord{
		IP:          ip,
		CountryCode: req.CountryCode,
		Country:     req.Country,
		Region:      req.Region,
		ISP:         req.ISP,
		ASN:         req.ASN,
		Security:    req.Security,
		Source:      req.Source,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if existing, err := h.lists.GetIP(r.Context(), list, ip); err == nil && existing != nil {
		rec.FirstSeen = existing.FirstSeen
		rec.FetchCount = existing.FetchCount
	}

	if err := h.lists.UpsertIP(r.Context(), list, rec); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("ip list entry saved", "list", list, "ip", ip, "source", rec.Source)
	writeJSON(w, http.StatusOK, rec)
}

// GetIP handles GET /ip-lists/{list}/{ip}.
func (h *Handler) GetIP(w http.ResponseWriter, r *http.Request) {
	list, ip, ok := h.listParams(w, r)
	if !ok {
		return
	}

	rec, err := h.lists.GetIP(r.Context(), list, ip)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, repository.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listParams(w http.ResponseWriter, r *http.Request) (domain.IPList, string, bool) {
	if h.lists == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "ip lists not available",
		})
		return "", "", false
	}

	list := domain.IPList(strings.ToLower(chi.URLParam(r, "list")))
	if !list.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "list must be one of tor, vpn, clean",
		})
		return "", "", false
	}
	ip := chi.URLParam(r, "ip")
	if !screening.IsIPv4(ip) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ip must be a dotted-quad IPv4 address",
		})
		return "", "", false
	}
	return list, ip, true
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string)

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}

	ctx := r.Context()
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventBus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

// decodeJSON reads a bounded JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps service and repository errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, screening.ErrValidation), errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicate):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
