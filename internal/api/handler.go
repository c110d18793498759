package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/finflag/internal/aggregate"
	"github.com/opensource-finance/finflag/internal/bus"
	"github.com/opensource-finance/finflag/internal/cache"
	"github.com/opensource-finance/finflag/internal/domain"
	"github.com/opensource-finance/finflag/internal/engine"
	"github.com/opensource-finance/finflag/internal/repository"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = domain.GlobalTenantID

const (
	// maxBodyBytes bounds a batch upload.
	maxBodyBytes = 64 << 20

	runCacheTTL = 5 * time.Minute
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *engine.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, c domain.Cache, b domain.EventBus, eng *engine.Engine, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   c,
		bus:     b,
		engine:  eng,
		version: version,
	}
}

// RunResponse is a run with its effective summaries, totals and severity
// breakdown. Summaries reflect overrides; Run.Summaries keep computed counts.
type RunResponse struct {
	Run       *domain.Run              `json:"run"`
	Summaries []domain.DatasetSummary  `json:"summaries"`
	Totals    []domain.RuleTotal       `json:"totals"`
	Severity  domain.SeverityBreakdown `json:"severity"`
}

func newRunResponse(run *domain.Run, table *aggregate.Table) RunResponse {
	return RunResponse{
		Run:       run,
		Summaries: table.Summaries(),
		Totals:    table.Totals(),
		Severity:  table.Severity(),
	}
}

// SubmittedResponse is returned for asynchronous batches.
type SubmittedResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// CreateRun handles POST /runs. Batches are evaluated inline unless
// ?async=true, in which case they are queued on the event bus.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.BatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Datasets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one dataset is required")
		return
	}
	req.TenantID = tenantID

	if r.URL.Query().Get("async") == "true" {
		h.submitRun(w, r, &req)
		return
	}

	report, err := h.engine.Run(ctx, tenantID, req.Datasets, h.engine.ShouldScore(req.Score))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("run failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "run failed")
		return
	}
	run := report.Run

	if h.repo != nil {
		if err := h.repo.SaveRun(ctx, tenantID, run); err != nil {
			slog.Error("failed to save run", "run_id", run.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save run")
			return
		}
	}

	if h.cache != nil {
		if err := h.cache.SetRun(ctx, tenantID, run, runCacheTTL); err != nil {
			slog.Warn("failed to cache run", "run_id", run.ID, "error", err)
		}
	}

	if h.bus != nil {
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicRunCompleted, run); err != nil {
			slog.Warn("failed to publish run", "run_id", run.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, newRunResponse(run, report.Table))
}

func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request, req *domain.BatchRequest) {
	ctx := r.Context()
	tenantID := req.TenantID

	if h.bus == nil || h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous runs require an event bus and repository")
		return
	}

	pending := &domain.Run{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Status:    domain.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.repo.SaveRun(ctx, tenantID, pending); err != nil {
		slog.Error("failed to save pending run", "run_id", pending.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save run")
		return
	}

	msg := domain.BatchMessage{RunID: pending.ID, Request: req}
	if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicBatchSubmitted, msg); err != nil {
		slog.Error("failed to queue batch", "run_id", pending.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue batch")
		return
	}

	slog.Info("batch queued", "run_id", pending.ID, "tenant_id", tenantID, "datasets", len(req.Datasets))
	writeJSON(w, http.StatusAccepted, SubmittedResponse{RunID: pending.ID, Status: pending.Status})
}

// ListRuns handles GET /runs. The optional limit parameter defaults to 50.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRuns(ctx, GetTenantID(ctx), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// loadRun reads a run through the cache. It writes the error response and
// returns nil when the run cannot be served.
func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) *domain.Run {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	runID := chi.URLParam(r, "id")

	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return nil
	}

	if h.cache != nil {
		run, err := h.cache.GetRun(ctx, tenantID, runID)
		if err != nil {
			slog.Warn("run cache read failed", "run_id", runID, "error", err)
		}
		if run != nil {
			return run
		}
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return nil
	}

	run, err := h.repo.GetRun(ctx, tenantID, runID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil
	}
	if err != nil {
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil
	}

	// Pending runs change when the worker finishes.
	if h.cache != nil && run.Status != domain.RunStatusPending {
		if err := h.cache.SetRun(ctx, tenantID, run, runCacheTTL); err != nil {
			slog.Warn("failed to cache run", "run_id", runID, "error", err)
		}
	}

	return run
}

// loadTable rebuilds the summary table for a finished run.
func (h *Handler) loadTable(w http.ResponseWriter, r *http.Request) (*domain.Run, *aggregate.Table) {
	run := h.loadRun(w, r)
	if run == nil {
		return nil, nil
	}
	if run.Status == domain.RunStatusPending {
		writeError(w, http.StatusConflict, "run is still pending")
		return nil, nil
	}

	table, err := aggregate.FromRun(run)
	if err != nil {
		slog.Error("failed to rebuild summary table", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rebuild summary table")
		return nil, nil
	}
	return run, table
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run := h.loadRun(w, r)
	if run == nil {
		return
	}
	if run.Status == domain.RunStatusPending {
		writeJSON(w, http.StatusOK, RunResponse{Run: run})
		return
	}

	table, err := aggregate.FromRun(run)
	if err != nil {
		slog.Error("failed to rebuild summary table", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rebuild summary table")
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run, table))
}

// GetTable handles GET /runs/{id}/table, the display form of the summary
// with not computed cells shown as zero.
func (h *Handler) GetTable(w http.ResponseWriter, r *http.Request) {
	_, table := h.loadTable(w, r)
	if table == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": table.Rules(),
		"rows":  table.Rendered(),
	})
}

// GetTotals handles GET /runs/{id}/totals.
func (h *Handler) GetTotals(w http.ResponseWriter, r *http.Request) {
	_, table := h.loadTable(w, r)
	if table == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totals": table.Totals(),
	})
}

// GetSeverity handles GET /runs/{id}/severity.
func (h *Handler) GetSeverity(w http.ResponseWriter, r *http.Request) {
	_, table := h.loadTable(w, r)
	if table == nil {
		return
	}
	writeJSON(w, http.StatusOK, table.Severity())
}

// CreateOverride handles POST /runs/{id}/overrides. The override is
// recorded in the audit trail and totals are recomputed from it.
func (h *Handler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req domain.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Dataset == "" || req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "dataset and ruleId are required")
		return
	}

	run, table := h.loadTable(w, r)
	if table == nil {
		return
	}

	o, err := table.Override(req.Dataset, req.RuleID, req.Count, req.Reason, req.Actor)
	switch {
	case errors.Is(err, aggregate.ErrUnknownDataset), errors.Is(err, aggregate.ErrUnknownRule):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, aggregate.ErrNegativeCount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("override failed", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "override failed")
		return
	}
	o.TenantID = tenantID
	o.RunID = run.ID

	if err := h.repo.SaveOverride(ctx, tenantID, o); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		slog.Error("failed to save override", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save override")
		return
	}

	if h.cache != nil {
		if err := h.cache.Delete(ctx, tenantID, cache.RunKey(run.ID)); err != nil {
			slog.Warn("failed to invalidate cached run", "run_id", run.ID, "error", err)
		}
	}

	if h.bus != nil {
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicOverrideApplied, o); err != nil {
			slog.Warn("failed to publish override", "run_id", run.ID, "error", err)
		}
	}

	slog.Info("override applied",
		"run_id", run.ID,
		"tenant_id", tenantID,
		"dataset", o.Dataset,
		"rule_id", o.RuleID,
		"count", o.Count,
		"actor", o.Actor,
	)

	writeJSON(w, http.StatusCreated, map[string]any{
		"override": o,
		"totals":   table.Totals(),
		"severity": table.Severity(),
	})
}

// ListOverrides handles GET /runs/{id}/overrides.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	overrides, err := h.repo.ListOverrides(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("failed to list overrides", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list overrides")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": overrides,
		"count":     len(overrides),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the built-in catalogue followed by loaded custom rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.Rules().Rules()
	infos := make([]domain.RuleInfo, len(loaded))
	for i, rule := range loaded {
		infos[i] = rule.Info()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": infos,
		"count": len(infos),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.Rules().Rules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule.Info())
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Expression  string          `json:"expression"`
	Columns     []string        `json:"columns"`
	Severity    domain.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
}

// CreateRule validates a CEL rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if req.Severity != "" && !req.Severity.Valid() {
		writeError(w, http.StatusBadRequest, "severity must be HIGH, MEDIUM or LOW")
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Columns:     req.Columns,
		Severity:    req.Severity,
		Enabled:     req.Enabled,
	}

	if err := h.engine.Rules().ValidateRule(ruleConfig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule disables a stored rule. The engine keeps it until the next reload.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	err := h.repo.DeleteRuleConfig(ctx, GlobalTenantID, ruleID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete rule config", "id", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	slog.Info("rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Rule deleted. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all custom rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	// Load rules from database (global rules)
	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.Rules().ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
		"loaded":  h.engine.Rules().RulesCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
