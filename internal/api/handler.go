// Package api exposes the catalog and execution pipeline over a thin REST
// surface for hosting services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/skillvault/internal/audit"
	"github.com/nidhogg/skillvault/internal/catalog"
	"github.com/nidhogg/skillvault/internal/pipeline"
	"go.uber.org/zap"
)

// Installs manages per-user installation state. Implemented by the Postgres
// store; nil disables the install endpoints.
type Installs interface {
	Install(ctx context.Context, userID, skillID string) error
	Uninstall(ctx context.Context, userID, skillID string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	catalog  *catalog.Catalog
	executor *pipeline.Executor
	installs Installs
	chain    *audit.Chain
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cat *catalog.Catalog, executor *pipeline.Executor, installs Installs, chain *audit.Chain, logger *zap.Logger) *Handler {
	return &Handler{
		catalog:  cat,
		executor: executor,
		installs: installs,
		chain:    chain,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/skills", h.searchSkills)
		r.Get("/skills/all", h.listAllSkills)
		r.Get("/skills/agent/{agentType}", h.skillsForAgent)
		r.Post("/skills/task", h.skillsForTask)
		r.Post("/skills/refresh", h.refreshExternal)

		r.Post("/skills/install", h.installSkill)
		r.Delete("/skills/install", h.uninstallSkill)

		r.Post("/execute", h.executeSkill)
		r.Get("/audit/verify", h.verifyAudit)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) searchSkills(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	userID := r.URL.Query().Get("user_id")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter is required")
		return
	}
	skills := h.catalog.Search(r.Context(), query, userID)
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (h *Handler) listAllSkills(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	skills := h.catalog.GetAllAvailable(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (h *Handler) skillsForAgent(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "agentType")
	skills := h.catalog.GetForAgent(agentType)
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (h *Handler) skillsForTask(w http.ResponseWriter, r *http.Request) {
	var task catalog.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task body")
		return
	}
	ranked := h.catalog.GetForTask(r.Context(), task)
	writeJSON(w, http.StatusOK, map[string]any{"skills": ranked})
}

func (h *Handler) refreshExternal(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.RefreshExternal(r.Context()); err != nil {
		h.logger.Error("external refresh failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "marketplace refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

type installRequest struct {
	UserID  string `json:"user_id"`
	SkillID string `json:"skill_id"`
}

func (h *Handler) installSkill(w http.ResponseWriter, r *http.Request) {
	if h.installs == nil {
		writeError(w, http.StatusServiceUnavailable, "install store not configured")
		return
	}
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.SkillID == "" {
		writeError(w, http.StatusBadRequest, "user_id and skill_id are required")
		return
	}
	if _, ok := h.catalog.Get(req.SkillID); !ok {
		writeError(w, http.StatusNotFound, "skill not found")
		return
	}
	if err := h.installs.Install(r.Context(), req.UserID, req.SkillID); err != nil {
		h.logger.Error("install failed", zap.String("skill", req.SkillID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "install failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
}

func (h *Handler) uninstallSkill(w http.ResponseWriter, r *http.Request) {
	if h.installs == nil {
		writeError(w, http.StatusServiceUnavailable, "install store not configured")
		return
	}
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.SkillID == "" {
		writeError(w, http.StatusBadRequest, "user_id and skill_id are required")
		return
	}
	if err := h.installs.Uninstall(r.Context(), req.UserID, req.SkillID); err != nil {
		h.logger.Error("uninstall failed", zap.String("skill", req.SkillID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "uninstall failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

type executeRequest struct {
	UserID  string         `json:"user_id"`
	SkillID string         `json:"skill_id"`
	Input   map[string]any `json:"input"`
}

func (h *Handler) executeSkill(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.SkillID == "" {
		writeError(w, http.StatusBadRequest, "user_id and skill_id are required")
		return
	}

	exec, err := h.executor.Execute(r.Context(), req.UserID, req.SkillID, req.Input)
	if err != nil {
		var execErr *pipeline.ExecError
		if errors.As(err, &execErr) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":    execErr.Message,
				"stage":    execErr.Stage,
				"skill_id": execErr.SkillID,
			})
			return
		}
		h.logger.Error("execute failed", zap.String("skill", req.SkillID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "execution failed")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	if err := h.chain.Verify(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
