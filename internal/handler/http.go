package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
	"github.com/tourney-link/internal/faq"
	"github.com/tourney-link/internal/resolver"
	"github.com/tourney-link/internal/standings"
	"github.com/tourney-link/internal/websocket"
)

// Handler provides HTTP handlers for the identity-link API
type Handler struct {
	resolver  *resolver.Resolver
	standings *standings.Service
	faq       *faq.Table
	hub       *websocket.Hub
	sweepCfg  config.SweepConfig
	standCfg  config.StandingsConfig
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(res *resolver.Resolver, st *standings.Service, faqTable *faq.Table, hub *websocket.Hub, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		resolver:  res,
		standings: st,
		faq:       faqTable,
		hub:       hub,
		sweepCfg:  cfg.Sweep,
		standCfg:  cfg.Standings,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Identity linking
		r.Route("/players", func(r chi.Router) {
			r.Post("/link", h.LinkPlayer)
			r.Get("/whois", h.Whois)
			r.Post("/refresh", h.RefreshStale)
			r.Delete("/{chatIdentity}/link", h.UnlinkPlayer)
		})

		// Tournament standings
		r.Route("/standings", func(r chi.Router) {
			r.Get("/top", h.GetStandingsTop)
			r.Get("/player/{chatIdentity}", h.GetStandingsPosition)
		})

		// FAQ lookups
		r.Route("/faq", func(r chi.Router) {
			r.Get("/", h.ListFAQKeys)
			r.Get("/{key}", h.GetFAQ)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps domain errors to HTTP statuses. Anything outside the
// user-facing set gets logged and collapsed to a generic 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownPlayer), errors.Is(err, domain.ErrNotLinked):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrLinkConflict), errors.Is(err, domain.ErrAlreadyLinked):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrServiceUnavailable):
		h.writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidStats):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error(op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
	default:
		h.logger.Error(op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// LinkRequest is the body for POST /players/link.
type LinkRequest struct {
	ChatIdentity string `json:"chat_identity"`
	Username     string `json:"username"`
}

// LinkPlayer claims a game account for a chat identity
func (h *Handler) LinkPlayer(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if req.ChatIdentity == "" || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.resolver.Link(r.Context(), req.ChatIdentity, req.Username)
	if err != nil {
		h.writeDomainError(w, "failed to link player", err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    result,
	})
}

// UnlinkPlayer removes the link for a chat identity
func (h *Handler) UnlinkPlayer(w http.ResponseWriter, r *http.Request) {
	chatIdentity := chi.URLParam(r, "chatIdentity")
	if chatIdentity == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.resolver.Unlink(r.Context(), chatIdentity); err != nil {
		h.writeDomainError(w, "failed to unlink player", err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "unlinked"})
}

// Whois resolves a chat identity or game username to a player
func (h *Handler) Whois(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	maxAge := h.sweepCfg.MaxAge
	if ageStr := r.URL.Query().Get("max_age"); ageStr != "" {
		d, err := time.ParseDuration(ageStr)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		maxAge = d
	}

	result, err := h.resolver.Resolve(r.Context(), query, maxAge)
	if err != nil {
		h.writeDomainError(w, "failed to resolve player", err)
		return
	}

	h.writeSuccess(w, result)
}

// RefreshStale re-fetches stats for every record older than max_age
func (h *Handler) RefreshStale(w http.ResponseWriter, r *http.Request) {
	maxAge := h.sweepCfg.MaxAge
	if ageStr := r.URL.Query().Get("max_age"); ageStr != "" {
		d, err := time.ParseDuration(ageStr)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		maxAge = d
	}

	report, err := h.resolver.RefreshStale(r.Context(), maxAge)
	if err != nil {
		if errors.Is(err, resolver.ErrSweepInFlight) {
			h.writeError(w, http.StatusConflict, err)
			return
		}
		h.writeDomainError(w, "failed to refresh stale records", err)
		return
	}

	h.writeSuccess(w, report)
}

// GetStandingsTop returns the top N linked players by rating
func (h *Handler) GetStandingsTop(w http.ResponseWriter, r *http.Request) {
	limit := h.standCfg.DefaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > h.standCfg.MaxLimit {
		limit = h.standCfg.MaxLimit
	}

	entries, err := h.standings.Top(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to get standings", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// GetStandingsPosition returns one player's standings position
func (h *Handler) GetStandingsPosition(w http.ResponseWriter, r *http.Request) {
	chatIdentity := chi.URLParam(r, "chatIdentity")
	if chatIdentity == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.standings.Position(r.Context(), chatIdentity)
	if err != nil {
		if errors.Is(err, standings.ErrNotRanked) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get standings position", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entry)
}

// ListFAQKeys returns all FAQ keys
func (h *Handler) ListFAQKeys(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.faq.Keys())
}

// GetFAQ returns one FAQ document by key or alias
func (h *Handler) GetFAQ(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	doc, err := h.faq.Get(key)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}

	h.writeSuccess(w, doc)
}
