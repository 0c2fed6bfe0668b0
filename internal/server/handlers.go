package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/chartmann1590/mumble-ai-memory/internal/engine"
	"github.com/chartmann1590/mumble-ai-memory/internal/storage"
	"github.com/chartmann1590/mumble-ai-memory/pkg/types"
)

// Handlers serves the JSON API on top of the engine manager.
type Handlers struct {
	manager *engine.Manager
}

// NewHandlers creates the API handlers.
func NewHandlers(manager *engine.Manager) *Handlers {
	return &Handlers{manager: manager}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

// writeEngineError maps engine and storage errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrConsolidationBusy):
		writeError(w, http.StatusConflict, "CONSOLIDATION_BUSY", err.Error())
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

type saveTurnRequest struct {
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	Kind      string     `json:"kind"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SaveTurn handles POST /api/turns.
func (h *Handlers) SaveTurn(w http.ResponseWriter, r *http.Request) {
	var req saveTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	turn := &types.Turn{
		UserID: req.UserID,
		Role:   types.Role(req.Role),
		Kind:   types.Kind(req.Kind),
		Text:   req.Text,
	}
	if req.Timestamp != nil {
		turn.Timestamp = *req.Timestamp
	}

	saved, err := h.manager.Save(r.Context(), turn)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// GetContext handles GET /api/context.
func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	query := r.URL.Query().Get("query")
	limit := queryInt(r, "limit", 0)

	bundle, err := h.manager.GetContext(r.Context(), user, query, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// Search handles GET /api/search. Optional filters: type narrows hits to
// turns mentioning an entity of that type, from/to (RFC 3339) bound the
// covered time range.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	query := r.URL.Query().Get("query")
	limit := queryInt(r, "limit", 0)

	filters, err := searchFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	resp, err := h.manager.Search(r.Context(), user, query, limit, filters)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchFilters parses the optional type/from/to query parameters.
func searchFilters(r *http.Request) (storage.SearchFilters, error) {
	var filters storage.SearchFilters
	filters.EntityType = types.EntityType(r.URL.Query().Get("type"))

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, fmt.Errorf("invalid 'from' timestamp %q, want RFC 3339", raw)
		}
		filters.From = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, fmt.Errorf("invalid 'to' timestamp %q, want RFC 3339", raw)
		}
		filters.To = t
	}
	return filters, nil
}

// ListEntities handles GET /api/entities.
func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	entityType := types.EntityType(r.URL.Query().Get("type"))
	opts := storage.ListOptions{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}

	result, err := h.manager.ListEntities(r.Context(), user, entityType, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type addAliasRequest struct {
	UserID string `json:"user_id"`
	Alias  string `json:"alias"`
}

// AddAlias handles POST /api/entities/{id}/aliases.
func (h *Handlers) AddAlias(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")

	var req addAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
		return
	}

	if err := h.manager.AddAlias(r.Context(), req.UserID, entityID, req.Alias); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteEntity handles DELETE /api/entities/{id}.
func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")
	user := r.URL.Query().Get("user")

	if err := h.manager.DeleteEntity(r.Context(), user, entityID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runConsolidationRequest struct {
	UserID string `json:"user_id"`
}

// RunConsolidation handles POST /api/consolidation/run.
func (h *Handlers) RunConsolidation(w http.ResponseWriter, r *http.Request) {
	var req runConsolidationRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON body")
			return
		}
	}

	run, err := h.manager.RunConsolidation(r.Context(), req.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetStatus handles GET /api/status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status(r.Context()))
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Healthy(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
