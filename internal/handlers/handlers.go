package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"changecache/internal/auth"
	"changecache/internal/models"
)

var logger = loggo.GetLogger("changecache.handlers")

// EntityService defines the operations the HTTP layer needs
type EntityService interface {
	GetEntity(ctx context.Context, id string) (models.Entity, error)
	GetEntities(ctx context.Context, ids []string) (map[string]models.Entity, error)
	PutEntity(ctx context.Context, id string, data json.RawMessage, by string) (models.Entity, error)
	DeleteEntity(ctx context.Context, id string, by string) error
	ChangesSince(pos int64) ([]string, bool)
	HasChanged(id string, pos int64) (bool, int64)
	HasAnyChanged(pos int64) bool
	ChangedAmong(ids []string, pos int64) ([]string, bool)
	Position(ctx context.Context) (int64, error)
}

// BatchRequest represents the request body for batch entity reads
type BatchRequest struct {
	IDs []string `json:"ids"`
}

// ChangedQueryRequest asks which of IDs may have changed after Since
type ChangedQueryRequest struct {
	IDs   []string `json:"ids"`
	Since *int64   `json:"since"`
}

// EntityHandler handles HTTP requests for entities and their changes
type EntityHandler struct {
	service EntityService
}

// NewEntityHandler creates a new EntityHandler
func NewEntityHandler(service EntityService) *EntityHandler {
	return &EntityHandler{service: service}
}

// Register wires the handler's routes. write wraps the mutating routes,
// typically with auth.JWTMiddleware.Authenticate; the writer recorded on a
// change is the subject it leaves in the request context.
func (h *EntityHandler) Register(r *mux.Router, write func(http.Handler) http.Handler) {
	if write == nil {
		write = func(next http.Handler) http.Handler { return next }
	}
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/entities/batch", h.BatchEntities).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/entities/{id}", h.GetEntity).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/entities/{id}", write(http.HandlerFunc(h.PutEntity))).Methods(http.MethodPut)
	api.Handle("/entities/{id}", write(http.HandlerFunc(h.DeleteEntity))).Methods(http.MethodDelete)
	api.HandleFunc("/position", h.Position).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/changes", h.ChangesSince).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/changes/any", h.HasAnyChanged).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/changes/query", h.QueryChanged).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/changes/{id}", h.HasChanged).Methods(http.MethodGet, http.MethodOptions)
}

// GetEntity handles GET /api/v1/entities/{id}
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	entity, err := h.service.GetEntity(r.Context(), id)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Errorf("getting entity %q: %v", id, err)
		h.writeError(w, http.StatusInternalServerError, "failed to get entity")
		return
	}

	h.writeJSON(w, http.StatusOK, models.EntityResponse{
		Success: true,
		Data:    map[string]models.Entity{id: entity},
	})
}

// PutEntity handles PUT /api/v1/entities/{id}; the body is the entity data
func (h *EntityHandler) PutEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	entity, err := h.service.PutEntity(r.Context(), id, data, auth.SubjectFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, errors.NotValid) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Errorf("putting entity %q: %v", id, err)
		h.writeError(w, http.StatusInternalServerError, "failed to put entity")
		return
	}

	h.writeJSON(w, http.StatusOK, models.EntityResponse{
		Success: true,
		Data:    map[string]models.Entity{id: entity},
	})
}

// DeleteEntity handles DELETE /api/v1/entities/{id}
func (h *EntityHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.DeleteEntity(r.Context(), id, auth.SubjectFromContext(r.Context())); err != nil {
		logger.Errorf("deleting entity %q: %v", id, err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete entity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BatchEntities handles POST /api/v1/entities/batch
func (h *EntityHandler) BatchEntities(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	entities, err := h.service.GetEntities(r.Context(), req.IDs)
	if err != nil {
		logger.Errorf("batch read: %v", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get entities")
		return
	}

	h.writeJSON(w, http.StatusOK, models.EntityResponse{Success: true, Data: entities})
}

// Position handles GET /api/v1/position
func (h *EntityHandler) Position(w http.ResponseWriter, r *http.Request) {
	pos, err := h.service.Position(r.Context())
	if err != nil {
		logger.Errorf("reading position: %v", err)
		h.writeError(w, http.StatusServiceUnavailable, "position unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "position": pos})
}

// ChangesSince handles GET /api/v1/changes?since=P
func (h *EntityHandler) ChangesSince(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}

	entities, known := h.service.ChangesSince(since)
	if entities == nil {
		entities = []string{}
	}
	h.writeJSON(w, http.StatusOK, models.ChangesResponse{
		Success:  true,
		Since:    since,
		Known:    known,
		Entities: entities,
	})
}

// HasAnyChanged handles GET /api/v1/changes/any?since=P
func (h *EntityHandler) HasAnyChanged(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, models.ChangedResponse{
		Success: true,
		Since:   since,
		Changed: h.service.HasAnyChanged(since),
	})
}

// HasChanged handles GET /api/v1/changes/{id}?since=P
func (h *EntityHandler) HasChanged(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	since, ok := h.since(w, r)
	if !ok {
		return
	}

	changed, last := h.service.HasChanged(id, since)
	h.writeJSON(w, http.StatusOK, models.ChangedResponse{
		Success:    true,
		Entity:     id,
		Since:      since,
		Changed:    changed,
		LastChange: last,
	})
}

// QueryChanged handles POST /api/v1/changes/query
func (h *EntityHandler) QueryChanged(w http.ResponseWriter, r *http.Request) {
	var req ChangedQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Since == nil {
		h.writeError(w, http.StatusBadRequest, "since is required")
		return
	}

	entities, known := h.service.ChangedAmong(req.IDs, *req.Since)
	if entities == nil {
		entities = []string{}
	}
	h.writeJSON(w, http.StatusOK, models.ChangesResponse{
		Success:  true,
		Since:    *req.Since,
		Known:    known,
		Entities: entities,
	})
}

// since parses the since query parameter, writing a 400 when it is bad
func (h *EntityHandler) since(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "since parameter is required")
		return 0, false
	}
	pos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "since must be an integer")
		return 0, false
	}
	return pos, true
}

// writeJSON writes a JSON response
func (h *EntityHandler) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warningf("encoding response: %v", err)
	}
}

// writeError writes an error response
func (h *EntityHandler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]any{
		"success": false,
		"error":   message,
	})
}
