package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heartbridge/backend/internal/config"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/models"
	"github.com/heartbridge/backend/internal/services"
)

// PerformanceHandler serves the REST interface for registering, editing and
// browsing performances.
type PerformanceHandler struct {
	store   *services.PerformanceStore
	metrics *metrics.Metrics
	maxBody int64
}

// NewPerformanceHandler creates a PerformanceHandler with the required dependencies.
func NewPerformanceHandler(store *services.PerformanceStore, m *metrics.Metrics, cfg *config.Config) *PerformanceHandler {
	return &PerformanceHandler{
		store:   store,
		metrics: m,
		maxBody: cfg.MaxMessageBytes,
	}
}

// Register creates a performance and returns it with its first token.
func (h *PerformanceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeBody(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.store.Register(registerParams(req))
	if err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}

	writeJSON(w, http.StatusCreated, performanceResponse(p, "", true))
}

// Update applies a partial update and returns the performance with a fresh token.
func (h *PerformanceHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRequest
	if err := decodeBody(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.store.Update(req.Token, updateParams(req))
	if err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}

	writeJSON(w, http.StatusOK, performanceResponse(p, "", true))
}

// Delete removes the performance the token belongs to.
func (h *PerformanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req models.DeleteRequest
	if err := decodeBody(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.Delete(req.Token); err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Status: "success"})
}

// List returns every live performance. Tokens are never included.
func (h *PerformanceHandler) List(w http.ResponseWriter, r *http.Request) {
	performances := h.store.List()

	resp := models.PerformanceListResponse{
		Performances: make([]models.PerformanceResponse, 0, len(performances)),
	}
	for _, p := range performances {
		resp.Performances = append(resp.Performances, performanceResponse(p, "", false))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get returns a single performance without its token.
func (h *PerformanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}

	writeJSON(w, http.StatusOK, performanceResponse(p, "", false))
}

// GetStatus returns the current status code of a performance.
func (h *PerformanceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.store.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}

	writeJSON(w, http.StatusOK, models.StatusResponse{Status: status})
}

// SetStatus changes the status of a performance and pushes it to subscribers.
// The response carries the re-minted token.
func (h *PerformanceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req models.SetStatusRequest
	if err := decodeBody(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	p, err := h.store.SetStatus(chi.URLParam(r, "id"), req.Token, *req.Status)
	if err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SetStatusResponse{
		Status:        "success",
		PerformanceID: p.ID,
		Token:         p.Token,
	})
}

// Health reports liveness and the number of live performances.
func (h *PerformanceHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:       "ok",
		Performances: len(h.store.List()),
	})
}
