package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/heartbridge/backend/internal/logging"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/models"
	"github.com/heartbridge/backend/internal/services"
)

// writeJSON serializes data as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
// For simple client errors (400-level), use: writeError(w, status, msg)
// For server errors with cause, use: writeErrorWithCause(ctx, w, status, msg, err)
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}

// writeErrorWithCause writes an error response and logs the error with stack trace.
// Use this for server errors (500-level) where you have an underlying error to log.
func writeErrorWithCause(ctx context.Context, w http.ResponseWriter, status int, message string, err error) {
	writeError(w, status, message)

	// Don't log 401/403 - handled by security event logging
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return
	}

	if status >= 400 && err != nil {
		wrappedErr := logging.WrapError(err, message)
		logging.LogErrorWithStatus(ctx, status, "error response", wrappedErr)
	}
}

// writeServiceError maps a store error to its HTTP status. Classified errors
// carry a client-safe message; anything else is logged and reported as a 500.
func writeServiceError(ctx context.Context, w http.ResponseWriter, m *metrics.Metrics, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		writeErrorWithCause(ctx, w, status, "internal error", err)
		return
	}
	recordRejection(ctx, m, err)
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindAuth:
		return http.StatusUnauthorized
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// recordRejection counts a classified failure and logs auth failures as
// security events.
func recordRejection(ctx context.Context, m *metrics.Metrics, err error) {
	kind := services.KindOf(err)
	m.RequestsRejected.WithLabelValues(string(kind)).Inc()

	if kind != services.KindAuth {
		return
	}
	switch {
	case errors.Is(err, services.ErrTokenSuperseded):
		logging.LogSecurityEvent(ctx, logging.SecurityEventSupersededToken, err.Error())
	case errors.Is(err, services.ErrTokenMismatch):
		logging.LogSecurityEvent(ctx, logging.SecurityEventTokenMismatch, err.Error())
	default:
		logging.LogSecurityEvent(ctx, logging.SecurityEventInvalidToken, err.Error())
	}
}

// decodeBody decodes a JSON request body of at most limit bytes.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
}

func performanceResponse(p services.Performance, action string, withToken bool) models.PerformanceResponse {
	resp := models.PerformanceResponse{
		Action:          action,
		PerformanceID:   p.ID,
		Artist:          p.Artist,
		Title:           p.Title,
		Email:           p.Email,
		Description:     p.Description,
		PerformanceDate: p.PerformanceDate.Unix(),
		Duration:        p.DurationMinutes(),
		Status:          p.Status,
	}
	if withToken {
		resp.Token = p.Token
	}
	return resp
}

func registerParams(req models.RegisterRequest) services.RegisterParams {
	params := services.RegisterParams{
		Artist:      req.Artist,
		Title:       req.Title,
		Email:       req.Email,
		Description: req.Description,
		Duration:    req.Duration,
	}
	if req.PerformanceDate != nil {
		start := req.PerformanceDate.Time()
		params.PerformanceDate = &start
	}
	return params
}

func updateParams(req models.UpdateRequest) services.UpdateParams {
	params := services.UpdateParams{
		Artist:      req.Artist,
		Title:       req.Title,
		Email:       req.Email,
		Description: req.Description,
		Duration:    req.Duration,
	}
	if req.PerformanceDate != nil {
		start := req.PerformanceDate.Time()
		params.PerformanceDate = &start
	}
	return params
}
