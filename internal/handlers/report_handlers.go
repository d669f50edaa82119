package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/repository"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/services"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReportHandler serves the trigger and the report API.
type ReportHandler struct {
	cycles    *services.CycleService
	dashboard *services.DashboardService
	health    HealthChecker
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewReportHandler creates a new report handler
func NewReportHandler(
	cycles *services.CycleService,
	dashboard *services.DashboardService,
	health HealthChecker,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ReportHandler {
	return &ReportHandler{
		cycles:    cycles,
		dashboard: dashboard,
		health:    health,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

func (h *ReportHandler) observe(path string, start time.Time) {
	h.metrics.APIRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
}

// Fetch handles GET /fetch. It only decides admission; the cycle runs in
// the background.
func (h *ReportHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/fetch", time.Now())

	result, err := h.cycles.Run(ctx)
	if err != nil {
		h.logger.Error(ctx, "[API_FETCH_ERROR] Failed to trigger cycle", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", "/fetch")
		h.sendError(w, r, "failed to trigger forecast cycle", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/fetch", r.Method, "200")
	h.sendJSON(w, result, http.StatusOK)
}

// ListReports handles GET /api/reports
func (h *ReportHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/api/reports", time.Now())

	page := 1
	limit := 50

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p < 1 {
			h.sendError(w, r, "invalid page, expected positive integer", http.StatusBadRequest)
			return
		}
		page = p
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 || l > 500 {
			h.sendError(w, r, "invalid limit, expected integer between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = l
	}

	reports, total, err := h.dashboard.History(ctx, limit, (page-1)*limit)
	if err != nil {
		h.logger.Error(ctx, "[API_LIST_REPORTS_ERROR] Failed to list reports", logging.Fields{
			"page":  page,
			"limit": limit,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/reports")
		h.sendError(w, r, "failed to retrieve reports", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/reports", r.Method, "200")
	h.sendJSON(w, PaginatedResponse{
		Data:       reports,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, http.StatusOK)
}

// LatestReport handles GET /api/reports/latest
func (h *ReportHandler) LatestReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer h.observe("/api/reports/latest", time.Now())

	latest, err := h.dashboard.Latest(ctx)
	if repository.IsNotFound(err) {
		h.sendError(w, r, "no finalized report yet", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error(ctx, "[API_LATEST_REPORT_ERROR] Failed to load latest report", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", "/api/reports/latest")
		h.sendError(w, r, "failed to retrieve latest report", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/reports/latest", r.Method, "200")
	h.sendJSON(w, latest, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *ReportHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"cycles":    h.cycles.Stats(),
	}

	code := http.StatusOK
	if err := h.health.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK] Report store unreachable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		status["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

// sendJSON sends a JSON response
func (h *ReportHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	writeJSON(w, data, statusCode)
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *ReportHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers the trigger and report API routes
func (h *ReportHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/fetch", h.Fetch).Methods("GET")
	router.HandleFunc("/api/reports", h.ListReports).Methods("GET")
	router.HandleFunc("/api/reports/latest", h.LatestReport).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
