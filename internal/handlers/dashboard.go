package handlers

import (
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/models"
	"github.com/sjdonado/real-time-temp-forecast-baq/internal/services"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/metrics"
)

const historyLimit = 48

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"celsius": func(k float64) string {
		return formatCelsius(k)
	},
	"forecast": func(r *models.Report) string {
		if r.Forecast == nil {
			return "-"
		}
		return formatCelsius(*r.Forecast)
	},
	"ts": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
	"nextHour": func(s models.Series) string {
		if len(s) == 0 {
			return ""
		}
		return s.Last().Timestamp.Add(time.Hour).UTC().Format("2006-01-02 15:04 UTC")
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>{{.Station}} temperature forecast</title>
    <style>
        body { font-family: sans-serif; margin: 2em; color: #222; }
        table { border-collapse: collapse; margin-bottom: 2em; }
        th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: right; }
        th { background: #f4f4f4; }
        .synthetic { color: #999; font-style: italic; }
        .failed { color: #b00; }
    </style>
</head>
<body>
    <h1>{{.Station}} next-hour temperature</h1>
    {{with .View.Latest}}
    <p>Forecast for {{nextHour .Series}}: <strong>{{forecast .Report}}</strong>
    {{if .URL}}(<a href="{{.URL}}">series CSV</a>){{end}}</p>
    <table>
        <tr><th>Hour</th><th>Observed</th></tr>
        {{range .Series}}<tr{{if .Synthetic}} class="synthetic"{{end}}><td>{{ts .Timestamp}}</td><td>{{celsius .Value}}</td></tr>
        {{end}}
    </table>
    {{else}}
    <p>No forecast yet. Trigger one with <a href="/fetch">/fetch</a>.</p>
    {{end}}

    <h2>History</h2>
    <table>
        <tr><th>#</th><th>Created</th><th>Status</th><th>Forecast</th></tr>
        {{range .View.History}}<tr{{if eq .Status "failed"}} class="failed"{{end}}><td>{{.ID}}</td><td>{{ts .Created}}</td><td>{{.Status}}</td><td>{{forecast .}}</td></tr>
        {{end}}
    </table>

    {{if .View.Artifacts}}
    <h2>Model artifacts</h2>
    <ul>
        {{range .View.Artifacts}}<li><a href="{{.URL}}">{{.Key}}</a> (link valid until {{ts .ExpiresAt}})</li>
        {{end}}
    </ul>
    {{end}}
    <p><small>Generated {{ts .View.GeneratedAt}}</small></p>
</body>
</html>`))

func formatCelsius(kelvin float64) string {
	return strconv.FormatFloat(kelvin-models.KelvinOffset, 'f', 1, 64) + " °C"
}

// DashboardHandler renders the HTML dashboard.
type DashboardHandler struct {
	dashboard *services.DashboardService
	station   string
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(dashboard *services.DashboardService, station string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *DashboardHandler {
	return &DashboardHandler{
		dashboard: dashboard,
		station:   station,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Redirect handles GET / by sending the browser to the dashboard.
func (h *DashboardHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/dashboard/", http.StatusFound)
}

// Dashboard handles GET /dashboard/
func (h *DashboardHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues("/dashboard/").Observe(time.Since(start).Seconds())
	}()

	view, err := h.dashboard.View(ctx, historyLimit)
	if err != nil {
		h.logger.Error(ctx, "[DASHBOARD_ERROR] Failed to build dashboard", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", "/dashboard/")
		h.metrics.RecordAPIRequest("/dashboard/", r.Method, "500")
		http.Error(w, "failed to load dashboard", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, struct {
		Station string
		View    *services.DashboardView
	}{Station: h.station, View: view}); err != nil {
		h.logger.Error(ctx, "[DASHBOARD_RENDER_ERROR] Failed to render dashboard", logging.Fields{}, err)
		return
	}
	h.metrics.RecordAPIRequest("/dashboard/", r.Method, "200")
}

// RegisterRoutes registers the dashboard routes
func (h *DashboardHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.Redirect).Methods("GET")
	router.HandleFunc("/dashboard/", h.Dashboard).Methods("GET")
	router.Handle("/dashboard", http.RedirectHandler("/dashboard/", http.StatusMovedPermanently)).Methods("GET")
}

// RegisterFiles serves a local storage directory under /files/.
func RegisterFiles(router *mux.Router, root string) {
	router.PathPrefix("/files/").Handler(http.StripPrefix("/files/", http.FileServer(http.Dir(root)))).Methods("GET")
}
