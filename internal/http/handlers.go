package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache/internal/client"
	"github.com/kjstillabower/weather-cache/internal/degraded"
	"github.com/kjstillabower/weather-cache/internal/lifecycle"
	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
	"github.com/kjstillabower/weather-cache/internal/service"
	"github.com/kjstillabower/weather-cache/internal/traffic"
	"github.com/kjstillabower/weather-cache/internal/validation"
)

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	// TrafficWindow is the sliding window for the upstream error rate.
	TrafficWindow    time.Duration
	DegradedErrorPct int
	RateLimitRPS     int
	RateLimitBurst   int // 0 when rate limiter disabled
	StartTime        time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	weatherService *service.WeatherService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weatherService: weatherService,
		healthConfig:   healthConfig,
		logger:         logger,
		rateLimiter:    rateLimiter,
	}
}

// GetForecast handles GET /forecast?lat=&lon=&days=.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	h.getWeather(w, r, models.CategoryForecast)
}

// GetHistorical handles GET /historical?lat=&lon=&days=.
func (h *Handler) GetHistorical(w http.ResponseWriter, r *http.Request) {
	h.getWeather(w, r, models.CategoryHistorical)
}

func (h *Handler) getWeather(w http.ResponseWriter, r *http.Request, category models.Category) {
	q, err := validation.ParseWeatherQuery(category, r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}

	loc := models.Location{Latitude: q.Latitude, Longitude: q.Longitude}
	result, err := h.weatherService.GetWeather(r.Context(), q.Category, loc, q.Days)
	if err != nil {
		recordOutcome(err)
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// SearchLocations handles GET /locations?name=.
func (h *Handler) SearchLocations(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateLocation(r.URL.Query().Get("name"), validation.MinLocationLen, validation.MaxLocationLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}

	locations, err := h.weatherService.SearchLocations(r.Context(), name)
	if err != nil {
		recordOutcome(err)
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":     name,
		"locations": locations,
	})
}

// NearestLocation handles GET /locations/nearest?lat=&lon=.
func (h *Handler) NearestLocation(w http.ResponseWriter, r *http.Request) {
	q, err := validation.ParseCoordinates(r.URL.Query())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}

	loc, err := h.weatherService.NearestLocation(r.Context(), q.Latitude, q.Longitude)
	if err != nil {
		recordOutcome(err)
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, loc)
}

// recordOutcome counts err against the upstream error rate. Bad queries and unknown
// places are successful exchanges with the upstream; a rejected API key is not.
func recordOutcome(err error) {
	if client.IsUpstreamFailure(err) || errors.Is(err, client.ErrInvalidAPIKey) {
		traffic.RecordError()
		return
	}
	traffic.RecordSuccess()
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]interface{}{
		"weatherApi": "healthy",
		"cache":      "local",
	}
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.weatherService != nil {
		remote := h.weatherService.CacheRemoteAvailable()
		if remote {
			checks["cache"] = "remote"
		}
		checks["cacheReprobe"] = reprobeCheck(h.weatherService.CacheReprobeStatus(), remote)
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "weather-cache",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.healthConfig.StartTime).Truncate(time.Second).String()
	}
	if since, ok := lifecycle.ShuttingDownSince(); ok {
		resp["shuttingDownSince"] = since.UTC().Format(time.RFC3339)
	}
	writeJSON(w, result.statusCode, resp)
}

// reprobeCheck renders the re-probe policy. nextDelay appears only while the cache is
// on its local tier under a scheduled policy.
func reprobeCheck(st degraded.Status, remote bool) map[string]string {
	out := map[string]string{"policy": st.Policy}
	if !remote && st.NextDelay > 0 {
		out["nextDelay"] = st.NextDelay.String()
	}
	return out
}

// computeHealthStatus evaluates conditions in priority order: shutting-down > degraded > healthy.
// The cache tier never affects the status: serving from the local store is a supported mode.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.TrafficWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.TrafficWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func correlationID(r *http.Request) string {
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		return v
	}
	return ""
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r),
		},
	})
}

// writeQueryError writes 400 INVALID_QUERY listing every rejected parameter.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *validation.QueryError
	if !errors.As(err, &qe) {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": map[string]interface{}{
			"code":      "INVALID_QUERY",
			"message":   qe.Error(),
			"fields":    qe.Fields,
			"requestId": correlationID(r),
		},
	})
}

// writeServiceError maps a service error to a response. Upstream failures are 502; the
// underlying error is logged at DEBUG, never returned to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("request failed",
			zap.Error(err),
			zap.String("error_category", string(client.CategorizeError(err))))
	}
	switch {
	case errors.Is(err, client.ErrBadRequest):
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", "Upstream rejected the query")
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Upstream did not answer in time")
	case errors.Is(err, context.Canceled):
		writeError(w, r, http.StatusServiceUnavailable, "REQUEST_CANCELLED", "Request cancelled")
	default:
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	}
}

// GetTestStatus handles GET /test. Returns the traffic counters health decisions are made from.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := h.trafficWindow()
	errs, total := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	resp := map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errs,
		"outcomes_in_window":        total,
		"window_length":             window.String(),
		"cache_remote_available":    h.weatherService != nil && h.weatherService.CacheRemoteAvailable(),
		"config":                    cfg,
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for load, error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

func (h *Handler) trafficWindow() time.Duration {
	if h.healthConfig != nil && h.healthConfig.TrafficWindow > 0 {
		return h.healthConfig.TrafficWindow
	}
	return 60 * time.Second
}

func decodeCount(r *http.Request, def int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return def
	}
	return body.Count
}

// postTestLoad records count synthetic requests, passing them through the rate limiter when set.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := decodeCount(r, 10)
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < count; i++ {
			if h.rateLimiter.Allow() {
				traffic.RecordSuccess()
				accepted++
			} else {
				traffic.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		traffic.RecordSuccessN(count)
		accepted = count
	}
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    h.computeHealthStatus().status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError records count synthetic upstream errors.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	count := decodeCount(r, 1)
	traffic.RecordErrorN(count)
	errs, total := traffic.ErrorRate(h.trafficWindow())
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(count) + " errors",
		"state":          h.computeHealthStatus().status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears traffic counters and the shutdown flag.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}
