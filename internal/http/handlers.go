package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-aggregation-service/internal/lifecycle"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
	"github.com/kjstillabower/weather-aggregation-service/internal/validation"
)

const (
	msgBadRequest      = "Bad Request"
	msgBodyTooLarge    = "Request body too large"
	defaultTestWindow  = 60 * time.Second
	healthServiceName  = "weather-aggregation-service"
	healthPingDeadline = 2 * time.Second
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc          *service.AggregationService
	tracker      *traffic.Tracker
	state        *lifecycle.State
	healthConfig *HealthConfig
	logger       *zap.Logger
	rateLimiter  *rate.Limiter

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig and rateLimiter may be nil.
func NewHandler(
	svc *service.AggregationService,
	tracker *traffic.Tracker,
	state *lifecycle.State,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:          svc,
		tracker:      tracker,
		state:        state,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// PutWeather handles PUT /weather.json. The Logical-Time header is checked
// before the body is read, so a missing header answers 400 whatever the body size.
func (h *Handler) PutWeather(w http.ResponseWriter, r *http.Request) {
	raw, present := logicalTimeHeader(r)
	if _, err := validation.ParseLogicalTime(raw, present); err != nil {
		resp := h.svc.Put(r.Context(), service.PutRequest{LogicalTime: raw, HasLogicalTime: present})
		writeResponse(w, resp)
		h.record(resp.Status)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			h.record(http.StatusRequestEntityTooLarge)
			return
		}
		observability.LoggerFromContext(r.Context(), h.logger).Debug("read request body", zap.Error(err))
		writeText(w, http.StatusBadRequest, msgBadRequest)
		h.record(http.StatusBadRequest)
		return
	}

	resp := h.svc.Put(r.Context(), service.PutRequest{
		LogicalTime:    raw,
		HasLogicalTime: present,
		ContentType:    r.Header.Get("Content-Type"),
		Body:           body,
	})
	writeResponse(w, resp)
	h.record(resp.Status)
}

// GetWeather handles GET /weather.json. An optional ?id= restricts the result to one station.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	raw, present := logicalTimeHeader(r)
	resp := h.svc.Get(r.Context(), service.GetRequest{
		LogicalTime:    raw,
		HasLogicalTime: present,
		StationID:      strings.TrimSpace(r.URL.Query().Get("id")),
	})
	writeResponse(w, resp)
	h.record(resp.Status)
}

// BadRequest answers every unmatched route and method.
func BadRequest(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusBadRequest, msgBadRequest)
}

// logicalTimeHeader distinguishes an absent header from an empty one.
func logicalTimeHeader(r *http.Request) (string, bool) {
	values := r.Header.Values(validation.LogicalTimeHeader)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (h *Handler) record(status int) {
	if h.tracker == nil {
		return
	}
	if status >= http.StatusInternalServerError {
		h.tracker.Record(traffic.Error)
		return
	}
	h.tracker.Record(traffic.Success)
}

// writeResponse writes a service response, adding the Logical-Time header when set.
func writeResponse(w http.ResponseWriter, resp service.Response) {
	if resp.LogicalTime > 0 {
		w.Header().Set(validation.LogicalTimeHeader, strconv.FormatInt(resp.LogicalTime, 10))
	}
	if resp.Status == http.StatusNoContent {
		w.WriteHeader(resp.Status)
		return
	}
	contentType := resp.ContentType
	if contentType == "text/plain" {
		contentType = "text/plain; charset=utf-8"
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	storeOK    bool
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

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

	checks := map[string]string{"persistence": "healthy"}
	if !result.storeOK {
		checks["persistence"] = "unhealthy"
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":       result.status,
		"service":      healthServiceName,
		"version":      "dev",
		"checks":       checks,
		"stations":     h.svc.Stations(),
		"logical_time": h.svc.LogicalTime(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > persistence unreachable > overloaded > idle > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if h.state != nil && h.state.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", true}
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthPingDeadline)
	defer cancel()
	if err := h.svc.Ping(pingCtx); err != nil {
		observability.LoggerFromContext(ctx, h.logger).Debug("persistence ping failed", zap.Error(err))
		return healthResult{"degraded", http.StatusServiceUnavailable, "persistence_unreachable", false}
	}

	cfg := h.healthConfig
	if cfg == nil || h.tracker == nil {
		return healthResult{"healthy", http.StatusOK, "", true}
	}

	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		if float64(h.tracker.RequestCount(cfg.OverloadWindow)) > overloadThreshold(cfg) {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", true}
		}
	}

	if cfg.IdleWindow > 0 && cfg.MinimumLifespan > 0 && h.state != nil && h.state.Uptime() >= cfg.MinimumLifespan {
		perMin := float64(h.tracker.RequestCount(cfg.IdleWindow)) / cfg.IdleWindow.Minutes()
		if perMin < float64(cfg.IdleThresholdReqPerMin) {
			return healthResult{"idle", http.StatusOK, "low_traffic", true}
		}
	}

	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := h.tracker.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", true}
		}
	}

	return healthResult{"healthy", http.StatusOK, "", true}
}

func overloadThreshold(cfg *HealthConfig) float64 {
	return float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
}

func (h *Handler) testWindow() time.Duration {
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		return h.healthConfig.DegradedWindow
	}
	return defaultTestWindow
}

// GetTestStatus handles GET /test. Returns current traffic counters.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := h.testWindow()
	errs, _ := h.tracker.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = int(overloadThreshold(h.healthConfig))
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  h.tracker.RequestCount(window),
		"denied_requests_in_window": h.tracker.Count(traffic.Denied, window),
		"errors_in_window":          errs,
		"window_length":             window.String(),
		"stations":                  h.svc.Stations(),
		"logical_time":              h.svc.LogicalTime(),
		"shutting_down":             h.state.IsShuttingDown(),
		"config":                    cfg,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset, shutdown and clear.
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
	case "clear":
		h.postTestClear(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok":      false,
			"action":  action,
			"message": "unknown test action: " + action,
		})
	}
}

func readCount(r *http.Request, def int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return def
	}
	return body.Count
}

// postTestLoad records synthetic requests, passing each through the rate limiter when configured.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := readCount(r, 10)
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < count; i++ {
			if h.rateLimiter.Allow() {
				h.tracker.Record(traffic.Success)
				accepted++
			} else {
				h.tracker.Record(traffic.Denied)
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		h.tracker.RecordN(traffic.Success, count)
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
		"state":    h.computeHealthStatus(r.Context()).status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError records synthetic 5xx outcomes.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	count := readCount(r, 1)
	h.tracker.RecordN(traffic.Error, count)
	errs, total := h.tracker.ErrorRate(h.testWindow())
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(count) + " errors",
		"state":          h.computeHealthStatus(r.Context()).status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears traffic counters and the shutting-down flag.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	h.tracker.Reset()
	h.state.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the shutting-down flag; /health reports it from then on.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	h.state.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}

// postTestClear empties the observation store and persists the empty snapshot.
func (h *Handler) postTestClear(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Clear(r.Context()); err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Error("clear store", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":      false,
			"action":  "clear",
			"message": "Store cleared but snapshot flush failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "clear",
		"message": "Observation store cleared",
	})
}
