package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
)

// WeatherPath is the single resource the aggregation server exposes.
const WeatherPath = "/weather.json"

// RouterConfig carries the middleware settings for NewRouter.
type RouterConfig struct {
	Logger         *zap.Logger
	InFlight       *InFlightTracker
	Traffic        *traffic.Tracker
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	TestingMode    bool
}

// NewRouter mounts the weather, health, metrics and (in testing mode) /test
// routes. Any other path or method answers 400 "Bad Request".
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inFlight := cfg.InFlight
	if inFlight == nil {
		inFlight = &InFlightTracker{}
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(inFlight))
	router.NotFoundHandler = withCorrelation(logger, http.HandlerFunc(BadRequest))
	router.MethodNotAllowedHandler = withCorrelation(logger, http.HandlerFunc(BadRequest))

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weather := func(f http.HandlerFunc) http.Handler {
		var next http.Handler = f
		next = BodyLimitMiddleware(cfg.MaxBodyBytes)(next)
		if cfg.RequestTimeout > 0 {
			next = TimeoutMiddleware(cfg.RequestTimeout)(next)
		}
		return RateLimitMiddleware(cfg.Limiter, cfg.Traffic)(next)
	}
	router.Handle(WeatherPath, weather(h.PutWeather)).Methods(http.MethodPut)
	router.Handle(WeatherPath, weather(h.GetWeather)).Methods(http.MethodGet)

	if cfg.TestingMode {
		logger.Warn("testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}
	return router
}

// withCorrelation applies the correlation middleware to handlers mux calls
// outside its middleware chain.
func withCorrelation(logger *zap.Logger, next http.Handler) http.Handler {
	return CorrelationIDMiddleware(logger)(next)
}
