// Package client talks to the aggregation server's PUT/GET contract. It
// keeps its own Lamport clock, retries transient failures with a fixed delay
// and trips a circuit breaker when the server keeps failing.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/lamport"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/validation"
)

var (
	// ErrServerError marks a failure worth retrying: transport errors and 5xx
	// answers other than payload rejections.
	ErrServerError = errors.New("aggregation server error")
	// ErrRejected marks a request the server refused on its merits. Never retried.
	ErrRejected = errors.New("request rejected by aggregation server")
	// ErrCircuitOpen is returned without contacting the server while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

const (
	weatherPath      = "/weather.json"
	maxResponseBytes = 8 << 20
	breakerComponent = "aggregation_server"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerOpenDelay = 30 * time.Second
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aggregation server answered %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies the answer. 4xx and 500 payload rejections are the
// client's fault; every other 5xx is the server's.
func (e *StatusError) Unwrap() error {
	if e.StatusCode < http.StatusInternalServerError || strings.HasPrefix(e.Body, "Invalid payload") {
		return ErrRejected
	}
	return ErrServerError
}

// Config configures an AggregationClient.
type Config struct {
	ServerURL        string
	Timeout          time.Duration
	RetryAttempts    uint
	RetryDelay       time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// AggregationClient sends observations to, and reads them from, one aggregation server.
type AggregationClient struct {
	baseURL    string
	httpClient *http.Client
	clock      *lamport.Clock
	breaker    *gobreaker.CircuitBreaker
	attempts   uint
	delay      time.Duration
	logger     *zap.Logger
}

// New returns a client for cfg.ServerURL. A missing scheme defaults to http://.
func New(cfg Config, logger *zap.Logger) (*AggregationClient, error) {
	base, err := NormalizeServerURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = DefaultBreakerOpenDelay
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerComponent,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(float64(gobreaker.StateClosed))

	return &AggregationClient{
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      lamport.New(),
		breaker:    breaker,
		attempts:   cfg.RetryAttempts,
		delay:      cfg.RetryDelay,
		logger:     logger,
	}, nil
}

// NormalizeServerURL prefixes http:// when no scheme is given and strips a trailing slash.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("server URL is required")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// LogicalTime returns the client's current Lamport time.
func (c *AggregationClient) LogicalTime() int64 {
	return c.clock.Current()
}

// Put uploads obs and returns the final HTTP status (201 created, 200 updated).
// Transient failures are retried with a fixed delay; rejections are not.
func (c *AggregationClient) Put(ctx context.Context, obs models.Observation) (int, error) {
	body, err := models.EncodeObservation(obs)
	if err != nil {
		return 0, fmt.Errorf("encode observation %s: %w", obs.ID, err)
	}
	resp, err := c.do(ctx, http.MethodPut, c.baseURL+weatherPath, body)
	if err != nil {
		return 0, err
	}
	return resp.status, nil
}

// Get fetches every observation, or only stationID's when it is non-empty.
func (c *AggregationClient) Get(ctx context.Context, stationID string) ([]models.Observation, error) {
	target := c.baseURL + weatherPath
	if stationID != "" {
		target += "?id=" + url.QueryEscape(stationID)
	}
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNoContent || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, nil
	}
	obs, err := models.DecodeObservations(resp.body)
	if err != nil {
		return nil, fmt.Errorf("decode GET response: %w", err)
	}
	return obs, nil
}

type response struct {
	status int
	body   []byte
}

// do runs one logical request: every attempt goes through the breaker and
// the retry policy decides whether to try again.
func (c *AggregationClient) do(ctx context.Context, method, target string, body []byte) (*response, error) {
	attempt := 0
	return retry.DoWithData(
		func() (*response, error) {
			attempt++
			if attempt > 1 {
				observability.ClientRetriesTotal.Inc()
			}
			return c.attempt(ctx, method, target, body)
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if n+1 < c.attempts {
				c.logger.Warn("request failed; retrying",
					zap.String("method", method),
					zap.Uint("attempt", n+1),
					zap.Duration("delay", c.delay),
					zap.String("category", string(CategorizeError(err))),
					zap.Error(err))
			}
		}),
	)
}

func (c *AggregationClient) attempt(ctx context.Context, method, target string, body []byte) (*response, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, target, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, retry.Unrecoverable(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, context.Canceled) {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}
	return out.(*response), nil
}

// roundTrip sends one request: tick, send, observe the server's answer.
func (c *AggregationClient) roundTrip(ctx context.Context, method, target string, body []byte) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set(validation.LogicalTimeHeader, strconv.FormatInt(c.clock.Tick(), 10))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.ClientRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("%w: %s %s: %w", ErrServerError, method, target, err)
	}
	defer resp.Body.Close()

	observability.ClientRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
	c.observe(resp.Header.Get(validation.LogicalTimeHeader))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrServerError, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// observe applies the receive rule to the server's Logical-Time header. A
// missing or unparseable header leaves the clock alone.
func (c *AggregationClient) observe(raw string) {
	if raw == "" {
		return
	}
	t, err := validation.ParseLogicalTime(raw, true)
	if err != nil {
		c.logger.Debug("ignoring invalid Logical-Time in response", zap.String("value", raw))
		return
	}
	c.clock.Observe(t)
}
