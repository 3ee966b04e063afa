package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-aggregation-service/internal/lamport"
	"github.com/kjstillabower/weather-aggregation-service/internal/lifecycle"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/persistence"
	"github.com/kjstillabower/weather-aggregation-service/internal/service"
	"github.com/kjstillabower/weather-aggregation-service/internal/store"
	"github.com/kjstillabower/weather-aggregation-service/internal/traffic"
)

// failingPersister wraps a real persister and can fail saves and pings.
type failingPersister struct {
	persistence.Persister
	saveErr error
	pingErr error
}

func (f *failingPersister) Save(ctx context.Context, obs []models.Observation) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Persister.Save(ctx, obs)
}

func (f *failingPersister) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.Persister.Ping(ctx)
}

type testEnv struct {
	handler   *Handler
	router    *mux.Router
	svc       *service.AggregationService
	clock     *lamport.Clock
	tracker   *traffic.Tracker
	state     *lifecycle.State
	persister *failingPersister
	path      string
}

type envOption func(*RouterConfig, **HealthConfig)

func withLimiter(l *rate.Limiter) envOption {
	return func(c *RouterConfig, _ **HealthConfig) { c.Limiter = l }
}

func withHealthConfig(hc *HealthConfig) envOption {
	return func(_ *RouterConfig, h **HealthConfig) { *h = hc }
}

func withMaxBody(n int64) envOption {
	return func(c *RouterConfig, _ **HealthConfig) { c.MaxBodyBytes = n }
}

func newTestEnv(tb testing.TB, opts ...envOption) *testEnv {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "weather_data.json")
	p := &failingPersister{Persister: persistence.NewFileStore(path, zap.NewNop())}
	clock := lamport.New()
	svc := service.NewAggregationService(clock, store.New(), p, zap.NewNop(), time.Second)
	tracker := traffic.New(0)
	state := lifecycle.New()

	rc := RouterConfig{Logger: zap.NewNop(), Traffic: tracker, TestingMode: true}
	var hc *HealthConfig
	for _, opt := range opts {
		opt(&rc, &hc)
	}
	h := NewHandler(svc, tracker, state, hc, zap.NewNop(), rc.Limiter)
	return &testEnv{
		handler:   h,
		router:    NewRouter(h, rc),
		svc:       svc,
		clock:     clock,
		tracker:   tracker,
		state:     state,
		persister: p,
		path:      path,
	}
}

func (e *testEnv) do(method, target string, header map[string]string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func putHeaders(lt string) map[string]string {
	return map[string]string{"Logical-Time": lt, "Content-Type": "application/json"}
}

// TestHandler_PutThenGet verifies the create, update and read flow end to end
// through the router.
func TestHandler_PutThenGet(t *testing.T) {
	// Arrange
	env := newTestEnv(t)

	// Act: first PUT creates, second PUT updates
	first := env.do(http.MethodPut, "/weather.json", putHeaders("1"), `{"id":"W1","air_temp":25.0}`)
	second := env.do(http.MethodPut, "/weather.json", putHeaders("2"), `{"id":"W1","air_temp":26.5}`)
	get := env.do(http.MethodGet, "/weather.json", map[string]string{"Logical-Time": "3"}, "")

	// Assert
	if first.Code != http.StatusCreated || first.Body.String() != "Data Received" {
		t.Errorf("first PUT = %d %q, want 201 Data Received", first.Code, first.Body.String())
	}
	if second.Code != http.StatusOK || second.Body.String() != "Data Received" {
		t.Errorf("second PUT = %d %q, want 200 Data Received", second.Code, second.Body.String())
	}
	if get.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", get.Code)
	}
	if ct := get.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET Content-Type = %q, want application/json", ct)
	}
	var got []models.Observation
	if err := json.Unmarshal(get.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode GET body: %v", err)
	}
	if len(got) != 1 || got[0].ID != "W1" {
		t.Fatalf("GET body = %+v, want one W1 observation", got)
	}
	if got[0].AirTemp == nil || *got[0].AirTemp != 26.5 {
		t.Errorf("AirTemp = %v, want 26.5", got[0].AirTemp)
	}
}

// TestHandler_LogicalTimeResponseHeader verifies the response carries the
// clock after receive and send.
func TestHandler_LogicalTimeResponseHeader(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/weather.json", putHeaders("10"), `{"id":"W1"}`)

	// receive: max(0,10)+1 = 11; send tick: 12
	if got := w.Header().Get("Logical-Time"); got != "12" {
		t.Errorf("Logical-Time = %q, want 12", got)
	}
	if env.svc.Stations() != 1 {
		t.Fatalf("Stations() = %d, want 1", env.svc.Stations())
	}
	get := env.do(http.MethodGet, "/weather.json?id=W1", map[string]string{"Logical-Time": "0"}, "")
	var got []models.Observation
	if err := json.Unmarshal(get.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].LogicalTime != 11 {
		t.Errorf("stamped logical time = %+v, want 11", got)
	}
}

// TestHandler_PutRejections verifies status codes and bodies for rejected PUTs.
func TestHandler_PutRejections(t *testing.T) {
	tests := []struct {
		name       string
		header     map[string]string
		body       string
		wantStatus int
		wantBody   string
		wantClock  bool
	}{
		{"missing header", map[string]string{"Content-Type": "application/json"}, `{"id":"W1"}`, 400, "Missing Logical-Time header", false},
		{"non-integer header", putHeaders("abc"), `{"id":"W1"}`, 400, "Invalid Logical-Time header", false},
		{"empty header", putHeaders(""), `{"id":"W1"}`, 400, "Invalid Logical-Time header", false},
		{"wrong content type", map[string]string{"Logical-Time": "1", "Content-Type": "text/plain"}, `{"id":"W1"}`, 400, "Invalid Content-Type", true},
		{"empty body", putHeaders("1"), "", 204, "", true},
		{"whitespace body", putHeaders("1"), " \n", 500, "Invalid payload format", true},
		{"header at clock limit", putHeaders("9223372036854775806"), `{"id":"W1"}`, 400, "Invalid Logical-Time header", false},
		{"malformed payload", putHeaders("1"), `{"id":`, 500, "Invalid payload format", true},
		{"missing id", putHeaders("1"), `{"air_temp":20}`, 500, "Invalid payload: Missing 'id'", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(http.MethodPut, "/weather.json", tt.header, tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			hasHeader := w.Header().Get("Logical-Time") != ""
			if hasHeader != tt.wantClock {
				t.Errorf("Logical-Time header present = %v, want %v", hasHeader, tt.wantClock)
			}
			if env.svc.Stations() != 0 {
				t.Errorf("Stations() = %d, want 0 after rejection", env.svc.Stations())
			}
		})
	}
}

// TestHandler_GetRequiresLogicalTime verifies GET validates the header like PUT.
func TestHandler_GetRequiresLogicalTime(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/weather.json", nil, "")

	if w.Code != http.StatusBadRequest || w.Body.String() != "Missing Logical-Time header" {
		t.Errorf("GET = %d %q, want 400 Missing Logical-Time header", w.Code, w.Body.String())
	}
	if env.clock.Current() != 0 {
		t.Errorf("clock = %d, want 0 after rejected GET", env.clock.Current())
	}
}

// TestHandler_GetEmptyStore verifies an empty store serializes as an empty array.
func TestHandler_GetEmptyStore(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/weather.json", map[string]string{"Logical-Time": "1"}, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

// TestHandler_GetStationFilter verifies ?id= restricts the result.
func TestHandler_GetStationFilter(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPut, "/weather.json", putHeaders("1"), `{"id":"A"}`)
	env.do(http.MethodPut, "/weather.json", putHeaders("2"), `{"id":"B"}`)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"A", "B"}},
		{"?id=B", []string{"B"}},
		{"?id=missing", nil},
	}
	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			w := env.do(http.MethodGet, "/weather.json"+tt.query, map[string]string{"Logical-Time": "5"}, "")
			var got []models.Observation
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d observations, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

// TestHandler_PersistFailure verifies a failed flush answers 500 but keeps the upsert.
func TestHandler_PersistFailure(t *testing.T) {
	env := newTestEnv(t)
	env.persister.saveErr = errors.New("disk full")

	w := env.do(http.MethodPut, "/weather.json", putHeaders("1"), `{"id":"W1"}`)

	if w.Code != http.StatusInternalServerError || w.Body.String() != "Failed to persist data" {
		t.Errorf("PUT = %d %q, want 500 Failed to persist data", w.Code, w.Body.String())
	}
	if env.svc.Stations() != 1 {
		t.Errorf("Stations() = %d, want 1 (mutation kept)", env.svc.Stations())
	}
	if _, errs := env.tracker.ErrorRate(time.Minute); errs != 1 {
		t.Errorf("recorded errors = %d, want 1", errs)
	}
}

// TestHandler_UnmatchedRoutes verifies unknown paths and methods answer 400 Bad Request.
func TestHandler_UnmatchedRoutes(t *testing.T) {
	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/nope"},
		{http.MethodPost, "/weather.json"},
		{http.MethodDelete, "/weather.json"},
		{http.MethodGet, "/weather.json/extra"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(tt.method, tt.target, map[string]string{"Logical-Time": "1"}, "")

			if w.Code != http.StatusBadRequest || w.Body.String() != "Bad Request" {
				t.Errorf("%s %s = %d %q, want 400 Bad Request", tt.method, tt.target, w.Code, w.Body.String())
			}
			if w.Header().Get("Logical-Time") != "" {
				t.Error("unmatched route must not carry Logical-Time")
			}
			if env.clock.Current() != 0 {
				t.Errorf("clock = %d, want 0", env.clock.Current())
			}
		})
	}
}

// TestHandler_BodyTooLarge verifies the body limit answers 413 without touching the clock.
func TestHandler_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, withMaxBody(16))

	w := env.do(http.MethodPut, "/weather.json", putHeaders("1"), `{"id":"W1","name":"a long station name"}`)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if env.clock.Current() != 0 {
		t.Errorf("clock = %d, want 0", env.clock.Current())
	}
}

// TestHandler_BodyTooLarge_HeaderCheckedFirst verifies an oversized PUT
// without Logical-Time is rejected for the header, not the size.
func TestHandler_BodyTooLarge_HeaderCheckedFirst(t *testing.T) {
	env := newTestEnv(t, withMaxBody(16))

	w := env.do(http.MethodPut, "/weather.json", map[string]string{"Content-Type": "application/json"}, `{"id":"W1","name":"a long station name"}`)

	if w.Code != http.StatusBadRequest || w.Body.String() != "Missing Logical-Time header" {
		t.Errorf("PUT = %d %q, want 400 Missing Logical-Time header", w.Code, w.Body.String())
	}
	if env.clock.Current() != 0 {
		t.Errorf("clock = %d, want 0", env.clock.Current())
	}
}

// TestHandler_RateLimited verifies 429 once the bucket is exhausted and the denial is recorded.
func TestHandler_RateLimited(t *testing.T) {
	env := newTestEnv(t, withLimiter(rate.NewLimiter(rate.Limit(0.001), 1)))

	first := env.do(http.MethodGet, "/weather.json", map[string]string{"Logical-Time": "1"}, "")
	second := env.do(http.MethodGet, "/weather.json", map[string]string{"Logical-Time": "2"}, "")

	if first.Code != http.StatusOK {
		t.Errorf("first GET = %d, want 200", first.Code)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second GET = %d, want 429", second.Code)
	}
	if got := env.tracker.Count(traffic.Denied, time.Minute); got != 1 {
		t.Errorf("denied count = %d, want 1", got)
	}
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode JSON body: %v", err)
	}
	return body
}

// TestHandler_GetHealth verifies the health status decision order.
func TestHandler_GetHealth(t *testing.T) {
	hc := &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 50,
		RateLimitRPS:         1,
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     50,
	}
	tests := []struct {
		name       string
		setup      func(e *testEnv)
		wantStatus string
		wantCode   int
	}{
		{"healthy", func(e *testEnv) {}, "healthy", 200},
		{"shutting down", func(e *testEnv) { e.state.SetShuttingDown(true) }, "shutting-down", 503},
		{"persistence unreachable", func(e *testEnv) { e.persister.pingErr = errors.New("down") }, "degraded", 503},
		{"overloaded", func(e *testEnv) { e.tracker.RecordN(traffic.Denied, 31) }, "overloaded", 503},
		{"error rate", func(e *testEnv) {
			e.tracker.RecordN(traffic.Error, 2)
			e.tracker.RecordN(traffic.Success, 1)
		}, "degraded", 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, withHealthConfig(hc))
			tt.setup(env)

			w := env.do(http.MethodGet, "/health", nil, "")

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeJSON(t, w)
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tt.wantStatus)
			}
			if body["service"] != "weather-aggregation-service" {
				t.Errorf("service = %v", body["service"])
			}
		})
	}
}

// TestHandler_GetHealth_Idle verifies idle is reported only after the minimum lifespan.
func TestHandler_GetHealth_Idle(t *testing.T) {
	env := newTestEnv(t, withHealthConfig(&HealthConfig{
		IdleWindow:             time.Minute,
		IdleThresholdReqPerMin: 5,
		MinimumLifespan:        time.Nanosecond,
	}))
	time.Sleep(time.Millisecond)

	w := env.do(http.MethodGet, "/health", nil, "")

	if got := decodeJSON(t, w)["status"]; got != "idle" {
		t.Errorf("status = %v, want idle", got)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", w.Code)
	}
}

// TestHandler_GetHealth_LogsTransition verifies status changes are logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	env := newTestEnv(t)
	env.handler.logger = zap.New(core)

	env.do(http.MethodGet, "/health", nil, "")
	env.state.SetShuttingDown(true)
	env.do(http.MethodGet, "/health", nil, "")
	env.do(http.MethodGet, "/health", nil, "")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["current_status"]; got != "shutting-down" {
		t.Errorf("current_status = %v, want shutting-down", got)
	}
}

// TestHandler_TestActions verifies the testing-mode endpoints.
func TestHandler_TestActions(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPut, "/weather.json", putHeaders("1"), `{"id":"W1"}`)

	load := env.do(http.MethodPost, "/test/load", nil, `{"count":4}`)
	if load.Code != http.StatusOK {
		t.Fatalf("load = %d, want 200", load.Code)
	}
	env.do(http.MethodPost, "/test/error", nil, `{"count":2}`)
	status := env.do(http.MethodGet, "/test", nil, "")
	body := decodeJSON(t, status)
	if body["errors_in_window"] != float64(2) {
		t.Errorf("errors_in_window = %v, want 2", body["errors_in_window"])
	}
	if body["stations"] != float64(1) {
		t.Errorf("stations = %v, want 1", body["stations"])
	}

	env.do(http.MethodPost, "/test/shutdown", nil, "")
	if !env.state.IsShuttingDown() {
		t.Error("shutdown action did not set flag")
	}
	env.do(http.MethodPost, "/test/reset", nil, "")
	if env.state.IsShuttingDown() {
		t.Error("reset action did not clear flag")
	}
	if n := env.tracker.RequestCount(time.Minute); n > 1 {
		t.Errorf("RequestCount after reset = %d, want at most 1", n)
	}

	cleared := env.do(http.MethodPost, "/test/clear", nil, "")
	if cleared.Code != http.StatusOK || env.svc.Stations() != 0 {
		t.Errorf("clear = %d, stations = %d, want 200 and 0", cleared.Code, env.svc.Stations())
	}

	unknown := env.do(http.MethodPost, "/test/explode", nil, "")
	if unknown.Code != http.StatusNotFound {
		t.Errorf("unknown action = %d, want 404", unknown.Code)
	}
}

// TestHandler_TestRoutesDisabled verifies /test is unmatched outside testing mode.
func TestHandler_TestRoutesDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *RouterConfig, _ **HealthConfig) { c.TestingMode = false })

	w := env.do(http.MethodGet, "/test", nil, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("GET /test = %d, want 400", w.Code)
	}
}

// TestHandler_ConcurrentPuts verifies concurrent PUTs for distinct stations all land.
func TestHandler_ConcurrentPuts(t *testing.T) {
	env := newTestEnv(t)
	const n = 40

	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			w := env.do(http.MethodPut, "/weather.json", putHeaders(strconv.Itoa(i)), `{"id":"S`+strconv.Itoa(i)+`"}`)
			done <- w.Code
		}(i)
	}
	for i := 0; i < n; i++ {
		if code := <-done; code != http.StatusCreated {
			t.Errorf("PUT status = %d, want 201", code)
		}
	}
	if env.svc.Stations() != n {
		t.Errorf("Stations() = %d, want %d", env.svc.Stations(), n)
	}
}
