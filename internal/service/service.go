package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-aggregation-service/internal/lamport"
	"github.com/kjstillabower/weather-aggregation-service/internal/models"
	"github.com/kjstillabower/weather-aggregation-service/internal/observability"
	"github.com/kjstillabower/weather-aggregation-service/internal/persistence"
	"github.com/kjstillabower/weather-aggregation-service/internal/store"
	"github.com/kjstillabower/weather-aggregation-service/internal/validation"
)

// Response bodies. Clients match on these strings.
const (
	MsgMissingLogicalTime = "Missing Logical-Time header"
	MsgInvalidLogicalTime = "Invalid Logical-Time header"
	MsgInvalidContentType = "Invalid Content-Type"
	MsgInvalidPayload     = "Invalid payload format"
	MsgMissingID          = "Invalid payload: Missing 'id'"
	MsgDataReceived       = "Data Received"
	MsgPersistFailed      = "Failed to persist data"
	MsgSerializeFailed    = "Failed to serialize data"
)

// DefaultFlushTimeout bounds a single snapshot save.
const DefaultFlushTimeout = 5 * time.Second

// PutRequest is an inbound observation submission as delivered by the HTTP layer.
type PutRequest struct {
	LogicalTime    string
	HasLogicalTime bool
	ContentType    string
	Body           []byte
}

// GetRequest is an inbound read. StationID, when set, restricts the result to one station.
type GetRequest struct {
	LogicalTime    string
	HasLogicalTime bool
	StationID      string
}

// Response is what the HTTP layer writes back. LogicalTime is the server's
// clock after the send tick; it is zero when the request was rejected before
// its logical time could be observed.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	LogicalTime int64
}

// AggregationService applies the Lamport receive rule to every request,
// upserts accepted observations and keeps the persisted snapshot current.
type AggregationService struct {
	clock        *lamport.Clock
	store        *store.Store
	persister    persistence.Persister
	logger       *zap.Logger
	flushTimeout time.Duration

	// flushMu orders snapshot+save pairs so an older snapshot never overwrites a newer one.
	flushMu sync.Mutex

	encode func([]models.Observation) ([]byte, error)
}

// NewAggregationService wires the shared clock, store and persistence backend.
// flushTimeout <= 0 uses DefaultFlushTimeout.
func NewAggregationService(clock *lamport.Clock, st *store.Store, persister persistence.Persister, logger *zap.Logger, flushTimeout time.Duration) *AggregationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &AggregationService{
		clock:        clock,
		store:        st,
		persister:    persister,
		logger:       logger,
		flushTimeout: flushTimeout,
		encode:       models.EncodeObservations,
	}
}

// Put handles PUT /weather.json.
func (s *AggregationService) Put(ctx context.Context, req PutRequest) Response {
	logger := observability.LoggerFromContext(ctx, s.logger)

	received, resp, ok := s.receive(req.LogicalTime, req.HasLogicalTime)
	if !ok {
		return resp
	}

	if err := validation.ValidateContentType(req.ContentType); err != nil {
		return s.text(http.StatusBadRequest, MsgInvalidContentType)
	}
	if len(req.Body) == 0 {
		return Response{Status: http.StatusNoContent, LogicalTime: s.clock.Tick()}
	}

	obs, err := models.DecodeObservation(req.Body)
	if err != nil {
		// Payload validation failures answer 500 for compatibility with
		// existing content servers even though the fault is the client's.
		if errors.Is(err, models.ErrMissingID) {
			return s.text(http.StatusInternalServerError, MsgMissingID)
		}
		logger.Debug("rejecting malformed payload", zap.Error(err))
		return s.text(http.StatusInternalServerError, MsgInvalidPayload)
	}

	outcome, err := s.store.Upsert(obs, received)
	if err != nil {
		return s.text(http.StatusInternalServerError, MsgMissingID)
	}
	observability.ObservationsUpsertedTotal.WithLabelValues(outcome.String()).Inc()
	logger.Debug("observation accepted",
		zap.String("station_id", obs.ID),
		zap.String("outcome", outcome.String()),
		zap.Int64("logical_time", received))

	if err := s.Flush(ctx); err != nil {
		logger.Error("persist after upsert failed", zap.String("station_id", obs.ID), zap.Error(err))
		return s.text(http.StatusInternalServerError, MsgPersistFailed)
	}

	if outcome == store.Created {
		return s.text(http.StatusCreated, MsgDataReceived)
	}
	return s.text(http.StatusOK, MsgDataReceived)
}

// Get handles GET /weather.json.
func (s *AggregationService) Get(ctx context.Context, req GetRequest) Response {
	if _, resp, ok := s.receive(req.LogicalTime, req.HasLogicalTime); !ok {
		return resp
	}

	var snap []models.Observation
	if req.StationID != "" {
		if obs, found := s.store.Get(req.StationID); found {
			snap = append(snap, obs)
		}
	} else {
		snap = s.store.Snapshot()
	}

	body, err := s.encode(snap)
	if err != nil {
		observability.LoggerFromContext(ctx, s.logger).Error("serialize snapshot", zap.Error(err))
		return s.text(http.StatusInternalServerError, MsgSerializeFailed)
	}
	return Response{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        body,
		LogicalTime: s.clock.Tick(),
	}
}

// receive validates the Logical-Time header and applies the receive rule.
// When the header is unusable it returns the 400 response and ok=false.
func (s *AggregationService) receive(raw string, present bool) (int64, Response, bool) {
	t, err := validation.ParseLogicalTime(raw, present)
	if err != nil {
		msg := MsgInvalidLogicalTime
		if errors.Is(err, validation.ErrLogicalTimeMissing) {
			msg = MsgMissingLogicalTime
		}
		return 0, Response{Status: http.StatusBadRequest, ContentType: "text/plain", Body: []byte(msg)}, false
	}
	return s.clock.Observe(t), Response{}, true
}

// text builds a plain-text response stamped with a send tick.
func (s *AggregationService) text(status int, msg string) Response {
	return Response{
		Status:      status,
		ContentType: "text/plain",
		Body:        []byte(msg),
		LogicalTime: s.clock.Tick(),
	}
}

// Flush saves the current snapshot. Flushes are serialized; the snapshot is
// taken inside the critical section. The save is detached from ctx
// cancellation and bounded by the flush timeout, so a client hanging up does
// not abort a write already in progress. A failed flush leaves the in-memory
// store untouched.
func (s *AggregationService) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	snap := s.store.Snapshot()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flushTimeout)
	defer cancel()

	start := time.Now()
	err := s.persister.Save(saveCtx, snap)
	observability.RecordFlush(err, time.Since(start))
	if err != nil {
		return fmt.Errorf("flush %d observations: %w", len(snap), err)
	}
	return nil
}

// Restore hydrates the store from the persisted snapshot and advances the
// clock past every persisted logical time. Call once before serving.
func (s *AggregationService) Restore(ctx context.Context) (int, error) {
	obs, err := s.persister.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	loaded, maxLogical := s.store.Load(obs)
	if maxLogical > 0 {
		s.clock.Observe(maxLogical)
	}
	s.logger.Info("snapshot restored",
		zap.Int("entries", loaded),
		zap.Int64("logical_time", s.clock.Current()))
	return loaded, nil
}

// Evict removes stations not updated within maxAge of now.
func (s *AggregationService) Evict(maxAge time.Duration, now time.Time) int {
	n := s.store.EvictOlderThan(maxAge, now)
	if n > 0 {
		observability.ObservationsEvictedTotal.Add(float64(n))
	}
	return n
}

// Clear empties the store and persists the empty snapshot. Administrative only.
func (s *AggregationService) Clear(ctx context.Context) error {
	s.store.Clear()
	return s.Flush(ctx)
}

// Ping reports persistence backend reachability.
func (s *AggregationService) Ping(ctx context.Context) error {
	return s.persister.Ping(ctx)
}

// Stations returns the number of stations held.
func (s *AggregationService) Stations() int {
	return s.store.Len()
}

// LogicalTime returns the server's current Lamport time.
func (s *AggregationService) LogicalTime() int64 {
	return s.clock.Current()
}
