package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/encoding/json"
)

var (
	// ErrMalformedPayload is returned when the body is not a JSON object of the observation schema.
	ErrMalformedPayload = errors.New("malformed observation payload")
	// ErrMissingID is returned when the payload has no station identifier.
	ErrMissingID = errors.New("observation id is required")
)

var validate = validator.New()

// Reading holds the meteorological fields reported by a station. Every field
// is optional; nil means the station did not report it.
type Reading struct {
	Name              *string  `json:"name,omitempty"`
	State             *string  `json:"state,omitempty"`
	TimeZone          *string  `json:"time_zone,omitempty"`
	Lat               *float64 `json:"lat,omitempty"`
	Lon               *float64 `json:"lon,omitempty"`
	LocalDateTime     *string  `json:"local_date_time,omitempty"`
	LocalDateTimeFull *string  `json:"local_date_time_full,omitempty"`
	AirTemp           *float64 `json:"air_temp,omitempty"`
	ApparentT         *float64 `json:"apparent_t,omitempty"`
	Cloud             *string  `json:"cloud,omitempty"`
	DewPt             *float64 `json:"dewpt,omitempty"`
	Press             *float64 `json:"press,omitempty"`
	RelHum            *int     `json:"rel_hum,omitempty"`
	WindDir           *string  `json:"wind_dir,omitempty"`
	WindSpdKmh        *int     `json:"wind_spd_kmh,omitempty"`
	WindSpdKt         *int     `json:"wind_spd_kt,omitempty"`
}

// Observation is the latest accepted reading for one station.
// LogicalTime and LastUpdated are assigned by the aggregation server on acceptance.
type Observation struct {
	ID string `json:"id" validate:"required"`
	Reading
	LogicalTime int64     `json:"logical_time"`
	LastUpdated time.Time `json:"last_updated"`
}

// payload is the client-writable subset of Observation.
type payload struct {
	ID string `json:"id" validate:"required"`
	Reading
}

// DecodeObservation parses a PUT body into an Observation. Unknown fields are
// ignored and any client-supplied logical_time or last_updated is discarded.
func DecodeObservation(body []byte) (Observation, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.ID = strings.TrimSpace(p.ID)
	if err := validate.Struct(p); err != nil {
		return Observation{}, ErrMissingID
	}
	return Observation{ID: p.ID, Reading: p.Reading}, nil
}

// EncodeObservation serializes the client-writable fields of o as a PUT body.
func EncodeObservation(o Observation) ([]byte, error) {
	return json.Marshal(payload{ID: o.ID, Reading: o.Reading})
}

// EncodeObservations serializes observations as a JSON array. A nil or empty
// slice encodes as [].
func EncodeObservations(obs []Observation) ([]byte, error) {
	if obs == nil {
		obs = []Observation{}
	}
	return json.Marshal(obs)
}

// DecodeObservations parses a JSON array of observations, as produced by EncodeObservations.
func DecodeObservations(data []byte) ([]Observation, error) {
	var obs []Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return obs, nil
}

// Clone returns a deep copy so the result shares no pointers with o.
func (o Observation) Clone() Observation {
	o.Reading = o.Reading.Clone()
	return o
}

// Clone returns a deep copy of the reading.
func (r Reading) Clone() Reading {
	return Reading{
		Name:              clonePtr(r.Name),
		State:             clonePtr(r.State),
		TimeZone:          clonePtr(r.TimeZone),
		Lat:               clonePtr(r.Lat),
		Lon:               clonePtr(r.Lon),
		LocalDateTime:     clonePtr(r.LocalDateTime),
		LocalDateTimeFull: clonePtr(r.LocalDateTimeFull),
		AirTemp:           clonePtr(r.AirTemp),
		ApparentT:         clonePtr(r.ApparentT),
		Cloud:             clonePtr(r.Cloud),
		DewPt:             clonePtr(r.DewPt),
		Press:             clonePtr(r.Press),
		RelHum:            clonePtr(r.RelHum),
		WindDir:           clonePtr(r.WindDir),
		WindSpdKmh:        clonePtr(r.WindSpdKmh),
		WindSpdKt:         clonePtr(r.WindSpdKt),
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v. Convenient for building readings in code.
func Ptr[T any](v T) *T {
	return &v
}
