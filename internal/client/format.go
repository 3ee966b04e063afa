package client

import (
	"fmt"
	"io"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

type field struct {
	label string
	value func(r models.Reading) any
}

var readingFields = []field{
	{"Name", func(r models.Reading) any { return deref(r.Name) }},
	{"State", func(r models.Reading) any { return deref(r.State) }},
	{"Time Zone", func(r models.Reading) any { return deref(r.TimeZone) }},
	{"Latitude", func(r models.Reading) any { return deref(r.Lat) }},
	{"Longitude", func(r models.Reading) any { return deref(r.Lon) }},
	{"Local Date Time", func(r models.Reading) any { return deref(r.LocalDateTime) }},
	{"Local Date Time Full", func(r models.Reading) any { return deref(r.LocalDateTimeFull) }},
	{"Air Temperature", func(r models.Reading) any { return deref(r.AirTemp) }},
	{"Apparent Temperature", func(r models.Reading) any { return deref(r.ApparentT) }},
	{"Cloud", func(r models.Reading) any { return deref(r.Cloud) }},
	{"Dew Point", func(r models.Reading) any { return deref(r.DewPt) }},
	{"Pressure", func(r models.Reading) any { return deref(r.Press) }},
	{"Relative Humidity", func(r models.Reading) any { return deref(r.RelHum) }},
	{"Wind Direction", func(r models.Reading) any { return deref(r.WindDir) }},
	{"Wind Speed (KM/H)", func(r models.Reading) any { return deref(r.WindSpdKmh) }},
	{"Wind Speed (KT)", func(r models.Reading) any { return deref(r.WindSpdKt) }},
}

// deref returns nil for a nil pointer so unreported fields can be skipped.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// FormatObservation writes one "Label: value" line per reported field,
// followed by a separator line.
func FormatObservation(w io.Writer, obs models.Observation) error {
	if _, err := fmt.Fprintf(w, "ID: %s\n", obs.ID); err != nil {
		return err
	}
	for _, f := range readingFields {
		v := f.value(obs.Reading)
		if v == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %v\n", f.label, v); err != nil {
			return err
		}
	}
	if obs.LogicalTime > 0 {
		if _, err := fmt.Fprintf(w, "Logical Time: %d\n", obs.LogicalTime); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "----------")
	return err
}
