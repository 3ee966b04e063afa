// Package feed reads a content server's local station file and watches it
// for changes.
package feed

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kjstillabower/weather-aggregation-service/internal/models"
)

// ParseError reports a value that could not be converted to its field's type.
type ParseError struct {
	Line int
	Key  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Key, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type setter func(r *models.Reading, v string) error

func str(dst func(r *models.Reading) **string) setter {
	return func(r *models.Reading, v string) error {
		*dst(r) = models.Ptr(v)
		return nil
	}
}

func float(dst func(r *models.Reading) **float64) setter {
	return func(r *models.Reading, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(r) = models.Ptr(f)
		return nil
	}
}

func integer(dst func(r *models.Reading) **int) setter {
	return func(r *models.Reading, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(r) = models.Ptr(n)
		return nil
	}
}

var setters = map[string]setter{
	"name":                 str(func(r *models.Reading) **string { return &r.Name }),
	"state":                str(func(r *models.Reading) **string { return &r.State }),
	"time_zone":            str(func(r *models.Reading) **string { return &r.TimeZone }),
	"lat":                  float(func(r *models.Reading) **float64 { return &r.Lat }),
	"lon":                  float(func(r *models.Reading) **float64 { return &r.Lon }),
	"local_date_time":      str(func(r *models.Reading) **string { return &r.LocalDateTime }),
	"local_date_time_full": str(func(r *models.Reading) **string { return &r.LocalDateTimeFull }),
	"air_temp":             float(func(r *models.Reading) **float64 { return &r.AirTemp }),
	"apparent_t":           float(func(r *models.Reading) **float64 { return &r.ApparentT }),
	"cloud":                str(func(r *models.Reading) **string { return &r.Cloud }),
	"dewpt":                float(func(r *models.Reading) **float64 { return &r.DewPt }),
	"press":                float(func(r *models.Reading) **float64 { return &r.Press }),
	"rel_hum":              integer(func(r *models.Reading) **int { return &r.RelHum }),
	"wind_dir":             str(func(r *models.Reading) **string { return &r.WindDir }),
	"wind_spd_kmh":         integer(func(r *models.Reading) **int { return &r.WindSpdKmh }),
	"wind_spd_kt":          integer(func(r *models.Reading) **int { return &r.WindSpdKt }),
}

// Parse reads "key: value" lines. The value is everything after the first
// colon, so times like "15:00" survive. Lines without a colon and unknown
// keys are skipped. The id is required.
func Parse(r io.Reader) (models.Observation, error) {
	var obs models.Observation
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "id" {
			obs.ID = value
			continue
		}
		set, known := setters[key]
		if !known {
			continue
		}
		if err := set(&obs.Reading, value); err != nil {
			return models.Observation{}, &ParseError{Line: line, Key: key, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return models.Observation{}, fmt.Errorf("read station file: %w", err)
	}
	if obs.ID == "" {
		return models.Observation{}, models.ErrMissingID
	}
	return obs, nil
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) (models.Observation, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Observation{}, fmt.Errorf("open station file: %w", err)
	}
	defer f.Close()
	obs, err := Parse(f)
	if err != nil {
		return models.Observation{}, fmt.Errorf("%s: %w", path, err)
	}
	return obs, nil
}
