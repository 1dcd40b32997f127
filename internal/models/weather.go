package models

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LocalTimeLayout is the timestamp layout used in cached payloads and in Open-Meteo
// hourly series: ISO local date-time, no zone. Producers and consumers of the cache
// must agree on it byte-for-byte.
const LocalTimeLayout = "2006-01-02T15:04:05"

// openMeteoTimeLayout is the minute-precision form the upstream API emits.
const openMeteoTimeLayout = "2006-01-02T15:04"

// ErrUnknownCategory is returned by ParseCategory for anything outside the fixed set.
var ErrUnknownCategory = errors.New("unknown data category")

// Category identifies the kind of weather series. It selects the cache TTL.
type Category string

const (
	CategoryForecast   Category = "forecast"
	CategoryHistorical Category = "historical"
)

// Categories lists every valid Category.
var Categories = []Category{CategoryForecast, CategoryHistorical}

// ParseCategory normalizes s and maps it to a Category, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryForecast:
		return CategoryForecast, nil
	case CategoryHistorical:
		return CategoryHistorical, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryForecast, CategoryHistorical:
		return true
	}
	return false
}

// Location is a geocoded place. Name is the town (admin3), County admin2, Region admin1.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	County    string  `json:"county,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// String joins the non-empty name parts, most specific first.
func (l Location) String() string {
	var parts []string
	for _, p := range []string{l.Name, l.County, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// WeatherData is the record cached by the tiered cache: one location's hourly series
// for a category.
type WeatherData struct {
	Location   Location          `json:"location"`
	TimeSeries []TimeSeriesEntry `json:"timeSeries"`
	Elevation  float64           `json:"elevation"`
	Timezone   string            `json:"timezone"`
	DataType   Category          `json:"dataType"`
}

// TimeSeriesEntry is one hourly sample. Nil pointers are missing upstream values.
type TimeSeriesEntry struct {
	Time            LocalTime `json:"time"`
	Temperature2m   *float64  `json:"temperature2m"`
	WindSpeed       *float64  `json:"windSpeed"`
	SoilTemperature *float64  `json:"soilTemperature"`
	Rain            *float64  `json:"rain"`
	SurfacePressure *float64  `json:"surfacePressure"`
}

// LocalTime is a wall-clock time without zone, serialized with LocalTimeLayout.
type LocalTime struct {
	time.Time
}

// ParseLocalTime accepts LocalTimeLayout and the minute-precision upstream form.
func ParseLocalTime(s string) (LocalTime, error) {
	for _, layout := range []string{LocalTimeLayout, openMeteoTimeLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return LocalTime{Time: t}, nil
		}
	}
	return LocalTime{}, fmt.Errorf("parse local time %q", s)
}

// String formats t with LocalTimeLayout.
func (t LocalTime) String() string {
	return t.Time.Format(LocalTimeLayout)
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.String() + `"`), nil
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("local time must be a JSON string, got %s", data)
	}
	parsed, err := ParseLocalTime(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Float returns a pointer to v. Used to build series in tests and parsers.
func Float(v float64) *float64 {
	return &v
}
