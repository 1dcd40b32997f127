package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrInvalidQuery is wrapped by every *QueryError.
var ErrInvalidQuery = errors.New("invalid query")

// Horizon limits accepted from callers, in days. Open-Meteo serves up to 16 forecast days
// and 92 past days.
const (
	MaxForecastDays   = 16
	MaxHistoricalDays = 92
	DefaultDays       = 7
)

// Location name length bounds in runes.
const (
	MinLocationLen = 2
	MaxLocationLen = 100
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report query parameter names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// ForecastQuery is a validated /forecast request.
type ForecastQuery struct {
	Latitude  float64 `query:"lat" validate:"latitude"`
	Longitude float64 `query:"lon" validate:"longitude"`
	Days      int     `query:"days" validate:"min=1,max=16"`
}

// HistoricalQuery is a validated /historical request.
type HistoricalQuery struct {
	Latitude  float64 `query:"lat" validate:"latitude"`
	Longitude float64 `query:"lon" validate:"longitude"`
	Days      int     `query:"days" validate:"min=1,max=92"`
}

// CoordinatesQuery is a validated /locations/nearest request.
type CoordinatesQuery struct {
	Latitude  float64 `query:"lat" validate:"latitude"`
	Longitude float64 `query:"lon" validate:"longitude"`
}

// WeatherQuery is the category-independent form handed to the service.
type WeatherQuery struct {
	Category  models.Category
	Latitude  float64
	Longitude float64
	Days      int
}

// FieldError describes one rejected query parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// QueryError lists every rejected parameter of a request.
type QueryError struct {
	Fields []FieldError
}

func (e *QueryError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return strings.Join(parts, "; ")
}

func (e *QueryError) Unwrap() error {
	return ErrInvalidQuery
}

// ParseWeatherQuery reads lat, lon and days from v and validates them against the
// limits of category. days defaults to DefaultDays when absent.
func ParseWeatherQuery(category models.Category, v url.Values) (WeatherQuery, error) {
	qe := &QueryError{}
	lat := parseFloat(v, "lat", qe)
	lon := parseFloat(v, "lon", qe)
	days := DefaultDays
	if raw := strings.TrimSpace(v.Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			qe.Fields = append(qe.Fields, FieldError{Field: "days", Message: "must be an integer"})
		} else {
			days = n
		}
	}
	if len(qe.Fields) > 0 {
		return WeatherQuery{}, qe
	}

	var target any
	switch category {
	case models.CategoryForecast:
		target = ForecastQuery{Latitude: lat, Longitude: lon, Days: days}
	case models.CategoryHistorical:
		target = HistoricalQuery{Latitude: lat, Longitude: lon, Days: days}
	default:
		return WeatherQuery{}, fmt.Errorf("%w: %q", models.ErrUnknownCategory, category)
	}
	if err := validateStruct(target); err != nil {
		return WeatherQuery{}, err
	}
	return WeatherQuery{Category: category, Latitude: lat, Longitude: lon, Days: days}, nil
}

// ParseCoordinates reads and validates lat and lon from v.
func ParseCoordinates(v url.Values) (CoordinatesQuery, error) {
	qe := &QueryError{}
	q := CoordinatesQuery{
		Latitude:  parseFloat(v, "lat", qe),
		Longitude: parseFloat(v, "lon", qe),
	}
	if len(qe.Fields) > 0 {
		return CoordinatesQuery{}, qe
	}
	if err := validateStruct(q); err != nil {
		return CoordinatesQuery{}, err
	}
	return q, nil
}

func parseFloat(v url.Values, field string, qe *QueryError) float64 {
	raw := strings.TrimSpace(v.Get(field))
	if raw == "" {
		qe.Fields = append(qe.Fields, FieldError{Field: field, Message: "is required"})
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		qe.Fields = append(qe.Fields, FieldError{Field: field, Message: "must be a number"})
		return 0
	}
	return f
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	qe := &QueryError{}
	for _, fe := range verrs {
		qe.Fields = append(qe.Fields, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return qe
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "latitude":
		return "must be between -90 and 90"
	case "longitude":
		return "must be between -180 and 180"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma, hyphen,
// period and apostrophe. Returns the trimmed string or an error suitable for a 400 response.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
