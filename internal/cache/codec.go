package cache

import (
	"encoding/json"
	"fmt"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// Encode serializes a weather record for storage.
func Encode(v models.WeatherData) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode weather data: %w", err)
	}
	return b, nil
}

// Decode parses a stored payload. The record's dataType must match category, so a
// payload written under another category is rejected rather than served.
func Decode(b []byte, category models.Category) (models.WeatherData, error) {
	var v models.WeatherData
	if err := json.Unmarshal(b, &v); err != nil {
		return models.WeatherData{}, fmt.Errorf("decode weather data: %w", err)
	}
	if v.DataType != category {
		return models.WeatherData{}, fmt.Errorf("decode weather data: dataType %q, want %q", v.DataType, category)
	}
	return v, nil
}
