package cache

import (
	"testing"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// TestFingerprint verifies the key layout and coordinate rounding.
func TestFingerprint(t *testing.T) {
	tests := []struct {
		name     string
		category models.Category
		lat, lon float64
		days     int
		want     string
	}{
		{"warsaw forecast", models.CategoryForecast, 52.2297, 21.0122, 7, "forecast:52.2297:21.0122:7"},
		{"rounds to 4 places", models.CategoryHistorical, 52.229701, 21.01224, 30, "historical:52.2297:21.0122:30"},
		{"pads short values", models.CategoryForecast, 50, -3.5, 1, "forecast:50.0000:-3.5000:1"},
		{"negative zero", models.CategoryForecast, -0.00001, 0, 2, "forecast:0.0000:0.0000:2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.category, tt.lat, tt.lon, tt.days); got != tt.want {
				t.Errorf("Fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestFingerprint_NearDuplicatesShareKey verifies that coordinates equal to 4
// decimal places map to the same fingerprint.
func TestFingerprint_NearDuplicatesShareKey(t *testing.T) {
	a := Fingerprint(models.CategoryForecast, 52.22970, 21.0122, 3)
	b := Fingerprint(models.CategoryForecast, 52.229701, 21.0122, 3)
	if a != b {
		t.Errorf("Fingerprint(52.22970) = %q, Fingerprint(52.229701) = %q, want equal", a, b)
	}
}

// TestFingerprint_CategoriesNeverCollide verifies that identical coordinates and
// horizons under different categories yield different fingerprints.
func TestFingerprint_CategoriesNeverCollide(t *testing.T) {
	seen := make(map[string]models.Category)
	for _, c := range models.Categories {
		k := Fingerprint(c, 52.2297, 21.0122, 7)
		if other, ok := seen[k]; ok {
			t.Errorf("Fingerprint collision between %s and %s: %q", c, other, k)
		}
		seen[k] = c
	}
}
