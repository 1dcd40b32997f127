package cache

import (
	"fmt"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// Fingerprint returns the cache key for a query. Coordinates are rounded to 4
// decimal places (about 11 m) so near-identical requests share an entry. The
// category leads the key, so categories never collide.
func Fingerprint(category models.Category, lat, lon float64, days int) string {
	return fmt.Sprintf("%s:%s:%s:%d", category, coord(lat), coord(lon), days)
}

func coord(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	// -0.00001 rounds to "-0.0000"; keep one slot for zero.
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}
