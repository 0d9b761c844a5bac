package geo

import (
	"fmt"
	"math"
)

const (
	earthRadiusKm     = 6371
	earthRadiusMeters = 6371000

	// DefaultSpeedKmph is the assumed travel speed of a loaded forklift,
	// used for ETA estimates when no better figure is available.
	DefaultSpeedKmph = 10
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// DistanceKm returns the great-circle distance between two points in
// kilometers. Symmetric in its arguments and zero for identical points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	return earthRadiusKm * haversine(lat1, lng1, lat2, lng2)
}

// DistanceMeters is DistanceKm scaled to meters, used for fine-grained
// movement thresholds.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	return earthRadiusMeters * haversine(lat1, lng1, lat2, lng2)
}

// ETAMinutes estimates travel time in whole minutes for the given distance
// at speedKmph. Any reachable destination reports at least one minute.
// A non-positive speed falls back to DefaultSpeedKmph.
func ETAMinutes(distanceKm, speedKmph float64) int {
	if speedKmph <= 0 {
		speedKmph = DefaultSpeedKmph
	}
	minutes := int(math.Round(distanceKm / speedKmph * 60))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// FormatDuration renders a millisecond duration as a coarse human label
// ("about 1h 5m", "about 45m"). Zero, negative or unknown durations render
// as "-".
func FormatDuration(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	totalMin := int64(math.Round(float64(ms) / 60000))
	h := totalMin / 60
	m := totalMin % 60
	if h > 0 {
		return fmt.Sprintf("about %dh %dm", h, m)
	}
	return fmt.Sprintf("about %dm", m)
}
