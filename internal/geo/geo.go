// Package geo implements the spatial primitives used by the coverage
// resolver: great-circle distance, ETA estimation, and WGS84 polygon
// validation and containment.
package geo

import (
	"math"

	"github.com/haven/backend/internal/core"
)

// EarthRadiusKM is the mean earth radius used for haversine distances.
const EarthRadiusKM = 6371.0

// DistanceKM returns the great-circle distance between two WGS84 points.
func DistanceKM(a, b core.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ETAMinutes estimates travel time for a road distance. Piecewise average
// speeds: 40 km/h up to 10 km, 60 km/h up to 50 km, 80 km/h beyond. Rounded
// up to whole minutes.
func ETAMinutes(distanceKM float64) int {
	if distanceKM <= 0 {
		return 0
	}
	var hours float64
	switch {
	case distanceKM <= 10:
		hours = distanceKM / 40
	case distanceKM <= 50:
		hours = distanceKM / 60
	default:
		hours = distanceKM / 80
	}
	return int(math.Ceil(hours * 60))
}

// PathDistanceKM sums consecutive-sample haversine distances over a track.
func PathDistanceKM(points []core.Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += DistanceKM(points[i-1], points[i])
	}
	return total
}
