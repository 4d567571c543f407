// Package geo computes great-circle distances between catalogue points.
package geo

import (
	"math"

	"github.com/communitylink/service-discovery/internal/model"
)

// EarthRadiusKm is the mean Earth radius used by Haversine.
const EarthRadiusKm = 6371.0

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b model.Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Annotate sets each hit's Distance from origin. Order is left untouched.
func Annotate(origin model.Point, hits []model.ServiceHit) {
	for i := range hits {
		d := Haversine(origin, hits[i].Coordinates())
		hits[i].Distance = &d
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
