// Package geo provides great-circle distance and coordinate validation.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/kass/store-locator/pkg/models"
)

const (
	// EarthRadius is the mean radius of the Earth in kilometers
	EarthRadius = 6371.0

	// HalfCircumference is the largest possible great-circle distance (km)
	HalfCircumference = math.Pi * EarthRadius
)

// ErrInvalidCoordinate is returned for non-finite or out-of-range coordinates
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// CoordinateError describes which component of a coordinate was rejected
type CoordinateError struct {
	Field string
	Value float64
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate: %s %v out of range", e.Field, e.Value)
}

func (e *CoordinateError) Unwrap() error { return ErrInvalidCoordinate }

// ValidateLocation checks that lat is in [-90, 90] and lon in [-180, 180]
func ValidateLocation(loc models.Location) error {
	if math.IsNaN(loc.Lat) || math.IsInf(loc.Lat, 0) || loc.Lat < -90 || loc.Lat > 90 {
		return &CoordinateError{Field: "latitude", Value: loc.Lat}
	}
	if math.IsNaN(loc.Lon) || math.IsInf(loc.Lon, 0) || loc.Lon < -180 || loc.Lon > 180 {
		return &CoordinateError{Field: "longitude", Value: loc.Lon}
	}
	return nil
}

// Distance calculates the Haversine distance between two points in kilometers
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lon1Rad := toRadians(lon1)
	lat2Rad := toRadians(lat2)
	lon2Rad := toRadians(lon2)

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	// rounding can push a just past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

// LocationDistance is Distance for two Locations
func LocationDistance(from, to models.Location) float64 {
	return Distance(from.Lat, from.Lon, to.Lat, to.Lon)
}

// KmToDegrees converts a great-circle distance to degrees of arc
func KmToDegrees(km float64) float64 {
	return (km / EarthRadius) * (180 / math.Pi)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
