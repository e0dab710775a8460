package geo

import "math"

// EarthRadiusMeters is the mean radius of the spherical Earth model.
const EarthRadiusMeters = 6371000.0

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within WGS84 latitude/longitude ranges.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := lat2 - lat1
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// HaversineKm is DistanceMeters in kilometres for raw lat/lng pairs.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	return DistanceMeters(Coordinate{Lat: lat1, Lng: lng1}, Coordinate{Lat: lat2, Lng: lng2}) / 1000
}

// IsInZone reports whether distance falls inside a circular zone; the boundary counts as inside.
func IsInZone(distanceMeters, radiusMeters float64) bool {
	return distanceMeters <= radiusMeters
}

// RoundMeters rounds a distance to the nearest whole meter for storage and display.
func RoundMeters(d float64) float64 {
	return math.Round(d)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
