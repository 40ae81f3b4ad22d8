package geo

import "math"

// Point is a WGS84 coordinate in (lat, lng) order.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies inside the lat/lng domain.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKM returns the great-circle distance between two points.
func DistanceKM(a, b Point) float64 {
	const earthRadiusKM = 6371
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	calc := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(calc))
}

// BearingDegrees returns the initial compass bearing from a to b in [0, 360).
func BearingDegrees(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLon := toRadians(b.Lng - a.Lng)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// NearestIndex returns the index of the path point closest to p, searching
// from index `from` onward. Distance is planar in lat/lng degrees, which is
// close enough at city scale and keeps the search cheap.
func NearestIndex(path []Point, p Point, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= len(path) {
		return len(path) - 1
	}
	best := from
	bestDist := math.MaxFloat64
	for i := from; i < len(path); i++ {
		dLat := path[i].Lat - p.Lat
		dLng := path[i].Lng - p.Lng
		d := dLat*dLat + dLng*dLng
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
