package geom

import "math"

// OriginShift is half the circumference of the spherical-mercator
// projection sphere: 2 * pi * 6378137 / 2.
const OriginShift = 20037508.342789244

// LonLatToMeters converts lon/lat in WGS84 to XY in Spherical Mercator
// (EPSG:900913/3857).
func LonLatToMeters(lon, lat float64) (float64, float64) {
	x := lon * OriginShift / 180.0
	y := math.Log(math.Tan((90+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * OriginShift / 180.0

	return x, y
}

// MetersToLonLat converts XY in Spherical Mercator back to lon/lat in WGS84.
func MetersToLonLat(x, y float64) (float64, float64) {
	lon := x / OriginShift * 180.0
	lat := y / OriginShift * 180.0
	lat = 180.0 / math.Pi * (2*math.Atan(math.Exp(lat*math.Pi/180.0)) - math.Pi/2)

	return lon, lat
}
