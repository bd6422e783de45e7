package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Bearing returns the initial compass bearing in degrees [0, 360) for
// travelling from (lat1, lon1) to (lat2, lon2) along a great circle.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	b := geo.Bearing(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
	return math.Mod(b+360, 360)
}

// Distance returns the great-circle distance in metres.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.Distance(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}
