package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	LonMin float64 `json:"lon_min"`
	LatMin float64 `json:"lat_min"`
	LonMax float64 `json:"lon_max"`
	LatMax float64 `json:"lat_max"`
}

// PointBBox returns the degenerate box at a single coordinate.
func PointBBox(lat, lon float64) BBox {
	return BBox{LonMin: lon, LatMin: lat, LonMax: lon, LatMax: lat}
}

// FromBound converts an orb.Bound.
func FromBound(b orb.Bound) BBox {
	return BBox{LonMin: b.Min[0], LatMin: b.Min[1], LonMax: b.Max[0], LatMax: b.Max[1]}
}

// Bound converts the box to an orb.Bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.LonMin, b.LatMin}, Max: orb.Point{b.LonMax, b.LatMax}}
}

// Valid reports whether the minimums do not exceed the maximums and no
// component is NaN.
func (b BBox) Valid() bool {
	for _, v := range []float64{b.LonMin, b.LatMin, b.LonMax, b.LatMax} {
		if math.IsNaN(v) {
			return false
		}
	}
	return b.LonMin <= b.LonMax && b.LatMin <= b.LatMax
}

// Overlaps reports whether two boxes share at least one point. Touching
// edges count as overlap.
func (b BBox) Overlaps(o BBox) bool {
	return b.LatMin <= o.LatMax && b.LatMax >= o.LatMin &&
		b.LonMin <= o.LonMax && b.LonMax >= o.LonMin
}

// ContainsPoint reports whether the coordinate lies inside or on the box.
func (b BBox) ContainsPoint(lat, lon float64) bool {
	return lat >= b.LatMin && lat <= b.LatMax && lon >= b.LonMin && lon <= b.LonMax
}

// Translate shifts the box by the given offsets.
func (b BBox) Translate(dLon, dLat float64) BBox {
	return BBox{LonMin: b.LonMin + dLon, LatMin: b.LatMin + dLat, LonMax: b.LonMax + dLon, LatMax: b.LatMax + dLat}
}

// Union returns the smallest box containing every box in boxes, clamped to
// extent. ok is false when boxes is empty.
func Union(boxes []BBox, extent BBox) (BBox, bool) {
	if len(boxes) == 0 {
		return BBox{}, false
	}
	out := boxes[0]
	for _, b := range boxes[1:] {
		out.LonMin = math.Min(out.LonMin, b.LonMin)
		out.LatMin = math.Min(out.LatMin, b.LatMin)
		out.LonMax = math.Max(out.LonMax, b.LonMax)
		out.LatMax = math.Max(out.LatMax, b.LatMax)
	}
	out.LonMin = math.Max(out.LonMin, extent.LonMin)
	out.LatMin = math.Max(out.LatMin, extent.LatMin)
	out.LonMax = math.Min(out.LonMax, extent.LonMax)
	out.LatMax = math.Min(out.LatMax, extent.LatMax)
	return out, true
}
