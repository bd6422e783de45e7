package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

type segment struct {
	a, b orb.Point
}

// parts is a geometry flattened into the primitives the intersection test
// works on.
type parts struct {
	points   []orb.Point
	segments []segment
	polygons []orb.Polygon
}

func (p *parts) add(g orb.Geometry) {
	switch v := g.(type) {
	case orb.Point:
		p.points = append(p.points, v)
	case orb.MultiPoint:
		p.points = append(p.points, v...)
	case orb.LineString:
		p.addPath(v)
	case orb.MultiLineString:
		for _, ls := range v {
			p.addPath(ls)
		}
	case orb.Ring:
		p.add(orb.Polygon{v})
	case orb.Polygon:
		for _, r := range v {
			p.addPath(orb.LineString(r))
		}
		p.polygons = append(p.polygons, v)
	case orb.MultiPolygon:
		for _, poly := range v {
			p.add(poly)
		}
	case orb.Bound:
		p.add(v.ToPolygon())
	case orb.Collection:
		for _, sub := range v {
			p.add(sub)
		}
	}
}

func (p *parts) addPath(ls orb.LineString) {
	if len(ls) == 1 {
		p.points = append(p.points, ls[0])
		return
	}
	for i := 1; i < len(ls); i++ {
		p.segments = append(p.segments, segment{ls[i-1], ls[i]})
	}
}

func (p *parts) vertices() []orb.Point {
	out := make([]orb.Point, 0, len(p.points)+len(p.segments))
	out = append(out, p.points...)
	for _, s := range p.segments {
		out = append(out, s.a)
	}
	return out
}

// Intersects reports whether a and b share at least one point in the plane.
// Boundaries count: a point on a polygon edge intersects the polygon.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}

	var pa, pb parts
	pa.add(a)
	pb.add(b)

	for _, p := range pa.points {
		for _, q := range pb.points {
			if p.Equal(q) {
				return true
			}
		}
		for _, s := range pb.segments {
			if onSegment(p, s) {
				return true
			}
		}
	}
	for _, q := range pb.points {
		for _, s := range pa.segments {
			if onSegment(q, s) {
				return true
			}
		}
	}
	for _, s := range pa.segments {
		for _, t := range pb.segments {
			if segmentsIntersect(s, t) {
				return true
			}
		}
	}

	// No boundary contact, so one geometry can only lie inside the other.
	for _, poly := range pb.polygons {
		for _, v := range pa.vertices() {
			if planar.PolygonContains(poly, v) {
				return true
			}
		}
	}
	for _, poly := range pa.polygons {
		for _, v := range pb.vertices() {
			if planar.PolygonContains(poly, v) {
				return true
			}
		}
	}
	return false
}

func orientation(p, q, r orb.Point) int {
	v := (q[1]-p[1])*(r[0]-q[0]) - (q[0]-p[0])*(r[1]-q[1])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return 2
	default:
		return 0
	}
}

func withinBox(p orb.Point, s segment) bool {
	return p[0] <= max(s.a[0], s.b[0]) && p[0] >= min(s.a[0], s.b[0]) &&
		p[1] <= max(s.a[1], s.b[1]) && p[1] >= min(s.a[1], s.b[1])
}

func onSegment(p orb.Point, s segment) bool {
	return orientation(s.a, s.b, p) == 0 && withinBox(p, s)
}

func segmentsIntersect(s, t segment) bool {
	o1 := orientation(s.a, s.b, t.a)
	o2 := orientation(s.a, s.b, t.b)
	o3 := orientation(t.a, t.b, s.a)
	o4 := orientation(t.a, t.b, s.b)

	if o1 != o2 && o3 != o4 {
		return true
	}
	switch {
	case o1 == 0 && withinBox(t.a, s):
		return true
	case o2 == 0 && withinBox(t.b, s):
		return true
	case o3 == 0 && withinBox(s.a, t):
		return true
	case o4 == 0 && withinBox(s.b, t):
		return true
	}
	return false
}
