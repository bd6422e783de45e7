package geometry

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

// Engine is the optional spatial capability. Its presence is decided once at
// startup and every caller checks Available before relying on it.
type Engine interface {
	Available() bool
	ParseWKT(s string) (orb.Geometry, error)
	Centroid(g orb.Geometry) orb.Point
	Bound(g orb.Geometry) orb.Bound
	Intersects(a, b orb.Geometry) bool
}

type orbEngine struct{}

// NewOrbEngine returns an Engine backed by paulmach/orb.
func NewOrbEngine() Engine {
	return orbEngine{}
}

func (orbEngine) Available() bool { return true }

func (orbEngine) ParseWKT(s string) (orb.Geometry, error) {
	g, err := wkt.Unmarshal(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if isEmptyGeometry(g) {
		return nil, fmt.Errorf("empty geometry")
	}
	return g, nil
}

func (orbEngine) Centroid(g orb.Geometry) orb.Point {
	c, _ := planar.CentroidArea(g)
	return c
}

func (orbEngine) Bound(g orb.Geometry) orb.Bound {
	return g.Bound()
}

func (orbEngine) Intersects(a, b orb.Geometry) bool {
	return Intersects(a, b)
}

type unavailableEngine struct{}

// Unavailable returns an Engine that reports itself absent. Every geometric
// operation on it degrades to a zero value; callers must check Available.
func Unavailable() Engine {
	return unavailableEngine{}
}

func (unavailableEngine) Available() bool { return false }

func (unavailableEngine) ParseWKT(string) (orb.Geometry, error) {
	return nil, ErrUnsupportedOperation
}

func (unavailableEngine) Centroid(orb.Geometry) orb.Point { return orb.Point{} }

func (unavailableEngine) Bound(orb.Geometry) orb.Bound { return orb.Bound{} }

func (unavailableEngine) Intersects(orb.Geometry, orb.Geometry) bool { return false }

func isEmptyGeometry(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Collection:
		return len(v) == 0
	}
	return false
}
