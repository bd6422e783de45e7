package geometry

import (
	"strings"

	"github.com/paulmach/orb"
)

// Type classifies a location's geometry. The numeric values are persisted.
type Type int

const (
	TypeUnknown    Type = 0
	TypePoint      Type = 1
	TypeLineString Type = 2
	TypePolygon    Type = 3
)

func (t Type) String() string {
	switch t {
	case TypePoint:
		return "point"
	case TypeLineString:
		return "linestring"
	case TypePolygon:
		return "polygon"
	default:
		return "unknown"
	}
}

// Example returns a well-formed WKT sample for the type, used in error hints.
func (t Type) Example() string {
	switch t {
	case TypeLineString:
		return "LINESTRING(3 4,10 50,20 25)"
	case TypePolygon:
		return "POLYGON((1 1,5 1,5 5,1 5,1 1),(2 2, 3 2, 3 3, 2 3,2 2))"
	default:
		return "POINT(3 4)"
	}
}

// ParseType maps a type name ("point", "LineString", "POLYGON", ...) to a Type.
func ParseType(name string) Type {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "point", "multipoint":
		return TypePoint
	case "linestring", "multilinestring":
		return TypeLineString
	case "polygon", "multipolygon":
		return TypePolygon
	default:
		return TypeUnknown
	}
}

// Classify returns the single-geometry class of g. Multi variants collapse
// to their single counterpart; collections are not classifiable.
func Classify(g orb.Geometry) Type {
	switch g.(type) {
	case orb.Point, orb.MultiPoint:
		return TypePoint
	case orb.LineString, orb.MultiLineString:
		return TypeLineString
	case orb.Ring, orb.Polygon, orb.MultiPolygon, orb.Bound:
		return TypePolygon
	default:
		return TypeUnknown
	}
}

// ClassifyWKT reads the geometry keyword at the head of a WKT string without
// parsing the coordinates.
func ClassifyWKT(wkt string) Type {
	head := strings.TrimSpace(wkt)
	if i := strings.IndexAny(head, "( "); i >= 0 {
		head = head[:i]
	}
	return ParseType(head)
}
