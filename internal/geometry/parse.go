package geometry

import (
	"fmt"
	"strconv"
	"strings"
)

// Input is the raw geometry of a location as submitted by a form, an API
// client or an importer. Expected is a hint for error messages only.
type Input struct {
	WKT      string
	Lat      *float64
	Lon      *float64
	Expected Type
}

// Parsed is the normalized geometry. Lat, Lon and BBox are nil when they
// cannot be derived; they are never filled with a default.
type Parsed struct {
	WKT  string
	Type Type
	Lat  *float64
	Lon  *float64
	BBox *BBox
}

// Parse normalizes in. When WKT is present it wins over lat/lon: with an
// available engine the centroid and bounds are computed from it, without one
// only the type is read from the WKT keyword. When WKT is absent both lat and
// lon are required and become a POINT.
func Parse(engine Engine, in Input) (Parsed, error) {
	raw := strings.TrimSpace(in.WKT)
	if raw == "" {
		return parseLatLon(in.Lat, in.Lon)
	}

	if engine == nil || !engine.Available() {
		t := ClassifyWKT(raw)
		if t == TypeUnknown {
			return Parsed{}, fmt.Errorf("%w: %q", ErrUnknownType, keyword(raw))
		}
		return Parsed{WKT: raw, Type: t}, nil
	}

	g, err := engine.ParseWKT(raw)
	if err != nil {
		kind := in.Expected
		if kind == TypeUnknown {
			kind = ClassifyWKT(raw)
		}
		return Parsed{}, &InvalidWKTError{Kind: kind, Err: err}
	}

	t := Classify(g)
	if t == TypeUnknown {
		return Parsed{}, fmt.Errorf("%w: %s", ErrUnknownType, g.GeoJSONType())
	}

	c := engine.Centroid(g)
	lat, lon := c.Lat(), c.Lon()
	box := FromBound(engine.Bound(g))
	return Parsed{WKT: raw, Type: t, Lat: &lat, Lon: &lon, BBox: &box}, nil
}

func parseLatLon(lat, lon *float64) (Parsed, error) {
	switch {
	case lat == nil && lon == nil:
		return Parsed{}, ErrMissingInput
	case lat == nil:
		return Parsed{}, fmt.Errorf("%w: %w", ErrMissingInput, ErrLatitudeEmpty)
	case lon == nil:
		return Parsed{}, fmt.Errorf("%w: %w", ErrMissingInput, ErrLongitudeEmpty)
	}
	if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
		return Parsed{}, fmt.Errorf("%w: lat=%v lon=%v", ErrCoordinateRange, *lat, *lon)
	}

	la, lo := *lat, *lon
	box := PointBBox(la, lo)
	return Parsed{
		WKT:  LatLonToWKT(la, lo),
		Type: TypePoint,
		Lat:  &la,
		Lon:  &lo,
		BBox: &box,
	}, nil
}

// LatLonToWKT renders a coordinate as a WKT point, longitude first, using the
// shortest decimal form of each number: LatLonToWKT(6, 80) is "POINT(80 6)".
func LatLonToWKT(lat, lon float64) string {
	return "POINT(" + formatCoord(lon) + " " + formatCoord(lat) + ")"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DefaultAbbreviateLen is the WKT length above which Abbreviate shortens.
const DefaultAbbreviateLen = 30

// Abbreviate shortens WKT for list displays. Strings up to maxLen are returned
// as is; longer ones become "KEYWORD(...)". Empty input gives "".
func Abbreviate(wkt string, maxLen int) string {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return ""
	}
	if maxLen <= 0 {
		maxLen = DefaultAbbreviateLen
	}
	if len(wkt) <= maxLen {
		return wkt
	}
	return keyword(wkt) + "(...)"
}

func keyword(wkt string) string {
	if i := strings.IndexAny(wkt, "( "); i >= 0 {
		return wkt[:i]
	}
	return wkt
}
