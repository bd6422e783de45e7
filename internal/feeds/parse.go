package feeds

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/reliefmap/locus/internal/geometry"
	"github.com/reliefmap/locus/internal/models"
)

// Feature is one placed item extracted from a feed.
type Feature struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	WKT         string        `json:"wkt"`
	Type        geometry.Type `json:"featureType"`
	Lat         *float64      `json:"lat,omitempty"`
	Lon         *float64      `json:"lon,omitempty"`
	Shape       models.Shape  `json:"geometry"`
}

// ParseFeatures extracts the placed items of a feed payload. Items whose
// geometry cannot be built are skipped; a malformed document is an error.
func ParseFeatures(engine geometry.Engine, kind Kind, payload []byte) ([]Feature, error) {
	if len(payload) == 0 {
		return []Feature{}, nil
	}

	var raw []rawFeature
	var err error
	switch kind {
	case KindKML:
		raw, err = parseKML(payload)
	case KindGPX:
		raw, err = parseGPX(payload)
	case KindGeoRSS:
		raw, err = parseGeoRSS(payload)
	default:
		return nil, fmt.Errorf("unsupported feed kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	features := make([]Feature, 0, len(raw))
	for _, r := range raw {
		if r.geom == nil {
			continue
		}
		text := wkt.MarshalString(r.geom)
		parsed, err := geometry.Parse(engine, geometry.Input{WKT: text})
		if err != nil {
			continue
		}
		features = append(features, Feature{
			Name:        strings.TrimSpace(r.name),
			Description: strings.TrimSpace(r.description),
			WKT:         parsed.WKT,
			Type:        parsed.Type,
			Lat:         parsed.Lat,
			Lon:         parsed.Lon,
			Shape:       models.NewShape(r.geom),
		})
	}
	return features, nil
}

type rawFeature struct {
	name        string
	description string
	geom        orb.Geometry
}

// eachElement decodes every element whose local name is in locals, at any
// depth, into a fresh T and hands it to fn.
func eachElement[T any](payload []byte, locals []string, fn func(*T)) error {
	dec := newDecoder(payload)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, l := range locals {
			if start.Name.Local == l {
				v := new(T)
				if err := dec.DecodeElement(v, &start); err != nil {
					return fmt.Errorf("invalid <%s>: %w", l, err)
				}
				fn(v)
				break
			}
		}
	}
}

// KML

type kmlCoordinates struct {
	Coordinates string `xml:"coordinates"`
}

type kmlPolygon struct {
	Outer kmlCoordinates   `xml:"outerBoundaryIs>LinearRing"`
	Inner []kmlCoordinates `xml:"innerBoundaryIs>LinearRing"`
}

type kmlMultiGeometry struct {
	Points      []kmlCoordinates `xml:"Point"`
	LineStrings []kmlCoordinates `xml:"LineString"`
	Polygons    []kmlPolygon     `xml:"Polygon"`
}

type kmlPlacemark struct {
	Name          string            `xml:"name"`
	Description   string            `xml:"description"`
	Point         *kmlCoordinates   `xml:"Point"`
	LineString    *kmlCoordinates   `xml:"LineString"`
	Polygon       *kmlPolygon       `xml:"Polygon"`
	MultiGeometry *kmlMultiGeometry `xml:"MultiGeometry"`
}

func parseKML(payload []byte) ([]rawFeature, error) {
	var out []rawFeature
	err := eachElement(payload, []string{"Placemark"}, func(p *kmlPlacemark) {
		out = append(out, rawFeature{name: p.Name, description: p.Description, geom: p.geometry()})
	})
	return out, err
}

func (p *kmlPlacemark) geometry() orb.Geometry {
	switch {
	case p.Point != nil:
		return kmlPoint(p.Point.Coordinates)
	case p.LineString != nil:
		return kmlLine(p.LineString.Coordinates)
	case p.Polygon != nil:
		return p.Polygon.geometry()
	case p.MultiGeometry != nil:
		return p.MultiGeometry.geometry()
	}
	return nil
}

func (p *kmlPolygon) geometry() orb.Geometry {
	outer := kmlRing(p.Outer.Coordinates)
	if len(outer) < 4 {
		return nil
	}
	poly := orb.Polygon{outer}
	for _, in := range p.Inner {
		if r := kmlRing(in.Coordinates); len(r) >= 4 {
			poly = append(poly, r)
		}
	}
	return poly
}

func (m *kmlMultiGeometry) geometry() orb.Geometry {
	switch {
	case len(m.Polygons) > 0 && len(m.Points) == 0 && len(m.LineStrings) == 0:
		mp := orb.MultiPolygon{}
		for i := range m.Polygons {
			if g, ok := m.Polygons[i].geometry().(orb.Polygon); ok {
				mp = append(mp, g)
			}
		}
		if len(mp) == 0 {
			return nil
		}
		return mp
	case len(m.LineStrings) > 0 && len(m.Points) == 0 && len(m.Polygons) == 0:
		ml := orb.MultiLineString{}
		for _, l := range m.LineStrings {
			if g, ok := kmlLine(l.Coordinates).(orb.LineString); ok {
				ml = append(ml, g)
			}
		}
		if len(ml) == 0 {
			return nil
		}
		return ml
	case len(m.Points) > 0 && len(m.LineStrings) == 0 && len(m.Polygons) == 0:
		mp := orb.MultiPoint{}
		for _, p := range m.Points {
			if g, ok := kmlPoint(p.Coordinates).(orb.Point); ok {
				mp = append(mp, g)
			}
		}
		if len(mp) == 0 {
			return nil
		}
		return mp
	}
	// mixed collections have no single class
	return nil
}

// kmlTuples reads "lon,lat[,alt]" tuples separated by whitespace.
func kmlTuples(s string) []orb.Point {
	var pts []orb.Point
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			continue
		}
		lon, err1 := strconv.ParseFloat(parts[0], 64)
		lat, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		pts = append(pts, orb.Point{lon, lat})
	}
	return pts
}

func kmlPoint(s string) orb.Geometry {
	pts := kmlTuples(s)
	if len(pts) == 0 {
		return nil
	}
	return pts[0]
}

func kmlLine(s string) orb.Geometry {
	pts := kmlTuples(s)
	if len(pts) < 2 {
		return nil
	}
	return orb.LineString(pts)
}

func kmlRing(s string) orb.Ring {
	pts := kmlTuples(s)
	if len(pts) > 0 && !pts[0].Equal(pts[len(pts)-1]) {
		pts = append(pts, pts[0])
	}
	return orb.Ring(pts)
}

// GPX

type gpxPoint struct {
	Lat  float64 `xml:"lat,attr"`
	Lon  float64 `xml:"lon,attr"`
	Name string  `xml:"name"`
	Desc string  `xml:"desc"`
}

type gpxRoute struct {
	Name   string     `xml:"name"`
	Desc   string     `xml:"desc"`
	Points []gpxPoint `xml:"rtept"`
}

type gpxTrack struct {
	Name     string `xml:"name"`
	Desc     string `xml:"desc"`
	Segments []struct {
		Points []gpxPoint `xml:"trkpt"`
	} `xml:"trkseg"`
}

type gpxDocument struct {
	Waypoints []gpxPoint `xml:"wpt"`
	Routes    []gpxRoute `xml:"rte"`
	Tracks    []gpxTrack `xml:"trk"`
}

func parseGPX(payload []byte) ([]rawFeature, error) {
	var doc gpxDocument
	if err := newDecoder(payload).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid GPX: %w", err)
	}

	var out []rawFeature
	for _, w := range doc.Waypoints {
		out = append(out, rawFeature{name: w.Name, description: w.Desc, geom: orb.Point{w.Lon, w.Lat}})
	}
	for _, r := range doc.Routes {
		line := make(orb.LineString, 0, len(r.Points))
		for _, p := range r.Points {
			line = append(line, orb.Point{p.Lon, p.Lat})
		}
		if len(line) >= 2 {
			out = append(out, rawFeature{name: r.Name, description: r.Desc, geom: line})
		}
	}
	for _, t := range doc.Tracks {
		ml := orb.MultiLineString{}
		for _, seg := range t.Segments {
			line := make(orb.LineString, 0, len(seg.Points))
			for _, p := range seg.Points {
				line = append(line, orb.Point{p.Lon, p.Lat})
			}
			if len(line) >= 2 {
				ml = append(ml, line)
			}
		}
		switch len(ml) {
		case 0:
		case 1:
			out = append(out, rawFeature{name: t.Name, description: t.Desc, geom: ml[0]})
		default:
			out = append(out, rawFeature{name: t.Name, description: t.Desc, geom: ml})
		}
	}
	return out, nil
}

// GeoRSS, in RSS items or Atom entries, simple encoding or W3C geo.

type geoRSSItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Summary     string `xml:"summary"`
	Point       string `xml:"point"`
	Line        string `xml:"line"`
	Polygon     string `xml:"polygon"`
	Box         string `xml:"box"`
	Lat         string `xml:"lat"`
	Long        string `xml:"long"`
}

func parseGeoRSS(payload []byte) ([]rawFeature, error) {
	var out []rawFeature
	err := eachElement(payload, []string{"item", "entry"}, func(it *geoRSSItem) {
		desc := it.Description
		if desc == "" {
			desc = it.Summary
		}
		out = append(out, rawFeature{name: it.Title, description: desc, geom: it.geometry()})
	})
	return out, err
}

func (it *geoRSSItem) geometry() orb.Geometry {
	switch {
	case strings.TrimSpace(it.Point) != "":
		if pts := latLonPairs(it.Point); len(pts) == 1 {
			return pts[0]
		}
	case strings.TrimSpace(it.Line) != "":
		if pts := latLonPairs(it.Line); len(pts) >= 2 {
			return orb.LineString(pts)
		}
	case strings.TrimSpace(it.Polygon) != "":
		if pts := latLonPairs(it.Polygon); len(pts) >= 4 {
			return orb.Polygon{orb.Ring(pts)}
		}
	case strings.TrimSpace(it.Box) != "":
		if pts := latLonPairs(it.Box); len(pts) == 2 {
			return orb.Bound{Min: pts[0], Max: pts[1]}.ToPolygon()
		}
	case it.Lat != "" && it.Long != "":
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(it.Lat), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(it.Long), 64)
		if err1 == nil && err2 == nil {
			return orb.Point{lon, lat}
		}
	}
	return nil
}

// latLonPairs reads whitespace-separated "lat lon" pairs into points.
func latLonPairs(s string) []orb.Point {
	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return nil
	}
	pts := make([]orb.Point, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		lat, err1 := strconv.ParseFloat(fields[i], 64)
		lon, err2 := strconv.ParseFloat(fields[i+1], 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		pts = append(pts, orb.Point{lon, lat})
	}
	return pts
}
