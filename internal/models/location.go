package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/reliefmap/locus/internal/geometry"
)

// Level is an administrative level, "L0" (country) to "L5". The empty Level
// marks a non-administrative location such as a shelter or a facility.
type Level string

const (
	LevelNone Level = ""
	L0        Level = "L0"
	L1        Level = "L1"
	L2        Level = "L2"
	L3        Level = "L3"
	L4        Level = "L4"
	L5        Level = "L5"
)

// MaxLevelRank is the deepest administrative rank.
const MaxLevelRank = 5

// ParseLevel accepts "L0".."L5" in any case, or the empty string.
func ParseLevel(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return LevelNone, nil
	}
	l := Level(s)
	if _, ok := l.Rank(); !ok {
		return LevelNone, fmt.Errorf("invalid level %q", s)
	}
	return l, nil
}

// LevelFromRank returns the Level for a rank in 0..5.
func LevelFromRank(rank int) Level {
	if rank < 0 || rank > MaxLevelRank {
		return LevelNone
	}
	return Level(fmt.Sprintf("L%d", rank))
}

// Rank returns the numeric rank of an administrative level.
func (l Level) Rank() (int, bool) {
	if len(l) != 2 || l[0] != 'L' || l[1] < '0' || l[1] > '0'+MaxLevelRank {
		return 0, false
	}
	return int(l[1] - '0'), true
}

// Location is a named place in the hierarchy. Nullable numeric fields are
// pointers: nil means unknown and is distinct from zero.
type Location struct {
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	UUID        *string       `json:"uuid,omitempty"`
	Lat         *float64      `json:"lat,omitempty"`
	Lon         *float64      `json:"lon,omitempty"`
	WKT         *string       `json:"wkt,omitempty"`
	LonMin      *float64      `json:"lonMin,omitempty"`
	LatMin      *float64      `json:"latMin,omitempty"`
	LonMax      *float64      `json:"lonMax,omitempty"`
	LatMax      *float64      `json:"latMax,omitempty"`
	ParentID    *int64        `json:"parentId,omitempty"`
	Source      *string       `json:"source,omitempty"`
	Name        string        `json:"name"`
	Level       Level         `json:"level,omitempty"`
	Path        string        `json:"path"`
	ID          int64         `json:"id"`
	FeatureType geometry.Type `json:"featureType"`
	Deleted     bool          `json:"-"`
}

// HasCoordinates reports whether both lat and lon are known.
func (l *Location) HasCoordinates() bool {
	return l.Lat != nil && l.Lon != nil
}

// BBox returns the bounding box when all four components are known.
func (l *Location) BBox() (geometry.BBox, bool) {
	if l.LonMin == nil || l.LatMin == nil || l.LonMax == nil || l.LatMax == nil {
		return geometry.BBox{}, false
	}
	return geometry.BBox{LonMin: *l.LonMin, LatMin: *l.LatMin, LonMax: *l.LonMax, LatMax: *l.LatMax}, true
}

// SetBBox stores b in the four bound columns.
func (l *Location) SetBBox(b geometry.BBox) {
	l.LonMin, l.LatMin, l.LonMax, l.LatMax = &b.LonMin, &b.LatMin, &b.LonMax, &b.LatMax
}

// IsRoot reports whether the location starts a path of its own.
func (l *Location) IsRoot() bool {
	return l.Level == L0 || l.ParentID == nil
}

// ApplyGeometry copies a parsed geometry onto the location, clearing the
// fields the geometry could not determine.
func (l *Location) ApplyGeometry(p geometry.Parsed) {
	wkt := p.WKT
	l.WKT = &wkt
	l.FeatureType = p.Type
	l.Lat, l.Lon = p.Lat, p.Lon
	if p.BBox != nil {
		l.SetBBox(*p.BBox)
	} else {
		l.LonMin, l.LatMin, l.LonMax, l.LatMax = nil, nil, nil, nil
	}
}

// Clone returns a deep copy.
func (l *Location) Clone() *Location {
	c := *l
	c.UUID = cloneString(l.UUID)
	c.WKT = cloneString(l.WKT)
	c.Source = cloneString(l.Source)
	c.Lat = cloneFloat(l.Lat)
	c.Lon = cloneFloat(l.Lon)
	c.LonMin = cloneFloat(l.LonMin)
	c.LatMin = cloneFloat(l.LatMin)
	c.LonMax = cloneFloat(l.LonMax)
	c.LatMax = cloneFloat(l.LatMax)
	if l.ParentID != nil {
		id := *l.ParentID
		c.ParentID = &id
	}
	return &c
}

// LatLon is a resolved coordinate pair. SourceID names the location whose
// coordinates were used, which may be an ancestor.
type LatLon struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	SourceID int64   `json:"sourceId"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// StringPtr and Float64Ptr are helpers for building optional fields.
func StringPtr(s string) *string { return &s }

func Float64Ptr(f float64) *float64 { return &f }

func Int64Ptr(i int64) *int64 { return &i }
