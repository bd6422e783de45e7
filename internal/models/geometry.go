package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// Shape wraps an orb.Geometry so it can travel through the database as WKT
// text and through the API as a GeoJSON geometry object.
// The zero Shape is a NULL geometry.
type Shape struct {
	orb.Geometry
}

// NewShape wraps g.
func NewShape(g orb.Geometry) Shape {
	return Shape{Geometry: g}
}

// IsNull reports whether the shape holds no geometry.
func (s Shape) IsNull() bool {
	return s.Geometry == nil
}

// WKT renders the shape as WKT, or "" for a NULL shape.
func (s Shape) WKT() string {
	if s.Geometry == nil {
		return ""
	}
	return wkt.MarshalString(s.Geometry)
}

// Scan implements sql.Scanner. The column holds WKT text.
func (s *Shape) Scan(value interface{}) error {
	if value == nil {
		s.Geometry = nil
		return nil
	}

	var text string
	switch v := value.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	default:
		return fmt.Errorf("failed to scan Shape: expected text, got %T", value)
	}

	if strings.TrimSpace(text) == "" {
		s.Geometry = nil
		return nil
	}

	g, err := wkt.Unmarshal(text)
	if err != nil {
		return fmt.Errorf("failed to parse shape WKT: %w", err)
	}
	s.Geometry = g
	return nil
}

// Value implements driver.Valuer, writing WKT text.
func (s Shape) Value() (driver.Value, error) {
	if s.Geometry == nil {
		return nil, nil
	}
	return wkt.MarshalString(s.Geometry), nil
}

// MarshalJSON renders the shape as a GeoJSON geometry object.
func (s Shape) MarshalJSON() ([]byte, error) {
	if s.Geometry == nil {
		return []byte("null"), nil
	}
	return json.Marshal(geojson.NewGeometry(s.Geometry))
}

// UnmarshalJSON accepts a GeoJSON geometry object or a JSON string of WKT.
func (s *Shape) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		s.Geometry = nil
		return nil
	}

	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("failed to unmarshal shape: %w", err)
		}
		return s.Scan(text)
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal shape: %w", err)
	}
	s.Geometry = g.Geometry()
	return nil
}
