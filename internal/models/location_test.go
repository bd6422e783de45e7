package models

import (
	"testing"

	"github.com/reliefmap/locus/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "L0", want: L0},
		{in: "l3", want: L3},
		{in: " L5 ", want: L5},
		{in: "", want: LevelNone},
		{in: "L6", wantErr: true},
		{in: "ADM1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelRank(t *testing.T) {
	r, ok := L4.Rank()
	assert.True(t, ok)
	assert.Equal(t, 4, r)

	_, ok = LevelNone.Rank()
	assert.False(t, ok)

	assert.Equal(t, L2, LevelFromRank(2))
	assert.Equal(t, LevelNone, LevelFromRank(6))
}

func TestLocationBBox(t *testing.T) {
	var loc Location
	_, ok := loc.BBox()
	assert.False(t, ok)

	loc.SetBBox(geometry.BBox{LonMin: 1, LatMin: 2, LonMax: 3, LatMax: 4})
	b, ok := loc.BBox()
	require.True(t, ok)
	assert.Equal(t, 3.0, b.LonMax)
}

func TestLocationApplyGeometry(t *testing.T) {
	loc := Location{Name: "Site"}
	loc.SetBBox(geometry.BBox{LonMax: 9})

	loc.ApplyGeometry(geometry.Parsed{WKT: "POLYGON((0 0,1 0,1 1,0 0))", Type: geometry.TypePolygon})

	assert.Equal(t, geometry.TypePolygon, loc.FeatureType)
	assert.Nil(t, loc.Lat)
	_, ok := loc.BBox()
	assert.False(t, ok, "bounds from a previous geometry must not survive")
}

func TestLocationClone(t *testing.T) {
	loc := &Location{ID: 1, Name: "A", Lat: Float64Ptr(1), ParentID: Int64Ptr(7)}
	c := loc.Clone()
	*c.Lat = 5
	*c.ParentID = 9

	assert.Equal(t, 1.0, *loc.Lat)
	assert.Equal(t, int64(7), *loc.ParentID)
}

func TestLocationIsRoot(t *testing.T) {
	assert.True(t, (&Location{Level: L0, ParentID: Int64Ptr(3)}).IsRoot())
	assert.True(t, (&Location{Level: L2}).IsRoot())
	assert.False(t, (&Location{Level: L2, ParentID: Int64Ptr(3)}).IsRoot())
}
