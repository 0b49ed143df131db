package geofence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(lat0, lng0, lat1, lng1 float64) Ring {
	return Ring{
		{Lat: lat0, Lng: lng0},
		{Lat: lat0, Lng: lng1},
		{Lat: lat1, Lng: lng1},
		{Lat: lat1, Lng: lng0},
	}
}

func TestContains(t *testing.T) {
	area := &Area{
		Polygons: []Polygon{
			{
				Outer: square(0, 0, 10, 10),
				Holes: []Ring{square(4, 4, 6, 6)},
			},
			{
				Outer: square(20, 20, 22, 22),
			},
		},
	}

	tests := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"inside outer", 2, 2, true},
		{"inside second polygon", 21, 21, true},
		{"outside everything", 15, 15, false},
		{"inside hole", 5, 5, false},
		{"on outer edge", 0, 5, true},
		{"on outer corner", 0, 0, true},
		{"on hole edge counts as inside", 4, 5, true},
		{"just outside outer", -0.0001, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, area.Contains(tt.lat, tt.lng))
		})
	}
}

func TestParse(t *testing.T) {
	data := []byte(`[
		[
			[[0,0],[0,10],[10,10],[10,0]],
			[[4,4],[4,6],[6,6],[6,4]]
		]
	]`)

	area, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, area.Polygons, 1)
	assert.Len(t, area.Polygons[0].Outer, 4)
	assert.Len(t, area.Polygons[0].Holes, 1)

	assert.True(t, area.Contains(2, 2))
	assert.False(t, area.Contains(5, 5))
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.Error(t, err)

	_, err = Parse([]byte(`[[]]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`[[[[0,0],[1,1]]]]`))
	assert.Error(t, err)
}
