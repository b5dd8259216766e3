package raster

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarsar/demprep/geo"
)

func TestMerge_AdjacentTiles(t *testing.T) {
	s16 := tile(-16, 130, 4, constant(10))
	s17 := tile(-17, 130, 4, constant(20))

	m, err := Merge([]*Mosaic{s16, s17}, fill)
	require.NoError(t, err)

	assert.Equal(t, s16.Bounds().Union(s17.Bounds()), m.Bounds())
	assert.Equal(t, box(130, -17, 131, -15), m.Bounds())
	assert.Equal(t, 4, m.Cols)
	assert.Equal(t, 8, m.Rows)

	v, ok := valueAt(m, 130.5, -15.5)
	require.True(t, ok)
	assert.Equal(t, float32(10), v)
	v, ok = valueAt(m, 130.5, -16.5)
	require.True(t, ok)
	assert.Equal(t, float32(20), v)
	assert.Equal(t, 32, m.Valid())
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	in := tile(0, 0, 2, constant(1))
	m, err := Merge([]*Mosaic{in}, fill)
	require.NoError(t, err)
	m.Set(0, 0, 42)
	assert.Equal(t, float32(1), in.At(0, 0))
}

func TestMerge_GapIsFilled(t *testing.T) {
	a := tile(0, 0, 2, constant(1))
	b := tile(0, 2, 2, constant(2))

	m, err := Merge([]*Mosaic{a, b}, fill)
	require.NoError(t, err)
	assert.Equal(t, box(0, 0, 3, 1), m.Bounds())
	v, _ := valueAt(m, 1.5, 0.5)
	assert.True(t, m.IsFill(v))
}

func TestMerge_KeepsData(t *testing.T) {
	// b overlaps the eastern half of a and has holes.
	a := tile(0, 0, 4, func(col, row int) float32 { return float32(col + row) })
	b := tile(0, 0.5, 4, func(col, row int) float32 {
		if (col+row)%3 == 0 {
			return fill
		}
		return 2
	})

	m, err := Merge([]*Mosaic{a, b}, fill)
	require.NoError(t, err)

	target := box(-0.3, -0.2, 1.7, 1.1)
	out, _, err := Expand(m, target, fill)
	require.NoError(t, err)

	for _, in := range []*Mosaic{a, b} {
		pixelCenters(in, func(x, y float64, v float32) {
			if in.IsFill(v) {
				return
			}
			have, ok := valueAt(out, x, y)
			require.True(t, ok)
			assert.False(t, out.IsFill(have), "data at (%g, %g) replaced by fill", x, y)
			assert.GreaterOrEqual(t, have, v)
		})
	}
}

func TestMerge_Errors(t *testing.T) {
	base := tile(0, 0, 4, constant(1))

	otherCRS := tile(0, 1, 4, constant(1))
	otherCRS.EPSG = 3031

	testCases := []struct {
		name  string
		other *Mosaic
		want  error
	}{
		{"resolution", tile(0, 1, 5, constant(1)), ErrResolutionMismatch},
		{"crs", otherCRS, ErrCRSMismatch},
		{"alignment", tile(0, 1.1, 4, constant(1)), ErrMisaligned},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Merge([]*Mosaic{base, tc.other}, fill)
			assert.Equal(t, tc.want, errors.Cause(err))
		})
	}

	_, err := Merge(nil, fill)
	assert.Equal(t, ErrEmpty, err)
}

func TestMerge_TranslatesNoData(t *testing.T) {
	in := tile(0, 0, 2, constant(5))
	in.NoData = 0
	in.Set(1, 1, 0)

	m, err := Merge([]*Mosaic{in}, fill)
	require.NoError(t, err)
	assert.Equal(t, float32(fill), m.At(1, 1))
	assert.Equal(t, float32(5), m.At(0, 0))
	assert.Equal(t, geo.Geographic, m.EPSG)
}
