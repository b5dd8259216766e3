package geo

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const featureFootprint = `{
  "type": "Feature",
  "geometry": {
    "type": "Polygon",
    "coordinates": [[[130.5, -17.5], [131.2, -17.5], [131.2, -16.5], [130.5, -16.5], [130.5, -17.5]]]
  },
  "properties": {"sceneName": "S1A_IW_GRDH_1SDV_20210101T000000"}
}`

func TestParseFootprint(t *testing.T) {
	tests := map[string]struct {
		doc       string
		sceneName string
		bounds    BoundingBox
	}{
		"feature": {
			featureFootprint,
			"S1A_IW_GRDH_1SDV_20210101T000000",
			box(130.5, -17.5, 131.2, -16.5),
		},
		"geometry": {
			`{"type": "Polygon", "coordinates": [[[10, 60], [12, 60], [12, 61], [10, 61], [10, 60]]]}`,
			"",
			box(10, 60, 12, 61),
		},
		"collection with fileID": {
			`{"type": "FeatureCollection", "features": [{"type": "Feature", "properties": {"fileID": "granule-1"},
			  "geometry": {"type": "MultiPolygon", "coordinates": [[[[1, 1], [2, 1], [2, 2], [1, 2], [1, 1]]]]}}]}`,
			"granule-1",
			box(1, 1, 2, 2),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fp, err := ParseFootprint([]byte(tc.doc))
			require.NoError(t, err)
			assert.Equal(t, tc.sceneName, fp.SceneName)
			b, err := fp.Bounds()
			require.NoError(t, err)
			assert.Equal(t, tc.bounds, b)
		})
	}
}

func TestParseFootprint_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":         `{`,
		"point":            `{"type": "Point", "coordinates": [1, 2]}`,
		"empty collection": `{"type": "FeatureCollection", "features": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFootprint([]byte(doc))
			assert.Equal(t, ErrInvalidFootprint, errors.Cause(err))
		})
	}
}

func TestFootprint_BoundsRejectsBadRings(t *testing.T) {
	tests := map[string]struct {
		doc  string
		want error
	}{
		"antimeridian": {
			`{"type": "Polygon", "coordinates": [[[179.5, -17], [-179.5, -17], [-179.5, -16], [179.5, -16], [179.5, -17]]]}`,
			ErrAntimeridian,
		},
		"zero area": {
			`{"type": "Polygon", "coordinates": [[[1, 1], [2, 2], [3, 3], [1, 1]]]}`,
			ErrDegenerate,
		},
		"too short": {
			`{"type": "Polygon", "coordinates": [[[1, 1], [2, 2]]]}`,
			ErrDegenerate,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fp, err := ParseFootprint([]byte(tc.doc))
			require.NoError(t, err)
			_, err = fp.Bounds()
			assert.Equal(t, tc.want, errors.Cause(err))
		})
	}
}

func TestValidateFootprint(t *testing.T) {
	assert.NoError(t, ValidateFootprint([]byte(featureFootprint)))

	err := ValidateFootprint([]byte(`{"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}}`))
	require.Error(t, err)
	_, ok := err.(ValidationError)
	assert.True(t, ok, "expected a ValidationError, got %T", err)

	err = ValidateFootprint([]byte(`{`))
	assert.Equal(t, ErrInvalidFootprint, errors.Cause(err))
}
