package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"
)

// sceneNameProperties are the feature properties looked up, in order, for a
// scene name. The first two are used by radar archive search results.
var sceneNameProperties = []string{"sceneName", "fileID", "scene_id", "name"}

// Footprint is the geographic outline of a scene.
type Footprint struct {
	SceneName string
	Ring      orb.Ring
}

// ParseFootprint reads a GeoJSON Polygon, MultiPolygon with a single member,
// Feature or FeatureCollection (first feature). Only the outer ring is kept.
func ParseFootprint(data []byte) (*Footprint, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(ErrInvalidFootprint, err.Error())
	}

	var (
		g     orb.Geometry
		props geojson.Properties
	)
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFootprint, err.Error())
		}
		if len(fc.Features) == 0 {
			return nil, errors.Wrap(ErrInvalidFootprint, "feature collection is empty")
		}
		g, props = fc.Features[0].Geometry, fc.Features[0].Properties
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFootprint, err.Error())
		}
		g, props = f.Geometry, f.Properties
	default:
		geom, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFootprint, err.Error())
		}
		g = geom.Geometry()
	}

	fp := &Footprint{}
	for _, key := range sceneNameProperties {
		if v, ok := props[key]; ok {
			fp.SceneName = cast.ToString(v)
			break
		}
	}

	switch t := g.(type) {
	case orb.Polygon:
		if len(t) == 0 {
			return nil, errors.Wrap(ErrInvalidFootprint, "polygon has no rings")
		}
		fp.Ring = t[0]
	case orb.MultiPolygon:
		if len(t) != 1 || len(t[0]) == 0 {
			return nil, errors.Wrapf(ErrInvalidFootprint, "multipolygon with %d members", len(t))
		}
		fp.Ring = t[0][0]
	default:
		return nil, errors.Wrapf(ErrInvalidFootprint, "unsupported geometry %T", g)
	}
	return fp, nil
}

// Bounds returns the geographic envelope of the footprint after rejecting
// rings that are too short, have no area or cross the antimeridian.
func (f *Footprint) Bounds() (BoundingBox, error) {
	ring := f.Ring
	if len(ring) > 0 && !ring.Closed() {
		ring = append(append(orb.Ring{}, ring...), ring[0])
	}
	if len(ring) < 4 {
		return BoundingBox{}, errors.Wrapf(ErrDegenerate, "footprint ring has %d vertices", len(ring))
	}
	for i := 1; i < len(ring); i++ {
		if math.Abs(ring[i].X()-ring[i-1].X()) > 180 {
			return BoundingBox{}, errors.Wrapf(ErrAntimeridian, "footprint jumps from %g to %g", ring[i-1].X(), ring[i].X())
		}
	}
	if planar.Area(orb.Polygon{ring}) == 0 {
		return BoundingBox{}, errors.Wrap(ErrDegenerate, "footprint has zero area")
	}
	b := FromBound(ring.Bound(), Geographic)
	if err := checkGeographic(b); err != nil {
		return BoundingBox{}, err
	}
	return b, nil
}

const footprintSchema = `{
  "definitions": {
    "position": {
      "type": "array",
      "minItems": 2,
      "items": {"type": "number"}
    },
    "ring": {
      "type": "array",
      "minItems": 4,
      "items": {"$ref": "#/definitions/position"}
    },
    "polygon": {
      "type": "object",
      "required": ["type", "coordinates"],
      "properties": {
        "type": {"enum": ["Polygon"]},
        "coordinates": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/ring"}}
      }
    },
    "multipolygon": {
      "type": "object",
      "required": ["type", "coordinates"],
      "properties": {
        "type": {"enum": ["MultiPolygon"]},
        "coordinates": {
          "type": "array", "minItems": 1, "maxItems": 1,
          "items": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/ring"}}
        }
      }
    },
    "geometry": {"oneOf": [{"$ref": "#/definitions/polygon"}, {"$ref": "#/definitions/multipolygon"}]},
    "feature": {
      "type": "object",
      "required": ["type", "geometry"],
      "properties": {
        "type": {"enum": ["Feature"]},
        "geometry": {"$ref": "#/definitions/geometry"},
        "properties": {"type": ["object", "null"]}
      }
    },
    "collection": {
      "type": "object",
      "required": ["type", "features"],
      "properties": {
        "type": {"enum": ["FeatureCollection"]},
        "features": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/feature"}}
      }
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/geometry"},
    {"$ref": "#/definitions/feature"},
    {"$ref": "#/definitions/collection"}
  ]
}`

// ValidationError lists the schema issues found in a footprint document.
type ValidationError struct {
	Issues []string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("footprint validation issues: %s", strings.Join(err.Issues, "; "))
}

// ValidateFootprint checks a footprint document against the accepted GeoJSON
// shapes. A ValidationError is returned when the document does not conform.
func ValidateFootprint(data []byte) error {
	res, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(footprintSchema),
		gojsonschema.NewStringLoader(string(data)),
	)
	if err != nil {
		return errors.Wrap(ErrInvalidFootprint, err.Error())
	}
	if res.Valid() {
		return nil
	}
	verr := ValidationError{}
	for _, issue := range res.Errors() {
		verr.Issues = append(verr.Issues, issue.String())
	}
	return verr
}
