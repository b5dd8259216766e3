package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// Geographic is the EPSG code of WGS 84 longitude/latitude.
const Geographic = 4326

// BoundingBox is an axis-aligned envelope in the CRS identified by EPSG.
// It is a value type: every operation returns a new box.
type BoundingBox struct {
	MinX float64 `json:"min_x" csv:"min_x"`
	MinY float64 `json:"min_y" csv:"min_y"`
	MaxX float64 `json:"max_x" csv:"max_x"`
	MaxY float64 `json:"max_y" csv:"max_y"`
	EPSG int     `json:"epsg" csv:"epsg"`
}

// NewBoundingBox returns a box after checking that its bounds are ordered.
func NewBoundingBox(minX, minY, maxX, maxY float64, epsg int) (BoundingBox, error) {
	b := BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, EPSG: epsg}
	for _, v := range []float64{minX, minY, maxX, maxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BoundingBox{}, errors.Wrapf(ErrDegenerate, "non-finite bound in %s", b)
		}
	}
	if minX > maxX || minY > maxY {
		return BoundingBox{}, errors.Wrapf(ErrDegenerate, "inverted bounds %s", b)
	}
	return b, nil
}

// FromBound tags an orb.Bound with a CRS.
func FromBound(bound orb.Bound, epsg int) BoundingBox {
	return BoundingBox{
		MinX: bound.Min.X(), MinY: bound.Min.Y(),
		MaxX: bound.Max.X(), MaxY: bound.Max.Y(),
		EPSG: epsg,
	}
}

// Bound returns the box as an orb.Bound, dropping the CRS tag.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

func (b BoundingBox) Width() float64  { return b.MaxX - b.MinX }
func (b BoundingBox) Height() float64 { return b.MaxY - b.MinY }

// IsEmpty reports whether the box has no area.
func (b BoundingBox) IsEmpty() bool {
	return !(b.Width() > 0 && b.Height() > 0)
}

// Contains reports whether other lies entirely within b, boundaries
// included. Boxes in different CRSs never contain each other.
func (b BoundingBox) Contains(other BoundingBox) bool {
	if b.EPSG != other.EPSG {
		return false
	}
	return b.MinX <= other.MinX && b.MinY <= other.MinY &&
		b.MaxX >= other.MaxX && b.MaxY >= other.MaxY
}

// Union returns the smallest box containing both b and other.
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	return BoundingBox{
		MinX: math.Min(b.MinX, other.MinX),
		MinY: math.Min(b.MinY, other.MinY),
		MaxX: math.Max(b.MaxX, other.MaxX),
		MaxY: math.Max(b.MaxY, other.MaxY),
		EPSG: b.EPSG,
	}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("EPSG:%d[%g %g %g %g]", b.EPSG, b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// boundsOf returns the envelope of the given coordinates.
func boundsOf(xs, ys []float64, epsg int) BoundingBox {
	b := BoundingBox{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
		EPSG: epsg,
	}
	for i := range xs {
		b.MinX = math.Min(b.MinX, xs[i])
		b.MaxX = math.Max(b.MaxX, xs[i])
		b.MinY = math.Min(b.MinY, ys[i])
		b.MaxY = math.Max(b.MaxY, ys[i])
	}
	return b
}
