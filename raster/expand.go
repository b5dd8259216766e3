package raster

import (
	"math"

	"github.com/pkg/errors"

	"github.com/polarsar/demprep/geo"
)

// maxNudges bounds the single-pixel corrections applied when floating point
// rounding leaves a padded edge just short of its target.
const maxNudges = 4

// Padding is the number of pixels added on each side by Expand.
type Padding struct {
	Left, Right, Top, Bottom int
}

func (p Padding) IsZero() bool {
	return p == Padding{}
}

// Expand returns a mosaic whose extent contains target. When m already
// covers target it is returned unchanged. Otherwise a new grid is built by
// moving each short edge outwards by a whole number of pixels, so the result
// stays aligned with m; new pixels hold fill and m is laid over them.
func Expand(m *Mosaic, target geo.BoundingBox, fill float64) (*Mosaic, Padding, error) {
	if err := m.validate(); err != nil {
		return nil, Padding{}, err
	}
	if target.EPSG != m.EPSG {
		return nil, Padding{}, errors.Wrapf(ErrCRSMismatch, "target %s, mosaic EPSG:%d", target, m.EPSG)
	}
	if m.Contains(target) {
		return m, Padding{}, nil
	}

	pw, ph := m.PixelSize()
	b := m.Bounds()
	pad := Padding{
		Left:   pixelsToCover(b.MinX-target.MinX, pw),
		Right:  pixelsToCover(target.MaxX-b.MaxX, pw),
		Top:    pixelsToCover(target.MaxY-b.MaxY, ph),
		Bottom: pixelsToCover(b.MinY-target.MinY, ph),
	}

	for i := 0; ; i++ {
		out := padded(m, pad, fill)
		ob := out.Bounds()
		if ob.Contains(target) {
			overlay(out, m)
			return out, pad, nil
		}
		if i == maxNudges {
			return nil, pad, errors.Wrapf(ErrCoverage, "padded extent %s, target %s", ob, target)
		}
		if ob.MinX > target.MinX {
			pad.Left++
		}
		if ob.MaxX < target.MaxX {
			pad.Right++
		}
		if ob.MaxY < target.MaxY {
			pad.Top++
		}
		if ob.MinY > target.MinY {
			pad.Bottom++
		}
	}
}

func padded(m *Mosaic, pad Padding, fill float64) *Mosaic {
	gt := m.GeoTransform
	gt[0] -= float64(pad.Left) * gt[1]
	gt[3] -= float64(pad.Top) * gt[5]
	return New(gt, m.Cols+pad.Left+pad.Right, m.Rows+pad.Top+pad.Bottom, m.EPSG, fill)
}

// pixelsToCover returns the number of whole pixels needed to span gap.
func pixelsToCover(gap, size float64) int {
	if gap <= 0 {
		return 0
	}
	return int(math.Ceil(gap/size - alignTolerance))
}
