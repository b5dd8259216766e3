package raster

import (
	"math"

	"github.com/pkg/errors"
)

// Merge combines rasters into a new mosaic covering the union of their
// extents. Overlapping pixels keep the largest data value and fill never
// replaces data. Inputs must share CRS, pixel size and pixel grid; they are
// not modified.
func Merge(inputs []*Mosaic, nodata float64) (*Mosaic, error) {
	if len(inputs) == 0 {
		return nil, ErrEmpty
	}
	ref := inputs[0]
	if err := ref.validate(); err != nil {
		return nil, errors.Wrap(err, "raster 0")
	}
	pw, ph := ref.PixelSize()
	bounds := ref.Bounds()

	for i, in := range inputs[1:] {
		if err := checkCompatible(ref, in); err != nil {
			return nil, errors.Wrapf(err, "raster %d", i+1)
		}
		bounds = bounds.Union(in.Bounds())
	}

	cols := int(math.Round(bounds.Width() / pw))
	rows := int(math.Round(bounds.Height() / ph))
	gt := [6]float64{bounds.MinX, pw, 0, bounds.MaxY, 0, -ph}
	out := New(gt, cols, rows, ref.EPSG, nodata)
	for _, in := range inputs {
		overlay(out, in)
	}
	return out, nil
}

func checkCompatible(ref, in *Mosaic) error {
	if err := in.validate(); err != nil {
		return err
	}
	if in.EPSG != ref.EPSG {
		return errors.Wrapf(ErrCRSMismatch, "EPSG:%d != EPSG:%d", in.EPSG, ref.EPSG)
	}
	pw, ph := ref.PixelSize()
	ipw, iph := in.PixelSize()
	if math.Abs(ipw-pw) > pw*alignTolerance || math.Abs(iph-ph) > ph*alignTolerance {
		return errors.Wrapf(ErrResolutionMismatch, "%g x %g != %g x %g", ipw, iph, pw, ph)
	}
	if offPixel(in.GeoTransform[0]-ref.GeoTransform[0], pw) || offPixel(in.GeoTransform[3]-ref.GeoTransform[3], ph) {
		return errors.Wrapf(ErrMisaligned, "origin (%g, %g) is off the grid of (%g, %g)",
			in.GeoTransform[0], in.GeoTransform[3], ref.GeoTransform[0], ref.GeoTransform[3])
	}
	return nil
}
