// Package raster holds single-band elevation grids in memory and implements
// the merge and padding steps that turn DEM tiles into one pixel-aligned
// mosaic.
package raster

import (
	"math"

	"github.com/pkg/errors"

	"github.com/polarsar/demprep/geo"
)

var (
	// ErrEmpty is returned when there is nothing to merge.
	ErrEmpty = errors.New("no rasters to merge")
	// ErrResolutionMismatch is returned when inputs have different pixel sizes.
	ErrResolutionMismatch = errors.New("rasters have different resolutions")
	// ErrCRSMismatch is returned when inputs are in different CRSs.
	ErrCRSMismatch = errors.New("rasters have different CRSs")
	// ErrMisaligned is returned when inputs do not share a pixel grid.
	ErrMisaligned = errors.New("rasters are not pixel-aligned")
	// ErrCoverage is returned when a padded mosaic still misses its target.
	ErrCoverage = errors.New("mosaic does not cover the target extent")
)

// alignTolerance is the fraction of a pixel under which two grid offsets are
// considered equal.
const alignTolerance = 1e-6

// Mosaic is a north-up, single-band float32 grid. GeoTransform follows the
// GDAL convention: origin x, pixel width, 0, origin y, 0, negative pixel
// height. Data is row-major, Rows*Cols long.
type Mosaic struct {
	GeoTransform [6]float64
	Cols, Rows   int
	EPSG         int
	NoData       float64
	Data         []float32
}

// New returns a mosaic filled with nodata.
func New(gt [6]float64, cols, rows, epsg int, nodata float64) *Mosaic {
	m := &Mosaic{GeoTransform: gt, Cols: cols, Rows: rows, EPSG: epsg, NoData: nodata}
	m.Data = make([]float32, cols*rows)
	fill := float32(nodata)
	for i := range m.Data {
		m.Data[i] = fill
	}
	return m
}

// PixelSize returns the absolute pixel width and height.
func (m *Mosaic) PixelSize() (float64, float64) {
	return math.Abs(m.GeoTransform[1]), math.Abs(m.GeoTransform[5])
}

// Bounds returns the outer edges of the grid.
func (m *Mosaic) Bounds() geo.BoundingBox {
	gt := m.GeoTransform
	return geo.BoundingBox{
		MinX: gt[0],
		MaxX: gt[0] + float64(m.Cols)*gt[1],
		MaxY: gt[3],
		MinY: gt[3] + float64(m.Rows)*gt[5],
		EPSG: m.EPSG,
	}
}

// Contains reports whether the grid covers b entirely.
func (m *Mosaic) Contains(b geo.BoundingBox) bool {
	return m.Bounds().Contains(b)
}

func (m *Mosaic) At(col, row int) float32 {
	return m.Data[row*m.Cols+col]
}

func (m *Mosaic) Set(col, row int, v float32) {
	m.Data[row*m.Cols+col] = v
}

// IsFill reports whether v is the nodata sentinel of m.
func (m *Mosaic) IsFill(v float32) bool {
	return isFill(v, m.NoData)
}

// Clone returns a deep copy of m.
func (m *Mosaic) Clone() *Mosaic {
	c := *m
	c.Data = append([]float32(nil), m.Data...)
	return &c
}

// Valid returns the number of non-fill pixels.
func (m *Mosaic) Valid() int {
	n := 0
	for _, v := range m.Data {
		if !m.IsFill(v) {
			n++
		}
	}
	return n
}

func (m *Mosaic) validate() error {
	gt := m.GeoTransform
	switch {
	case m.Cols <= 0 || m.Rows <= 0:
		return errors.Errorf("empty grid %dx%d", m.Cols, m.Rows)
	case len(m.Data) != m.Cols*m.Rows:
		return errors.Errorf("buffer holds %d pixels, grid is %dx%d", len(m.Data), m.Cols, m.Rows)
	case gt[2] != 0 || gt[4] != 0:
		return errors.Wrap(ErrMisaligned, "rotated grids are not supported")
	case !(gt[1] > 0) || !(gt[5] < 0):
		return errors.Wrapf(ErrMisaligned, "grid is not north-up (pixel size %g x %g)", gt[1], gt[5])
	}
	return nil
}

func isFill(v float32, nodata float64) bool {
	if math.IsNaN(nodata) {
		return math.IsNaN(float64(v))
	}
	return v == float32(nodata)
}

// combine returns the value kept when src is laid over dst. Fill never wins
// over data; between two data values the larger one does.
func combine(dst, src float32, dstNoData, srcNoData float64) float32 {
	if isFill(src, srcNoData) {
		return dst
	}
	if isFill(dst, dstNoData) || src > dst {
		return src
	}
	return dst
}

// overlay lays src over dst. Both grids must share pixel size and alignment.
func overlay(dst, src *Mosaic) {
	pw, ph := dst.PixelSize()
	col0 := int(math.Round((src.GeoTransform[0] - dst.GeoTransform[0]) / pw))
	row0 := int(math.Round((dst.GeoTransform[3] - src.GeoTransform[3]) / ph))
	for row := 0; row < src.Rows; row++ {
		r := row0 + row
		if r < 0 || r >= dst.Rows {
			continue
		}
		for col := 0; col < src.Cols; col++ {
			c := col0 + col
			if c < 0 || c >= dst.Cols {
				continue
			}
			i := r*dst.Cols + c
			dst.Data[i] = combine(dst.Data[i], src.At(col, row), dst.NoData, src.NoData)
		}
	}
}

func offPixel(delta, size float64) bool {
	n := delta / size
	return math.Abs(n-math.Round(n)) > alignTolerance
}
