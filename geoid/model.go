// Package geoid re-references DEM heights from a geoid to the WGS 84
// ellipsoid.
package geoid

import (
	"math"

	"github.com/pkg/errors"

	"github.com/polarsar/demprep/raster"
)

// Model provides geoid undulations, the height of the geoid above the
// ellipsoid.
type Model interface {
	// Undulations fills dst with the undulations under one row of grid,
	// sampled at pixel centres. dst holds grid.Cols values. Unknown
	// locations are NaN.
	Undulations(grid *raster.Mosaic, row int, dst []float64) error
}

// Constant is a flat geoid, mostly useful for tests and for DEMs already
// referenced to the ellipsoid (Constant(0)).
type Constant float64

func (c Constant) Undulations(grid *raster.Mosaic, row int, dst []float64) error {
	for i := range dst {
		dst[i] = float64(c)
	}
	return nil
}

// Grid is a geoid model backed by a georeferenced undulation grid,
// interpolated bilinearly between grid nodes.
type Grid struct {
	g *raster.Mosaic
	// wrap is set for grids spanning the whole globe in longitude.
	wrap bool
}

// NewGrid returns a model sampling g. The grid is not copied.
func NewGrid(g *raster.Mosaic) *Grid {
	return &Grid{g: g, wrap: g.EPSG == 4326 && math.Abs(g.Bounds().Width()-360) < 1e-6}
}

// LoadGrid reads an undulation grid from a raster file.
func LoadGrid(path string) (*Grid, error) {
	g, err := raster.Load(path, math.NaN())
	if err != nil {
		return nil, errors.Wrap(err, "loading geoid grid")
	}
	return NewGrid(g), nil
}

func (m *Grid) Undulations(grid *raster.Mosaic, row int, dst []float64) error {
	if grid.EPSG != m.g.EPSG {
		return errors.Wrapf(raster.ErrCRSMismatch, "geoid EPSG:%d, DEM EPSG:%d", m.g.EPSG, grid.EPSG)
	}
	gt := grid.GeoTransform
	y := gt[3] + (float64(row)+0.5)*gt[5]
	for col := range dst {
		x := gt[0] + (float64(col)+0.5)*gt[1]
		dst[col] = m.sample(x, y)
	}
	return nil
}

// sample interpolates the grid at x, y. Nodes holding nodata are ignored
// and the remaining weights renormalised.
func (m *Grid) sample(x, y float64) float64 {
	g := m.g
	pw, ph := g.PixelSize()
	gx0 := g.GeoTransform[0]
	if m.wrap {
		for x < gx0 {
			x += 360
		}
		for x >= gx0+360 {
			x -= 360
		}
	}
	// Fractional position relative to node centres.
	fx := (x-gx0)/pw - 0.5
	fy := (g.GeoTransform[3]-y)/ph - 0.5
	if fx < -0.5 || fy < -0.5 || fx > float64(g.Cols)-0.5 || fy > float64(g.Rows)-0.5 {
		return math.NaN()
	}

	c0, r0 := int(math.Floor(fx)), int(math.Floor(fy))
	tx, ty := fx-float64(c0), fy-float64(r0)
	var sum, weight float64
	for dr := 0; dr <= 1; dr++ {
		for dc := 0; dc <= 1; dc++ {
			w := lerpWeight(tx, dc) * lerpWeight(ty, dr)
			if w == 0 {
				continue
			}
			c, r := m.column(c0+dc), clamp(r0+dr, g.Rows)
			v := g.At(c, r)
			if g.IsFill(v) || math.IsNaN(float64(v)) {
				continue
			}
			sum += w * float64(v)
			weight += w
		}
	}
	if weight == 0 {
		return math.NaN()
	}
	return sum / weight
}

func (m *Grid) column(c int) int {
	if m.wrap {
		return (c%m.g.Cols + m.g.Cols) % m.g.Cols
	}
	return clamp(c, m.g.Cols)
}

func lerpWeight(t float64, i int) float64 {
	if i == 0 {
		return 1 - t
	}
	return t
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
