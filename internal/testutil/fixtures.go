package testutil

import (
	"os"
	"path"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/airbusgeo/godal"
)

// FixturePath returns the absolute path of a file under the repository's
// testdata directory.
func FixturePath(t *testing.T, relPath string) string {
	t.Helper()

	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("error loading caller")
	}

	return path.Join(path.Dir(filename), "../../", "testdata", relPath)
}

// Fixture reads a file under the repository's testdata directory.
func Fixture(t *testing.T, relPath string) []byte {
	t.Helper()

	p := FixturePath(t, relPath)
	bytes, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("error loading fixture %s: %v", p, err)
	}

	return bytes
}

// Grid describes a synthetic north-up raster.
type Grid struct {
	OriginX, OriginY float64
	PixelW, PixelH   float64
	Cols, Rows       int
	EPSG             int
	NoData           float64
	// Value returns the pixel at col, row. Nil fills the grid with NoData.
	Value func(col, row int) float32
}

// GeoTransform returns the GDAL geotransform of the grid.
func (g Grid) GeoTransform() [6]float64 {
	return [6]float64{g.OriginX, g.PixelW, 0, g.OriginY, 0, -g.PixelH}
}

// TileGrid returns the grid of a one-degree geographic tile whose south-west
// corner is lat, lon, sampled at n pixels per degree.
func TileGrid(lat, lon, n int, nodata float64) Grid {
	return Grid{
		OriginX: float64(lon), OriginY: float64(lat + 1),
		PixelW: 1 / float64(n), PixelH: 1 / float64(n),
		Cols: n, Rows: n,
		EPSG:   4326,
		NoData: nodata,
	}
}

// PointTileGrid is TileGrid for a pixel-is-point product: the cell centres
// sit on the integer grid, so the extent is shifted half a pixel west and
// north.
func PointTileGrid(lat, lon, n int, nodata float64) Grid {
	g := TileGrid(lat, lon, n, nodata)
	g.OriginX -= g.PixelW / 2
	g.OriginY += g.PixelH / 2
	return g
}

// Constant returns a Value function always returning v.
func Constant(v float32) func(col, row int) float32 {
	return func(int, int) float32 { return v }
}

// WriteGeoTIFF writes the grid as a float32 GeoTIFF named name inside a
// temporary directory owned by t and returns its path.
func WriteGeoTIFF(t *testing.T, name string, g Grid) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	ds, err := godal.Create(godal.GTiff, p, 1, godal.Float32, g.Cols, g.Rows)
	if err != nil {
		t.Fatalf("error creating %s: %v", p, err)
	}
	sr, err := godal.NewSpatialRefFromEPSG(g.EPSG)
	if err != nil {
		t.Fatalf("error creating EPSG:%d: %v", g.EPSG, err)
	}
	defer sr.Close()

	data := make([]float32, g.Cols*g.Rows)
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			v := float32(g.NoData)
			if g.Value != nil {
				v = g.Value(col, row)
			}
			data[row*g.Cols+col] = v
		}
	}

	band := ds.Bands()[0]
	for _, err := range []error{
		ds.SetGeoTransform(g.GeoTransform()),
		ds.SetSpatialRef(sr),
		band.SetNoData(g.NoData),
		band.Write(0, 0, data, g.Cols, g.Rows),
		ds.Close(),
	} {
		if err != nil {
			t.Fatalf("error writing %s: %v", p, err)
		}
	}
	return p
}
