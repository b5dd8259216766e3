// Package tiles maps geographic extents onto the 1°×1° DEM tile grid and
// brings the matching tiles into a local cache.
package tiles

import (
	"fmt"
	"math"
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/polarsar/demprep/geo"
)

// ErrNoTiles is returned when an extent maps onto no tile at all.
var ErrNoTiles = errors.New("no tiles cover the extent")

// ID identifies a grid cell by the latitude and longitude of its south-west
// corner.
type ID struct {
	Lat int `json:"lat" csv:"lat"`
	Lon int `json:"lon" csv:"lon"`
}

// String returns the hemisphere-lettered cell name, e.g. S17_00_E130_00.
func (id ID) String() string {
	latDir, lonDir := "N", "E"
	if id.Lat < 0 {
		latDir = "S"
	}
	if id.Lon < 0 {
		lonDir = "W"
	}
	return fmt.Sprintf("%s%02d_00_%s%03d_00", latDir, abs(id.Lat), lonDir, abs(id.Lon))
}

// Bounds returns the geographic extent of the cell.
func (id ID) Bounds() geo.BoundingBox {
	return geo.BoundingBox{
		MinX: float64(id.Lon), MinY: float64(id.Lat),
		MaxX: float64(id.Lon + 1), MaxY: float64(id.Lat + 1),
		EPSG: geo.Geographic,
	}
}

func (id ID) less(other ID) bool {
	if id.Lat != other.Lat {
		return id.Lat < other.Lat
	}
	return id.Lon < other.Lon
}

// Naming is the remote naming rule of a tile product.
type Naming struct {
	Product    string `mapstructure:"product"`
	Resolution string `mapstructure:"resolution"`
}

// DefaultNaming is the layout of the public 30 m Copernicus DEM bucket.
func DefaultNaming() Naming {
	return Naming{Product: "Copernicus_DSM_COG", Resolution: "10"}
}

// Stem returns the tile name shared by its directory and file, e.g.
// Copernicus_DSM_COG_10_S17_00_E130_00_DEM.
func (n Naming) Stem(id ID) string {
	return fmt.Sprintf("%s_%s_%s_DEM", n.Product, n.Resolution, id)
}

// Margin returns half the pixel spacing of the product in degrees. The
// Copernicus tiles are pixel-is-point rasters, so their extents sit half a
// pixel off the integer grid and a box edge within that distance of a cell
// boundary needs the neighbouring cell too. The resolution code counts
// tenths of an arc second; an unreadable code falls back to one arc second.
func (n Naming) Margin() float64 {
	tenths, err := cast.ToFloat64E(n.Resolution)
	if err != nil || tenths <= 0 {
		tenths = 10
	}
	return tenths / 10 / 3600 / 2
}

// Key returns the object key of the tile relative to the bucket root.
func (n Naming) Key(id ID) string {
	stem := n.Stem(id)
	return path.Join(stem, stem+".tif")
}

// Locate returns every grid cell intersecting the closed geographic box b
// grown by margin degrees on each side, sorted south to north then west to
// east. A grown edge lying exactly on a cell boundary pulls in the cell
// beyond it.
func Locate(b geo.BoundingBox, margin float64) ([]ID, error) {
	if b.EPSG != geo.Geographic {
		return nil, errors.Wrapf(geo.ErrUnsupportedCRS, "tiles are located from geographic boxes, got %s", b)
	}
	if _, err := geo.NewBoundingBox(b.MinX, b.MinY, b.MaxX, b.MaxY, b.EPSG); err != nil {
		return nil, err
	}
	if margin < 0 {
		return nil, errors.Errorf("negative tile margin %g", margin)
	}

	minLat, maxLat := band(b.MinY-margin, -90, 89), band(b.MaxY+margin, -90, 89)
	minLon, maxLon := band(b.MinX-margin, -180, 179), band(b.MaxX+margin, -180, 179)

	seen := make(map[ID]struct{})
	for lat := minLat; lat <= maxLat; lat++ {
		for lon := minLon; lon <= maxLon; lon++ {
			seen[ID{Lat: lat, Lon: lon}] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, errors.Wrap(ErrNoTiles, b.String())
	}
	ids := make([]ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
	return ids, nil
}

func band(v float64, lo, hi int) int {
	i := int(math.Floor(v))
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
