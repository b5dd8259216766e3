package geoid

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/polarsar/demprep/raster"
)

// ErrNoUndulation is returned when the geoid model has no value under a
// valid DEM pixel.
var ErrNoUndulation = errors.New("geoid undulation unavailable")

// ToEllipsoid converts the heights of dem in place from geoid to ellipsoid
// reference by subtracting the undulation of model at every valid pixel.
// Fill pixels are left untouched.
//
// The DEM and the model are both sampled at pixel centres, so callers must
// make sure their pixel-is-point or pixel-is-area conventions agree. The
// model is sampled one row at a time and rows holding only fill are skipped.
func ToEllipsoid(dem *raster.Mosaic, model Model) error {
	und := make([]float64, dem.Cols)
	for row := 0; row < dem.Rows; row++ {
		line := dem.Data[row*dem.Cols : (row+1)*dem.Cols]
		if !hasData(dem, line) {
			continue
		}
		if err := model.Undulations(dem, row, und); err != nil {
			return errors.Wrap(err, "sampling geoid")
		}
		for col, v := range line {
			if dem.IsFill(v) {
				continue
			}
			if math.IsNaN(und[col]) {
				return errors.Wrapf(ErrNoUndulation, "pixel %d,%d", col, row)
			}
			line[col] = float32(float64(v) - und[col])
		}
	}
	return nil
}

func hasData(dem *raster.Mosaic, line []float32) bool {
	for _, v := range line {
		if !dem.IsFill(v) {
			return true
		}
	}
	return false
}

// Range is an inclusive interval of plausible mean heights in metres.
type Range struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// DefaultRange spans the lowest and highest land surfaces with some margin.
func DefaultRange() Range {
	return Range{Min: -500, Max: 9000}
}

// Stats summarises the valid pixels of a DEM.
type Stats struct {
	Valid int
	Mean  float64
	Min   float64
	Max   float64
}

// Summarize computes Stats over the non-fill pixels of dem.
func Summarize(dem *raster.Mosaic) Stats {
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range dem.Data {
		if dem.IsFill(v) {
			continue
		}
		f := float64(v)
		sum += f
		s.Valid++
		s.Min = math.Min(s.Min, f)
		s.Max = math.Max(s.Max, f)
	}
	if s.Valid == 0 {
		return Stats{}
	}
	s.Mean = sum / float64(s.Valid)
	return s
}

// SanityCheck returns a warning when the mean height of dem lies outside r,
// which hints at a datum or pixel convention mismatch. It never fails the
// run: an empty string means nothing looked wrong.
func SanityCheck(dem *raster.Mosaic, r Range) (Stats, string) {
	s := Summarize(dem)
	switch {
	case s.Valid == 0:
		return s, "DEM holds no valid elevation"
	case s.Mean < r.Min || s.Mean > r.Max:
		return s, fmt.Sprintf("mean height %.1f m outside the expected range [%g, %g] m", s.Mean, r.Min, r.Max)
	}
	return s, ""
}
