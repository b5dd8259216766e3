package geo

import "github.com/pkg/errors"

// Geometry failures. All of them are fatal for the scene being processed.
var (
	ErrDegenerate       = errors.New("degenerate geometry")
	ErrAntimeridian     = errors.New("geometry crosses the antimeridian")
	ErrPole             = errors.New("geometry touches or contains a pole")
	ErrBothHemispheres  = errors.New("box exceeds the polar threshold in both hemispheres")
	ErrUnsupportedCRS   = errors.New("unsupported coordinate reference system")
	ErrInvalidFootprint = errors.New("invalid footprint")
)
