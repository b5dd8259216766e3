package geo

import (
	"math"

	"github.com/pkg/errors"
)

// CorrectorConfig enumerates the parameters of the polar bounds correction.
type CorrectorConfig struct {
	// ThresholdLat is the absolute latitude beyond which a box is corrected.
	ThresholdLat float64 `mapstructure:"threshold_lat"`

	// SouthernEPSG and NorthernEPSG are the polar stereographic references
	// used for boxes beyond -ThresholdLat and +ThresholdLat respectively.
	SouthernEPSG int `mapstructure:"southern_epsg"`
	NorthernEPSG int `mapstructure:"northern_epsg"`

	// SamplingDelta is the maximum spacing, in degrees, between perimeter
	// samples.
	SamplingDelta float64 `mapstructure:"sampling_delta"`
}

// DefaultCorrectorConfig uses the Antarctic and Arctic polar stereographic
// projections with a 50° threshold.
func DefaultCorrectorConfig() CorrectorConfig {
	return CorrectorConfig{
		ThresholdLat:  50,
		SouthernEPSG:  3031,
		NorthernEPSG:  3995,
		SamplingDelta: 0.1,
	}
}

func (c CorrectorConfig) Validate() error {
	switch {
	case !(c.ThresholdLat > 0 && c.ThresholdLat < 90):
		return errors.Errorf("threshold latitude must be in (0, 90), got %g", c.ThresholdLat)
	case c.SouthernEPSG <= 0 || c.NorthernEPSG <= 0:
		return errors.New("polar reference EPSG codes are required")
	case !(c.SamplingDelta > 0):
		return errors.Errorf("sampling delta must be positive, got %g", c.SamplingDelta)
	}
	return nil
}

// Corrector computes the true geographic extent of boxes near the poles.
//
// The edges of a longitude/latitude box are curves in a polar projection, so
// reprojecting the four corners alone underestimates the extent. The box
// perimeter is densified, projected into the hemisphere's polar
// stereographic CRS, enveloped there, and the envelope corners are brought
// back to geographic coordinates.
type Corrector struct {
	cfg CorrectorConfig
	tr  Transformer
}

func NewCorrector(cfg CorrectorConfig, tr Transformer) (*Corrector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid corrector configuration")
	}
	if tr == nil {
		return nil, errors.New("transformer is required")
	}
	return &Corrector{cfg: cfg, tr: tr}, nil
}

// Applies reports whether b reaches beyond the polar threshold.
func (c *Corrector) Applies(b BoundingBox) bool {
	return b.MaxY > c.cfg.ThresholdLat || b.MinY < -c.cfg.ThresholdLat
}

// Correct returns the corrected box. Boxes within the threshold are returned
// unchanged. The result always contains the input box.
func (c *Corrector) Correct(b BoundingBox) (BoundingBox, error) {
	if err := checkGeographic(b); err != nil {
		return BoundingBox{}, err
	}
	if !c.Applies(b) {
		return b, nil
	}

	north := b.MaxY > c.cfg.ThresholdLat
	south := b.MinY < -c.cfg.ThresholdLat
	if north && south {
		return BoundingBox{}, errors.Wrapf(ErrBothHemispheres, "%s", b)
	}
	epsg, pole := c.cfg.NorthernEPSG, 90.0
	if south {
		epsg, pole = c.cfg.SouthernEPSG, -90.0
	}

	ring, err := Densify(b, c.cfg.SamplingDelta)
	if err != nil {
		return BoundingBox{}, err
	}
	xs, ys := make([]float64, len(ring)), make([]float64, len(ring))
	for i, p := range ring {
		xs[i], ys[i] = p.X(), p.Y()
	}
	if err := c.tr.Transform(Geographic, epsg, xs, ys); err != nil {
		return BoundingBox{}, errors.Wrap(err, "projecting densified perimeter")
	}
	projected := boundsOf(xs, ys, epsg)

	px, py := []float64{0}, []float64{pole}
	if err := c.tr.Transform(Geographic, epsg, px, py); err != nil {
		return BoundingBox{}, errors.Wrap(err, "projecting pole")
	}
	if projected.Contains(BoundingBox{MinX: px[0], MinY: py[0], MaxX: px[0], MaxY: py[0], EPSG: epsg}) {
		return BoundingBox{}, errors.Wrapf(ErrPole, "projected extent of %s contains the pole", b)
	}

	cx := []float64{projected.MinX, projected.MaxX, projected.MaxX, projected.MinX}
	cy := []float64{projected.MaxY, projected.MaxY, projected.MinY, projected.MinY}
	if err := c.tr.Transform(epsg, Geographic, cx, cy); err != nil {
		return BoundingBox{}, errors.Wrap(err, "unprojecting corrected extent")
	}
	corrected := boundsOf(cx, cy, Geographic)
	if corrected.Width() > 180 {
		return BoundingBox{}, errors.Wrapf(ErrAntimeridian, "corrected extent of %s wraps around", b)
	}
	return corrected.Union(b), nil
}

// checkGeographic rejects boxes the correction cannot reason about.
func checkGeographic(b BoundingBox) error {
	if b.EPSG != Geographic {
		return errors.Wrapf(ErrUnsupportedCRS, "expected EPSG:%d, got EPSG:%d", Geographic, b.EPSG)
	}
	if _, err := NewBoundingBox(b.MinX, b.MinY, b.MaxX, b.MaxY, b.EPSG); err != nil {
		return err
	}
	if b.IsEmpty() {
		return errors.Wrapf(ErrDegenerate, "zero-area box %s", b)
	}
	if b.MinX < -180 || b.MaxX > 180 || b.Width() >= 180 {
		return errors.Wrapf(ErrAntimeridian, "%s", b)
	}
	if math.Abs(b.MinY) >= 90 || math.Abs(b.MaxY) >= 90 {
		return errors.Wrapf(ErrPole, "%s", b)
	}
	return nil
}
