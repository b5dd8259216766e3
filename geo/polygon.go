package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// Densify samples the perimeter of b into a closed ring whose consecutive
// vertices are at most delta units apart. Edges are visited top (left to
// right), right (top to bottom), bottom (right to left) and left (bottom to
// top) so the ring never intersects itself. Corners are always included.
func Densify(b BoundingBox, delta float64) (orb.Ring, error) {
	if !(delta > 0) {
		return nil, errors.Errorf("sampling delta must be positive, got %g", delta)
	}
	if b.IsEmpty() {
		return nil, errors.Wrapf(ErrDegenerate, "cannot densify %s", b)
	}

	nx, ny := segments(b.Width(), delta), segments(b.Height(), delta)
	dx, dy := b.Width()/float64(nx), b.Height()/float64(ny)

	ring := make(orb.Ring, 0, 2*(nx+ny)+1)
	for i := 0; i < nx; i++ {
		ring = append(ring, orb.Point{b.MinX + float64(i)*dx, b.MaxY})
	}
	for i := 0; i < ny; i++ {
		ring = append(ring, orb.Point{b.MaxX, b.MaxY - float64(i)*dy})
	}
	for i := 0; i < nx; i++ {
		ring = append(ring, orb.Point{b.MaxX - float64(i)*dx, b.MinY})
	}
	for i := 0; i < ny; i++ {
		ring = append(ring, orb.Point{b.MinX, b.MinY + float64(i)*dy})
	}
	return append(ring, ring[0]), nil
}

func segments(length, delta float64) int {
	n := int(math.Ceil(length / delta))
	if n < 1 {
		return 1
	}
	return n
}
