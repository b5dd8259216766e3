package geo

import (
	"github.com/airbusgeo/godal"
	"github.com/pkg/errors"
)

// Transformer reprojects coordinates in place between two CRSs identified by
// their EPSG codes. Geographic coordinates are longitude/latitude ordered.
type Transformer interface {
	Transform(srcEPSG, dstEPSG int, xs, ys []float64) error
}

// GDALTransformer implements Transformer with GDAL/OSR. It holds no state;
// spatial references are created and released on every call.
type GDALTransformer struct{}

var _ Transformer = GDALTransformer{}

func (GDALTransformer) Transform(srcEPSG, dstEPSG int, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return errors.Errorf("coordinate slices differ in length (%d != %d)", len(xs), len(ys))
	}
	if srcEPSG == dstEPSG || len(xs) == 0 {
		return nil
	}
	src, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return errors.Wrapf(ErrUnsupportedCRS, "EPSG:%d: %v", srcEPSG, err)
	}
	defer src.Close()
	dst, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		return errors.Wrapf(ErrUnsupportedCRS, "EPSG:%d: %v", dstEPSG, err)
	}
	defer dst.Close()

	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		return errors.Wrapf(err, "creating transform EPSG:%d -> EPSG:%d", srcEPSG, dstEPSG)
	}
	defer tr.Close()

	ok := make([]bool, len(xs))
	if err := tr.TransformEx(xs, ys, nil, ok); err != nil {
		return errors.Wrapf(err, "transforming EPSG:%d -> EPSG:%d", srcEPSG, dstEPSG)
	}
	for i := range ok {
		if !ok[i] {
			return errors.Errorf("point %d could not be transformed EPSG:%d -> EPSG:%d", i, srcEPSG, dstEPSG)
		}
	}
	return nil
}
