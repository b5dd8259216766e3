package raster

import (
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// Load reads the first band of a raster file. nodata is used when the file
// does not declare its own sentinel.
func Load(path string, nodata float64) (*Mosaic, error) {
	ds, err := godal.Open(path, godal.ErrLogger(ignoreWarnings))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.NBands < 1 {
		return nil, errors.Errorf("%s has no bands", path)
	}
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, errors.Wrapf(err, "reading geotransform of %s", path)
	}
	epsg, err := epsgOf(ds.SpatialRef())
	if err != nil {
		return nil, errors.Wrapf(err, "reading CRS of %s", path)
	}

	band := ds.Bands()[0]
	if nd, ok := band.NoData(); ok {
		nodata = nd
	}
	m := &Mosaic{
		GeoTransform: gt,
		Cols:         st.SizeX,
		Rows:         st.SizeY,
		EPSG:         epsg,
		NoData:       nodata,
		Data:         make([]float32, st.SizeX*st.SizeY),
	}
	if err := band.Read(0, 0, m.Data, m.Cols, m.Rows); err != nil {
		return nil, errors.Wrapf(err, "reading pixels of %s", path)
	}
	return m, nil
}

// LoadAll reads every file with Load.
func LoadAll(paths []string, nodata float64) ([]*Mosaic, error) {
	out := make([]*Mosaic, 0, len(paths))
	for _, p := range paths {
		m, err := Load(p, nodata)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Save writes m as a single-band float32 GeoTIFF tagged as pixel-is-point.
// The file is written next to path and renamed once complete.
func Save(m *Mosaic, path string) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	tmp := path + ".part-" + uuid.New().String()
	if err := write(m, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return errors.Wrap(os.Rename(tmp, path), "moving raster into place")
}

func write(m *Mosaic, path string) error {
	ds, err := godal.Create(godal.GTiff, path, 1, godal.Float32, m.Cols, m.Rows,
		godal.CreationOption("TILED=YES", "COMPRESS=DEFLATE", "PREDICTOR=3", "BIGTIFF=IF_SAFER"))
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	sr, err := godal.NewSpatialRefFromEPSG(m.EPSG)
	if err != nil {
		ds.Close()
		return errors.Wrapf(err, "EPSG:%d", m.EPSG)
	}
	defer sr.Close()

	band := ds.Bands()[0]
	steps := []func() error{
		func() error { return ds.SetGeoTransform(m.GeoTransform) },
		func() error { return ds.SetSpatialRef(sr) },
		func() error { return ds.SetMetadata("AREA_OR_POINT", "Point") },
		func() error { return band.SetNoData(m.NoData) },
		func() error { return band.Write(0, 0, m.Data, m.Cols, m.Rows) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			ds.Close()
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	return errors.Wrapf(ds.Close(), "closing %s", path)
}

func epsgOf(sr *godal.SpatialRef) (int, error) {
	if sr == nil {
		return 0, errors.New("raster has no spatial reference")
	}
	code := sr.AuthorityCode("")
	if code == "" {
		return 0, errors.New("spatial reference has no EPSG code")
	}
	return cast.ToIntE(code)
}

func ignoreWarnings(ec godal.ErrorCategory, code int, msg string) error {
	if ec == godal.CE_Warning {
		return nil
	}
	return errors.New(msg)
}
